// Package mixservice implements the request-facing operations of the mixer:
// creating mix requests, confirming deposits, and reporting status and quotes.
package mixservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juno-intents/hopmix/internal/hopplan"
	"github.com/juno-intents/hopmix/internal/metrics"
	"github.com/juno-intents/hopmix/internal/mix"
	"github.com/juno-intents/hopmix/internal/mixevent"
	"github.com/juno-intents/hopmix/internal/pricing"
	"github.com/juno-intents/hopmix/internal/transfer"
	"github.com/juno-intents/hopmix/internal/walletpool"
	"github.com/shopspring/decimal"
)

const DefaultMaxDelayMinutes = 1440

var (
	ErrInvalidConfig      = errors.New("mixservice: invalid config")
	ErrInvalidRequest     = errors.New("mixservice: invalid request")
	ErrNotFound           = errors.New("mixservice: not found")
	ErrConflict           = errors.New("mixservice: conflict")
	ErrDepositNotObserved = errors.New("mixservice: deposit not observed")
)

type Pool interface {
	DepositAddress(chain mix.Chain) (walletpool.DepositAddress, error)
}

type Planner interface {
	TotalHops() int
	HopDelay(base time.Duration) time.Duration
}

// Chains answers token, address and balance questions per chain. *transfer.Router implements it.
type Chains interface {
	Token(chain mix.Chain, symbol string) (transfer.Token, error)
	ValidateAddress(chain mix.Chain, addr string) error
	Balance(ctx context.Context, chain mix.Chain, index int, token string) (decimal.Decimal, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, e mixevent.Event) error
}

type Config struct {
	Fees pricing.FeeSchedule
	// Chains lists the chains accepting new requests.
	Chains []mix.Chain

	// MaxDelayMinutes bounds the user-requested delay. Defaults to DefaultMaxDelayMinutes.
	MaxDelayMinutes int

	// VerifyDeposits makes ConfirmDeposit check the deposit wallet's balance first.
	VerifyDeposits bool

	Now   func() time.Time
	NewID func() string
}

type Service struct {
	cfg     Config
	enabled map[mix.Chain]bool

	store   mix.Store
	pool    Pool
	planner Planner
	chains  Chains

	events  EventPublisher
	metrics *metrics.Metrics

	log *slog.Logger
}

func New(cfg Config, store mix.Store, pool Pool, planner Planner, chains Chains, log *slog.Logger) (*Service, error) {
	if store == nil || pool == nil || planner == nil || chains == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Fees.Percent.IsNegative() {
		return nil, fmt.Errorf("%w: negative fee percent", ErrInvalidConfig)
	}
	if len(cfg.Chains) == 0 {
		return nil, fmt.Errorf("%w: no chains enabled", ErrInvalidConfig)
	}
	enabled := make(map[mix.Chain]bool, len(cfg.Chains))
	for _, c := range cfg.Chains {
		if _, err := mix.ParseChain(string(c)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		enabled[c] = true
	}
	if cfg.MaxDelayMinutes == 0 {
		cfg.MaxDelayMinutes = DefaultMaxDelayMinutes
	}
	if cfg.MaxDelayMinutes < 0 {
		return nil, fmt.Errorf("%w: MaxDelayMinutes must be >= 0", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Service{
		cfg:     cfg,
		enabled: enabled,
		store:   store,
		pool:    pool,
		planner: planner,
		chains:  chains,
		log:     log,
	}, nil
}

// WithEvents publishes lifecycle events for created and deposited requests.
func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

type CreateInput struct {
	Chain            string
	Token            string
	Amount           string
	SenderAddress    string
	RecipientAddress string
	DelayMinutes     int
}

type CreateResult struct {
	ID             string
	DepositAddress string
	DepositAmount  decimal.Decimal
	Fee            decimal.Decimal
	OutputAmount   decimal.Decimal
	Message        string
}

func (s *Service) Create(ctx context.Context, in CreateInput) (CreateResult, error) {
	chain, err := s.chain(in.Chain)
	if err != nil {
		return CreateResult{}, err
	}
	tok, err := s.chains.Token(chain, in.Token)
	if err != nil {
		return CreateResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	amount, err := pricing.ParseAmount(in.Amount)
	if err != nil {
		return CreateResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	q, err := s.cfg.Fees.Quote(amount, tok.Decimals)
	if err != nil {
		return CreateResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	sender := strings.TrimSpace(in.SenderAddress)
	recipient := strings.TrimSpace(in.RecipientAddress)
	if sender == "" || recipient == "" {
		return CreateResult{}, fmt.Errorf("%w: sender and recipient are required", ErrInvalidRequest)
	}
	if err := s.chains.ValidateAddress(chain, sender); err != nil {
		return CreateResult{}, fmt.Errorf("%w: sender: %v", ErrInvalidRequest, err)
	}
	if err := s.chains.ValidateAddress(chain, recipient); err != nil {
		return CreateResult{}, fmt.Errorf("%w: recipient: %v", ErrInvalidRequest, err)
	}
	if in.DelayMinutes < 0 || in.DelayMinutes > s.cfg.MaxDelayMinutes {
		return CreateResult{}, fmt.Errorf("%w: delay must be within [0, %d] minutes", ErrInvalidRequest, s.cfg.MaxDelayMinutes)
	}

	dep, err := s.pool.DepositAddress(chain)
	if err != nil {
		return CreateResult{}, err
	}

	now := s.cfg.Now()
	r := mix.Request{
		ID:               s.cfg.NewID(),
		Chain:            chain,
		Token:            tok.Symbol,
		OriginalAmount:   q.InputAmount,
		Fee:              q.Fee,
		Amount:           q.OutputAmount,
		SenderAddress:    sender,
		RecipientAddress: recipient,
		DepositAddress:   dep.Address,
		DepositWallet:    dep.Index,
		CurrentWallet:    dep.Index,
		Status:           mix.StatusPendingDeposit,
		TotalHops:        s.planner.TotalHops(),
		DelayMinutes:     in.DelayMinutes,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return CreateResult{}, err
	}
	s.log.Info("mix created", "id", r.ID, "chain", chain, "token", r.Token, "hops", r.TotalHops, "delay_minutes", r.DelayMinutes)
	s.metrics.RequestCreated(string(chain))
	s.publish(ctx, mixevent.Created(r, now))

	return CreateResult{
		ID:             r.ID,
		DepositAddress: r.DepositAddress,
		DepositAmount:  r.OriginalAmount,
		Fee:            r.Fee,
		OutputAmount:   r.Amount,
		Message:        fmt.Sprintf("Send exactly %s %s to %s, then confirm the deposit transaction.", r.OriginalAmount, r.Token, r.DepositAddress),
	}, nil
}

// ConfirmDeposit moves a pending request to deposited and schedules its first hop.
// Confirming again with the same transaction is a no-op.
func (s *Service) ConfirmDeposit(ctx context.Context, id string, txHash string) (mix.Request, error) {
	id = strings.TrimSpace(id)
	txHash = strings.TrimSpace(txHash)
	if id == "" {
		return mix.Request{}, fmt.Errorf("%w: missing id", ErrInvalidRequest)
	}
	if txHash == "" {
		return mix.Request{}, fmt.Errorf("%w: missing deposit transaction", ErrInvalidRequest)
	}

	r, err := s.get(ctx, id)
	if err != nil {
		return mix.Request{}, err
	}
	switch {
	case r.Status == mix.StatusPendingDeposit:
	case r.DepositTxHash == txHash && r.Status != mix.StatusPendingDeposit:
		return r, nil
	default:
		return mix.Request{}, fmt.Errorf("%w: request %s is %s", ErrConflict, id, r.Status)
	}

	if s.cfg.VerifyDeposits {
		bal, err := s.chains.Balance(ctx, r.Chain, r.DepositWallet, r.Token)
		if err != nil {
			return mix.Request{}, fmt.Errorf("mixservice: read deposit balance: %w", err)
		}
		if bal.LessThan(r.OriginalAmount) {
			return mix.Request{}, fmt.Errorf("%w: wallet holds %s %s, want %s", ErrDepositNotObserved, bal, r.Token, r.OriginalAmount)
		}
	}

	now := s.cfg.Now()
	next := now.Add(s.planner.HopDelay(hopplan.BaseDelay(r.DelayMinutes, r.TotalHops)))
	out, err := s.store.ConfirmDeposit(ctx, id, txHash, next)
	if err != nil {
		switch {
		case errors.Is(err, mix.ErrNotFound):
			return mix.Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		case errors.Is(err, mix.ErrInvalidTransition):
			return mix.Request{}, fmt.Errorf("%w: %v", ErrConflict, err)
		default:
			return mix.Request{}, err
		}
	}
	s.log.Info("deposit confirmed", "id", id, "chain", out.Chain, "next_hop_at", out.NextHopAt)
	s.metrics.DepositConfirmed(string(out.Chain))
	s.publish(ctx, mixevent.Deposited(out, now))
	return out, nil
}

type StatusView struct {
	ID          string
	Status      mix.Status
	Progress    int
	CurrentHop  int
	TotalHops   int
	CompletedAt *time.Time
	Error       string
}

func (s *Service) Status(ctx context.Context, id string) (StatusView, error) {
	r, err := s.get(ctx, strings.TrimSpace(id))
	if err != nil {
		return StatusView{}, err
	}
	v := StatusView{
		ID:         r.ID,
		Status:     r.Status,
		Progress:   r.Progress(),
		CurrentHop: r.CurrentHop,
		TotalHops:  r.TotalHops,
		Error:      r.ErrorMessage,
	}
	if !r.CompletedAt.IsZero() {
		t := r.CompletedAt.UTC()
		v.CompletedAt = &t
	}
	return v, nil
}

// Quote prices amount against the fee schedule. It has no side effects.
func (s *Service) Quote(amount string) (pricing.Quote, error) {
	a, err := pricing.ParseAmount(amount)
	if err != nil {
		return pricing.Quote{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	q, err := s.cfg.Fees.Quote(a, pricing.QuotePlaces)
	if err != nil {
		return pricing.Quote{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return q, nil
}

func (s *Service) DepositAddress(chain string) (walletpool.DepositAddress, error) {
	c, err := s.chain(chain)
	if err != nil {
		return walletpool.DepositAddress{}, err
	}
	return s.pool.DepositAddress(c)
}

func (s *Service) chain(v string) (mix.Chain, error) {
	c, err := mix.ParseChain(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !s.enabled[c] {
		return "", fmt.Errorf("%w: chain %s is not enabled", ErrInvalidRequest, c)
	}
	return c, nil
}

func (s *Service) get(ctx context.Context, id string) (mix.Request, error) {
	if id == "" {
		return mix.Request{}, fmt.Errorf("%w: missing id", ErrInvalidRequest)
	}
	r, err := s.store.Get(ctx, id)
	if errors.Is(err, mix.ErrNotFound) {
		return mix.Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

func (s *Service) publish(ctx context.Context, e mixevent.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, e); err != nil {
		s.log.Warn("publish event", "id", e.ID, "version", e.Version, "err", err)
	}
}
