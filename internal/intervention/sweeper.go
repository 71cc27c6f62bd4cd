// Package intervention reports funds left in pool wallets by failed mix requests.
// Failed requests are never refunded automatically; operators recover the funds
// out of band using this report.
package intervention

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/juno-intents/hopmix/internal/metrics"
	"github.com/juno-intents/hopmix/internal/mix"
	"github.com/juno-intents/hopmix/internal/mixevent"
	"github.com/shopspring/decimal"
)

const DefaultLimit = 1000

var ErrInvalidConfig = errors.New("intervention: invalid config")

// Balances reads live pool wallet balances. *transfer.Router implements it.
type Balances interface {
	Balance(ctx context.Context, chain mix.Chain, index int, token string) (decimal.Decimal, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, e mixevent.Event) error
}

type Config struct {
	// Limit is the page size used to walk failed requests. Defaults to DefaultLimit.
	Limit int
	Now   func() time.Time
}

// Stranded is one failed request whose deposit still sits in a pool wallet.
type Stranded struct {
	ID     string
	Chain  mix.Chain
	Token  string
	Wallet int
	// Amount is what the request left behind: the full deposit, fee included.
	Amount decimal.Decimal
	// WalletBalance is the wallet's live balance of Token, when Balances is configured.
	WalletBalance *decimal.Decimal
	Hop           int
	Error         string
}

type Report struct {
	At       time.Time
	Stranded []Stranded
	// ByChain counts stranded requests per chain.
	ByChain map[mix.Chain]int
}

type Sweeper struct {
	cfg      Config
	store    mix.Store
	balances Balances
	events   EventPublisher
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func New(cfg Config, store mix.Store, log *slog.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.Limit == 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Limit < 0 {
		return nil, fmt.Errorf("%w: Limit must be > 0", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Sweeper{cfg: cfg, store: store, log: log}, nil
}

func (s *Sweeper) WithBalances(b Balances) *Sweeper {
	s.balances = b
	return s
}

// WithEvents publishes one mix.stranded event per request. Delivery is recorded on
// the request, so restarts and other sweepers do not repeat it.
func (s *Sweeper) WithEvents(p EventPublisher) *Sweeper {
	s.events = p
	return s
}

func (s *Sweeper) WithMetrics(m *metrics.Metrics) *Sweeper {
	s.metrics = m
	return s
}

// Sweep lists every failed request and reports where its funds are held.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	now := s.cfg.Now()
	rep := Report{At: now, ByChain: make(map[mix.Chain]int)}

	var after mix.Cursor
	for {
		page, err := s.store.ListByStatus(ctx, mix.StatusFailed, after, s.cfg.Limit)
		if err != nil {
			return Report{}, fmt.Errorf("intervention: list failed: %w", err)
		}
		for _, r := range page {
			s.sweepOne(ctx, r, now, &rep)
		}
		if len(page) < s.cfg.Limit {
			break
		}
		after = mix.CursorOf(page[len(page)-1])
	}

	for _, c := range mix.Chains {
		s.metrics.SetStranded(string(c), rep.ByChain[c])
	}
	slices.SortFunc(rep.Stranded, func(a, b Stranded) int {
		if a.Chain != b.Chain {
			if a.Chain < b.Chain {
				return -1
			}
			return 1
		}
		if a.Wallet != b.Wallet {
			return a.Wallet - b.Wallet
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return rep, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, r mix.Request, now time.Time, rep *Report) {
	if r.CurrentWallet <= 0 {
		return
	}
	st := Stranded{
		ID:     r.ID,
		Chain:  r.Chain,
		Token:  r.Token,
		Wallet: r.CurrentWallet,
		Amount: r.OriginalAmount,
		Hop:    r.CurrentHop,
		Error:  r.ErrorMessage,
	}
	if s.balances != nil {
		bal, err := s.balances.Balance(ctx, r.Chain, r.CurrentWallet, r.Token)
		if err != nil {
			s.log.Warn("read stranded wallet balance", "id", r.ID, "chain", r.Chain, "wallet", r.CurrentWallet, "err", err)
		} else {
			st.WalletBalance = &bal
		}
	}
	rep.Stranded = append(rep.Stranded, st)
	rep.ByChain[r.Chain]++

	if !r.StrandedReportedAt.IsZero() {
		return
	}
	s.log.Warn("stranded funds need manual recovery",
		"id", r.ID, "chain", r.Chain, "token", r.Token, "wallet", r.CurrentWallet,
		"amount", r.OriginalAmount.String(), "hop", r.CurrentHop, "err", r.ErrorMessage)
	if !s.publish(ctx, mixevent.Stranded(r, r.CurrentWallet, r.OriginalAmount.String(), now)) {
		return
	}
	if _, err := s.store.MarkStrandedReported(ctx, r.ID, now); err != nil {
		s.log.Warn("mark stranded reported", "id", r.ID, "err", err)
	}
}

func (s *Sweeper) publish(ctx context.Context, e mixevent.Event) bool {
	if s.events == nil {
		return true
	}
	if err := s.events.Publish(ctx, e); err != nil {
		s.log.Warn("publish stranded event", "id", e.ID, "err", err)
		return false
	}
	return true
}
