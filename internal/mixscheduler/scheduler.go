// Package mixscheduler advances deposited mix requests hop by hop until their funds
// reach the recipient.
package mixscheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/juno-intents/hopmix/internal/blobstore"
	"github.com/juno-intents/hopmix/internal/hopplan"
	"github.com/juno-intents/hopmix/internal/metrics"
	"github.com/juno-intents/hopmix/internal/mix"
	"github.com/juno-intents/hopmix/internal/mixevent"
	"github.com/juno-intents/hopmix/internal/transfer"
	"github.com/juno-intents/hopmix/internal/walletpool"
)

const (
	DefaultInterval  = 10 * time.Second
	DefaultBatchSize = 10
	DefaultClaimTTL  = 15 * time.Minute

	// persistTimeout bounds the writes that follow a transfer once the scheduler is stopping.
	persistTimeout = 10 * time.Second
)

var (
	ErrInvalidConfig  = errors.New("mixscheduler: invalid config")
	ErrAlreadyRunning = errors.New("mixscheduler: already running")
)

type Planner interface {
	PickNextWallet(chain mix.Chain, excludeIndex int) (int, error)
	HopDelay(base time.Duration) time.Duration
}

type Wallets interface {
	Wallet(chain mix.Chain, index int) (walletpool.Wallet, error)
}

// Executor moves funds between wallets. *transfer.Router implements it.
type Executor interface {
	Transfer(ctx context.Context, req transfer.Request) (transfer.Result, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, e mixevent.Event) error
}

type Config struct {
	// Owner identifies this instance in request claims and the leader lease.
	Owner string

	Interval  time.Duration
	BatchSize int
	// ClaimTTL must outlast one hop, including both transfers of a final hop.
	// The claim is extended to a full ClaimTTL right before a hop's transfers.
	ClaimTTL time.Duration
	// HopTimeout is the executor's per-transfer deadline. When set, ClaimTTL must
	// exceed two of them.
	HopTimeout time.Duration

	// FeeAddresses receive the protocol fee on each chain's final hops.
	FeeAddresses map[mix.Chain]string

	Now func() time.Time
}

type Scheduler struct {
	cfg Config

	store    mix.Store
	planner  Planner
	wallets  Wallets
	executor Executor

	leader  *LeaderElector
	events  EventPublisher
	blobs   blobstore.Store
	metrics *metrics.Metrics

	log *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, store mix.Store, planner Planner, wallets Wallets, executor Executor, log *slog.Logger) (*Scheduler, error) {
	if store == nil || planner == nil || wallets == nil || executor == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Owner == "" {
		return nil, fmt.Errorf("%w: missing owner", ErrInvalidConfig)
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ClaimTTL == 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	if cfg.Interval <= 0 || cfg.BatchSize <= 0 || cfg.ClaimTTL <= 0 || cfg.HopTimeout < 0 {
		return nil, fmt.Errorf("%w: Interval, BatchSize and ClaimTTL must be > 0", ErrInvalidConfig)
	}
	if cfg.ClaimTTL <= 2*cfg.HopTimeout {
		return nil, fmt.Errorf("%w: ClaimTTL %s does not cover two transfers of %s", ErrInvalidConfig, cfg.ClaimTTL, cfg.HopTimeout)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		planner:  planner,
		wallets:  wallets,
		executor: executor,
		log:      log,
	}, nil
}

// WithLeaderElector makes Tick a no-op unless this instance holds the lease.
func (s *Scheduler) WithLeaderElector(l *LeaderElector) *Scheduler {
	s.leader = l
	return s
}

func (s *Scheduler) WithEvents(p EventPublisher) *Scheduler {
	s.events = p
	return s
}

// WithBlobStore persists a JSON receipt per executed hop.
func (s *Scheduler) WithBlobStore(store blobstore.Store) *Scheduler {
	s.blobs = store
	return s
}

func (s *Scheduler) WithMetrics(m *metrics.Metrics) *Scheduler {
	s.metrics = m
	return s
}

// Start runs the polling loop in a goroutine until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	return nil
}

// Stop cancels the loop started by Start and waits for the in-progress tick to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run ticks immediately and then every Interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	defer s.resign()

	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("scheduler tick", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Scheduler) resign() {
	if s.leader == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.leader.Release(ctx); err != nil {
		s.log.Warn("release leader lease", "err", err)
	}
	s.metrics.SetLeader(false)
}

// Tick claims due requests and executes one hop for each. A failure in one request
// never prevents the others from running. The leader lease is renewed before every
// request; once it is lost the rest of the batch is left for its claims to expire.
func (s *Scheduler) Tick(ctx context.Context) error {
	if ok, err := s.lead(ctx); err != nil || !ok {
		return err
	}

	due, err := s.store.ClaimDue(ctx, s.cfg.Owner, s.cfg.ClaimTTL, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("mixscheduler: claim due: %w", err)
	}
	for i, r := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			ok, err := s.lead(ctx)
			if err != nil {
				return err
			}
			if !ok {
				s.log.Warn("leadership lost mid-batch", "skipped", len(due)-i)
				return nil
			}
		}
		s.process(ctx, r)
	}
	return nil
}

func (s *Scheduler) lead(ctx context.Context) (bool, error) {
	if s.leader == nil {
		return true, nil
	}
	ok, err := s.leader.Tick(ctx)
	if err != nil {
		s.metrics.SetLeader(false)
		return false, fmt.Errorf("mixscheduler: leader lease: %w", err)
	}
	s.metrics.SetLeader(ok)
	return ok, nil
}

func (s *Scheduler) process(ctx context.Context, r mix.Request) {
	start := s.cfg.Now()
	n := r.CurrentHop + 1
	log := s.log.With("id", r.ID, "chain", r.Chain, "hop", n, "total_hops", r.TotalHops)

	if !r.Status.Active() || r.CurrentWallet <= 0 {
		log.Error("claimed request is not executable", "status", r.Status, "wallet", r.CurrentWallet)
		return
	}

	rc, replayed, err := s.loadReceipt(ctx, r, n)
	if err != nil {
		// Funds may already have moved; leave the claim to expire and retry later.
		log.Error("load hop receipt", "err", err)
		return
	}

	// The claim was taken for the whole batch; restart its clock for this hop alone.
	if _, err := s.store.ExtendClaim(ctx, s.cfg.Owner, r.ID, r.CurrentHop, s.cfg.ClaimTTL); err != nil {
		if errors.Is(err, mix.ErrClaimLost) {
			s.metrics.Hop(string(r.Chain), metrics.OutcomeClaimLost, s.cfg.Now().Sub(start))
			log.Warn("claim lost before transfer", "err", err)
			return
		}
		log.Error("extend claim", "err", err)
		return
	}

	var hop mix.Hop
	if replayed {
		hop = rc.hop()
		log.Info("replaying recorded transfer", "tx", hop.TxRef)
	} else {
		hop, err = s.execute(ctx, log, r, n)
		if err != nil {
			if ctx.Err() != nil {
				// Outcome unknown; the claim expires and the hop is retried or replayed.
				log.Warn("hop interrupted by shutdown", "err", err)
				return
			}
			s.fail(ctx, log, r, start, err)
			return
		}
	}

	// Funds have moved: finish bookkeeping even if the scheduler is stopping.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if !replayed {
		amount := r.OriginalAmount
		if hop.ToRecipient() {
			amount = r.Amount
		}
		s.storeReceipt(ctx, newReceipt(r, hop, amount.String()))
	}

	out := mix.HopOutcome{Hop: hop, NextWallet: hop.ToWallet}
	if !hop.ToRecipient() {
		out.NextHopAt = s.cfg.Now().Add(s.planner.HopDelay(hopplan.BaseDelay(r.DelayMinutes, r.TotalHops)))
	}
	updated, err := s.store.RecordHop(ctx, s.cfg.Owner, r.ID, r.CurrentHop, out)
	if err != nil {
		if errors.Is(err, mix.ErrClaimLost) {
			s.metrics.Hop(string(r.Chain), metrics.OutcomeClaimLost, s.cfg.Now().Sub(start))
			log.Warn("claim lost before hop was recorded", "tx", hop.TxRef)
			return
		}
		log.Error("record hop", "tx", hop.TxRef, "err", err)
		return
	}

	s.metrics.Hop(string(r.Chain), metrics.OutcomeOK, s.cfg.Now().Sub(start))
	s.publish(ctx, mixevent.HopExecuted(updated, hop))
	if updated.Status == mix.StatusCompleted {
		log.Info("mix completed", "tx", hop.TxRef, "fee_tx", hop.FeeTxRef)
		s.metrics.Completed(string(r.Chain))
		s.publish(ctx, mixevent.Completed(updated, updated.CompletedAt))
		return
	}
	log.Info("hop executed", "tx", hop.TxRef, "to_wallet", hop.ToWallet, "next_hop_at", updated.NextHopAt)
}

// execute performs the transfers of hop n. Intermediate hops move the whole deposit so the
// fee travels with the funds; the final hop splits it between recipient and fee address.
func (s *Scheduler) execute(ctx context.Context, log *slog.Logger, r mix.Request, n int) (mix.Hop, error) {
	hop := mix.Hop{Number: n, FromWallet: r.CurrentWallet}

	if r.FinalHop() {
		hop.ToAddress = r.RecipientAddress
		res, err := s.executor.Transfer(ctx, transfer.Request{
			Chain:     r.Chain,
			FromIndex: r.CurrentWallet,
			ToAddress: r.RecipientAddress,
			Amount:    r.Amount,
			Token:     r.Token,
		})
		if err != nil {
			return mix.Hop{}, fmt.Errorf("final transfer: %w", err)
		}
		hop.TxRef = res.TxRef
		hop.FeeTxRef = s.forwardFee(context.WithoutCancel(ctx), log, r)
		hop.ExecutedAt = s.cfg.Now()
		return hop, nil
	}

	next, err := s.planner.PickNextWallet(r.Chain, r.CurrentWallet)
	if err != nil {
		return mix.Hop{}, fmt.Errorf("plan hop: %w", err)
	}
	w, err := s.wallets.Wallet(r.Chain, next)
	if err != nil {
		return mix.Hop{}, fmt.Errorf("plan hop: %w", err)
	}
	res, err := s.executor.Transfer(ctx, transfer.Request{
		Chain:     r.Chain,
		FromIndex: r.CurrentWallet,
		ToAddress: w.Address,
		Amount:    r.OriginalAmount,
		Token:     r.Token,
	})
	if err != nil {
		return mix.Hop{}, fmt.Errorf("hop transfer: %w", err)
	}
	hop.ToWallet = next
	hop.ToAddress = w.Address
	hop.TxRef = res.TxRef
	hop.ExecutedAt = s.cfg.Now()
	return hop, nil
}

// forwardFee never fails the hop: the recipient has already been paid. Callers pass a
// context that survives shutdown; the executor's own timeout bounds the transfer.
func (s *Scheduler) forwardFee(ctx context.Context, log *slog.Logger, r mix.Request) string {
	if !r.Fee.IsPositive() {
		return ""
	}
	addr := s.cfg.FeeAddresses[r.Chain]
	if addr == "" {
		log.Error("fee not forwarded: no fee address configured", "fee", r.Fee.String())
		s.metrics.FeeForwardFailed(string(r.Chain))
		return ""
	}
	res, err := s.executor.Transfer(ctx, transfer.Request{
		Chain:     r.Chain,
		FromIndex: r.CurrentWallet,
		ToAddress: addr,
		Amount:    r.Fee,
		Token:     r.Token,
	})
	if err != nil {
		log.Error("fee not forwarded", "fee", r.Fee.String(), "wallet", r.CurrentWallet, "err", err)
		s.metrics.FeeForwardFailed(string(r.Chain))
		return ""
	}
	return res.TxRef
}

func (s *Scheduler) fail(ctx context.Context, log *slog.Logger, r mix.Request, start time.Time, cause error) {
	s.metrics.Hop(string(r.Chain), metrics.OutcomeFailed, s.cfg.Now().Sub(start))
	updated, err := s.store.MarkFailed(ctx, s.cfg.Owner, r.ID, r.CurrentHop, cause.Error())
	if err != nil {
		if errors.Is(err, mix.ErrClaimLost) {
			log.Warn("claim lost before failure was recorded", "cause", cause)
			return
		}
		log.Error("mark failed", "cause", cause, "err", err)
		return
	}
	log.Error("mix failed", "wallet", r.CurrentWallet, "err", cause)
	s.metrics.Failed(string(r.Chain))
	s.publish(ctx, mixevent.Failed(updated, updated.UpdatedAt))
}

func (s *Scheduler) publish(ctx context.Context, e mixevent.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, e); err != nil {
		s.log.Warn("publish event", "id", e.ID, "version", e.Version, "err", err)
	}
}
