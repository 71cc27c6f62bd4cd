package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/juno-intents/hopmix/internal/mix"
	"github.com/shopspring/decimal"
)

const DefaultTimeout = 5 * time.Minute

type RouterConfig struct {
	// Timeout bounds one transfer including the wait for the per-wallet lock.
	Timeout time.Duration
}

type walletKey struct {
	chain mix.Chain
	index int
}

// Router dispatches transfers to the chain executor and serializes every transfer
// leaving the same pool wallet.
type Router struct {
	cfg       RouterConfig
	log       *slog.Logger
	executors map[mix.Chain]ChainExecutor

	mu    sync.Mutex
	locks map[walletKey]chan struct{}
}

func NewRouter(cfg RouterConfig, executors map[mix.Chain]ChainExecutor, log *slog.Logger) (*Router, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if len(executors) == 0 {
		return nil, fmt.Errorf("%w: no chain executors", ErrInvalidConfig)
	}
	m := make(map[mix.Chain]ChainExecutor, len(executors))
	for chain, e := range executors {
		if _, err := mix.ParseChain(string(chain)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if e == nil {
			return nil, fmt.Errorf("%w: nil executor for %s", ErrInvalidConfig, chain)
		}
		m[chain] = e
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidConfig)
	}
	return &Router{
		cfg:       cfg,
		log:       log,
		executors: m,
		locks:     make(map[walletKey]chan struct{}),
	}, nil
}

func (r *Router) executor(chain mix.Chain) (ChainExecutor, error) {
	e, ok := r.executors[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", mix.ErrUnknownChain, chain)
	}
	return e, nil
}

func (r *Router) Transfer(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	e, err := r.executor(req.Chain)
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	unlock, err := r.lock(ctx, walletKey{chain: req.Chain, index: req.FromIndex})
	if err != nil {
		return Result{}, fmt.Errorf("transfer: wait for wallet %s #%d: %w", req.Chain, req.FromIndex, err)
	}
	defer unlock()

	start := time.Now()
	res, err := e.Transfer(ctx, req)
	if err != nil {
		return Result{}, err
	}
	r.log.Debug("transfer confirmed", "chain", req.Chain, "from", req.FromIndex, "token", req.Token, "tx", res.TxRef, "took", time.Since(start))
	return res, nil
}

func (r *Router) Balance(ctx context.Context, chain mix.Chain, index int, token string) (decimal.Decimal, error) {
	e, err := r.executor(chain)
	if err != nil {
		return decimal.Decimal{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	return e.Balance(ctx, index, token)
}

func (r *Router) Token(chain mix.Chain, symbol string) (Token, error) {
	e, err := r.executor(chain)
	if err != nil {
		return Token{}, err
	}
	return e.Token(symbol)
}

func (r *Router) ValidateAddress(chain mix.Chain, addr string) error {
	e, err := r.executor(chain)
	if err != nil {
		return err
	}
	return e.ValidateAddress(addr)
}

// lock blocks until the wallet's slot is free or ctx is done.
func (r *Router) lock(ctx context.Context, k walletKey) (func(), error) {
	r.mu.Lock()
	ch, ok := r.locks[k]
	if !ok {
		ch = make(chan struct{}, 1)
		r.locks[k] = ch
	}
	r.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
