package hopplan

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/juno-intents/hopmix/internal/mix"
)

const (
	DefaultMinHops   = 5
	DefaultMaxHops   = 8
	DefaultMaxJitter = 60 * time.Second
)

var (
	ErrInvalidConfig = errors.New("hopplan: invalid config")
	ErrPoolTooSmall  = errors.New("hopplan: pool too small")
)

// WalletSet lists the live wallet indices of a chain.
type WalletSet interface {
	Indices(chain mix.Chain) ([]int, error)
}

type Config struct {
	MinHops   int
	MaxHops   int
	MaxJitter time.Duration

	// IntN returns a uniform int in [0, n). Defaults to math/rand/v2.
	IntN func(n int) int
	// Int64N returns a uniform int64 in [0, n). Defaults to math/rand/v2.
	Int64N func(n int64) int64
}

type Planner struct {
	cfg     Config
	wallets WalletSet
}

func New(cfg Config, wallets WalletSet) (*Planner, error) {
	if wallets == nil {
		return nil, fmt.Errorf("%w: nil wallet set", ErrInvalidConfig)
	}
	if cfg.MinHops == 0 && cfg.MaxHops == 0 {
		cfg.MinHops, cfg.MaxHops = DefaultMinHops, DefaultMaxHops
	}
	if cfg.MinHops <= 0 || cfg.MaxHops < cfg.MinHops {
		return nil, fmt.Errorf("%w: hop range [%d, %d]", ErrInvalidConfig, cfg.MinHops, cfg.MaxHops)
	}
	if cfg.MaxJitter == 0 {
		cfg.MaxJitter = DefaultMaxJitter
	}
	if cfg.MaxJitter < 0 {
		return nil, fmt.Errorf("%w: max jitter must be >= 0", ErrInvalidConfig)
	}
	if cfg.IntN == nil {
		cfg.IntN = rand.IntN
	}
	if cfg.Int64N == nil {
		cfg.Int64N = rand.Int64N
	}
	return &Planner{cfg: cfg, wallets: wallets}, nil
}

// TotalHops draws a hop count uniformly from [MinHops, MaxHops].
func (p *Planner) TotalHops() int {
	return p.cfg.MinHops + p.cfg.IntN(p.cfg.MaxHops-p.cfg.MinHops+1)
}

// PickNextWallet draws a live wallet of chain uniformly, redrawing until it differs from excludeIndex.
func (p *Planner) PickNextWallet(chain mix.Chain, excludeIndex int) (int, error) {
	indices, err := p.wallets.Indices(chain)
	if err != nil {
		return 0, err
	}
	candidates := 0
	for _, idx := range indices {
		if idx != excludeIndex {
			candidates++
		}
	}
	if candidates == 0 {
		return 0, fmt.Errorf("%w: %s has no wallet other than #%d", ErrPoolTooSmall, chain, excludeIndex)
	}
	for {
		idx := indices[p.cfg.IntN(len(indices))]
		if idx != excludeIndex {
			return idx, nil
		}
	}
}

// BaseDelay spreads delayMinutes evenly across totalHops.
func BaseDelay(delayMinutes, totalHops int) time.Duration {
	if delayMinutes <= 0 || totalHops <= 0 {
		return 0
	}
	return time.Duration(delayMinutes) * time.Minute / time.Duration(totalHops)
}

// HopDelay is base plus uniform jitter in [0, MaxJitter].
func (p *Planner) HopDelay(base time.Duration) time.Duration {
	if base < 0 {
		base = 0
	}
	return base + time.Duration(p.cfg.Int64N(int64(p.cfg.MaxJitter)+1))
}
