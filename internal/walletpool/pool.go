package walletpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/juno-intents/hopmix/internal/mix"
	"github.com/juno-intents/hopmix/internal/secrets"
)

const DefaultEntryCohortSize = 5

var (
	ErrInvalidConfig  = errors.New("walletpool: invalid config")
	ErrNotInitialized = errors.New("walletpool: not initialized")
	ErrWalletNotFound = errors.New("walletpool: wallet not found")
	ErrEmptyPool      = errors.New("walletpool: no usable wallets")
)

// Key is parsed signing material for one pool wallet. Chain backends provide the
// concrete type and type-assert it back when signing.
type Key interface {
	Address() string
}

type KeyParser interface {
	ParseKey(secret string) (Key, error)
}

type KeyParserFunc func(secret string) (Key, error)

func (f KeyParserFunc) ParseKey(secret string) (Key, error) { return f(secret) }

type Wallet struct {
	Chain   mix.Chain
	Index   int
	Address string
	Key     Key
}

type ChainConfig struct {
	Chain mix.Chain
	// KeyRefs are secret references; wallet i is KeyRefs[i-1].
	KeyRefs []string
	Parser  KeyParser
}

type Config struct {
	Chains          []ChainConfig
	EntryCohortSize int
	Secrets         secrets.Provider

	// IntN returns a uniform int in [0, n). Defaults to math/rand/v2.
	IntN func(n int) int
}

type chainWallets struct {
	byIndex map[int]Wallet
	indices []int // ascending
}

// Pool holds the custodial wallets of every configured chain.
type Pool struct {
	cfg Config
	log *slog.Logger

	once    sync.Once
	initErr error
	chains  map[mix.Chain]*chainWallets
}

func New(cfg Config, log *slog.Logger) (*Pool, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if cfg.Secrets == nil {
		return nil, fmt.Errorf("%w: nil secrets provider", ErrInvalidConfig)
	}
	if len(cfg.Chains) == 0 {
		return nil, fmt.Errorf("%w: no chains", ErrInvalidConfig)
	}
	seen := make(map[mix.Chain]bool, len(cfg.Chains))
	for _, c := range cfg.Chains {
		if _, err := mix.ParseChain(string(c.Chain)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if seen[c.Chain] {
			return nil, fmt.Errorf("%w: duplicate chain %s", ErrInvalidConfig, c.Chain)
		}
		seen[c.Chain] = true
		if c.Parser == nil {
			return nil, fmt.Errorf("%w: nil key parser for %s", ErrInvalidConfig, c.Chain)
		}
		if len(c.KeyRefs) == 0 {
			return nil, fmt.Errorf("%w: no wallets configured for %s", ErrInvalidConfig, c.Chain)
		}
	}
	if cfg.EntryCohortSize == 0 {
		cfg.EntryCohortSize = DefaultEntryCohortSize
	}
	if cfg.EntryCohortSize < 0 {
		return nil, fmt.Errorf("%w: entry cohort size must be > 0", ErrInvalidConfig)
	}
	if cfg.IntN == nil {
		cfg.IntN = rand.IntN
	}
	return &Pool{cfg: cfg, log: log}, nil
}

// Initialize loads every configured wallet exactly once. Later calls return the first result.
//
// Wallets whose key material is missing or unparsable are skipped; a chain left with no
// wallets is an error.
func (p *Pool) Initialize(ctx context.Context) error {
	p.once.Do(func() {
		p.initErr = p.load(ctx)
	})
	return p.initErr
}

func (p *Pool) load(ctx context.Context) error {
	chains := make(map[mix.Chain]*chainWallets, len(p.cfg.Chains))
	for _, c := range p.cfg.Chains {
		cw := &chainWallets{byIndex: make(map[int]Wallet, len(c.KeyRefs))}
		for i, ref := range c.KeyRefs {
			index := i + 1
			secret, err := p.cfg.Secrets.Get(ctx, ref)
			if err != nil {
				p.log.Warn("pool wallet excluded: key material unavailable", "chain", c.Chain, "index", index, "err", err)
				continue
			}
			key, err := c.Parser.ParseKey(secret)
			if err != nil {
				p.log.Warn("pool wallet excluded: invalid key material", "chain", c.Chain, "index", index, "err", err)
				continue
			}
			cw.byIndex[index] = Wallet{Chain: c.Chain, Index: index, Address: key.Address(), Key: key}
			cw.indices = append(cw.indices, index)
		}
		if len(cw.indices) == 0 {
			return fmt.Errorf("%w: chain %s", ErrEmptyPool, c.Chain)
		}
		p.log.Info("pool wallets loaded", "chain", c.Chain, "loaded", len(cw.indices), "configured", len(c.KeyRefs))
		chains[c.Chain] = cw
	}
	p.chains = chains
	return nil
}

func (p *Pool) chain(chain mix.Chain) (*chainWallets, error) {
	if p.chains == nil {
		return nil, ErrNotInitialized
	}
	cw, ok := p.chains[chain]
	if !ok {
		return nil, fmt.Errorf("%w: chain %s", mix.ErrUnknownChain, chain)
	}
	return cw, nil
}

func (p *Pool) Wallet(chain mix.Chain, index int) (Wallet, error) {
	cw, err := p.chain(chain)
	if err != nil {
		return Wallet{}, err
	}
	w, ok := cw.byIndex[index]
	if !ok {
		return Wallet{}, fmt.Errorf("%w: %s #%d", ErrWalletNotFound, chain, index)
	}
	return w, nil
}

// Indices returns the live wallet indices of chain in ascending order.
func (p *Pool) Indices(chain mix.Chain) ([]int, error) {
	cw, err := p.chain(chain)
	if err != nil {
		return nil, err
	}
	return slices.Clone(cw.indices), nil
}

func (p *Pool) Size(chain mix.Chain) int {
	cw, err := p.chain(chain)
	if err != nil {
		return 0
	}
	return len(cw.indices)
}

type DepositAddress struct {
	Address string
	Index   int
}

// DepositAddress picks a wallet uniformly from the entry cohort: the lowest live indices of chain.
func (p *Pool) DepositAddress(chain mix.Chain) (DepositAddress, error) {
	cohort, err := p.EntryCohort(chain)
	if err != nil {
		return DepositAddress{}, err
	}
	w := cohort[p.cfg.IntN(len(cohort))]
	return DepositAddress{Address: w.Address, Index: w.Index}, nil
}

func (p *Pool) EntryCohort(chain mix.Chain) ([]Wallet, error) {
	cw, err := p.chain(chain)
	if err != nil {
		return nil, err
	}
	n := min(p.cfg.EntryCohortSize, len(cw.indices))
	out := make([]Wallet, 0, n)
	for _, idx := range cw.indices[:n] {
		out = append(out, cw.byIndex[idx])
	}
	return out, nil
}
