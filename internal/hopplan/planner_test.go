package hopplan

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/juno-intents/hopmix/internal/mix"
)

type staticWallets map[mix.Chain][]int

func (s staticWallets) Indices(chain mix.Chain) ([]int, error) {
	idx, ok := s[chain]
	if !ok {
		return nil, mix.ErrUnknownChain
	}
	return idx, nil
}

func seeded(t *testing.T, wallets WalletSet) *Planner {
	t.Helper()
	r := rand.New(rand.NewPCG(1, 2))
	p, err := New(Config{IntN: r.IntN, Int64N: r.Int64N}, wallets)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestPlanner_PickNextWallet_NeverReturnsExcluded(t *testing.T) {
	t.Parallel()

	p := seeded(t, staticWallets{mix.ChainSolana: {1, 2, 3, 4, 5, 6, 7, 8, 9, 10}})

	counts := make(map[int]int)
	for i := 0; i < 10_000; i++ {
		exclude := i%10 + 1
		got, err := p.PickNextWallet(mix.ChainSolana, exclude)
		if err != nil {
			t.Fatalf("PickNextWallet: %v", err)
		}
		if got == exclude {
			t.Fatalf("trial %d: returned excluded index %d", i, exclude)
		}
		if got < 1 || got > 10 {
			t.Fatalf("trial %d: index %d out of range", i, got)
		}
		counts[got]++
	}
	if len(counts) != 10 {
		t.Fatalf("expected every wallet to be drawn, got %v", counts)
	}
}

func TestPlanner_PickNextWallet_TwoWallets(t *testing.T) {
	t.Parallel()

	p := seeded(t, staticWallets{mix.ChainEthereum: {3, 7}})
	for i := 0; i < 100; i++ {
		got, err := p.PickNextWallet(mix.ChainEthereum, 3)
		if err != nil {
			t.Fatalf("PickNextWallet: %v", err)
		}
		if got != 7 {
			t.Fatalf("expected 7, got %d", got)
		}
	}
}

func TestPlanner_PickNextWallet_PoolTooSmall(t *testing.T) {
	t.Parallel()

	p := seeded(t, staticWallets{mix.ChainEthereum: {4}})
	if _, err := p.PickNextWallet(mix.ChainEthereum, 4); !errors.Is(err, ErrPoolTooSmall) {
		t.Fatalf("expected ErrPoolTooSmall, got %v", err)
	}
	if got, err := p.PickNextWallet(mix.ChainEthereum, 1); err != nil || got != 4 {
		t.Fatalf("PickNextWallet: got %d, %v", got, err)
	}
	if _, err := p.PickNextWallet(mix.ChainSolana, 1); !errors.Is(err, mix.ErrUnknownChain) {
		t.Fatalf("expected ErrUnknownChain, got %v", err)
	}
}

func TestPlanner_TotalHops_InRange(t *testing.T) {
	t.Parallel()

	p := seeded(t, staticWallets{})
	seen := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		n := p.TotalHops()
		if n < DefaultMinHops || n > DefaultMaxHops {
			t.Fatalf("TotalHops out of range: %d", n)
		}
		seen[n] = true
	}
	if len(seen) != DefaultMaxHops-DefaultMinHops+1 {
		t.Fatalf("expected all hop counts, got %v", seen)
	}
}

func TestPlanner_HopDelay_BoundedJitter(t *testing.T) {
	t.Parallel()

	p := seeded(t, staticWallets{})
	for _, base := range []time.Duration{0, 2 * time.Minute} {
		for i := 0; i < 1000; i++ {
			d := p.HopDelay(base)
			if d < base || d > base+DefaultMaxJitter {
				t.Fatalf("HopDelay(%v) = %v out of bounds", base, d)
			}
		}
	}
}

func TestBaseDelay(t *testing.T) {
	t.Parallel()

	cases := []struct {
		minutes, hops int
		want          time.Duration
	}{
		{0, 5, 0},
		{10, 5, 2 * time.Minute},
		{7, 8, 52*time.Second + 500*time.Millisecond},
		{10, 0, 0},
	}
	for _, tc := range cases {
		if got := BaseDelay(tc.minutes, tc.hops); got != tc.want {
			t.Fatalf("BaseDelay(%d, %d): got %v want %v", tc.minutes, tc.hops, got, tc.want)
		}
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for nil wallets, got %v", err)
	}
	if _, err := New(Config{MinHops: 6, MaxHops: 5}, staticWallets{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for inverted range, got %v", err)
	}
	if _, err := New(Config{MaxJitter: -time.Second}, staticWallets{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for negative jitter, got %v", err)
	}
}
