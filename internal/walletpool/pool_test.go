package walletpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/juno-intents/hopmix/internal/mix"
	"github.com/juno-intents/hopmix/internal/secrets"
)

type stubSecrets struct {
	values map[string]string
	calls  int
}

func (s *stubSecrets) Get(_ context.Context, key string) (string, error) {
	s.calls++
	v, ok := s.values[key]
	if !ok {
		return "", secrets.ErrNotFound
	}
	return v, nil
}

type stubKey string

func (k stubKey) Address() string { return "addr-" + string(k) }

var stubParser = KeyParserFunc(func(secret string) (Key, error) {
	if strings.HasPrefix(secret, "bad") {
		return nil, errors.New("bad key")
	}
	return stubKey(secret), nil
})

func newTestPool(t *testing.T, n int, missing map[int]bool, cohort int, intn func(int) int) (*Pool, *stubSecrets) {
	t.Helper()

	sec := &stubSecrets{values: make(map[string]string)}
	var refs []string
	for i := 1; i <= n; i++ {
		ref := fmt.Sprintf("eth-%d", i)
		refs = append(refs, ref)
		if !missing[i] {
			sec.values[ref] = fmt.Sprintf("k%d", i)
		}
	}
	p, err := New(Config{
		Chains:          []ChainConfig{{Chain: mix.ChainEthereum, KeyRefs: refs, Parser: stubParser}},
		EntryCohortSize: cohort,
		Secrets:         sec,
		IntN:            intn,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, sec
}

func TestPool_Initialize_IdempotentAndExcludesBadKeys(t *testing.T) {
	t.Parallel()

	p, sec := newTestPool(t, 6, map[int]bool{2: true}, 3, nil)
	sec.values["eth-4"] = "bad-key"

	if _, err := p.Wallet(mix.ChainEthereum, 1); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}

	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	calls := sec.calls
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize #2: %v", err)
	}
	if sec.calls != calls {
		t.Fatalf("Initialize reloaded wallets: calls %d -> %d", calls, sec.calls)
	}

	got, err := p.Indices(mix.ChainEthereum)
	if err != nil {
		t.Fatalf("Indices: %v", err)
	}
	if want := []int{1, 3, 5, 6}; fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("indices: got %v want %v", got, want)
	}

	w, err := p.Wallet(mix.ChainEthereum, 3)
	if err != nil {
		t.Fatalf("Wallet: %v", err)
	}
	if w.Address != "addr-k3" || w.Index != 3 {
		t.Fatalf("unexpected wallet: %+v", w)
	}
	if _, err := p.Wallet(mix.ChainEthereum, 2); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
	if _, err := p.Wallet(mix.ChainSolana, 1); !errors.Is(err, mix.ErrUnknownChain) {
		t.Fatalf("expected ErrUnknownChain, got %v", err)
	}
}

func TestPool_Initialize_AllKeysMissing(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 2, map[int]bool{1: true, 2: true}, 0, nil)
	if err := p.Initialize(context.Background()); !errors.Is(err, ErrEmptyPool) {
		t.Fatalf("expected ErrEmptyPool, got %v", err)
	}
}

func TestPool_DepositAddress_OnlyFromEntryCohort(t *testing.T) {
	t.Parallel()

	var draws []int
	next := 0
	p, _ := newTestPool(t, 10, map[int]bool{2: true}, 3, func(n int) int {
		draws = append(draws, n)
		v := next % n
		next++
		return v
	})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	seen := make(map[int]bool)
	for i := 0; i < 9; i++ {
		da, err := p.DepositAddress(mix.ChainEthereum)
		if err != nil {
			t.Fatalf("DepositAddress: %v", err)
		}
		if da.Address != fmt.Sprintf("addr-k%d", da.Index) {
			t.Fatalf("address/index mismatch: %+v", da)
		}
		seen[da.Index] = true
	}
	if len(seen) != 3 || !seen[1] || !seen[3] || !seen[4] {
		t.Fatalf("expected cohort {1,3,4}, got %v", seen)
	}
	for _, n := range draws {
		if n != 3 {
			t.Fatalf("expected draws over cohort of 3, got %d", n)
		}
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	sec := &stubSecrets{}
	cases := []Config{
		{Secrets: sec},
		{Chains: []ChainConfig{{Chain: mix.ChainEthereum, KeyRefs: []string{"a"}, Parser: stubParser}}},
		{Secrets: sec, Chains: []ChainConfig{{Chain: "bitcoin", KeyRefs: []string{"a"}, Parser: stubParser}}},
		{Secrets: sec, Chains: []ChainConfig{{Chain: mix.ChainEthereum, Parser: stubParser}}},
		{Secrets: sec, Chains: []ChainConfig{{Chain: mix.ChainEthereum, KeyRefs: []string{"a"}}}},
		{Secrets: sec, EntryCohortSize: -1, Chains: []ChainConfig{{Chain: mix.ChainEthereum, KeyRefs: []string{"a"}, Parser: stubParser}}},
	}
	for i, cfg := range cases {
		if _, err := New(cfg, nil); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}
}
