package leases

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_AcquireRenewAndSteal(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	l, ok, err := s.TryAcquire(ctx, "mix-scheduler", "a", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("TryAcquire: ok=%v err=%v", ok, err)
	}
	if l.Owner != "a" || l.Epoch != 1 || !l.ExpiresAt.Equal(now.Add(10*time.Second)) {
		t.Fatalf("unexpected lease: %+v", l)
	}

	l2, ok, err := s.TryAcquire(ctx, "mix-scheduler", "b", 10*time.Second)
	if err != nil {
		t.Fatalf("TryAcquire b: %v", err)
	}
	if ok || l2.Owner != "a" {
		t.Fatalf("b acquired a held lease: %+v", l2)
	}

	// Reacquire by the holder keeps the epoch.
	l, ok, err = s.TryAcquire(ctx, "mix-scheduler", "a", 10*time.Second)
	if err != nil || !ok || l.Epoch != 1 {
		t.Fatalf("reacquire: lease=%+v ok=%v err=%v", l, ok, err)
	}

	now = now.Add(5 * time.Second)
	l, ok, err = s.Renew(ctx, "mix-scheduler", "a", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("Renew: ok=%v err=%v", ok, err)
	}
	if !l.ExpiresAt.Equal(now.Add(10*time.Second)) || l.Epoch != 1 {
		t.Fatalf("unexpected renewed lease: %+v", l)
	}

	if _, _, err := s.Renew(ctx, "mix-scheduler", "b", 10*time.Second); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	now = now.Add(11 * time.Second)
	if _, ok, err := s.Renew(ctx, "mix-scheduler", "a", 10*time.Second); err != nil || ok {
		t.Fatalf("expected expired renew to fail: ok=%v err=%v", ok, err)
	}
	l, ok, err = s.TryAcquire(ctx, "mix-scheduler", "b", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("steal: ok=%v err=%v", ok, err)
	}
	if l.Owner != "b" || l.Epoch != 2 {
		t.Fatalf("unexpected stolen lease: %+v", l)
	}
}

func TestMemoryStore_ReleaseKeepsEpoch(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	if err := s.Release(ctx, "missing", "a"); err != nil {
		t.Fatalf("Release missing: %v", err)
	}
	if _, _, err := s.TryAcquire(ctx, "l", "a", time.Minute); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if err := s.Release(ctx, "l", "b"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := s.Release(ctx, "l", "a"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	l, ok, err := s.TryAcquire(ctx, "l", "b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryAcquire after release: ok=%v err=%v", ok, err)
	}
	if l.Epoch != 2 {
		t.Fatalf("epoch: got %d want 2", l.Epoch)
	}

	got, err := s.Get(ctx, "l")
	if err != nil || got.Owner != "b" {
		t.Fatalf("Get: %+v err=%v", got, err)
	}
	if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := Validate("", "a", time.Second); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := Validate("l", "a", 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
