// Package leases provides named, expiring ownership records with a fencing epoch.
package leases

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotFound     = errors.New("leases: not found")
	ErrNotOwner     = errors.New("leases: not owner")
)

// Lease is held by Owner until ExpiresAt. Epoch increases every time the lease
// changes hands, so a holder can tell whether it was displaced in between.
type Lease struct {
	Name      string
	Owner     string
	Epoch     int64
	ExpiresAt time.Time
}

// Store semantics:
//   - TryAcquire succeeds when the lease is absent, expired, or already held by owner.
//   - Renew succeeds only for the current, unexpired owner.
//   - Release expires the lease immediately and keeps its epoch. Releasing an absent lease is a no-op.
type Store interface {
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lease, error)
}

func Validate(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name/owner must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
