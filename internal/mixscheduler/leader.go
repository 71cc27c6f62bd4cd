package mixscheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/juno-intents/hopmix/internal/leases"
)

// LeaderElector gates polling so a single scheduler instance claims work at a time.
// Claims still protect each request if two instances overlap during a hand-off.
type LeaderElector struct {
	store leases.Store
	name  string
	owner string
	ttl   time.Duration

	epoch int64
}

func NewLeaderElector(store leases.Store, leaseName, owner string, ttl time.Duration) (*LeaderElector, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil lease store", ErrInvalidConfig)
	}
	if err := leases.Validate(leaseName, owner, ttl); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &LeaderElector{store: store, name: leaseName, owner: owner, ttl: ttl}, nil
}

// Tick renews leadership if held, otherwise tries to acquire it.
func (l *LeaderElector) Tick(ctx context.Context) (bool, error) {
	if l == nil || l.store == nil {
		return false, fmt.Errorf("%w: nil leader elector", ErrInvalidConfig)
	}
	if lease, ok, err := l.store.Renew(ctx, l.name, l.owner, l.ttl); err == nil && ok {
		l.epoch = lease.Epoch
		return true, nil
	}
	lease, ok, err := l.store.TryAcquire(ctx, l.name, l.owner, l.ttl)
	if err != nil {
		return false, err
	}
	if ok {
		l.epoch = lease.Epoch
	}
	return ok, nil
}

// Epoch is the lease epoch observed on the last successful Tick.
func (l *LeaderElector) Epoch() int64 { return l.epoch }

// Release gives up leadership so another instance can take over without waiting for expiry.
func (l *LeaderElector) Release(ctx context.Context) error {
	return l.store.Release(ctx, l.name, l.owner)
}
