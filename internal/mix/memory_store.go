package mix

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	requests map[string]requestRec
}

type requestRec struct {
	r Request

	claimedBy      string
	claimExpiresAt time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:      now,
		requests: make(map[string]requestRec),
	}
}

func (s *MemoryStore) Create(_ context.Context, r Request) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.Status != StatusPendingDeposit || r.CurrentHop != 0 || len(r.Hops) != 0 {
		return fmt.Errorf("%w: new request must be pending_deposit at hop 0", ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[r.ID]; ok {
		return ErrAlreadyExists
	}
	now := s.now()
	r.CreatedAt = now
	r.UpdatedAt = now
	s.requests[r.ID] = requestRec{r: CloneRequest(r)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return CloneRequest(rec.r), nil
}

func (s *MemoryStore) ConfirmDeposit(_ context.Context, id string, txHash string, nextHopAt time.Time) (Request, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" || nextHopAt.IsZero() {
		return Request{}, fmt.Errorf("%w: missing deposit tx or next hop time", ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	switch {
	case rec.r.Status == StatusPendingDeposit:
	case rec.r.Status == StatusDeposited && rec.r.DepositTxHash == txHash:
		return CloneRequest(rec.r), nil
	default:
		return Request{}, fmt.Errorf("%w: confirm deposit from %s", ErrInvalidTransition, rec.r.Status)
	}

	rec.r.Status = StatusDeposited
	rec.r.DepositTxHash = txHash
	rec.r.NextHopAt = nextHopAt
	rec.r.UpdatedAt = s.now()
	s.requests[id] = rec
	return CloneRequest(rec.r), nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, owner string, ttl time.Duration, max int) ([]Request, error) {
	if owner == "" || ttl <= 0 || max <= 0 {
		return nil, ErrInvalidConfig
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	due := make([]requestRec, 0, len(s.requests))
	for _, rec := range s.requests {
		if !rec.r.Status.Active() || rec.r.NextHopAt.IsZero() || rec.r.NextHopAt.After(now) {
			continue
		}
		if rec.claimedBy != "" && rec.claimExpiresAt.After(now) {
			continue
		}
		due = append(due, rec)
	}
	slices.SortFunc(due, func(a, b requestRec) int {
		if c := a.r.NextHopAt.Compare(b.r.NextHopAt); c != 0 {
			return c
		}
		return strings.Compare(a.r.ID, b.r.ID)
	})
	if len(due) > max {
		due = due[:max]
	}

	out := make([]Request, 0, len(due))
	for _, rec := range due {
		rec.claimedBy = owner
		rec.claimExpiresAt = now.Add(ttl)
		s.requests[rec.r.ID] = rec
		out = append(out, CloneRequest(rec.r))
	}
	return out, nil
}

func (s *MemoryStore) ExtendClaim(_ context.Context, owner string, id string, expectedHop int, ttl time.Duration) (Request, error) {
	if owner == "" || ttl <= 0 {
		return Request{}, ErrInvalidConfig
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.claimedLocked(owner, id, expectedHop)
	if err != nil {
		return Request{}, err
	}
	rec.claimExpiresAt = s.now().Add(ttl)
	s.requests[id] = rec
	return CloneRequest(rec.r), nil
}

func (s *MemoryStore) RecordHop(_ context.Context, owner string, id string, expectedHop int, out HopOutcome) (Request, error) {
	if owner == "" {
		return Request{}, ErrInvalidConfig
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.claimedLocked(owner, id, expectedHop)
	if err != nil {
		return Request{}, err
	}
	if out.Hop.Number != expectedHop+1 {
		return Request{}, fmt.Errorf("%w: hop number %d after hop %d", ErrInvalidRequest, out.Hop.Number, expectedHop)
	}

	now := s.now()
	final := out.Hop.Number == rec.r.TotalHops
	next := StatusMixing
	if final {
		next = StatusCompleted
	}
	if !CanTransition(rec.r.Status, next) {
		return Request{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.r.Status, next)
	}

	if out.Hop.ExecutedAt.IsZero() {
		out.Hop.ExecutedAt = now
	}
	rec.r.Hops = append(rec.r.Hops, out.Hop)
	rec.r.CurrentHop = out.Hop.Number
	rec.r.Status = next
	if final {
		rec.r.CurrentWallet = 0
		rec.r.NextHopAt = time.Time{}
		rec.r.CompletedAt = now
	} else {
		rec.r.CurrentWallet = out.NextWallet
		rec.r.NextHopAt = out.NextHopAt
	}
	rec.r.UpdatedAt = now
	rec.claimedBy = ""
	rec.claimExpiresAt = time.Time{}
	s.requests[id] = rec
	return CloneRequest(rec.r), nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, owner string, id string, expectedHop int, msg string) (Request, error) {
	if owner == "" {
		return Request{}, ErrInvalidConfig
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.claimedLocked(owner, id, expectedHop)
	if err != nil {
		return Request{}, err
	}
	if !CanTransition(rec.r.Status, StatusFailed) {
		return Request{}, fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, rec.r.Status)
	}

	rec.r.Status = StatusFailed
	rec.r.ErrorMessage = msg
	rec.r.NextHopAt = time.Time{}
	rec.r.UpdatedAt = s.now()
	rec.claimedBy = ""
	rec.claimExpiresAt = time.Time{}
	s.requests[id] = rec
	return CloneRequest(rec.r), nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, after Cursor, limit int) ([]Request, error) {
	if limit <= 0 {
		return nil, ErrInvalidConfig
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Request
	for _, rec := range s.requests {
		if rec.r.Status == status && after.precedes(rec.r) {
			out = append(out, CloneRequest(rec.r))
		}
	}
	slices.SortFunc(out, func(a, b Request) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkStrandedReported(_ context.Context, id string, at time.Time) (Request, error) {
	if at.IsZero() {
		return Request{}, fmt.Errorf("%w: missing report time", ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	if rec.r.Status != StatusFailed {
		return Request{}, fmt.Errorf("%w: report stranded from %s", ErrInvalidTransition, rec.r.Status)
	}
	if rec.r.StrandedReportedAt.IsZero() {
		rec.r.StrandedReportedAt = at
		s.requests[id] = rec
	}
	return CloneRequest(rec.r), nil
}

func (s *MemoryStore) claimedLocked(owner, id string, expectedHop int) (requestRec, error) {
	rec, ok := s.requests[id]
	if !ok {
		return requestRec{}, ErrNotFound
	}
	if rec.claimedBy != owner || !rec.claimExpiresAt.After(s.now()) {
		return requestRec{}, ErrClaimLost
	}
	if rec.r.CurrentHop != expectedHop {
		return requestRec{}, fmt.Errorf("%w: current hop %d, expected %d", ErrClaimLost, rec.r.CurrentHop, expectedHop)
	}
	return rec, nil
}
