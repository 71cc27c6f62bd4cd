package mix

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("mix: not found")
	ErrAlreadyExists     = errors.New("mix: already exists")
	ErrInvalidTransition = errors.New("mix: invalid transition")
	ErrClaimLost         = errors.New("mix: claim lost")
)

// HopOutcome is what a successful hop changes on its request.
type HopOutcome struct {
	Hop Hop
	// NextWallet is the wallet now holding the funds, 0 after delivery.
	NextWallet int
	// NextHopAt is ignored when the hop completes the request.
	NextHopAt time.Time
}

// Cursor positions a listing after the request created at CreatedAt with ID.
// The zero Cursor starts from the beginning.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the cursor that resumes a listing after r.
func CursorOf(r Request) Cursor {
	return Cursor{CreatedAt: r.CreatedAt, ID: r.ID}
}

func (c Cursor) precedes(r Request) bool {
	if c.ID == "" && c.CreatedAt.IsZero() {
		return true
	}
	if cmp := c.CreatedAt.Compare(r.CreatedAt); cmp != 0 {
		return cmp < 0
	}
	return c.ID < r.ID
}

// Store persists mix requests and their hop history.
//
// Semantics:
//   - ClaimDue returns up to max active requests with next_hop_at <= now that are unclaimed or whose
//     claim has expired, and marks them claimed by owner until now+ttl.
//   - ExtendClaim, RecordHop and MarkFailed succeed only while owner holds an unexpired claim and the
//     request's current hop equals expectedHop. ExtendClaim moves the expiry to now+ttl; the other two
//     release the claim.
//   - ListByStatus pages in (created_at, id) order, strictly after the cursor.
//   - MarkStrandedReported stamps a failed request once; later calls keep the first timestamp.
//   - Hop history is append-only.
type Store interface {
	Create(ctx context.Context, r Request) error
	Get(ctx context.Context, id string) (Request, error)

	ConfirmDeposit(ctx context.Context, id string, txHash string, nextHopAt time.Time) (Request, error)

	ClaimDue(ctx context.Context, owner string, ttl time.Duration, max int) ([]Request, error)
	ExtendClaim(ctx context.Context, owner string, id string, expectedHop int, ttl time.Duration) (Request, error)
	RecordHop(ctx context.Context, owner string, id string, expectedHop int, out HopOutcome) (Request, error)
	MarkFailed(ctx context.Context, owner string, id string, expectedHop int, msg string) (Request, error)

	ListByStatus(ctx context.Context, status Status, after Cursor, limit int) ([]Request, error)
	MarkStrandedReported(ctx context.Context, id string, at time.Time) (Request, error)
}
