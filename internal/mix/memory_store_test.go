package mix

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestRequest(id string) Request {
	return Request{
		ID:               id,
		Chain:            ChainEthereum,
		Token:            "ETH",
		OriginalAmount:   decimal.RequireFromString("1.0"),
		Fee:              decimal.RequireFromString("0.01"),
		Amount:           decimal.RequireFromString("0.99"),
		SenderAddress:    "0x1111111111111111111111111111111111111111",
		RecipientAddress: "0x2222222222222222222222222222222222222222",
		DepositAddress:   "0x3333333333333333333333333333333333333333",
		DepositWallet:    2,
		CurrentWallet:    2,
		Status:           StatusPendingDeposit,
		TotalHops:        5,
	}
}

func TestMemoryStore_CreateGet_DefensiveCopy(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	if err := s.Create(ctx, newTestRequest("r1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, newTestRequest("r1")); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("CreatedAt: got %v want %v", got.CreatedAt, now)
	}
	got.Hops = append(got.Hops, Hop{Number: 9})

	again, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get #2: %v", err)
	}
	if len(again.Hops) != 0 {
		t.Fatalf("store mutated through returned value")
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_Create_RejectsNonInitialState(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	r := newTestRequest("r1")
	r.Status = StatusMixing
	if err := s.Create(context.Background(), r); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}

	r = newTestRequest("r2")
	r.Fee = decimal.RequireFromString("0.02")
	if err := s.Create(context.Background(), r); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for amount+fee mismatch, got %v", err)
	}
}

func TestMemoryStore_ConfirmDeposit(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	if err := s.Create(ctx, newTestRequest("r1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := s.ConfirmDeposit(ctx, "missing", "0xabc", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := s.ConfirmDeposit(ctx, "r1", "0xabc", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ConfirmDeposit: %v", err)
	}
	if got.Status != StatusDeposited || got.DepositTxHash != "0xabc" || !got.NextHopAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected request after confirm: %+v", got)
	}

	// Same tx is idempotent and keeps the original schedule.
	got, err = s.ConfirmDeposit(ctx, "r1", "0xabc", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("ConfirmDeposit replay: %v", err)
	}
	if !got.NextHopAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("replay changed next hop: %v", got.NextHopAt)
	}

	if _, err := s.ConfirmDeposit(ctx, "r1", "0xdef", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestMemoryStore_ClaimDue_RespectsScheduleAndClaims(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.Create(ctx, newTestRequest(id)); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	if _, err := s.ConfirmDeposit(ctx, "a", "0x1", now.Add(-time.Second)); err != nil {
		t.Fatalf("ConfirmDeposit a: %v", err)
	}
	if _, err := s.ConfirmDeposit(ctx, "b", "0x2", now.Add(time.Minute)); err != nil {
		t.Fatalf("ConfirmDeposit b: %v", err)
	}

	got, err := s.ClaimDue(ctx, "w1", time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected only a, got %+v", got)
	}

	got, err = s.ClaimDue(ctx, "w2", time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDue #2: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("claimed request handed out twice: %+v", got)
	}

	now = now.Add(2 * time.Minute)
	got, err = s.ClaimDue(ctx, "w2", time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDue #3: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected expired claim and newly due request, got %d", len(got))
	}

	if _, err := s.ClaimDue(ctx, "", time.Minute, 1); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestMemoryStore_RecordHop_GuardsClaimAndHop(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	r := newTestRequest("r1")
	r.TotalHops = 2
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.ConfirmDeposit(ctx, "r1", "0x1", now); err != nil {
		t.Fatalf("ConfirmDeposit: %v", err)
	}

	hop1 := HopOutcome{
		Hop:        Hop{Number: 1, FromWallet: 2, ToWallet: 4, ToAddress: "0x4", TxRef: "0xt1"},
		NextWallet: 4,
		NextHopAt:  now.Add(time.Minute),
	}
	if _, err := s.RecordHop(ctx, "w1", "r1", 0, hop1); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost without claim, got %v", err)
	}

	if _, err := s.ClaimDue(ctx, "w1", time.Minute, 10); err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if _, err := s.RecordHop(ctx, "w2", "r1", 0, hop1); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost for other owner, got %v", err)
	}
	if _, err := s.RecordHop(ctx, "w1", "r1", 1, hop1); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost for stale hop, got %v", err)
	}

	got, err := s.RecordHop(ctx, "w1", "r1", 0, hop1)
	if err != nil {
		t.Fatalf("RecordHop: %v", err)
	}
	if got.Status != StatusMixing || got.CurrentHop != 1 || got.CurrentWallet != 4 || len(got.Hops) != 1 {
		t.Fatalf("unexpected request after hop 1: %+v", got)
	}

	// Claim was released; a second record without a claim must fail.
	if _, err := s.RecordHop(ctx, "w1", "r1", 1, HopOutcome{Hop: Hop{Number: 2}}); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost after release, got %v", err)
	}

	now = now.Add(time.Minute)
	if _, err := s.ClaimDue(ctx, "w1", time.Minute, 10); err != nil {
		t.Fatalf("ClaimDue #2: %v", err)
	}
	got, err = s.RecordHop(ctx, "w1", "r1", 1, HopOutcome{
		Hop: Hop{Number: 2, FromWallet: 4, ToAddress: r.RecipientAddress, TxRef: "0xt2"},
	})
	if err != nil {
		t.Fatalf("RecordHop final: %v", err)
	}
	if got.Status != StatusCompleted || got.CurrentWallet != 0 || !got.NextHopAt.IsZero() || !got.CompletedAt.Equal(now) {
		t.Fatalf("unexpected request after final hop: %+v", got)
	}
	if len(got.Hops) != 2 || got.Hops[0].TxRef != "0xt1" || got.Hops[1].TxRef != "0xt2" {
		t.Fatalf("unexpected hop history: %+v", got.Hops)
	}
}

func TestMemoryStore_MarkFailed_IsTerminal(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	if err := s.Create(ctx, newTestRequest("r1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.ConfirmDeposit(ctx, "r1", "0x1", now); err != nil {
		t.Fatalf("ConfirmDeposit: %v", err)
	}
	if _, err := s.ClaimDue(ctx, "w1", time.Minute, 10); err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	got, err := s.MarkFailed(ctx, "w1", "r1", 0, "boom")
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if got.Status != StatusFailed || got.ErrorMessage != "boom" || !got.NextHopAt.IsZero() {
		t.Fatalf("unexpected request: %+v", got)
	}

	claimed, err := s.ClaimDue(ctx, "w1", time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDue after fail: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("failed request was claimed again")
	}

	failed, err := s.ListByStatus(ctx, StatusFailed, Cursor{}, 10)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "r1" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}
}

func TestMemoryStore_ExtendClaim_KeepsOwnerAheadOfExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	if err := s.Create(ctx, newTestRequest("r1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.ConfirmDeposit(ctx, "r1", "0x1", now); err != nil {
		t.Fatalf("ConfirmDeposit: %v", err)
	}
	if _, err := s.ClaimDue(ctx, "w1", time.Minute, 10); err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}

	if _, err := s.ExtendClaim(ctx, "w2", "r1", 0, time.Minute); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost for other owner, got %v", err)
	}
	if _, err := s.ExtendClaim(ctx, "w1", "r1", 1, time.Minute); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost for stale hop, got %v", err)
	}

	now = now.Add(40 * time.Second)
	if _, err := s.ExtendClaim(ctx, "w1", "r1", 0, time.Minute); err != nil {
		t.Fatalf("ExtendClaim: %v", err)
	}

	// Past the original expiry but inside the extension.
	now = now.Add(40 * time.Second)
	claimed, err := s.ClaimDue(ctx, "w2", time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDue w2: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("extended claim was handed to another owner")
	}

	now = now.Add(time.Minute)
	if _, err := s.ExtendClaim(ctx, "w1", "r1", 0, time.Minute); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost after expiry, got %v", err)
	}
	claimed, err = s.ClaimDue(ctx, "w2", time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDue after expiry: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expired claim was not reclaimable")
	}
}

func TestMemoryStore_ListByStatus_PagesWithCursor(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	for _, id := range []string{"r3", "r1", "r2"} {
		if err := s.Create(ctx, newTestRequest(id)); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	now = now.Add(time.Second)
	if err := s.Create(ctx, newTestRequest("r0")); err != nil {
		t.Fatalf("Create r0: %v", err)
	}

	var (
		seen   []string
		cursor Cursor
	)
	for {
		page, err := s.ListByStatus(ctx, StatusPendingDeposit, cursor, 2)
		if err != nil {
			t.Fatalf("ListByStatus: %v", err)
		}
		for _, r := range page {
			seen = append(seen, r.ID)
		}
		if len(page) < 2 {
			break
		}
		cursor = CursorOf(page[len(page)-1])
	}

	want := []string{"r1", "r2", "r3", "r0"}
	if len(seen) != len(want) {
		t.Fatalf("listed %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("listed %v, want %v", seen, want)
		}
	}
}

func TestMemoryStore_MarkStrandedReported_StampsOnce(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	if err := s.Create(ctx, newTestRequest("r1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.MarkStrandedReported(ctx, "r1", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for pending request, got %v", err)
	}
	if _, err := s.MarkStrandedReported(ctx, "missing", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := s.ConfirmDeposit(ctx, "r1", "0x1", now); err != nil {
		t.Fatalf("ConfirmDeposit: %v", err)
	}
	if _, err := s.ClaimDue(ctx, "w1", time.Minute, 10); err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if _, err := s.MarkFailed(ctx, "w1", "r1", 0, "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	got, err := s.MarkStrandedReported(ctx, "r1", now)
	if err != nil {
		t.Fatalf("MarkStrandedReported: %v", err)
	}
	if !got.StrandedReportedAt.Equal(now) {
		t.Fatalf("reported at %v, want %v", got.StrandedReportedAt, now)
	}
	got, err = s.MarkStrandedReported(ctx, "r1", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("MarkStrandedReported #2: %v", err)
	}
	if !got.StrandedReportedAt.Equal(now) {
		t.Fatalf("second report moved timestamp to %v", got.StrandedReportedAt)
	}
}
