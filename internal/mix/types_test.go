package mix

import "testing"

func TestCanTransition_OnlyForwardEdges(t *testing.T) {
	t.Parallel()

	all := []Status{StatusPendingDeposit, StatusDeposited, StatusMixing, StatusCompleted, StatusFailed}
	allowed := map[[2]Status]bool{
		{StatusPendingDeposit, StatusDeposited}: true,
		{StatusDeposited, StatusMixing}:         true,
		{StatusDeposited, StatusCompleted}:      true,
		{StatusDeposited, StatusFailed}:         true,
		{StatusMixing, StatusMixing}:            true,
		{StatusMixing, StatusCompleted}:         true,
		{StatusMixing, StatusFailed}:            true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s): got %v want %v", from, to, got, want)
			}
		}
	}
}

func TestStatus_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, s := range []Status{StatusPendingDeposit, StatusDeposited, StatusMixing, StatusCompleted, StatusFailed} {
		got, err := ParseStatus(s.String())
		if err != nil {
			t.Fatalf("ParseStatus(%q): %v", s.String(), err)
		}
		if got != s {
			t.Fatalf("ParseStatus(%q): got %v", s.String(), got)
		}
	}
	if _, err := ParseStatus("refunded"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestRequest_Progress(t *testing.T) {
	t.Parallel()

	cases := []struct {
		current, total, want int
	}{
		{0, 5, 0},
		{1, 5, 20},
		{1, 3, 33},
		{2, 3, 67},
		{1, 8, 13},
		{7, 8, 88},
		{5, 5, 100},
		{0, 0, 0},
	}
	for _, tc := range cases {
		r := Request{CurrentHop: tc.current, TotalHops: tc.total}
		if got := r.Progress(); got != tc.want {
			t.Fatalf("Progress(%d/%d): got %d want %d", tc.current, tc.total, got, tc.want)
		}
	}
}

func TestParseChain(t *testing.T) {
	t.Parallel()

	if c, err := ParseChain(" Solana "); err != nil || c != ChainSolana {
		t.Fatalf("ParseChain: got %q, %v", c, err)
	}
	if _, err := ParseChain("bitcoin"); err == nil {
		t.Fatalf("expected error for unsupported chain")
	}
}
