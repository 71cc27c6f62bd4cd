package mix

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidConfig  = errors.New("mix: invalid config")
	ErrInvalidRequest = errors.New("mix: invalid request")
	ErrUnknownChain   = errors.New("mix: unknown chain")
	ErrUnknownStatus  = errors.New("mix: unknown status")
)

// Chain identifies one of the supported networks.
type Chain string

const (
	// ChainEthereum is the account-balance chain (native ETH and ERC-20 contracts).
	ChainEthereum Chain = "ethereum"
	// ChainSolana is the ledger chain whose fungible tokens need holding accounts.
	ChainSolana Chain = "solana"
)

var Chains = []Chain{ChainEthereum, ChainSolana}

func ParseChain(s string) (Chain, error) {
	switch c := Chain(strings.ToLower(strings.TrimSpace(s))); c {
	case ChainEthereum, ChainSolana:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownChain, s)
	}
}

type Status uint8

const (
	StatusUnknown Status = iota
	StatusPendingDeposit
	StatusDeposited
	StatusMixing
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPendingDeposit:
		return "pending_deposit"
	case StatusDeposited:
		return "deposited"
	case StatusMixing:
		return "mixing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending_deposit":
		return StatusPendingDeposit, nil
	case "deposited":
		return StatusDeposited, nil
	case "mixing":
		return StatusMixing, nil
	case "completed":
		return StatusCompleted, nil
	case "failed":
		return StatusFailed, nil
	default:
		return StatusUnknown, fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether the scheduler may execute hops for a request in s.
func (s Status) Active() bool {
	return s == StatusDeposited || s == StatusMixing
}

// CanTransition encodes the request lifecycle graph.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPendingDeposit:
		return to == StatusDeposited
	case StatusDeposited:
		return to == StatusMixing || to == StatusCompleted || to == StatusFailed
	case StatusMixing:
		return to == StatusMixing || to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Hop is one entry of a request's append-only hop history.
type Hop struct {
	Number     int
	FromWallet int
	// ToWallet is 0 when the hop delivered to the recipient.
	ToWallet  int
	ToAddress string
	TxRef     string
	// FeeTxRef is set on the final hop when the fee was forwarded.
	FeeTxRef   string
	ExecutedAt time.Time
}

func (h Hop) ToRecipient() bool { return h.ToWallet == 0 }

// Request is the persisted record of one mixing operation.
type Request struct {
	ID    string
	Chain Chain
	Token string

	OriginalAmount decimal.Decimal
	Fee            decimal.Decimal
	Amount         decimal.Decimal

	SenderAddress    string
	RecipientAddress string

	DepositAddress string
	DepositWallet  int
	DepositTxHash  string

	Status     Status
	TotalHops  int
	CurrentHop int
	// CurrentWallet is 0 once funds have been delivered.
	CurrentWallet int
	DelayMinutes  int
	NextHopAt     time.Time

	Hops []Hop

	ErrorMessage string
	CompletedAt  time.Time
	// StrandedReportedAt is set once the funds of a failed request were reported for recovery.
	StrandedReportedAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FinalHop reports whether the next hop delivers to the recipient.
func (r Request) FinalHop() bool {
	return r.CurrentHop == r.TotalHops-1
}

// Progress is round(currentHop/totalHops*100).
func (r Request) Progress() int {
	if r.TotalHops <= 0 {
		return 0
	}
	return int(decimal.NewFromInt(int64(r.CurrentHop) * 100).
		Div(decimal.NewFromInt(int64(r.TotalHops))).
		Round(0).IntPart())
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRequest)
	}
	if _, err := ParseChain(string(r.Chain)); err != nil {
		return err
	}
	if strings.TrimSpace(r.Token) == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidRequest)
	}
	if !r.Amount.IsPositive() || r.Fee.IsNegative() {
		return fmt.Errorf("%w: amount must be > 0 and fee >= 0", ErrInvalidRequest)
	}
	if !r.Amount.Add(r.Fee).Equal(r.OriginalAmount) {
		return fmt.Errorf("%w: amount + fee != original amount", ErrInvalidRequest)
	}
	if r.SenderAddress == "" || r.RecipientAddress == "" {
		return fmt.Errorf("%w: missing sender/recipient", ErrInvalidRequest)
	}
	if r.DepositAddress == "" || r.DepositWallet <= 0 {
		return fmt.Errorf("%w: missing deposit wallet", ErrInvalidRequest)
	}
	if r.TotalHops <= 0 {
		return fmt.Errorf("%w: total hops must be > 0", ErrInvalidRequest)
	}
	if r.CurrentHop < 0 || r.CurrentHop > r.TotalHops {
		return fmt.Errorf("%w: current hop out of range", ErrInvalidRequest)
	}
	if r.DelayMinutes < 0 {
		return fmt.Errorf("%w: delay must be >= 0", ErrInvalidRequest)
	}
	return nil
}

func CloneRequest(r Request) Request {
	r.Hops = append([]Hop(nil), r.Hops...)
	return r
}
