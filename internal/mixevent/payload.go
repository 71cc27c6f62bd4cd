// Package mixevent defines the JSON records the mixer publishes about request progress
// and the deposit confirmations it consumes.
package mixevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/juno-intents/hopmix/internal/idempotency"
	"github.com/juno-intents/hopmix/internal/mix"
)

const (
	VersionCreated   = "mix.created.v1"
	VersionDeposited = "mix.deposited.v1"
	VersionHop       = "mix.hop.v1"
	VersionCompleted = "mix.completed.v1"
	VersionFailed    = "mix.failed.v1"
	VersionStranded  = "mix.stranded.v1"

	VersionDepositConfirmation = "mix.deposit.v1"
)

var (
	ErrInvalidMessage = errors.New("mixevent: invalid message")
	ErrUnknownVersion = errors.New("mixevent: unknown version")
)

// Event carries request progress only. Sender and recipient addresses are never
// included so the stream cannot be used to link the two.
type Event struct {
	Version   string `json:"version"`
	ID        string `json:"id"`
	Chain     string `json:"chain"`
	Token     string `json:"token"`
	Status    string `json:"status"`
	Hop       int    `json:"hop,omitempty"`
	TotalHops int    `json:"totalHops"`
	HopKey    string `json:"hopKey,omitempty"`
	// DepositKey lets consumers spot one deposit transaction claimed by two requests.
	DepositKey string    `json:"depositKey,omitempty"`
	TxRef      string    `json:"txRef,omitempty"`
	FeeTxRef   string    `json:"feeTxRef,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	Wallet     int       `json:"wallet,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

func base(version string, r mix.Request, at time.Time) Event {
	return Event{
		Version:   version,
		ID:        r.ID,
		Chain:     string(r.Chain),
		Token:     r.Token,
		Status:    r.Status.String(),
		TotalHops: r.TotalHops,
		At:        at.UTC(),
	}
}

func Created(r mix.Request, at time.Time) Event {
	e := base(VersionCreated, r, at)
	e.Amount = r.OriginalAmount.String()
	return e
}

func Deposited(r mix.Request, at time.Time) Event {
	e := base(VersionDeposited, r, at)
	e.TxRef = r.DepositTxHash
	e.DepositKey = idempotency.DepositKeyV1(r.Chain, r.DepositTxHash).Hex()
	return e
}

func HopExecuted(r mix.Request, h mix.Hop) Event {
	e := base(VersionHop, r, h.ExecutedAt)
	e.Hop = h.Number
	e.HopKey = idempotency.HopKeyV1(r.ID, h.Number).Hex()
	e.TxRef = h.TxRef
	e.FeeTxRef = h.FeeTxRef
	return e
}

func Completed(r mix.Request, at time.Time) Event {
	e := base(VersionCompleted, r, at)
	e.Hop = r.CurrentHop
	e.Amount = r.Amount.String()
	return e
}

func Failed(r mix.Request, at time.Time) Event {
	e := base(VersionFailed, r, at)
	e.Hop = r.CurrentHop + 1
	e.Error = r.ErrorMessage
	return e
}

// Stranded reports funds of a failed request still sitting in a pool wallet.
func Stranded(r mix.Request, wallet int, amount string, at time.Time) Event {
	e := base(VersionStranded, r, at)
	e.Hop = r.CurrentHop
	e.Wallet = wallet
	e.Amount = amount
	e.Error = r.ErrorMessage
	return e
}

// Key partitions events by request so consumers see one request's events in order.
func (e Event) Key() []byte { return []byte(e.ID) }

// DepositConfirmation is the message an external chain watcher sends once a
// deposit to a request's deposit address is observed.
type DepositConfirmation struct {
	Version string `json:"version"`
	ID      string `json:"id"`
	TxHash  string `json:"txHash"`
}

func NewDepositConfirmation(id, txHash string) DepositConfirmation {
	return DepositConfirmation{Version: VersionDepositConfirmation, ID: id, TxHash: txHash}
}

func ParseDepositConfirmation(b []byte) (DepositConfirmation, error) {
	var env struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return DepositConfirmation{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if env.Version != VersionDepositConfirmation {
		return DepositConfirmation{}, fmt.Errorf("%w: %q", ErrUnknownVersion, env.Version)
	}

	var m DepositConfirmation
	if err := json.Unmarshal(b, &m); err != nil {
		return DepositConfirmation{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	m.ID = strings.TrimSpace(m.ID)
	m.TxHash = strings.TrimSpace(m.TxHash)
	if m.ID == "" || m.TxHash == "" {
		return DepositConfirmation{}, fmt.Errorf("%w: id and txHash required", ErrInvalidMessage)
	}
	return m, nil
}
