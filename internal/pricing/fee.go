package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// QuotePlaces is the precision used when no chain/token context is known.
const QuotePlaces int32 = 18

var (
	ErrInvalidAmount  = errors.New("pricing: invalid amount")
	ErrInvalidPercent = errors.New("pricing: invalid fee percent")
)

var hundred = decimal.NewFromInt(100)

// FeeSchedule charges a flat percentage of the deposited amount.
type FeeSchedule struct {
	Percent decimal.Decimal
}

func NewFeeSchedule(percent string) (FeeSchedule, error) {
	p, err := decimal.NewFromString(strings.TrimSpace(percent))
	if err != nil {
		return FeeSchedule{}, fmt.Errorf("%w: %v", ErrInvalidPercent, err)
	}
	if p.IsNegative() || p.GreaterThanOrEqual(hundred) {
		return FeeSchedule{}, fmt.Errorf("%w: must be in [0, 100)", ErrInvalidPercent)
	}
	return FeeSchedule{Percent: p}, nil
}

type Quote struct {
	InputAmount  decimal.Decimal
	Fee          decimal.Decimal
	FeePercent   decimal.Decimal
	OutputAmount decimal.Decimal
}

// Quote splits amount into fee and output at the given precision.
//
// The fee is computed exactly, then truncated to places, so that Fee + OutputAmount == InputAmount holds exactly.
func (f FeeSchedule) Quote(amount decimal.Decimal, places int32) (Quote, error) {
	if !amount.IsPositive() {
		return Quote{}, fmt.Errorf("%w: must be > 0", ErrInvalidAmount)
	}
	if !amount.Equal(amount.Truncate(places)) {
		return Quote{}, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, places)
	}
	fee := amount.Mul(f.Percent).Shift(-2).Truncate(places)
	out := amount.Sub(fee)
	if !out.IsPositive() {
		return Quote{}, fmt.Errorf("%w: amount too small after fee", ErrInvalidAmount)
	}
	return Quote{
		InputAmount:  amount,
		Fee:          fee,
		FeePercent:   f.Percent,
		OutputAmount: out,
	}, nil
}

// ParseAmount parses a user supplied decimal string.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: must be > 0", ErrInvalidAmount)
	}
	return d, nil
}
