package eth

import (
	"errors"
	"math/big"
)

var ErrInvalidFeeArgs = errors.New("eth: invalid fee args")

// FeePolicy prices EIP-1559 transactions and their replacements.
type FeePolicy struct {
	MinTipCap *big.Int

	// BumpPercent and the minimum absolute bumps apply to replacement transactions.
	// Geth rejects replacements that are not priced sufficiently above the original, and a
	// percentage alone rounds to nothing for small values.
	BumpPercent int
	MinTipBump  *big.Int
	MinFeeBump  *big.Int
}

func (p FeePolicy) validate(replacements bool) error {
	if p.MinTipCap == nil || p.MinTipCap.Sign() < 0 {
		return ErrInvalidFeeArgs
	}
	if !replacements {
		return nil
	}
	if p.BumpPercent <= 0 || p.MinTipBump == nil || p.MinFeeBump == nil {
		return ErrInvalidFeeArgs
	}
	if p.MinTipBump.Sign() < 0 || p.MinFeeBump.Sign() < 0 {
		return ErrInvalidFeeArgs
	}
	return nil
}

// Initial returns tipCap = max(suggested, MinTipCap) and feeCap = 2*baseFee + tipCap.
func (p FeePolicy) Initial(baseFee, suggestedTip *big.Int) (tipCap, feeCap *big.Int, err error) {
	if baseFee == nil || suggestedTip == nil || p.MinTipCap == nil {
		return nil, nil, ErrInvalidFeeArgs
	}
	if baseFee.Sign() < 0 || suggestedTip.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	tip := new(big.Int).Set(suggestedTip)
	if tip.Cmp(p.MinTipCap) < 0 {
		tip.Set(p.MinTipCap)
	}
	fee := new(big.Int).Lsh(baseFee, 1)
	fee.Add(fee, tip)
	return tip, fee, nil
}

// Bump raises both caps for a replacement transaction. feeCap never ends below tipCap.
func (p FeePolicy) Bump(tipCap, feeCap *big.Int) (*big.Int, *big.Int, error) {
	if tipCap == nil || feeCap == nil || tipCap.Sign() < 0 || feeCap.Sign() < 0 || p.BumpPercent <= 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	tip := bumpBy(tipCap, p.BumpPercent, p.MinTipBump)
	fee := bumpBy(feeCap, p.BumpPercent, p.MinFeeBump)
	if fee.Cmp(tip) < 0 {
		fee = new(big.Int).Set(tip)
	}
	return tip, fee, nil
}

func bumpBy(v *big.Int, percent int, minBump *big.Int) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(int64(100+percent)))
	out.Quo(out, big.NewInt(100))
	if minBump != nil && minBump.Sign() > 0 {
		if floor := new(big.Int).Add(v, minBump); out.Cmp(floor) < 0 {
			out = floor
		}
	}
	return out
}
