package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/juno-intents/hopmix/internal/mix"
	"github.com/shopspring/decimal"
)

// NativeAlias selects the native coin of whichever chain is in use.
const NativeAlias = "NATIVE"

var (
	ErrInvalidConfig       = errors.New("transfer: invalid config")
	ErrInvalidRequest      = errors.New("transfer: invalid request")
	ErrUnknownToken        = errors.New("transfer: unknown token")
	ErrInvalidAddress      = errors.New("transfer: invalid address")
	ErrInsufficientBalance = errors.New("transfer: insufficient balance")
	ErrRejected            = errors.New("transfer: rejected by network")
	ErrNotConfirmed        = errors.New("transfer: not confirmed")
)

type Token struct {
	Symbol string
	Native bool
	// Address is the ERC-20 contract or SPL mint. Empty for native coins.
	Address  string
	Decimals int32
}

// TokenSet indexes a chain's tokens by upper-case symbol.
type TokenSet map[string]Token

func NewTokenSet(tokens ...Token) (TokenSet, error) {
	set := make(TokenSet, len(tokens))
	natives := 0
	for _, t := range tokens {
		sym := strings.ToUpper(strings.TrimSpace(t.Symbol))
		if sym == "" || sym == NativeAlias {
			return nil, fmt.Errorf("%w: bad token symbol %q", ErrInvalidConfig, t.Symbol)
		}
		if _, dup := set[sym]; dup {
			return nil, fmt.Errorf("%w: duplicate token %s", ErrInvalidConfig, sym)
		}
		if t.Decimals < 0 || t.Decimals > 36 {
			return nil, fmt.Errorf("%w: token %s decimals %d", ErrInvalidConfig, sym, t.Decimals)
		}
		if t.Native {
			natives++
		} else if strings.TrimSpace(t.Address) == "" {
			return nil, fmt.Errorf("%w: token %s missing address", ErrInvalidConfig, sym)
		}
		t.Symbol = sym
		set[sym] = t
	}
	if natives != 1 {
		return nil, fmt.Errorf("%w: exactly one native token required, got %d", ErrInvalidConfig, natives)
	}
	return set, nil
}

func (s TokenSet) Lookup(symbol string) (Token, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == NativeAlias {
		for _, t := range s {
			if t.Native {
				return t, nil
			}
		}
	}
	t, ok := s[sym]
	if !ok {
		return Token{}, fmt.Errorf("%w: %q", ErrUnknownToken, symbol)
	}
	return t, nil
}

// Units converts a decimal amount to integer base units of t.
func (t Token) Units(amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidRequest)
	}
	units := amount.Shift(t.Decimals)
	if !units.IsInteger() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s exceeds %d decimals of %s", ErrInvalidRequest, amount, t.Decimals, t.Symbol)
	}
	return units, nil
}

type Request struct {
	Chain     mix.Chain
	FromIndex int
	ToAddress string
	Amount    decimal.Decimal
	Token     string
}

func (r Request) Validate() error {
	if r.FromIndex <= 0 {
		return fmt.Errorf("%w: from wallet index must be > 0", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.ToAddress) == "" {
		return fmt.Errorf("%w: missing destination", ErrInvalidRequest)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidRequest)
	}
	return nil
}

type Result struct {
	// TxRef is the transaction hash or signature.
	TxRef string
}

// ChainExecutor moves funds out of pool wallets of one chain.
type ChainExecutor interface {
	Transfer(ctx context.Context, req Request) (Result, error)
	Balance(ctx context.Context, fromIndex int, token string) (decimal.Decimal, error)
	Token(symbol string) (Token, error)
	ValidateAddress(addr string) error
}
