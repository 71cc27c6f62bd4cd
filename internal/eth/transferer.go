package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/hopmix/internal/mix"
	"github.com/juno-intents/hopmix/internal/transfer"
	"github.com/juno-intents/hopmix/internal/walletpool"
	"github.com/shopspring/decimal"
)

var ErrInvalidTransfererConfig = errors.New("eth: invalid transferer config")

// Wallets resolves pool wallet indices to keys.
type Wallets interface {
	Wallet(chain mix.Chain, index int) (walletpool.Wallet, error)
}

// Transferer moves ETH and ERC-20 balances out of pool wallets.
type Transferer struct {
	backend Backend
	sender  *Sender
	wallets Wallets
	tokens  transfer.TokenSet
}

func NewTransferer(backend Backend, sender *Sender, wallets Wallets, tokens transfer.TokenSet) (*Transferer, error) {
	if backend == nil || sender == nil || wallets == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidTransfererConfig)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: no tokens", ErrInvalidTransfererConfig)
	}
	for _, t := range tokens {
		if !t.Native {
			if err := ValidateAddress(t.Address); err != nil {
				return nil, fmt.Errorf("%w: token %s: %v", ErrInvalidTransfererConfig, t.Symbol, err)
			}
		}
	}
	return &Transferer{backend: backend, sender: sender, wallets: wallets, tokens: tokens}, nil
}

func (t *Transferer) Token(symbol string) (transfer.Token, error) {
	return t.tokens.Lookup(symbol)
}

func (t *Transferer) ValidateAddress(addr string) error {
	if err := ValidateAddress(addr); err != nil {
		return fmt.Errorf("%w: %v", transfer.ErrInvalidAddress, err)
	}
	return nil
}

func (t *Transferer) signer(index int) (Signer, error) {
	w, err := t.wallets.Wallet(mix.ChainEthereum, index)
	if err != nil {
		return nil, err
	}
	s, ok := w.Key.(Signer)
	if !ok {
		return nil, fmt.Errorf("%w: wallet #%d has no ethereum key", ErrInvalidSigner, index)
	}
	return s, nil
}

func (t *Transferer) Balance(ctx context.Context, index int, symbol string) (decimal.Decimal, error) {
	tok, err := t.tokens.Lookup(symbol)
	if err != nil {
		return decimal.Decimal{}, err
	}
	s, err := t.signer(index)
	if err != nil {
		return decimal.Decimal{}, err
	}
	units, err := t.balanceUnits(ctx, s.Account(), tok)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromBigInt(units, -tok.Decimals), nil
}

func (t *Transferer) balanceUnits(ctx context.Context, owner common.Address, tok transfer.Token) (*big.Int, error) {
	if tok.Native {
		bal, err := t.backend.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, fmt.Errorf("eth: balance of %s: %w", owner, err)
		}
		return bal, nil
	}
	data, err := PackERC20BalanceOf(owner)
	if err != nil {
		return nil, err
	}
	contract := common.HexToAddress(tok.Address)
	out, err := t.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("eth: %s balanceOf %s: %w", tok.Symbol, owner, err)
	}
	return UnpackERC20BalanceOf(out)
}

func (t *Transferer) Transfer(ctx context.Context, req transfer.Request) (transfer.Result, error) {
	if err := req.Validate(); err != nil {
		return transfer.Result{}, err
	}
	if err := t.ValidateAddress(req.ToAddress); err != nil {
		return transfer.Result{}, err
	}
	tok, err := t.tokens.Lookup(req.Token)
	if err != nil {
		return transfer.Result{}, err
	}
	units, err := tok.Units(req.Amount)
	if err != nil {
		return transfer.Result{}, err
	}
	value := units.BigInt()

	s, err := t.signer(req.FromIndex)
	if err != nil {
		return transfer.Result{}, err
	}
	bal, err := t.balanceUnits(ctx, s.Account(), tok)
	if err != nil {
		return transfer.Result{}, err
	}
	if bal.Cmp(value) < 0 {
		return transfer.Result{}, fmt.Errorf("%w: wallet #%d has %s %s, needs %s", transfer.ErrInsufficientBalance, req.FromIndex, bal, tok.Symbol, value)
	}

	to := common.HexToAddress(req.ToAddress)
	tx := TxRequest{To: to, Value: value}
	if !tok.Native {
		data, err := PackERC20Transfer(to, value)
		if err != nil {
			return transfer.Result{}, err
		}
		tx = TxRequest{To: common.HexToAddress(tok.Address), Data: data}
	}

	res, err := t.sender.SendAndWaitMined(ctx, s, tx)
	if err != nil {
		if errors.Is(err, ErrReverted) || errors.Is(err, ErrBroadcast) {
			return transfer.Result{}, fmt.Errorf("%w: %v", transfer.ErrRejected, err)
		}
		return transfer.Result{}, err
	}
	return transfer.Result{TxRef: res.TxHash.Hex()}, nil
}
