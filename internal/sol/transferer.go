package sol

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/juno-intents/hopmix/internal/mix"
	"github.com/juno-intents/hopmix/internal/transfer"
	"github.com/juno-intents/hopmix/internal/walletpool"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidConfig = errors.New("sol: invalid config")
	ErrTxFailed      = errors.New("sol: transaction failed")
)

// RPC is the subset of *rpc.Client the transferer needs.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

type Wallets interface {
	Wallet(chain mix.Chain, index int) (walletpool.Wallet, error)
}

type Config struct {
	Tokens transfer.TokenSet

	// Commitment is the level a transfer must reach before it counts as done.
	Commitment   rpc.CommitmentType
	PollInterval time.Duration
	Sleep        func(ctx context.Context, d time.Duration) error
}

// Transferer moves SOL and SPL token balances out of pool wallets. Token transfers go
// between associated token accounts; a missing destination account is created in the same
// transaction, paid for by the sending pool wallet.
type Transferer struct {
	rpc     RPC
	wallets Wallets
	cfg     Config
}

func NewTransferer(client RPC, wallets Wallets, cfg Config) (*Transferer, error) {
	if client == nil || wallets == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if len(cfg.Tokens) == 0 {
		return nil, fmt.Errorf("%w: no tokens", ErrInvalidConfig)
	}
	for _, t := range cfg.Tokens {
		if t.Decimals > 255 {
			return nil, fmt.Errorf("%w: token %s decimals", ErrInvalidConfig, t.Symbol)
		}
		if !t.Native {
			if err := ValidateAddress(t.Address); err != nil {
				return nil, fmt.Errorf("%w: token %s mint: %v", ErrInvalidConfig, t.Symbol, err)
			}
		}
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentFinalized
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollInterval < 0 {
		return nil, fmt.Errorf("%w: poll interval must be > 0", ErrInvalidConfig)
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Transferer{rpc: client, wallets: wallets, cfg: cfg}, nil
}

func (t *Transferer) Token(symbol string) (transfer.Token, error) {
	return t.cfg.Tokens.Lookup(symbol)
}

func (t *Transferer) ValidateAddress(addr string) error {
	if err := ValidateAddress(addr); err != nil {
		return fmt.Errorf("%w: %v", transfer.ErrInvalidAddress, err)
	}
	return nil
}

func (t *Transferer) key(index int) (*PoolKey, error) {
	w, err := t.wallets.Wallet(mix.ChainSolana, index)
	if err != nil {
		return nil, err
	}
	k, ok := w.Key.(*PoolKey)
	if !ok {
		return nil, fmt.Errorf("%w: wallet #%d has no solana key", ErrInvalidPrivateKey, index)
	}
	return k, nil
}

func (t *Transferer) Balance(ctx context.Context, index int, symbol string) (decimal.Decimal, error) {
	tok, err := t.cfg.Tokens.Lookup(symbol)
	if err != nil {
		return decimal.Decimal{}, err
	}
	k, err := t.key(index)
	if err != nil {
		return decimal.Decimal{}, err
	}
	units, err := t.balanceUnits(ctx, k.PublicKey(), tok)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromUint64(units).Shift(-tok.Decimals), nil
}

func (t *Transferer) balanceUnits(ctx context.Context, owner solana.PublicKey, tok transfer.Token) (uint64, error) {
	if tok.Native {
		out, err := t.rpc.GetBalance(ctx, owner, t.cfg.Commitment)
		if err != nil {
			return 0, fmt.Errorf("sol: balance of %s: %w", owner, err)
		}
		return out.Value, nil
	}
	mint, err := mintOf(tok)
	if err != nil {
		return 0, err
	}
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return 0, fmt.Errorf("sol: derive token account: %w", err)
	}
	out, err := t.rpc.GetTokenAccountBalance(ctx, ata, t.cfg.Commitment)
	if err != nil {
		exists, existsErr := t.accountExists(ctx, ata)
		if existsErr == nil && !exists {
			return 0, nil
		}
		return 0, fmt.Errorf("sol: %s balance of %s: %w", tok.Symbol, owner, err)
	}
	if out.Value == nil {
		return 0, nil
	}
	n, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sol: parse token amount %q: %w", out.Value.Amount, err)
	}
	return n, nil
}

func mintOf(tok transfer.Token) (solana.PublicKey, error) {
	mint, err := ParseAddress(tok.Address)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %s mint: %v", transfer.ErrUnknownToken, tok.Symbol, err)
	}
	return mint, nil
}

func (t *Transferer) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	_, err := t.rpc.GetAccountInfoWithOpts(ctx, account, &rpc.GetAccountInfoOpts{Commitment: t.cfg.Commitment})
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sol: account info %s: %w", account, err)
	}
	return true, nil
}

func (t *Transferer) Transfer(ctx context.Context, req transfer.Request) (transfer.Result, error) {
	if err := req.Validate(); err != nil {
		return transfer.Result{}, err
	}
	if err := t.ValidateAddress(req.ToAddress); err != nil {
		return transfer.Result{}, err
	}
	tok, err := t.cfg.Tokens.Lookup(req.Token)
	if err != nil {
		return transfer.Result{}, err
	}
	units, err := tok.Units(req.Amount)
	if err != nil {
		return transfer.Result{}, err
	}
	if !units.BigInt().IsUint64() {
		return transfer.Result{}, fmt.Errorf("%w: amount exceeds u64", transfer.ErrInvalidRequest)
	}
	amount := units.BigInt().Uint64()

	k, err := t.key(req.FromIndex)
	if err != nil {
		return transfer.Result{}, err
	}
	from := k.PublicKey()
	to, err := ParseAddress(req.ToAddress)
	if err != nil {
		return transfer.Result{}, fmt.Errorf("%w: %v", transfer.ErrInvalidAddress, err)
	}

	bal, err := t.balanceUnits(ctx, from, tok)
	if err != nil {
		return transfer.Result{}, err
	}
	if bal < amount {
		return transfer.Result{}, fmt.Errorf("%w: wallet #%d has %d %s units, needs %d", transfer.ErrInsufficientBalance, req.FromIndex, bal, tok.Symbol, amount)
	}

	var instrs []solana.Instruction
	if tok.Native {
		instrs = append(instrs, system.NewTransferInstruction(amount, from, to).Build())
	} else {
		instrs, err = t.tokenInstructions(ctx, tok, from, to, amount)
		if err != nil {
			return transfer.Result{}, err
		}
	}

	sig, err := t.submit(ctx, k, instrs)
	if err != nil {
		return transfer.Result{}, err
	}
	if err := t.waitFinal(ctx, sig); err != nil {
		return transfer.Result{}, err
	}
	return transfer.Result{TxRef: sig.String()}, nil
}

func (t *Transferer) tokenInstructions(ctx context.Context, tok transfer.Token, from, to solana.PublicKey, amount uint64) ([]solana.Instruction, error) {
	mint, err := mintOf(tok)
	if err != nil {
		return nil, err
	}
	src, _, err := solana.FindAssociatedTokenAddress(from, mint)
	if err != nil {
		return nil, fmt.Errorf("sol: derive source token account: %w", err)
	}
	dst, _, err := solana.FindAssociatedTokenAddress(to, mint)
	if err != nil {
		return nil, fmt.Errorf("sol: derive destination token account: %w", err)
	}
	exists, err := t.accountExists(ctx, dst)
	if err != nil {
		return nil, err
	}

	var out []solana.Instruction
	if !exists {
		out = append(out, associatedtokenaccount.NewCreateInstruction(from, to, mint).Build())
	}
	out = append(out, token.NewTransferCheckedInstruction(amount, uint8(tok.Decimals), src, mint, dst, from, nil).Build())
	return out, nil
}

func (t *Transferer) submit(ctx context.Context, k *PoolKey, instrs []solana.Instruction) (solana.Signature, error) {
	bh, err := t.rpc.GetLatestBlockhash(ctx, t.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sol: latest blockhash: %w", err)
	}
	if bh == nil || bh.Value == nil {
		return solana.Signature{}, errors.New("sol: empty blockhash response")
	}

	tx, err := solana.NewTransaction(instrs, bh.Value.Blockhash, solana.TransactionPayer(k.PublicKey()))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sol: build transaction: %w", err)
	}
	if _, err := tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(k.PublicKey()) {
			return k.privateKey()
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("sol: sign transaction: %w", err)
	}

	sig, err := t.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{PreflightCommitment: t.cfg.Commitment})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: %v", transfer.ErrRejected, err)
	}
	return sig, nil
}

func (t *Transferer) waitFinal(ctx context.Context, sig solana.Signature) error {
	for {
		out, err := t.rpc.GetSignatureStatuses(ctx, false, sig)
		if err != nil {
			return fmt.Errorf("sol: signature status %s: %w", sig, err)
		}
		if out != nil && len(out.Value) == 1 && out.Value[0] != nil {
			st := out.Value[0]
			if st.Err != nil {
				return fmt.Errorf("%w: %w: %s: %v", transfer.ErrRejected, ErrTxFailed, sig, st.Err)
			}
			if reached(st.ConfirmationStatus, t.cfg.Commitment) {
				return nil
			}
		}
		if err := t.cfg.Sleep(ctx, t.cfg.PollInterval); err != nil {
			return fmt.Errorf("%w: %s: %v", transfer.ErrNotConfirmed, sig, err)
		}
	}
}

func reached(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	switch want {
	case rpc.CommitmentProcessed:
		return status != ""
	case rpc.CommitmentConfirmed:
		return status == rpc.ConfirmationStatusConfirmed || status == rpc.ConfirmationStatusFinalized
	default:
		return status == rpc.ConfirmationStatusFinalized
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
