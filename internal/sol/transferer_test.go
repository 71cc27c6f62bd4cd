package sol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/juno-intents/hopmix/internal/mix"
	"github.com/juno-intents/hopmix/internal/transfer"
	"github.com/juno-intents/hopmix/internal/walletpool"
	"github.com/shopspring/decimal"
)

const usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

type fakeRPC struct {
	mu sync.Mutex

	lamports      map[solana.PublicKey]uint64
	tokenBalances map[solana.PublicKey]uint64
	accounts      map[solana.PublicKey]bool

	sendErr   error
	sent      []*solana.Transaction
	pending   int
	polls     int
	statusErr interface{}
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		lamports:      make(map[solana.PublicKey]uint64),
		tokenBalances: make(map[solana.PublicKey]uint64),
		accounts:      make(map[solana.PublicKey]bool),
	}
}

func (f *fakeRPC) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: solana.Hash{7}, LastValidBlockHeight: 100}}, nil
}

func (f *fakeRPC) GetBalance(_ context.Context, account solana.PublicKey, _ rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &rpc.GetBalanceResult{Value: f.lamports[account]}, nil
}

func (f *fakeRPC) GetTokenAccountBalance(_ context.Context, account solana.PublicKey, _ rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.tokenBalances[account]
	if !ok {
		return nil, errors.New("could not find account")
	}
	return &rpc.GetTokenAccountBalanceResult{Value: &rpc.UiTokenAmount{Amount: decimal.NewFromUint64(n).String()}}, nil
}

func (f *fakeRPC) GetAccountInfoWithOpts(_ context.Context, account solana.PublicKey, _ *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.accounts[account] {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: &rpc.Account{}}, nil
}

func (f *fakeRPC) SendTransactionWithOpts(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	f.sent = append(f.sent, tx)
	return tx.Signatures[0], nil
}

func (f *fakeRPC) GetSignatureStatuses(_ context.Context, _ bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	out := &rpc.GetSignatureStatusesResult{Value: make([]*rpc.SignatureStatusesResult, len(sigs))}
	if f.polls <= f.pending {
		return out, nil
	}
	for i := range sigs {
		out.Value[i] = &rpc.SignatureStatusesResult{
			Slot:               42,
			Err:                f.statusErr,
			ConfirmationStatus: rpc.ConfirmationStatusFinalized,
		}
	}
	return out, nil
}

type stubWallets map[int]*PoolKey

func (s stubWallets) Wallet(chain mix.Chain, index int) (walletpool.Wallet, error) {
	k, ok := s[index]
	if !ok || chain != mix.ChainSolana {
		return walletpool.Wallet{}, walletpool.ErrWalletNotFound
	}
	return walletpool.Wallet{Chain: chain, Index: index, Address: k.Address(), Key: k}, nil
}

func mustRandomKey(t *testing.T) *PoolKey {
	t.Helper()
	pk, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("NewRandomPrivateKey: %v", err)
	}
	return NewPoolKey(pk)
}

func newTestTransferer(t *testing.T, client *fakeRPC) (*Transferer, *PoolKey, *int) {
	t.Helper()

	tokens, err := transfer.NewTokenSet(
		transfer.Token{Symbol: "SOL", Native: true, Decimals: 9},
		transfer.Token{Symbol: "USDC", Address: usdcMint, Decimals: 6},
	)
	if err != nil {
		t.Fatalf("NewTokenSet: %v", err)
	}
	key := mustRandomKey(t)
	sleeps := 0
	tr, err := NewTransferer(client, stubWallets{1: key}, Config{
		Tokens: tokens,
		Sleep: func(context.Context, time.Duration) error {
			sleeps++
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewTransferer: %v", err)
	}
	return tr, key, &sleeps
}

func programIDs(tx *solana.Transaction) []solana.PublicKey {
	var out []solana.PublicKey
	for _, ix := range tx.Message.Instructions {
		out = append(out, tx.Message.AccountKeys[ix.ProgramIDIndex])
	}
	return out
}

func TestTransferer_NativeTransfer_WaitsForFinality(t *testing.T) {
	t.Parallel()

	client := newFakeRPC()
	client.pending = 2
	tr, key, sleeps := newTestTransferer(t, client)
	client.lamports[key.PublicKey()] = 2_000_000_000

	dest := mustRandomKey(t).Address()
	res, err := tr.Transfer(context.Background(), transfer.Request{
		Chain:     mix.ChainSolana,
		FromIndex: 1,
		ToAddress: dest,
		Amount:    decimal.RequireFromString("1.5"),
		Token:     "NATIVE",
	})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected 1 tx, got %d", len(client.sent))
	}
	tx := client.sent[0]
	if res.TxRef != tx.Signatures[0].String() {
		t.Fatalf("TxRef: got %s want %s", res.TxRef, tx.Signatures[0])
	}
	ids := programIDs(tx)
	if len(ids) != 1 || !ids[0].Equals(solana.SystemProgramID) {
		t.Fatalf("unexpected programs: %v", ids)
	}
	if !tx.Message.AccountKeys[0].Equals(key.PublicKey()) {
		t.Fatalf("fee payer: got %s want %s", tx.Message.AccountKeys[0], key.PublicKey())
	}
	if *sleeps != 2 {
		t.Fatalf("expected 2 polls before finality, got %d sleeps", *sleeps)
	}
}

func TestTransferer_TokenTransfer_CreatesMissingDestinationAccount(t *testing.T) {
	t.Parallel()

	client := newFakeRPC()
	tr, key, _ := newTestTransferer(t, client)

	mint := solana.MustPublicKeyFromBase58(usdcMint)
	src, _, err := solana.FindAssociatedTokenAddress(key.PublicKey(), mint)
	if err != nil {
		t.Fatalf("FindAssociatedTokenAddress: %v", err)
	}
	client.accounts[src] = true
	client.tokenBalances[src] = 5_000_000

	dest := mustRandomKey(t).PublicKey()
	if _, err := tr.Transfer(context.Background(), transfer.Request{
		Chain:     mix.ChainSolana,
		FromIndex: 1,
		ToAddress: dest.String(),
		Amount:    decimal.RequireFromString("4.95"),
		Token:     "usdc",
	}); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	ids := programIDs(client.sent[0])
	if len(ids) != 2 || !ids[0].Equals(solana.SPLAssociatedTokenAccountProgramID) || !ids[1].Equals(solana.TokenProgramID) {
		t.Fatalf("unexpected programs: %v", ids)
	}

	// Once the account exists only the transfer is sent.
	dstATA, _, err := solana.FindAssociatedTokenAddress(dest, mint)
	if err != nil {
		t.Fatalf("FindAssociatedTokenAddress: %v", err)
	}
	client.accounts[dstATA] = true
	if _, err := tr.Transfer(context.Background(), transfer.Request{
		Chain:     mix.ChainSolana,
		FromIndex: 1,
		ToAddress: dest.String(),
		Amount:    decimal.RequireFromString("0.05"),
		Token:     "USDC",
	}); err != nil {
		t.Fatalf("Transfer #2: %v", err)
	}
	ids = programIDs(client.sent[1])
	if len(ids) != 1 || !ids[0].Equals(solana.TokenProgramID) {
		t.Fatalf("unexpected programs: %v", ids)
	}

	bal, err := tr.Balance(context.Background(), 1, "USDC")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !bal.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("Balance: got %s", bal)
	}
}

func TestTransferer_InsufficientBalance(t *testing.T) {
	t.Parallel()

	client := newFakeRPC()
	tr, key, _ := newTestTransferer(t, client)
	client.lamports[key.PublicKey()] = 10

	_, err := tr.Transfer(context.Background(), transfer.Request{
		Chain:     mix.ChainSolana,
		FromIndex: 1,
		ToAddress: mustRandomKey(t).Address(),
		Amount:    decimal.RequireFromString("1"),
		Token:     "SOL",
	})
	if !errors.Is(err, transfer.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if len(client.sent) != 0 {
		t.Fatalf("tx sent despite insufficient balance")
	}

	// A wallet with no token account holds zero tokens.
	bal, err := tr.Balance(context.Background(), 1, "USDC")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !bal.IsZero() {
		t.Fatalf("Balance: got %s want 0", bal)
	}
}

func TestTransferer_FailedTransactionIsRejected(t *testing.T) {
	t.Parallel()

	client := newFakeRPC()
	client.statusErr = map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}
	tr, key, _ := newTestTransferer(t, client)
	client.lamports[key.PublicKey()] = 2_000_000_000

	_, err := tr.Transfer(context.Background(), transfer.Request{
		Chain:     mix.ChainSolana,
		FromIndex: 1,
		ToAddress: mustRandomKey(t).Address(),
		Amount:    decimal.RequireFromString("1"),
		Token:     "SOL",
	})
	if !errors.Is(err, transfer.ErrRejected) || !errors.Is(err, ErrTxFailed) {
		t.Fatalf("expected ErrRejected/ErrTxFailed, got %v", err)
	}
}

func TestTransferer_SendErrorIsRejected(t *testing.T) {
	t.Parallel()

	client := newFakeRPC()
	client.sendErr = errors.New("blockhash not found")
	tr, key, _ := newTestTransferer(t, client)
	client.lamports[key.PublicKey()] = 2_000_000_000

	_, err := tr.Transfer(context.Background(), transfer.Request{
		Chain:     mix.ChainSolana,
		FromIndex: 1,
		ToAddress: mustRandomKey(t).Address(),
		Amount:    decimal.RequireFromString("1"),
		Token:     "SOL",
	})
	if !errors.Is(err, transfer.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestTransferer_AcceptsPaddedDestination(t *testing.T) {
	t.Parallel()

	client := newFakeRPC()
	tr, key, _ := newTestTransferer(t, client)
	client.lamports[key.PublicKey()] = 2_000_000_000

	dest := mustRandomKey(t).Address()
	if _, err := tr.Transfer(context.Background(), transfer.Request{
		Chain:     mix.ChainSolana,
		FromIndex: 1,
		ToAddress: "  " + dest + "\n",
		Amount:    decimal.RequireFromString("0.5"),
		Token:     "NATIVE",
	}); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected 1 tx, got %d", len(client.sent))
	}
	if got := client.sent[0].Message.AccountKeys[1].String(); got != dest {
		t.Fatalf("destination: got %s want %s", got, dest)
	}
}

func TestParseAddress(t *testing.T) {
	t.Parallel()

	want := mustRandomKey(t).Address()
	got, err := ParseAddress("\t" + want + " ")
	if err != nil || got.String() != want {
		t.Fatalf("ParseAddress padded: got %s, %v", got, err)
	}
	for _, bad := range []string{"", "0xnotbase58", "11111111111111111111111111111111"} {
		if _, err := ParseAddress(bad); err == nil {
			t.Fatalf("ParseAddress(%q): expected error", bad)
		}
	}
}

func TestTransferer_RejectsBadInput(t *testing.T) {
	t.Parallel()

	tr, _, _ := newTestTransferer(t, newFakeRPC())
	ctx := context.Background()

	if _, err := tr.Transfer(ctx, transfer.Request{Chain: mix.ChainSolana, FromIndex: 1, ToAddress: "0xnotbase58", Amount: decimal.NewFromInt(1), Token: "SOL"}); !errors.Is(err, transfer.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
	if _, err := tr.Transfer(ctx, transfer.Request{Chain: mix.ChainSolana, FromIndex: 1, ToAddress: mustRandomKey(t).Address(), Amount: decimal.NewFromInt(1), Token: "BONK"}); !errors.Is(err, transfer.ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
	if _, err := tr.Transfer(ctx, transfer.Request{Chain: mix.ChainSolana, FromIndex: 1, ToAddress: mustRandomKey(t).Address(), Amount: decimal.RequireFromString("0.0000000001"), Token: "SOL"}); !errors.Is(err, transfer.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for sub-lamport amount, got %v", err)
	}
	if _, err := tr.Transfer(ctx, transfer.Request{Chain: mix.ChainSolana, FromIndex: 9, ToAddress: mustRandomKey(t).Address(), Amount: decimal.NewFromInt(1), Token: "SOL"}); !errors.Is(err, walletpool.ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}
