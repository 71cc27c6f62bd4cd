package eth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrInvalidSenderConfig = errors.New("eth: invalid sender config")
	ErrBroadcast           = errors.New("eth: broadcast failed")
	ErrReverted            = errors.New("eth: transaction reverted")
)

type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type SenderConfig struct {
	ChainID            *big.Int
	GasLimitMultiplier float64
	Fees               FeePolicy

	ReceiptPollInterval time.Duration
	ReplaceAfter        time.Duration
	MaxReplacements     int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // 0 => estimate
}

type SendResult struct {
	From         common.Address
	Nonce        uint64
	TxHash       common.Hash
	Receipt      *types.Receipt
	Replacements int
}

// Sender signs, broadcasts and waits for EIP-1559 transactions from pool wallets.
type Sender struct {
	backend Backend
	cfg     SenderConfig

	mu     sync.Mutex
	nonces map[common.Address]*NonceManager
}

func NewSender(backend Backend, cfg SenderConfig) (*Sender, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidSenderConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidSenderConfig)
	}
	if cfg.GasLimitMultiplier == 0 {
		cfg.GasLimitMultiplier = 1.2
	}
	if cfg.GasLimitMultiplier < 1 {
		return nil, fmt.Errorf("%w: gas limit multiplier must be >= 1", ErrInvalidSenderConfig)
	}
	if cfg.ReceiptPollInterval == 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}
	if cfg.ReceiptPollInterval < 0 || cfg.MaxReplacements < 0 {
		return nil, ErrInvalidSenderConfig
	}
	if cfg.MaxReplacements > 0 && cfg.ReplaceAfter <= 0 {
		return nil, fmt.Errorf("%w: replace after must be > 0", ErrInvalidSenderConfig)
	}
	if err := cfg.Fees.validate(cfg.MaxReplacements > 0); err != nil {
		return nil, fmt.Errorf("%w: fee policy", ErrInvalidSenderConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Sender{
		backend: backend,
		cfg:     cfg,
		nonces:  make(map[common.Address]*NonceManager),
	}, nil
}

func (s *Sender) nonceManager(addr common.Address) *NonceManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	nm, ok := s.nonces[addr]
	if !ok {
		nm = NewNonceManager(s.backend, addr)
		s.nonces[addr] = nm
	}
	return nm
}

// SendAndWaitMined broadcasts req signed by signer and blocks until one of its (possibly
// fee-bumped) versions is mined. A reverted receipt is returned together with ErrReverted.
func (s *Sender) SendAndWaitMined(ctx context.Context, signer Signer, req TxRequest) (SendResult, error) {
	if signer == nil {
		return SendResult{}, ErrInvalidSigner
	}
	from := signer.Account()
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	gas := req.GasLimit
	if gas == 0 {
		est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &req.To, Value: value, Data: req.Data})
		if err != nil {
			return SendResult{}, fmt.Errorf("eth: estimate gas: %w", err)
		}
		gas = applyGasMultiplier(est, s.cfg.GasLimitMultiplier)
	}

	suggested, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return SendResult{}, fmt.Errorf("eth: suggest tip: %w", err)
	}
	header, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return SendResult{}, fmt.Errorf("eth: latest header: %w", err)
	}
	if header.BaseFee == nil {
		return SendResult{}, errors.New("eth: missing baseFee in latest header")
	}
	tipCap, feeCap, err := s.cfg.Fees.Initial(header.BaseFee, suggested)
	if err != nil {
		return SendResult{}, err
	}

	nm := s.nonceManager(from)
	nonce, err := nm.Next(ctx)
	if err != nil {
		return SendResult{}, fmt.Errorf("eth: pending nonce: %w", err)
	}

	sign := func(tip, fee *big.Int) (*types.Transaction, error) {
		return signer.SignTx(types.NewTx(&types.DynamicFeeTx{
			ChainID:   s.cfg.ChainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: fee,
			Gas:       gas,
			To:        &req.To,
			Value:     value,
			Data:      req.Data,
		}), s.cfg.ChainID)
	}

	signed, err := sign(tipCap, feeCap)
	if err != nil {
		nm.Reset()
		return SendResult{}, err
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		nm.Reset()
		return SendResult{}, fmt.Errorf("%w: %v", ErrBroadcast, err)
	}

	sent := []common.Hash{signed.Hash()}
	lastSentAt := s.cfg.Now()
	replacements := 0

	for {
		for _, h := range sent {
			receipt, err := s.backend.TransactionReceipt(ctx, h)
			if errors.Is(err, ethereum.NotFound) {
				continue
			}
			if err != nil {
				return SendResult{}, fmt.Errorf("eth: receipt %s: %w", h, err)
			}
			res := SendResult{From: from, Nonce: nonce, TxHash: h, Receipt: receipt, Replacements: replacements}
			if receipt.Status != types.ReceiptStatusSuccessful {
				return res, fmt.Errorf("%w: %s", ErrReverted, h)
			}
			return res, nil
		}

		if replacements < s.cfg.MaxReplacements && s.cfg.Now().Sub(lastSentAt) >= s.cfg.ReplaceAfter {
			tipCap, feeCap, err = s.cfg.Fees.Bump(tipCap, feeCap)
			if err != nil {
				return SendResult{}, err
			}
			replacement, err := sign(tipCap, feeCap)
			if err != nil {
				return SendResult{}, err
			}
			replacements++
			lastSentAt = s.cfg.Now()
			// A rejected replacement usually means an earlier version was already mined.
			if err := s.backend.SendTransaction(ctx, replacement); err == nil {
				sent = append(sent, replacement.Hash())
			}
			continue
		}

		if err := s.cfg.Sleep(ctx, s.cfg.ReceiptPollInterval); err != nil {
			return SendResult{}, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		return est
	}
	return out
}
