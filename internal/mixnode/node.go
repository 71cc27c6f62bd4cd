// Package mixnode assembles the chain-facing components shared by the mixer binaries:
// the wallet pool, the per-chain executors behind a transfer router, and the hop planner.
package mixnode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/juno-intents/hopmix/internal/config"
	"github.com/juno-intents/hopmix/internal/eth"
	"github.com/juno-intents/hopmix/internal/hopplan"
	"github.com/juno-intents/hopmix/internal/metrics"
	"github.com/juno-intents/hopmix/internal/mix"
	"github.com/juno-intents/hopmix/internal/pricing"
	"github.com/juno-intents/hopmix/internal/secrets"
	"github.com/juno-intents/hopmix/internal/sol"
	"github.com/juno-intents/hopmix/internal/transfer"
	"github.com/juno-intents/hopmix/internal/walletpool"
)

var ErrInvalidConfig = errors.New("mixnode: invalid config")

type Node struct {
	Config  *config.Config
	Fees    pricing.FeeSchedule
	Pool    *walletpool.Pool
	Router  *transfer.Router
	Planner *hopplan.Planner

	closers []func()
}

// Secrets routes "env:" references to the process environment and, when withAWS is set,
// "aws:" references to AWS Secrets Manager.
func Secrets(ctx context.Context, withAWS bool) (secrets.Provider, error) {
	providers := map[string]secrets.Provider{"env": secrets.NewEnv()}
	if withAWS {
		p, err := secrets.NewAWS(ctx)
		if err != nil {
			return nil, err
		}
		providers["aws"] = p
	}
	return secrets.NewRouter(providers)
}

// Build dials every enabled chain, loads the wallet pool and wires the executors.
func Build(ctx context.Context, cfg *config.Config, sp secrets.Provider, m *metrics.Metrics, log *slog.Logger) (*Node, error) {
	if cfg == nil || sp == nil {
		return nil, fmt.Errorf("%w: nil config or secrets provider", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	fees, err := pricing.NewFeeSchedule(cfg.Fees.Percent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	n := &Node{Config: cfg, Fees: fees}
	ok := false
	defer func() {
		if !ok {
			n.Close()
		}
	}()

	enabled := cfg.Enabled()
	chains := make([]walletpool.ChainConfig, 0, len(enabled))
	for _, c := range enabled {
		switch c {
		case mix.ChainEthereum:
			chains = append(chains, walletpool.ChainConfig{
				Chain:   c,
				KeyRefs: cfg.Ethereum.WalletKeys,
				Parser:  walletpool.KeyParserFunc(eth.ParsePoolKey),
			})
		case mix.ChainSolana:
			chains = append(chains, walletpool.ChainConfig{
				Chain:   c,
				KeyRefs: cfg.Solana.WalletKeys,
				Parser:  walletpool.KeyParserFunc(sol.ParsePoolKey),
			})
		}
	}
	pool, err := walletpool.New(walletpool.Config{
		Chains:          chains,
		EntryCohortSize: cfg.Pool.EntryCohortSize,
		Secrets:         sp,
	}, log)
	if err != nil {
		return nil, err
	}
	if err := pool.Initialize(ctx); err != nil {
		return nil, err
	}
	for _, c := range enabled {
		m.SetPoolWallets(string(c), pool.Size(c))
	}
	n.Pool = pool

	executors := make(map[mix.Chain]transfer.ChainExecutor, len(enabled))
	for _, c := range enabled {
		var (
			ex  transfer.ChainExecutor
			err error
		)
		switch c {
		case mix.ChainEthereum:
			ex, err = n.ethereum(ctx, cfg.Ethereum, pool)
		case mix.ChainSolana:
			ex, err = n.solana(cfg.Solana, pool)
		}
		if err != nil {
			return nil, fmt.Errorf("mixnode: %s executor: %w", c, err)
		}
		executors[c] = ex
	}
	n.Router, err = transfer.NewRouter(transfer.RouterConfig{Timeout: cfg.Scheduler.HopTimeout}, executors, log)
	if err != nil {
		return nil, err
	}

	n.Planner, err = hopplan.New(hopplan.Config{
		MinHops:   cfg.Hops.MinHops,
		MaxHops:   cfg.Hops.MaxHops,
		MaxJitter: cfg.Hops.MaxJitter,
	}, pool)
	if err != nil {
		return nil, err
	}

	log.Info("mix node ready", "chains", enabled, "fee_percent", fees.Percent.String())
	ok = true
	return n, nil
}

func (n *Node) ethereum(ctx context.Context, cfg config.EthereumConfig, pool *walletpool.Pool) (transfer.ChainExecutor, error) {
	tokens, err := config.TokenSet(cfg.Tokens)
	if err != nil {
		return nil, err
	}
	if err := eth.ValidateAddress(cfg.FeeAddress); err != nil {
		return nil, fmt.Errorf("fee address: %w", err)
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	n.closers = append(n.closers, client.Close)

	sender, err := eth.NewSender(client, eth.SenderConfig{
		ChainID: big.NewInt(cfg.ChainID),
		Fees: eth.FeePolicy{
			MinTipCap:   cfg.MinTip(),
			BumpPercent: 15,
			MinTipBump:  big.NewInt(1_000_000_000),
			MinFeeBump:  big.NewInt(1_000_000_000),
		},
		ReceiptPollInterval: cfg.ReceiptPollInterval,
		ReplaceAfter:        cfg.ReplaceAfter,
		MaxReplacements:     cfg.MaxReplacements,
	})
	if err != nil {
		return nil, err
	}
	return eth.NewTransferer(client, sender, pool, tokens)
}

func (n *Node) solana(cfg config.SolanaConfig, pool *walletpool.Pool) (transfer.ChainExecutor, error) {
	tokens, err := config.TokenSet(cfg.Tokens)
	if err != nil {
		return nil, err
	}
	if err := sol.ValidateAddress(cfg.FeeAddress); err != nil {
		return nil, fmt.Errorf("fee address: %w", err)
	}
	client := rpc.New(cfg.RPCURL)
	n.closers = append(n.closers, func() { _ = client.Close() })
	return sol.NewTransferer(client, pool, sol.Config{
		Tokens:       tokens,
		Commitment:   rpc.CommitmentType(cfg.Commitment),
		PollInterval: cfg.PollInterval,
	})
}

// FeeAddresses maps each enabled chain to its fee-collection address.
func (n *Node) FeeAddresses() map[mix.Chain]string {
	out := make(map[mix.Chain]string, 2)
	for _, c := range n.Config.Enabled() {
		switch c {
		case mix.ChainEthereum:
			out[c] = n.Config.Ethereum.FeeAddress
		case mix.ChainSolana:
			out[c] = n.Config.Solana.FeeAddress
		}
	}
	return out
}

func (n *Node) Close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
	n.closers = nil
}
