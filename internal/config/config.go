// Package config loads the mixer's chain, pool, fee and scheduling settings.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"time"

	"github.com/juno-intents/hopmix/internal/mix"
	"github.com/juno-intents/hopmix/internal/pricing"
	"github.com/juno-intents/hopmix/internal/transfer"
	"github.com/spf13/viper"
)

const EnvPrefix = "MIXER"

// ClaimMargin is the slack a request claim keeps beyond two hop timeouts.
const ClaimMargin = time.Minute

var ErrInvalidConfig = errors.New("config: invalid config")

type Config struct {
	Fees      FeesConfig
	Pool      PoolConfig
	Hops      HopsConfig
	Scheduler SchedulerConfig
	API       APIConfig
	Ethereum  EthereumConfig
	Solana    SolanaConfig
}

type FeesConfig struct {
	Percent string
}

type PoolConfig struct {
	EntryCohortSize int
}

type HopsConfig struct {
	MinHops   int
	MaxHops   int
	MaxJitter time.Duration
}

type SchedulerConfig struct {
	Interval      time.Duration
	BatchSize     int
	ClaimTTL      time.Duration
	HopTimeout    time.Duration
	LeaseName     string
	LeaseTTL      time.Duration
	SweepSchedule string
}

type APIConfig struct {
	MaxDelayMinutes int
	VerifyDeposits  bool
	RateLimit       float64
	RateBurst       int
}

type TokenConfig struct {
	Symbol   string
	Native   bool
	Address  string
	Decimals int32
}

type EthereumConfig struct {
	RPCURL     string
	ChainID    int64
	FeeAddress string
	// WalletKeys are secret references such as "aws:mixer/eth#w1" or "env:MIXER_ETH_W1".
	WalletKeys          []string
	Tokens              []TokenConfig
	ReceiptPollInterval time.Duration
	ReplaceAfter        time.Duration
	MaxReplacements     int
	MinTipWei           string
}

type SolanaConfig struct {
	RPCURL       string
	FeeAddress   string
	WalletKeys   []string
	Tokens       []TokenConfig
	Commitment   string
	PollInterval time.Duration
}

// Load reads DefaultValues, then the optional file at path (format from its extension),
// then MIXER_* environment overrides such as MIXER_SCHEDULER_INTERVAL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewBufferString(DefaultValues)); err != nil {
		return nil, fmt.Errorf("config: read defaults: %w", err)
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(strings.TrimPrefix(filepath.Ext(path), "."))
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Ethereum.FeeAddress = strings.TrimSpace(cfg.Ethereum.FeeAddress)
	cfg.Solana.FeeAddress = strings.TrimSpace(cfg.Solana.FeeAddress)
	// Env overrides of list values arrive as one string.
	cfg.Ethereum.WalletKeys = splitKeys(v.GetStringSlice("ethereum.walletkeys"))
	cfg.Solana.WalletKeys = splitKeys(v.GetStringSlice("solana.walletkeys"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitKeys(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Enabled lists the chains with an RPC endpoint configured.
func (c *Config) Enabled() []mix.Chain {
	var out []mix.Chain
	if c.Ethereum.RPCURL != "" {
		out = append(out, mix.ChainEthereum)
	}
	if c.Solana.RPCURL != "" {
		out = append(out, mix.ChainSolana)
	}
	return out
}

func (c *Config) Validate() error {
	if _, err := pricing.NewFeeSchedule(c.Fees.Percent); err != nil {
		return fmt.Errorf("%w: fees: %v", ErrInvalidConfig, err)
	}
	if c.Pool.EntryCohortSize <= 0 {
		return fmt.Errorf("%w: pool entry cohort size must be > 0", ErrInvalidConfig)
	}
	if c.Hops.MinHops <= 0 || c.Hops.MaxHops < c.Hops.MinHops {
		return fmt.Errorf("%w: hops must satisfy 0 < min <= max", ErrInvalidConfig)
	}
	if c.Hops.MaxJitter < 0 {
		return fmt.Errorf("%w: negative max jitter", ErrInvalidConfig)
	}
	if c.Scheduler.Interval <= 0 || c.Scheduler.BatchSize <= 0 || c.Scheduler.ClaimTTL <= 0 || c.Scheduler.HopTimeout <= 0 {
		return fmt.Errorf("%w: scheduler interval, batch size, claim ttl and hop timeout must be > 0", ErrInvalidConfig)
	}
	// A final hop runs two transfers under one claim.
	if c.Scheduler.ClaimTTL < 2*c.Scheduler.HopTimeout+ClaimMargin {
		return fmt.Errorf("%w: claim ttl must be at least twice the hop timeout plus %s", ErrInvalidConfig, ClaimMargin)
	}
	if c.API.MaxDelayMinutes < 0 {
		return fmt.Errorf("%w: negative max delay", ErrInvalidConfig)
	}
	if len(c.Enabled()) == 0 {
		return fmt.Errorf("%w: no chain has an rpc url", ErrInvalidConfig)
	}
	if c.Ethereum.RPCURL != "" {
		if err := validateChain(mix.ChainEthereum, c.Ethereum.FeeAddress, c.Ethereum.WalletKeys, c.Ethereum.Tokens); err != nil {
			return err
		}
		if c.Ethereum.ChainID <= 0 {
			return fmt.Errorf("%w: ethereum chain id must be > 0", ErrInvalidConfig)
		}
		if _, ok := new(big.Int).SetString(c.Ethereum.MinTipWei, 10); !ok {
			return fmt.Errorf("%w: ethereum min tip %q", ErrInvalidConfig, c.Ethereum.MinTipWei)
		}
	}
	if c.Solana.RPCURL != "" {
		if err := validateChain(mix.ChainSolana, c.Solana.FeeAddress, c.Solana.WalletKeys, c.Solana.Tokens); err != nil {
			return err
		}
	}
	return nil
}

func validateChain(chain mix.Chain, feeAddr string, keys []string, tokens []TokenConfig) error {
	if strings.TrimSpace(feeAddr) == "" {
		return fmt.Errorf("%w: %s fee address is required", ErrInvalidConfig, chain)
	}
	if len(keys) < 2 {
		return fmt.Errorf("%w: %s needs at least 2 pool wallets, got %d", ErrInvalidConfig, chain, len(keys))
	}
	if _, err := TokenSet(tokens); err != nil {
		return fmt.Errorf("%w: %s tokens: %v", ErrInvalidConfig, chain, err)
	}
	return nil
}

func TokenSet(tokens []TokenConfig) (transfer.TokenSet, error) {
	out := make([]transfer.Token, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, transfer.Token{Symbol: t.Symbol, Native: t.Native, Address: t.Address, Decimals: t.Decimals})
	}
	return transfer.NewTokenSet(out...)
}

// MinTip returns the configured priority fee floor in wei.
func (c EthereumConfig) MinTip() *big.Int {
	n, ok := new(big.Int).SetString(c.MinTipWei, 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}
