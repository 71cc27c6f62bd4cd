package config

// DefaultValues is applied before the config file and environment.
const DefaultValues = `
[Fees]
Percent = "1"

[Pool]
EntryCohortSize = 5

[Hops]
MinHops = 5
MaxHops = 8
MaxJitter = "60s"

[Scheduler]
Interval = "10s"
BatchSize = 10
ClaimTTL = "15m"
HopTimeout = "5m"
LeaseName = "mix-scheduler"
LeaseTTL = "30s"
SweepSchedule = "@every 15m"

[API]
MaxDelayMinutes = 1440
VerifyDeposits = false
RateLimit = 5.0
RateBurst = 10

[Ethereum]
RPCURL = ""
ChainID = 1
FeeAddress = ""
WalletKeys = []
ReceiptPollInterval = "2s"
ReplaceAfter = "1m"
MaxReplacements = 3
MinTipWei = "1000000000"

    [[Ethereum.Tokens]]
    Symbol = "ETH"
    Native = true
    Decimals = 18

[Solana]
RPCURL = ""
FeeAddress = ""
WalletKeys = []
Commitment = "finalized"
PollInterval = "1s"

    [[Solana.Tokens]]
    Symbol = "SOL"
    Native = true
    Decimals = 9
`
