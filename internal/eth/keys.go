package eth

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/juno-intents/hopmix/internal/walletpool"
)

var (
	ErrInvalidPrivateKey = errors.New("eth: invalid private key")
	ErrInvalidSigner     = errors.New("eth: invalid signer")
)

// Signer signs EVM transactions for one pool wallet.
type Signer interface {
	Account() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// PoolKey is a secp256k1 pool wallet key.
type PoolKey struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// ParsePoolKey parses a 32-byte hex private key with optional 0x prefix.
//
// The returned error never includes key material.
func ParsePoolKey(secret string) (walletpool.Key, error) {
	k, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(secret), "0x"))
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	return NewPoolKey(k), nil
}

func NewPoolKey(key *ecdsa.PrivateKey) *PoolKey {
	var addr common.Address
	if key != nil {
		addr = crypto.PubkeyToAddress(key.PublicKey)
	}
	return &PoolKey{key: key, addr: addr}
}

func (k *PoolKey) Address() string { return k.addr.Hex() }

func (k *PoolKey) Account() common.Address { return k.addr }

func (k *PoolKey) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if k.key == nil || tx == nil || chainID == nil || chainID.Sign() <= 0 {
		return nil, ErrInvalidSigner
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), k.key)
}

// ValidateAddress accepts 0x-prefixed 20-byte hex addresses other than the zero address.
func ValidateAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if !strings.HasPrefix(addr, "0x") || !common.IsHexAddress(addr) {
		return errors.New("eth: malformed address")
	}
	if common.HexToAddress(addr) == (common.Address{}) {
		return errors.New("eth: zero address")
	}
	return nil
}
