package sol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/juno-intents/hopmix/internal/walletpool"
)

var ErrInvalidPrivateKey = errors.New("sol: invalid private key")

// PoolKey is an ed25519 pool wallet key.
type PoolKey struct {
	pk  solana.PrivateKey
	pub solana.PublicKey
}

// ParsePoolKey accepts a base58 secret key or the JSON byte array written by solana-keygen.
//
// The returned error never includes key material.
func ParsePoolKey(secret string) (walletpool.Key, error) {
	secret = strings.TrimSpace(secret)
	var pk solana.PrivateKey
	if strings.HasPrefix(secret, "[") {
		var raw []int
		if err := json.Unmarshal([]byte(secret), &raw); err != nil {
			return nil, ErrInvalidPrivateKey
		}
		pk = make(solana.PrivateKey, len(raw))
		for i, b := range raw {
			if b < 0 || b > 255 {
				return nil, ErrInvalidPrivateKey
			}
			pk[i] = byte(b)
		}
	} else {
		var err error
		if pk, err = solana.PrivateKeyFromBase58(secret); err != nil {
			return nil, ErrInvalidPrivateKey
		}
	}
	if len(pk) != 64 {
		return nil, ErrInvalidPrivateKey
	}
	return NewPoolKey(pk), nil
}

func NewPoolKey(pk solana.PrivateKey) *PoolKey {
	return &PoolKey{pk: pk, pub: pk.PublicKey()}
}

func (k *PoolKey) Address() string { return k.pub.String() }

func (k *PoolKey) PublicKey() solana.PublicKey { return k.pub }

func (k *PoolKey) privateKey() *solana.PrivateKey { return &k.pk }

func ValidateAddress(addr string) error {
	_, err := ParseAddress(addr)
	return err
}

// ParseAddress decodes a base58 account address, ignoring surrounding whitespace.
func ParseAddress(addr string) (solana.PublicKey, error) {
	pub, err := solana.PublicKeyFromBase58(strings.TrimSpace(addr))
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("sol: malformed address: %v", err)
	}
	if pub.IsZero() {
		return solana.PublicKey{}, errors.New("sol: zero address")
	}
	return pub, nil
}
