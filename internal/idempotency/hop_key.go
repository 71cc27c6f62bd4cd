package idempotency

import (
	"encoding/binary"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/hopmix/internal/mix"
	"golang.org/x/crypto/sha3"
)

const (
	hopKeyPrefixV1     = "MIX_HOP_V1"
	depositKeyPrefixV1 = "MIX_DEPOSIT_V1"
)

// HopKeyV1 identifies one hop of one mix request:
//
//	keccak256("MIX_HOP_V1" || len(requestID)BE32 || requestID || hopBE32)
//
// It keys hop events and receipts so a replayed hop maps to the same record.
func HopKeyV1(requestID string, hop int) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(hopKeyPrefixV1))

	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(requestID)))
	_, _ = h.Write(n[:])
	_, _ = h.Write([]byte(requestID))

	binary.BigEndian.PutUint32(n[:], uint32(hop))
	_, _ = h.Write(n[:])
	return common.BytesToHash(h.Sum(nil))
}

// DepositKeyV1 identifies a deposit transaction on a chain:
//
//	keccak256("MIX_DEPOSIT_V1" || chain || 0x00 || txRef)
//
// Ethereum hashes are case-folded; Solana signatures are base58 and kept verbatim.
func DepositKeyV1(chain mix.Chain, txRef string) common.Hash {
	txRef = strings.TrimSpace(txRef)
	if chain == mix.ChainEthereum {
		txRef = strings.ToLower(txRef)
	}
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(depositKeyPrefixV1))
	_, _ = h.Write([]byte(chain))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(txRef))
	return common.BytesToHash(h.Sum(nil))
}
