package eth

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type PendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager hands out nonces for one pool wallet.
//
// The router already serializes transfers per wallet; the mutex only guards the counter.
// Reset forgets the local counter so that a nonce reserved for a transaction that never reached
// the mempool is reused instead of leaving a gap.
type NonceManager struct {
	backend PendingNoncer
	addr    common.Address

	mu   sync.Mutex
	next uint64
	have bool
}

func NewNonceManager(backend PendingNoncer, addr common.Address) *NonceManager {
	return &NonceManager{backend: backend, addr: addr}
}

func (m *NonceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.have {
		n, err := m.backend.PendingNonceAt(ctx, m.addr)
		if err != nil {
			return 0, err
		}
		m.next = n
		m.have = true
	}
	n := m.next
	m.next++
	return n, nil
}

func (m *NonceManager) Reset() {
	m.mu.Lock()
	m.have = false
	m.mu.Unlock()
}
