package mixscheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/juno-intents/hopmix/internal/blobstore"
	"github.com/juno-intents/hopmix/internal/idempotency"
	"github.com/juno-intents/hopmix/internal/mix"
)

const receiptVersion = "mix.hop-receipt.v1"

// receipt is written once per executed transfer, before the hop is recorded in the store.
// If recording fails, the next attempt at the same hop replays the receipt instead of
// moving funds again.
type receipt struct {
	Version    string    `json:"version"`
	ID         string    `json:"id"`
	HopKey     string    `json:"hopKey"`
	Chain      string    `json:"chain"`
	Token      string    `json:"token"`
	Amount     string    `json:"amount"`
	Hop        int       `json:"hop"`
	FromWallet int       `json:"fromWallet"`
	ToWallet   int       `json:"toWallet"`
	ToAddress  string    `json:"toAddress"`
	TxRef      string    `json:"txRef"`
	FeeTxRef   string    `json:"feeTxRef,omitempty"`
	ExecutedAt time.Time `json:"executedAt"`
}

func receiptKey(id string, hop int) string {
	return fmt.Sprintf("mixes/%s/hops/%d.json", id, hop)
}

func newReceipt(r mix.Request, h mix.Hop, amount string) receipt {
	return receipt{
		Version:    receiptVersion,
		ID:         r.ID,
		HopKey:     idempotency.HopKeyV1(r.ID, h.Number).Hex(),
		Chain:      string(r.Chain),
		Token:      r.Token,
		Amount:     amount,
		Hop:        h.Number,
		FromWallet: h.FromWallet,
		ToWallet:   h.ToWallet,
		ToAddress:  h.ToAddress,
		TxRef:      h.TxRef,
		FeeTxRef:   h.FeeTxRef,
		ExecutedAt: h.ExecutedAt.UTC(),
	}
}

func (rc receipt) hop() mix.Hop {
	return mix.Hop{
		Number:     rc.Hop,
		FromWallet: rc.FromWallet,
		ToWallet:   rc.ToWallet,
		ToAddress:  rc.ToAddress,
		TxRef:      rc.TxRef,
		FeeTxRef:   rc.FeeTxRef,
		ExecutedAt: rc.ExecutedAt,
	}
}

func (s *Scheduler) loadReceipt(ctx context.Context, r mix.Request, hop int) (receipt, bool, error) {
	if s.blobs == nil {
		return receipt{}, false, nil
	}
	obj, err := s.blobs.Get(ctx, receiptKey(r.ID, hop))
	if errors.Is(err, blobstore.ErrNotFound) {
		return receipt{}, false, nil
	}
	if err != nil {
		return receipt{}, false, err
	}
	var rc receipt
	if err := json.Unmarshal(obj.Data, &rc); err != nil {
		return receipt{}, false, fmt.Errorf("mixscheduler: decode receipt %s: %w", obj.Key, err)
	}
	if rc.Version != receiptVersion || rc.ID != r.ID || rc.Hop != hop || rc.TxRef == "" {
		return receipt{}, false, fmt.Errorf("mixscheduler: receipt %s does not match request", obj.Key)
	}
	return rc, true, nil
}

func (s *Scheduler) storeReceipt(ctx context.Context, rc receipt) {
	if s.blobs == nil {
		return
	}
	b, err := json.Marshal(rc)
	if err != nil {
		s.log.Error("encode hop receipt", "id", rc.ID, "hop", rc.Hop, "err", err)
		return
	}
	err = s.blobs.Put(ctx, receiptKey(rc.ID, rc.Hop), b, blobstore.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"artifact-type": "mix-hop-receipt",
			"hop-key":       rc.HopKey,
			"hop":           strconv.Itoa(rc.Hop),
		},
	})
	if err != nil && !errors.Is(err, blobstore.ErrExists) {
		s.log.Warn("store hop receipt", "id", rc.ID, "hop", rc.Hop, "err", err)
	}
}
