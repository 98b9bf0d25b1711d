// Package settlement moves escrowed funds once a contract reaches a
// terminal verdict.
package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Rail transfers funds. Transfer must be idempotent per (contractID,
// recipient): repeating it returns the original transaction hash.
type Rail interface {
	Transfer(ctx context.Context, contractID string, amount int64, currency, recipient string) (string, error)
}

// Finder is implemented by rails that can report a transfer they already
// made. Recovery of interrupted verifications depends on it.
type Finder interface {
	Find(ctx context.Context, contractID, recipient string) (txHash string, ok bool, err error)
}

// Transfer is one recorded payment.
type Transfer struct {
	ContractID string
	Amount     int64
	Currency   string
	Recipient  string
	TxHash     string
}

// SimulatedRail issues fake transaction hashes and records every transfer.
// It stands in for an on-chain payment rail.
type SimulatedRail struct {
	mu        sync.Mutex
	transfers map[string]Transfer
	calls     int
	failNext  error
	logger    *zap.Logger
}

// NewSimulatedRail creates an empty simulated rail.
func NewSimulatedRail(logger *zap.Logger) *SimulatedRail {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimulatedRail{
		transfers: make(map[string]Transfer),
		logger:    logger.With(zap.String("component", "settlement")),
	}
}

func (r *SimulatedRail) Transfer(ctx context.Context, contractID string, amount int64, currency, recipient string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if recipient == "" {
		return "", errors.New("settlement: recipient is required")
	}
	if amount <= 0 {
		return "", fmt.Errorf("settlement: invalid amount %d", amount)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++

	if err := r.failNext; err != nil {
		r.failNext = nil
		return "", err
	}

	key := contractID + "/" + recipient
	if t, ok := r.transfers[key]; ok {
		return t.TxHash, nil
	}

	sum := sha256.Sum256([]byte(key + "/" + uuid.NewString()))
	t := Transfer{
		ContractID: contractID,
		Amount:     amount,
		Currency:   currency,
		Recipient:  recipient,
		TxHash:     "0x" + hex.EncodeToString(sum[:]),
	}
	r.transfers[key] = t
	r.logger.Info("transfer settled",
		zap.String("contract_id", contractID),
		zap.String("recipient", recipient),
		zap.Int64("amount", amount),
		zap.String("currency", currency),
		zap.String("tx_hash", t.TxHash))
	return t.TxHash, nil
}

// Find reports the transfer made for contractID to recipient, if any.
func (r *SimulatedRail) Find(ctx context.Context, contractID, recipient string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[contractID+"/"+recipient]
	return t.TxHash, ok, nil
}

// FailNext makes the next Transfer call return err.
func (r *SimulatedRail) FailNext(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = err
}

// Calls returns how many times Transfer was invoked.
func (r *SimulatedRail) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Transfers returns the distinct settled transfers.
func (r *SimulatedRail) Transfers() []Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Transfer, 0, len(r.transfers))
	for _, t := range r.transfers {
		out = append(out, t)
	}
	return out
}
