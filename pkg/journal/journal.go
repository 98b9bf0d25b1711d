// Package journal seals escrow events into a per-contract, append-only,
// hash-chained audit trail. The journal records what happened; it is never
// replayed to derive a contract's status.
package journal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/cgast/clearinghouse/pkg/escrow"
)

// Journal appends and lists sealed events.
type Journal interface {
	// AppendAll seals evs after each contract's last entry. Either every
	// entry is appended or none is.
	AppendAll(ctx context.Context, evs []escrow.Event) ([]escrow.Event, error)
	List(ctx context.Context, contractID string) ([]escrow.Event, error)
}

var _ Journal = (*Memory)(nil)

// Seal assigns ev the next sequence number after prev (nil for the first
// entry of a contract), links it to prev's hash and computes its own hash.
// Stores call Seal inside the same atomic unit that persists the entry.
func Seal(prev *escrow.Event, ev escrow.Event, now time.Time) (escrow.Event, error) {
	ev.Sequence = 1
	ev.PrevHash = ""
	if prev != nil {
		if prev.ContractID != ev.ContractID {
			return escrow.Event{}, fmt.Errorf("seal: previous entry belongs to contract %s, not %s", prev.ContractID, ev.ContractID)
		}
		ev.Sequence = prev.Sequence + 1
		ev.PrevHash = prev.Hash
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	ev.Timestamp = ev.Timestamp.UTC()

	h, err := Hash(ev)
	if err != nil {
		return escrow.Event{}, err
	}
	ev.Hash = h
	return ev, nil
}

// Hash returns the content hash of ev: sha256 over the RFC 8785 canonical
// JSON of every field except Hash itself.
func Hash(ev escrow.Event) (string, error) {
	ev.Hash = ""
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChain checks that entries form an unbroken chain starting at
// sequence 1 and that no entry was altered after sealing.
func VerifyChain(entries []escrow.Event) error {
	var prevHash string
	for i, ev := range entries {
		if want := uint64(i + 1); ev.Sequence != want {
			return fmt.Errorf("entry %d: sequence %d, want %d", i, ev.Sequence, want)
		}
		if ev.PrevHash != prevHash {
			return fmt.Errorf("entry %d: chain broken", ev.Sequence)
		}
		h, err := Hash(ev)
		if err != nil {
			return err
		}
		if h != ev.Hash {
			return fmt.Errorf("entry %d: content hash mismatch", ev.Sequence)
		}
		prevHash = ev.Hash
	}
	return nil
}

// Memory is an in-memory Journal. Appends to different contracts do not
// contend beyond the map lock.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]escrow.Event
	now     func() time.Time
}

// NewMemory creates an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string][]escrow.Event),
		now:     time.Now,
	}
}

// AppendAll seals and stores evs as one unit; either all are appended or none.
func (m *Memory) AppendAll(ctx context.Context, evs []escrow.Event) ([]escrow.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sealed := make([]escrow.Event, 0, len(evs))
	for _, ev := range evs {
		s, err := m.appendLocked(ev)
		if err != nil {
			m.rollbackLocked(sealed)
			return nil, err
		}
		sealed = append(sealed, s)
	}
	return sealed, nil
}

func (m *Memory) appendLocked(ev escrow.Event) (escrow.Event, error) {
	if ev.ContractID == "" {
		return escrow.Event{}, fmt.Errorf("append: event has no contract id")
	}
	list := m.entries[ev.ContractID]
	var prev *escrow.Event
	if n := len(list); n > 0 {
		prev = &list[n-1]
	}
	sealed, err := Seal(prev, ev, m.now())
	if err != nil {
		return escrow.Event{}, err
	}
	m.entries[ev.ContractID] = append(list, sealed)
	return sealed, nil
}

func (m *Memory) rollbackLocked(sealed []escrow.Event) {
	for i := len(sealed) - 1; i >= 0; i-- {
		id := sealed[i].ContractID
		m.entries[id] = m.entries[id][:len(m.entries[id])-1]
	}
}

// List returns a copy of the contract's entries in append order.
func (m *Memory) List(_ context.Context, contractID string) ([]escrow.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.entries[contractID]
	out := make([]escrow.Event, len(list))
	copy(out, list)
	return out, nil
}
