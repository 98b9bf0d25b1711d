// Package store persists contracts, submissions and their journal. Every
// backend commits a contract's new version, any new submission and the
// sealed journal entries in one atomic unit, conditioned on the version the
// caller read.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cgast/clearinghouse/pkg/escrow"
	"github.com/cgast/clearinghouse/pkg/journal"
)

// Mutation describes one atomic write against an existing contract.
type Mutation struct {
	// Contract is the next state. Its Version is assigned by the store.
	Contract        escrow.Contract
	ExpectedVersion int64
	Events          []escrow.Event
	Submission      *escrow.Submission
}

// Committed is what a successful write persisted: the contract at its new
// version and the sealed journal entries.
type Committed struct {
	Contract escrow.Contract
	Events   []escrow.Event
}

// Store is the persistence collaborator of the escrow core.
type Store interface {
	// Create persists a new contract at version 1 with its opening events.
	Create(ctx context.Context, c escrow.Contract, events []escrow.Event) (Committed, error)
	// Load returns the contract or an *escrow.NotFoundError.
	Load(ctx context.Context, id string) (escrow.Contract, error)
	// Commit applies m if the stored version equals m.ExpectedVersion and
	// returns an *escrow.ConcurrentModificationError otherwise.
	Commit(ctx context.Context, m Mutation) (Committed, error)
	ListEvents(ctx context.Context, contractID string) ([]escrow.Event, error)
	ListSubmissions(ctx context.Context, contractID string) ([]escrow.Submission, error)
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// prepare validates a mutation and stamps the next version on its contract.
func prepare(m Mutation) (escrow.Contract, error) {
	c := m.Contract
	if c.ID == "" {
		return c, fmt.Errorf("commit: contract has no id")
	}
	c.Version = m.ExpectedVersion + 1
	if err := c.CheckInvariants(); err != nil {
		return c, err
	}
	if m.Submission != nil && m.Submission.ContractID != c.ID {
		return c, fmt.Errorf("commit: submission %s belongs to contract %s", m.Submission.ID, m.Submission.ContractID)
	}
	for _, ev := range m.Events {
		if ev.ContractID != c.ID {
			return c, fmt.Errorf("commit: event %s belongs to contract %s", ev.Type, ev.ContractID)
		}
	}
	return c, nil
}

// sealAll chains evs after prev.
func sealAll(prev *escrow.Event, evs []escrow.Event, now time.Time) ([]escrow.Event, error) {
	sealed := make([]escrow.Event, 0, len(evs))
	for _, ev := range evs {
		s, err := journal.Seal(prev, ev, now)
		if err != nil {
			return nil, err
		}
		sealed = append(sealed, s)
		prev = &sealed[len(sealed)-1]
	}
	return sealed, nil
}

func conflict(id string, expected int64) error {
	return &escrow.ConcurrentModificationError{ContractID: id, ExpectedVersion: expected}
}

func notFound(id string) error {
	return &escrow.NotFoundError{ContractID: id}
}
