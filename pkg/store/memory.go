package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/cgast/clearinghouse/pkg/escrow"
	"github.com/cgast/clearinghouse/pkg/journal"
)

// Memory is an in-process Store for tests and simulations.
type Memory struct {
	mu          sync.Mutex
	contracts   map[string]escrow.Contract
	submissions map[string][]escrow.Submission
	journal     journal.Journal
}

// NewMemory creates an empty in-memory store with an in-memory journal.
func NewMemory() *Memory {
	return NewMemoryWithJournal(journal.NewMemory())
}

// NewMemoryWithJournal creates an empty in-memory store whose events are
// sealed into j.
func NewMemoryWithJournal(j journal.Journal) *Memory {
	return &Memory{
		contracts:   make(map[string]escrow.Contract),
		submissions: make(map[string][]escrow.Submission),
		journal:     j,
	}
}

func (s *Memory) Create(ctx context.Context, c escrow.Contract, events []escrow.Event) (Committed, error) {
	c.Version = 1
	if err := c.CheckInvariants(); err != nil {
		return Committed{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contracts[c.ID]; ok {
		return Committed{}, fmt.Errorf("create: contract %s already exists", c.ID)
	}
	sealed, err := s.journal.AppendAll(ctx, events)
	if err != nil {
		return Committed{}, fmt.Errorf("create: %w", err)
	}
	s.contracts[c.ID] = c
	return Committed{Contract: c, Events: sealed}, nil
}

func (s *Memory) Load(_ context.Context, id string) (escrow.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[id]
	if !ok {
		return escrow.Contract{}, notFound(id)
	}
	return c, nil
}

func (s *Memory) Commit(ctx context.Context, m Mutation) (Committed, error) {
	next, err := prepare(m)
	if err != nil {
		return Committed{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.contracts[next.ID]
	if !ok {
		return Committed{}, notFound(next.ID)
	}
	if cur.Version != m.ExpectedVersion {
		return Committed{}, conflict(next.ID, m.ExpectedVersion)
	}

	sealed, err := s.journal.AppendAll(ctx, m.Events)
	if err != nil {
		return Committed{}, fmt.Errorf("commit: %w", err)
	}
	if m.Submission != nil {
		s.submissions[next.ID] = append(s.submissions[next.ID], *m.Submission)
	}
	s.contracts[next.ID] = next
	return Committed{Contract: next, Events: sealed}, nil
}

func (s *Memory) ListEvents(ctx context.Context, contractID string) ([]escrow.Event, error) {
	return s.journal.List(ctx, contractID)
}

func (s *Memory) ListSubmissions(_ context.Context, contractID string) ([]escrow.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.submissions[contractID]
	out := make([]escrow.Submission, len(subs))
	copy(out, subs)
	return out, nil
}

func (s *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Memory) Close() error { return nil }
