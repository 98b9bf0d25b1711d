package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgast/clearinghouse/pkg/escrow"
	"github.com/cgast/clearinghouse/pkg/events"
	"github.com/cgast/clearinghouse/pkg/settlement"
	"github.com/cgast/clearinghouse/pkg/store"
	"github.com/cgast/clearinghouse/pkg/verify"
)

type strategyFunc func(ctx context.Context, req verify.Request) (verify.Result, error)

func (f strategyFunc) Name() string { return "func" }
func (f strategyFunc) Evaluate(ctx context.Context, req verify.Request) (verify.Result, error) {
	return f(ctx, req)
}

type fixture struct {
	store *store.Memory
	rail  *settlement.SimulatedRail
	bus   *events.MemoryBus
	orch  *Orchestrator
}

func newFixture(t *testing.T, extra map[string]verify.Strategy, opts ...Option) *fixture {
	t.Helper()
	fopts := []verify.FactoryOption{
		verify.WithStrategy(verify.TypeMock, verify.NewMockStrategy(true)),
		verify.WithStrategy(verify.TypeSchema, verify.NewSchemaStrategy(nil)),
	}
	for name, s := range extra {
		fopts = append(fopts, verify.WithStrategy(name, s))
	}
	f := &fixture{
		store: store.NewMemory(),
		rail:  settlement.NewSimulatedRail(nil),
		bus:   events.NewMemoryBus(0),
	}
	opts = append([]Option{
		WithPublisher(f.bus),
		WithCommitBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }, 5),
	}, opts...)
	f.orch = New(f.store, verify.NewFactory(fopts...), f.rail, opts...)
	return f
}

// submitted walks a new contract to SUBMITTED and returns it with its
// submission.
func submitted(t *testing.T, st store.Store, c escrow.Contract, payload string) (escrow.Contract, escrow.Submission) {
	t.Helper()
	ctx := context.Background()
	l := escrow.NewLedger()

	if c.ID == "" {
		c.ID = "c-1"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	c.BuyerID, c.Amount = "buyer", 500
	out := l.Create(c, "buyer")
	created, err := st.Create(ctx, out.Contract, out.Events)
	require.NoError(t, err)
	cur := created.Contract

	for _, in := range []escrow.Input{
		{Trigger: escrow.TriggerFund, FundingTxHash: "0xfund"},
		{Trigger: escrow.TriggerAccept, WorkerID: "worker"},
	} {
		o, err := l.Apply(cur, in)
		require.NoError(t, err)
		committed, err := st.Commit(ctx, store.Mutation{Contract: o.Contract, ExpectedVersion: cur.Version, Events: o.Events})
		require.NoError(t, err)
		cur = committed.Contract
	}

	sub := escrow.Submission{ID: "s-" + cur.ID, ContractID: cur.ID, SubmittedBy: "worker", Payload: payload, SubmittedAt: time.Now()}
	o, err := l.Apply(cur, escrow.Input{Trigger: escrow.TriggerSubmit})
	require.NoError(t, err)
	committed, err := st.Commit(ctx, store.Mutation{Contract: o.Contract, ExpectedVersion: cur.Version, Events: o.Events, Submission: &sub})
	require.NoError(t, err)
	return committed.Contract, sub
}

func eventTypes(t *testing.T, st store.Store, id string) []escrow.EventType {
	t.Helper()
	evs, err := st.ListEvents(context.Background(), id)
	require.NoError(t, err)
	out := make([]escrow.EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func countType(types []escrow.EventType, want escrow.EventType) int {
	n := 0
	for _, t := range types {
		if t == want {
			n++
		}
	}
	return n
}

func TestRunPassSettlesOnce(t *testing.T) {
	f := newFixture(t, nil)
	c, sub := submitted(t, f.store, escrow.Contract{VerifierType: verify.TypeMock}, "done")

	got, err := f.orch.Run(context.Background(), c, sub)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCompleted, got.Status)
	assert.NotEmpty(t, got.SettlementTxHash)
	assert.Equal(t, 1, f.rail.Calls())

	types := eventTypes(t, f.store, c.ID)
	assert.Equal(t, 1, countType(types, escrow.EventVerificationStarted))
	assert.Equal(t, 1, countType(types, escrow.EventVerificationPassed))
	assert.Equal(t, 1, countType(types, escrow.EventPaymentConfirmed))

	stored, err := f.store.Load(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, got, stored)
	assert.Len(t, f.bus.History(events.Filter{}, time.Time{}), 3, "started, passed, payment")
}

func TestRunFailureReturnsToInProgress(t *testing.T) {
	f := newFixture(t, nil)
	c, sub := submitted(t, f.store, escrow.Contract{
		VerifierType: verify.TypeSchema,
		Requirements: json.RawMessage(`{"a":"number"}`),
	}, `{"a":"x"}`)

	got, err := f.orch.Run(context.Background(), c, sub)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusInProgress, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.SettlementTxHash)
	assert.Zero(t, f.rail.Calls())

	evs, err := f.store.ListEvents(context.Background(), c.ID)
	require.NoError(t, err)
	last := evs[len(evs)-1]
	assert.Equal(t, escrow.EventVerificationFailed, last.Type)
	assert.Equal(t, string(verify.ReasonNotSatisfied), last.Payload["reason"])
}

func TestRunRequiresSubmitted(t *testing.T) {
	f := newFixture(t, nil)
	c, sub := submitted(t, f.store, escrow.Contract{VerifierType: verify.TypeMock}, "x")

	c.Status = escrow.StatusInProgress
	_, err := f.orch.Run(context.Background(), c, sub)
	var pe *escrow.PreconditionError
	assert.ErrorAs(t, err, &pe)
}

func TestRunExcludesConcurrentVerification(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	slow := strategyFunc(func(ctx context.Context, _ verify.Request) (verify.Result, error) {
		close(started)
		<-release
		return verify.Pass(1, nil), nil
	})
	f := newFixture(t, map[string]verify.Strategy{"slow": slow})
	c, sub := submitted(t, f.store, escrow.Contract{VerifierType: "slow"}, "x")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.orch.Run(context.Background(), c, sub)
		assert.NoError(t, err)
	}()
	<-started

	// A reader sees VERIFYING while the verifier runs.
	fresh, err := f.store.Load(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusVerifying, fresh.Status)

	_, err = f.orch.Run(context.Background(), fresh, sub)
	var pe *escrow.PreconditionError
	assert.ErrorAs(t, err, &pe)

	_, err = f.orch.Run(context.Background(), c, sub)
	assert.ErrorIs(t, err, escrow.ErrVersionConflict, "stale SUBMITTED snapshot loses the version race")

	close(release)
	wg.Wait()
	final, err := f.store.Load(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCompleted, final.Status)
}

func TestRunTimeoutLeavesVerifying(t *testing.T) {
	stuck := strategyFunc(func(context.Context, verify.Request) (verify.Result, error) {
		select {} // ignores ctx entirely
	})
	f := newFixture(t, map[string]verify.Strategy{"stuck": stuck}, WithTimeout(30*time.Millisecond))
	c, sub := submitted(t, f.store, escrow.Contract{VerifierType: "stuck"}, "x")

	got, err := f.orch.Run(context.Background(), c, sub)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusInProgress, got.Status)

	evs, err := f.store.ListEvents(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, string(verify.ReasonTimeout), evs[len(evs)-1].Payload["reason"])
}

func TestRunContractTimeoutParamShortens(t *testing.T) {
	var deadline time.Duration
	ctxCheck := strategyFunc(func(ctx context.Context, _ verify.Request) (verify.Result, error) {
		d, ok := ctx.Deadline()
		require.True(t, ok)
		deadline = time.Until(d)
		return verify.Pass(1, nil), nil
	})
	f := newFixture(t, map[string]verify.Strategy{"ctxCheck": ctxCheck})
	c, sub := submitted(t, f.store, escrow.Contract{VerifierType: "ctxCheck", VerifierParams: map[string]any{"timeout": "2s"}}, "x")

	_, err := f.orch.Run(context.Background(), c, sub)
	require.NoError(t, err)
	assert.LessOrEqual(t, deadline, 2*time.Second)
}

func TestRunFoldsFaults(t *testing.T) {
	tests := []struct {
		name     string
		verifier string
		strategy verify.Strategy
		reason   verify.FailureReason
	}{
		{"panic", "boom", strategyFunc(func(context.Context, verify.Request) (verify.Result, error) {
			panic("verifier bug")
		}), verify.ReasonInfraError},
		{"error return", "err", strategyFunc(func(context.Context, verify.Request) (verify.Result, error) {
			return verify.Result{}, errors.New("nil request")
		}), verify.ReasonInfraError},
		{"unsupported", "astrology", nil, verify.ReasonUnsupported},
		{"failed without reason", "bare", strategyFunc(func(context.Context, verify.Request) (verify.Result, error) {
			return verify.Result{Valid: false, Score: 3}, nil
		}), verify.ReasonNotSatisfied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			extra := map[string]verify.Strategy{}
			if tt.strategy != nil {
				extra[tt.verifier] = tt.strategy
			}
			f := newFixture(t, extra)
			c, sub := submitted(t, f.store, escrow.Contract{VerifierType: tt.verifier}, "x")

			got, err := f.orch.Run(context.Background(), c, sub)
			require.NoError(t, err)
			assert.Equal(t, escrow.StatusInProgress, got.Status)

			evs, err := f.store.ListEvents(context.Background(), c.ID)
			require.NoError(t, err)
			last := evs[len(evs)-1]
			assert.Equal(t, string(tt.reason), last.Payload["reason"])
			score, _ := last.Payload["score"].(float64)
			assert.LessOrEqual(t, score, 1.0)
		})
	}
}

func TestRunSettlementFaultFailsVerdict(t *testing.T) {
	f := newFixture(t, nil)
	f.rail.FailNext(errors.New("rail offline"))
	c, sub := submitted(t, f.store, escrow.Contract{VerifierType: verify.TypeMock, MaxRetries: 1}, "x")

	got, err := f.orch.Run(context.Background(), c, sub)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFailed, got.Status)
	assert.Empty(t, got.SettlementTxHash)

	types := eventTypes(t, f.store, c.ID)
	assert.Zero(t, countType(types, escrow.EventPaymentConfirmed))
	assert.Equal(t, 1, countType(types, escrow.EventMaxRetriesExceeded))
}

func TestRunCallerCancellationStillResolves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancelling := strategyFunc(func(evalCtx context.Context, _ verify.Request) (verify.Result, error) {
		cancel()
		<-evalCtx.Done()
		return verify.Result{}, evalCtx.Err()
	})
	f := newFixture(t, map[string]verify.Strategy{"cancel": cancelling})
	c, sub := submitted(t, f.store, escrow.Contract{VerifierType: "cancel"}, "x")

	got, err := f.orch.Run(ctx, c, sub)
	require.NoError(t, err)
	assert.NotEqual(t, escrow.StatusVerifying, got.Status)

	stored, err := f.store.Load(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusInProgress, stored.Status)
}

// flakyStore fails the first n commits of a contract already in VERIFYING.
type flakyStore struct {
	*store.Memory
	failures atomic.Int32
}

func (s *flakyStore) Commit(ctx context.Context, m store.Mutation) (store.Committed, error) {
	if m.Contract.Status != escrow.StatusVerifying && s.failures.Add(-1) >= 0 {
		return store.Committed{}, errors.New("disk busy")
	}
	return s.Memory.Commit(ctx, m)
}

func TestRunRetriesFinalCommit(t *testing.T) {
	mem := store.NewMemory()
	c, sub := submitted(t, mem, escrow.Contract{VerifierType: verify.TypeMock}, "x")

	fs := &flakyStore{Memory: mem}
	fs.failures.Store(2)
	rail := settlement.NewSimulatedRail(nil)
	orch := New(fs, verify.NewFactory(verify.WithStrategy(verify.TypeMock, verify.NewMockStrategy(true))), rail,
		WithCommitBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }, 5))

	got, err := orch.Run(context.Background(), c, sub)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCompleted, got.Status)
	assert.Equal(t, 1, rail.Calls(), "settlement happens before the commit loop")
}

func TestRecoverAfterVerdictCommitGivesUp(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c, sub := submitted(t, mem, escrow.Contract{VerifierType: verify.TypeMock}, "x")

	fs := &flakyStore{Memory: mem}
	fs.failures.Store(100)
	rail := settlement.NewSimulatedRail(nil)
	factory := verify.NewFactory(verify.WithStrategy(verify.TypeMock, verify.NewMockStrategy(true)))
	zero := WithCommitBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }, 3)

	_, err := New(fs, factory, rail, zero).Run(ctx, c, sub)
	require.Error(t, err)
	stuck, err := mem.Load(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusVerifying, stuck.Status)
	require.Len(t, rail.Transfers(), 1, "the worker was paid before the commit failed")

	later := WithClock(func() time.Time { return time.Now().Add(time.Hour) })
	got, err := New(mem, factory, rail, zero, later).Recover(ctx, stuck, sub)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCompleted, got.Status)
	assert.Equal(t, rail.Transfers()[0].TxHash, got.SettlementTxHash)
	assert.Equal(t, 1, rail.Calls())
}

func TestVerificationIsParallelAcrossContracts(t *testing.T) {
	var inFlight, peak atomic.Int32
	gate := strategyFunc(func(ctx context.Context, _ verify.Request) (verify.Result, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return verify.Pass(1, nil), nil
	})
	f := newFixture(t, map[string]verify.Strategy{"gate": gate})

	const n = 4
	contracts := make([]escrow.Contract, n)
	subs := make([]escrow.Submission, n)
	for i := range contracts {
		contracts[i], subs[i] = submitted(t, f.store, escrow.Contract{ID: string(rune('a' + i)), VerifierType: "gate"}, "x")
	}

	var wg sync.WaitGroup
	for i := range contracts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.orch.Run(context.Background(), contracts[i], subs[i])
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Greater(t, peak.Load(), int32(1))
}

// stuckVerifying leaves a contract in VERIFYING as an interrupted run would.
func stuckVerifying(t *testing.T, st store.Store, id string) (escrow.Contract, escrow.Submission) {
	t.Helper()
	c, sub := submitted(t, st, escrow.Contract{ID: id, VerifierType: verify.TypeMock}, "done")
	out, err := escrow.NewLedger().Apply(c, escrow.Input{Trigger: escrow.TriggerBeginVerification})
	require.NoError(t, err)
	committed, err := st.Commit(context.Background(), store.Mutation{Contract: out.Contract, ExpectedVersion: c.Version, Events: out.Events})
	require.NoError(t, err)
	return committed.Contract, sub
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	later := func() time.Time { return time.Now().Add(time.Hour) }

	t.Run("refuses a run that may still be live", func(t *testing.T) {
		f := newFixture(t, nil)
		c, sub := stuckVerifying(t, f.store, "c-fresh")

		_, err := f.orch.Recover(ctx, c, sub)
		var pe *escrow.PreconditionError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, 0, f.rail.Calls())
	})

	t.Run("commits a payment the rail already made", func(t *testing.T) {
		f := newFixture(t, nil, WithClock(later))
		c, sub := stuckVerifying(t, f.store, "c-paid")
		tx, err := f.rail.Transfer(ctx, c.ID, c.Amount, c.Currency, c.WorkerID)
		require.NoError(t, err)

		got, err := f.orch.Recover(ctx, c, sub)
		require.NoError(t, err)
		assert.Equal(t, escrow.StatusCompleted, got.Status)
		assert.Equal(t, tx, got.SettlementTxHash)
		assert.Equal(t, 1, f.rail.Calls())

		evs, err := f.store.ListEvents(ctx, c.ID)
		require.NoError(t, err)
		passed := evs[len(evs)-2]
		assert.Equal(t, escrow.EventVerificationPassed, passed.Type)
		assert.Equal(t, true, passed.Payload["recovered"])
	})

	t.Run("re-runs verification when nothing was paid", func(t *testing.T) {
		f := newFixture(t, nil, WithClock(later))
		c, sub := stuckVerifying(t, f.store, "c-unpaid")

		got, err := f.orch.Recover(ctx, c, sub)
		require.NoError(t, err)
		assert.Equal(t, escrow.StatusCompleted, got.Status)
		assert.Len(t, f.rail.Transfers(), 1)
		assert.Equal(t, 1, countType(eventTypes(t, f.store, c.ID), escrow.EventPaymentConfirmed))
	})

	t.Run("only VERIFYING contracts", func(t *testing.T) {
		f := newFixture(t, nil, WithClock(later))
		c, sub := submitted(t, f.store, escrow.Contract{ID: "c-sub", VerifierType: verify.TypeMock}, "done")

		_, err := f.orch.Recover(ctx, c, sub)
		var pe *escrow.PreconditionError
		require.ErrorAs(t, err, &pe)
	})
}
