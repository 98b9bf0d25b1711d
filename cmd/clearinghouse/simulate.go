package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cgast/clearinghouse/internal/metrics"
	"github.com/cgast/clearinghouse/pkg/escrow"
	"github.com/cgast/clearinghouse/pkg/events"
	"github.com/cgast/clearinghouse/pkg/idempotency"
	"github.com/cgast/clearinghouse/pkg/journal"
	"github.com/cgast/clearinghouse/pkg/service"
	"github.com/cgast/clearinghouse/pkg/settlement"
	"github.com/cgast/clearinghouse/pkg/store"
	"github.com/cgast/clearinghouse/pkg/verify"
)

var simulateScenario int

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run scripted buyer/worker scenarios against an in-memory clearinghouse",
	Long: `simulate runs offline scenarios with local verifiers only:

  1  happy path: work passes on the first submission and is paid
  2  fail and retry: invalid output is rejected, the corrected output is paid
  3  exhaustion: every submission fails until the retry budget runs out

Each scenario prints the contract's event journal.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		return runSimulation(cmd.Context(), cmd.OutOrStdout(), simulateScenario, logger)
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simulateScenario, "scenario", 0, "run only this scenario (1-3); 0 runs all")
}

type scenario struct {
	name string
	run  func(ctx context.Context, svc *service.Service) (escrow.Contract, error)
}

var scenarios = []scenario{
	{"happy path", scenarioHappyPath},
	{"fail and retry", scenarioRetry},
	{"exhaustion", scenarioExhaustion},
}

func runSimulation(ctx context.Context, w io.Writer, only int, logger *zap.Logger) error {
	if only < 0 || only > len(scenarios) {
		return fmt.Errorf("unknown scenario %d", only)
	}

	st := store.NewMemory()
	rail := settlement.NewSimulatedRail(logger)
	factory := verify.NewFactory(
		verify.WithStrategy(verify.TypeMock, verify.NewMockStrategy(true)),
		verify.WithStrategy(verify.TypeSchema, verify.NewSchemaStrategy(logger)),
	)
	svc := service.New(st, factory, rail,
		service.WithGuard(idempotency.NewGuard(idempotency.NewMemoryStore())),
		service.WithPublisher(events.NewMemoryBus(0)),
		service.WithMetrics(metrics.New()),
		service.WithLogger(logger),
	)

	for i, sc := range scenarios {
		if only != 0 && only != i+1 {
			continue
		}
		fmt.Fprintf(w, "=== Scenario %d: %s ===\n", i+1, sc.name)
		c, err := sc.run(ctx, svc)
		if err != nil {
			return fmt.Errorf("scenario %d: %w", i+1, err)
		}
		evs, err := svc.ListEvents(ctx, c.ID)
		if err != nil {
			return err
		}
		if err := journal.VerifyChain(evs); err != nil {
			return fmt.Errorf("scenario %d: %w", i+1, err)
		}
		printTimeline(w, c, evs)
	}

	fmt.Fprintf(w, "settlement transfers: %d\n", len(rail.Transfers()))
	return nil
}

func printTimeline(w io.Writer, c escrow.Contract, evs []escrow.Event) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tEVENT\tACTOR\tTRANSITION")
	for _, ev := range evs {
		from, _ := ev.Payload["from"].(string)
		to, _ := ev.Payload["to"].(string)
		transition := ""
		if to != "" {
			transition = from + " -> " + to
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", ev.Sequence, ev.Type, ev.Actor, transition)
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "final: %s (failed verifications %d/%d)", c.Status, c.RetryCount, c.MaxRetries)
	if c.SettlementTxHash != "" {
		fmt.Fprintf(w, ", paid in %s", c.SettlementTxHash)
	}
	fmt.Fprint(w, "\n\n")
}

// openContract takes a contract from creation to IN_PROGRESS.
func openContract(ctx context.Context, svc *service.Service, cmd service.CreateCommand) (escrow.Contract, error) {
	c, err := svc.Create(ctx, cmd)
	if err != nil {
		return c, err
	}
	if c, err = svc.Fund(ctx, service.FundCommand{ContractID: c.ID, TxHash: "0xsimulated-deposit-" + c.ID[:8], Actor: cmd.BuyerID}); err != nil {
		return c, err
	}
	return svc.Accept(ctx, service.AcceptCommand{ContractID: c.ID, WorkerID: "worker-bot"})
}

func scenarioHappyPath(ctx context.Context, svc *service.Service) (escrow.Contract, error) {
	c, err := openContract(ctx, svc, service.CreateCommand{
		BuyerID:        "buyer-bot",
		Amount:         1_000_000,
		Description:    "Write a function that returns the nth Fibonacci number",
		VerifierType:   verify.TypeMock,
		VerifierParams: map[string]any{"should_pass": true},
	})
	if err != nil {
		return c, err
	}
	return svc.Submit(ctx, service.SubmitCommand{
		ContractID: c.ID,
		Payload:    "def fib(n):\n    a, b = 0, 1\n    for _ in range(n):\n        a, b = b, a + b\n    return a\n",
	})
}

func scenarioRetry(ctx context.Context, svc *service.Service) (escrow.Contract, error) {
	reqs, err := json.Marshal(map[string]string{"name": "string", "population": "integer"})
	if err != nil {
		return escrow.Contract{}, err
	}
	c, err := openContract(ctx, svc, service.CreateCommand{
		BuyerID:      "buyer-bot",
		Amount:       250_000,
		Description:  "Return the largest city in Japan as JSON with name and population",
		VerifierType: verify.TypeSchema,
		Requirements: reqs,
		MaxRetries:   3,
	})
	if err != nil {
		return c, err
	}
	if c, err = svc.Submit(ctx, service.SubmitCommand{ContractID: c.ID, Payload: `{"name":"Tokyo","population":"lots"}`}); err != nil {
		return c, err
	}
	return svc.Submit(ctx, service.SubmitCommand{ContractID: c.ID, Payload: `{"name":"Tokyo","population":37400068}`})
}

func scenarioExhaustion(ctx context.Context, svc *service.Service) (escrow.Contract, error) {
	c, err := openContract(ctx, svc, service.CreateCommand{
		BuyerID:        "buyer-bot",
		Amount:         50_000,
		Description:    "Write a haiku about autumn leaves",
		VerifierType:   verify.TypeMock,
		VerifierParams: map[string]any{"should_pass": false},
		MaxRetries:     2,
	})
	if err != nil {
		return c, err
	}
	for c.Status == escrow.StatusInProgress {
		if c, err = svc.Submit(ctx, service.SubmitCommand{ContractID: c.ID, Payload: "import os; os.system('rm -rf /')"}); err != nil {
			return c, err
		}
	}
	return c, nil
}
