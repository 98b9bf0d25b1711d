package verify

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgast/clearinghouse/pkg/escrow"
)

func TestFactory(t *testing.T) {
	f := NewFactory(
		WithStrategy(TypeMock, NewMockStrategy(true)),
		WithStrategy(TypeSchema, NewSchemaStrategy(nil)),
	)

	s, err := f.Create(TypeMock)
	require.NoError(t, err)
	assert.Equal(t, TypeMock, s.Name())
	assert.Equal(t, []string{TypeMock, TypeSchema}, f.Types())
	assert.True(t, f.Supports(TypeSchema))

	_, err = f.Create("astrology")
	var unsupported *escrow.UnsupportedVerifierTypeError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "astrology", unsupported.Type)
}

func TestSchemaStrategy(t *testing.T) {
	s := NewSchemaStrategy(nil)
	fullSchema := `{"type":"object","required":["email"],"properties":{"email":{"type":"string","format":"email"}}}`

	tests := []struct {
		name         string
		requirements string
		payload      string
		valid        bool
		reason       FailureReason
	}{
		{"shorthand conforming", `{"a":"number"}`, `{"a":1}`, true, ""},
		{"shorthand wrong type", `{"a":"number"}`, `{"a":"x"}`, false, ReasonNotSatisfied},
		{"shorthand missing field", `{"a":"number"}`, `{}`, false, ReasonNotSatisfied},
		{"full schema", fullSchema, `{"email":"a@b.example"}`, true, ""},
		{"full schema missing required", fullSchema, `{"name":"x"}`, false, ReasonNotSatisfied},
		{"payload not json", `{"a":"number"}`, `not json`, false, ReasonSchemaError},
		{"trailing data after payload", `{"a":"number"}`, `{"a":1} {"a":2}`, false, ReasonSchemaError},
		{"large integer keeps precision", `{"n":"integer"}`, `{"n":9007199254740993}`, true, ""},
		{"fraction is not an integer", `{"n":"integer"}`, `{"n":1.5}`, false, ReasonNotSatisfied},
		{"malformed schema", `{"type":5}`, `{}`, false, ReasonSchemaError},
		{"schema not json", `{"a":`, `{}`, false, ReasonSchemaError},
		{"no schema", ``, `{}`, false, ReasonSchemaError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Evaluate(context.Background(), Request{
				Payload:      tt.payload,
				Requirements: json.RawMessage(tt.requirements),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.valid, res.Valid)
			assert.Equal(t, tt.reason, res.Reason)
			if tt.valid {
				assert.Equal(t, 1.0, res.Score)
			} else {
				assert.Equal(t, 0.0, res.Score)
			}
		})
	}
}

func TestSchemaStrategyReportsViolations(t *testing.T) {
	res, err := NewSchemaStrategy(nil).Evaluate(context.Background(), Request{
		Payload:      `{"a":"x"}`,
		Requirements: json.RawMessage(`{"a":"number"}`),
	})
	require.NoError(t, err)
	violations, ok := res.Details["validation_errors"].([]map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, violations)
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		raw   string
		pass  bool
		score float64
		err   bool
	}{
		{raw: "TRUE score=0.9", pass: true, score: 0.9},
		{raw: "FALSE score: 0.2", pass: false, score: 0.2},
		{raw: "VERDICT: TRUE\nSCORE: 0.75\nREASONING: fine", pass: true, score: 0.75},
		{raw: "VERDICT: FALSE\nSCORE: 0.1\nREASONING: off topic", pass: false, score: 0.1},
		{raw: "pass", pass: true, score: 1},
		{raw: "no", pass: false, score: 0},
		{raw: "TRUE score=7", pass: true, score: 1},
		{raw: "TRUE score=-2", pass: true, score: 0},
		{raw: "maybe", err: true},
		{raw: "", err: true},
		{raw: "Nothing to say", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			v, err := ParseVerdict(tt.raw)
			if tt.err {
				var pe *escrow.ParseError
				require.ErrorAs(t, err, &pe)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.pass, v.Pass)
			assert.InDelta(t, tt.score, v.Score, 1e-9)
		})
	}
}

func TestParseVerdictReasoning(t *testing.T) {
	v, err := ParseVerdict("VERDICT: TRUE\nSCORE: 1\nREASONING: meets\nall criteria")
	require.NoError(t, err)
	assert.Equal(t, "meets\nall criteria", v.Reasoning)
}

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func TestSemanticStrategy(t *testing.T) {
	params := map[string]any{"criteria": "A haiku about escrow"}

	t.Run("pass", func(t *testing.T) {
		s := NewSemanticStrategy(JudgeFunc(func(ctx context.Context, prompt, rubric string) (string, error) {
			assert.Contains(t, prompt, "A haiku about escrow")
			assert.Contains(t, prompt, "funds held in trust")
			assert.Equal(t, Rubric, rubric)
			return "TRUE score=0.9", nil
		}))
		res, err := s.Evaluate(context.Background(), Request{Payload: "funds held in trust", Params: params})
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.InDelta(t, 0.9, res.Score, 1e-9)
	})

	t.Run("unparseable", func(t *testing.T) {
		s := NewSemanticStrategy(JudgeFunc(func(context.Context, string, string) (string, error) {
			return "maybe", nil
		}))
		res, err := s.Evaluate(context.Background(), Request{Payload: "x", Params: params})
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Equal(t, ReasonParseError, res.Reason)
	})

	t.Run("negative verdict keeps score", func(t *testing.T) {
		s := NewSemanticStrategy(JudgeFunc(func(context.Context, string, string) (string, error) {
			return "VERDICT: FALSE\nSCORE: 0.3\nREASONING: too short", nil
		}))
		res, err := s.Evaluate(context.Background(), Request{Payload: "x", Params: params})
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Equal(t, ReasonNotSatisfied, res.Reason)
		assert.InDelta(t, 0.3, res.Score, 1e-9)
		assert.Equal(t, "too short", res.Details["reasoning"])
	})

	t.Run("retries then infra error", func(t *testing.T) {
		var calls atomic.Int32
		s := NewSemanticStrategy(JudgeFunc(func(context.Context, string, string) (string, error) {
			calls.Add(1)
			return "", errors.New("503 from judge")
		}), WithJudgeBackOff(zeroBackOff))
		res, err := s.Evaluate(context.Background(), Request{Payload: "x", Params: params})
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Equal(t, ReasonInfraError, res.Reason)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("recovers on retry", func(t *testing.T) {
		var calls atomic.Int32
		s := NewSemanticStrategy(JudgeFunc(func(context.Context, string, string) (string, error) {
			if calls.Add(1) < 2 {
				return "", errors.New("connection reset")
			}
			return "TRUE score=0.8", nil
		}), WithJudgeBackOff(zeroBackOff))
		res, err := s.Evaluate(context.Background(), Request{Payload: "x", Params: params})
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("criteria from requirements", func(t *testing.T) {
		s := NewSemanticStrategy(JudgeFunc(func(_ context.Context, prompt, _ string) (string, error) {
			assert.Contains(t, prompt, "be polite")
			return "YES", nil
		}))
		res, err := s.Evaluate(context.Background(), Request{Payload: "x", Requirements: json.RawMessage(`"be polite"`)})
		require.NoError(t, err)
		assert.True(t, res.Valid)
	})

	t.Run("missing criteria", func(t *testing.T) {
		s := NewSemanticStrategy(JudgeFunc(func(context.Context, string, string) (string, error) {
			t.Fatal("judge must not be called")
			return "", nil
		}))
		res, err := s.Evaluate(context.Background(), Request{Payload: "x"})
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Equal(t, ReasonSchemaError, res.Reason)
	})
}

type fakeExecutor struct {
	result ExecResult
	err    error
	block  bool
	got    ExecRequest
}

func (f *fakeExecutor) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	f.got = req
	if f.block {
		<-ctx.Done()
		return ExecResult{}, ctx.Err()
	}
	return f.result, f.err
}

func TestCodeExecutionStrategy(t *testing.T) {
	tests := []struct {
		name   string
		exec   *fakeExecutor
		params map[string]any
		valid  bool
		reason FailureReason
	}{
		{"expected output", &fakeExecutor{result: ExecResult{Stdout: "5\n"}}, map[string]any{"expected_output": "5"}, true, ""},
		{"no expectation", &fakeExecutor{result: ExecResult{Stdout: "anything"}}, nil, true, ""},
		{"non-zero exit", &fakeExecutor{result: ExecResult{ExitCode: 1, Stderr: "boom"}}, nil, false, ReasonExecFailure},
		{"output mismatch", &fakeExecutor{result: ExecResult{Stdout: "6"}}, map[string]any{"expected_output": "5"}, false, ReasonNotSatisfied},
		{"exact mismatch", &fakeExecutor{result: ExecResult{Stdout: "55"}}, map[string]any{"expected_output": "5", "match": "exact"}, false, ReasonNotSatisfied},
		{"exact match", &fakeExecutor{result: ExecResult{Stdout: " 5 \n"}}, map[string]any{"expected_output": "5", "match": "exact"}, true, ""},
		{"regex", &fakeExecutor{result: ExecResult{Stdout: "fib(10)=55"}}, map[string]any{"expected_output": `=\d+$`, "match": "regex"}, true, ""},
		{"timeout error", &fakeExecutor{err: ErrExecTimeout}, nil, false, ReasonTimeout},
		{"sandbox fault", &fakeExecutor{err: errors.New("vm crashed")}, nil, false, ReasonSandboxFault},
		{"deadline", &fakeExecutor{block: true}, map[string]any{"timeout": "20ms"}, false, ReasonTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewCodeExecutionStrategy(tt.exec)
			res, err := s.Evaluate(context.Background(), Request{Payload: "print(5)", Params: tt.params})
			require.NoError(t, err)
			assert.Equal(t, tt.valid, res.Valid)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Equal(t, "print(5)", tt.exec.got.Code)
		})
	}
}

func TestCodeExecutionTimeoutParamOnlyShortens(t *testing.T) {
	exec := &fakeExecutor{}
	s := NewCodeExecutionStrategy(exec, WithExecTimeout(time.Second))

	_, err := s.Evaluate(context.Background(), Request{Payload: "x", Params: map[string]any{"timeout": 60}})
	require.NoError(t, err)
	assert.Equal(t, time.Second, exec.got.Timeout)

	_, err = s.Evaluate(context.Background(), Request{Payload: "x", Params: map[string]any{"timeout": 0.5}})
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, exec.got.Timeout)
}

func TestMockStrategy(t *testing.T) {
	ctx := context.Background()

	res, err := NewMockStrategy(true).Evaluate(ctx, Request{})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 1.0, res.Score)

	res, err = NewMockStrategy(true).Evaluate(ctx, Request{Params: map[string]any{"should_pass": false}})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonNotSatisfied, res.Reason)

	res, err = NewMockStrategy(false).Evaluate(ctx, Request{Params: map[string]any{"should_pass": "true", "score": 0.4, "details": "ok"}})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.InDelta(t, 0.4, res.Score, 1e-9)
	assert.Equal(t, "ok", res.Details["details"])
}
