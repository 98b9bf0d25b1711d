// Package verify judges work submissions. Each verifier type is a Strategy
// built once by a Factory and handed to the orchestrator.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// FailureReason classifies a failed verdict.
type FailureReason string

const (
	ReasonSchemaError     FailureReason = "SchemaError"
	ReasonParseError      FailureReason = "ParseError"
	ReasonInfraError      FailureReason = "InfraError"
	ReasonExecFailure     FailureReason = "ExecFailure"
	ReasonTimeout         FailureReason = "Timeout"
	ReasonSandboxFault    FailureReason = "SandboxFault"
	ReasonNotSatisfied    FailureReason = "NotSatisfied"
	ReasonUnsupported     FailureReason = "Unsupported"
	ReasonSettlementFault FailureReason = "SettlementFault"
)

// Request is what a strategy evaluates.
type Request struct {
	ContractID   string          `json:"contract_id"`
	SubmissionID string          `json:"submission_id"`
	Payload      string          `json:"payload"`
	Requirements json.RawMessage `json:"requirements,omitempty"`
	Params       map[string]any  `json:"params,omitempty"`
}

// Result is a verdict. Reason is empty when Valid is true.
type Result struct {
	Valid   bool           `json:"is_valid"`
	Score   float64        `json:"score"`
	Details map[string]any `json:"details,omitempty"`
	Reason  FailureReason  `json:"failure_reason,omitempty"`
}

// Strategy evaluates a submission. All verdicts, including failures of
// external collaborators, are reported through Result; the error return is
// reserved for programming faults such as a nil request.
type Strategy interface {
	Name() string
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// Pass builds a passing result.
func Pass(score float64, details map[string]any) Result {
	return Result{Valid: true, Score: clamp(score), Details: details}
}

// Fail builds a failing result with the given reason and message.
func Fail(reason FailureReason, msg string, details map[string]any) Result {
	if details == nil {
		details = map[string]any{}
	}
	if msg != "" {
		details["message"] = msg
	}
	return Result{Valid: false, Score: 0, Details: details, Reason: reason}
}

// Normalized returns r with its score clamped to [0,1], no reason on a pass
// and a reason on every failure.
func (r Result) Normalized() Result {
	r.Score = clamp(r.Score)
	if r.Valid {
		r.Reason = ""
	} else if r.Reason == "" {
		r.Reason = ReasonNotSatisfied
	}
	return r
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func paramString(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func paramBool(params map[string]any, key string, def bool) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func paramFloat(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// ParamDuration reads a duration param given either as a Go duration string
// ("5s") or as a number of seconds.
func ParamDuration(params map[string]any, key string) time.Duration {
	switch v := params[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	case nil:
		return 0
	default:
		if f := paramFloat(params, key, 0); f > 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
