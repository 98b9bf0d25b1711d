package verify

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/cgast/clearinghouse/pkg/escrow"
)

// Judge returns the raw verdict text of an external evaluator.
type Judge interface {
	Judge(ctx context.Context, prompt, rubric string) (string, error)
}

// JudgeFunc adapts a function to the Judge interface.
type JudgeFunc func(ctx context.Context, prompt, rubric string) (string, error)

func (f JudgeFunc) Judge(ctx context.Context, prompt, rubric string) (string, error) {
	return f(ctx, prompt, rubric)
}

// Rubric instructs the judge to answer in a parseable form.
const Rubric = `You are an impartial, strict verification judge for an escrow system.
Decide whether the submitted work meets the stated criteria. If anything is
ambiguous, fail it.

Respond in exactly this format:
VERDICT: TRUE or FALSE
SCORE: a number from 0.0 to 1.0
REASONING: one paragraph explaining the decision`

const promptTemplate = `## Criteria
%s

## Submitted Work
%s

Evaluate whether the submitted work meets the criteria above.`

const defaultJudgeAttempts = 3

var (
	verdictLine  = regexp.MustCompile(`(?im)^\s*VERDICT\s*[:=]\s*([A-Za-z]+)`)
	verdictToken = regexp.MustCompile(`(?i)^\W*(TRUE|FALSE|PASS|FAIL|YES|NO)\b`)
	scoreToken   = regexp.MustCompile(`(?i)\bSCORE\s*[:=]\s*(-?[0-9]*\.?[0-9]+)`)
	reasonLine   = regexp.MustCompile(`(?is)REASONING\s*:\s*(.*)$`)
)

// Verdict is a parsed judge reply.
type Verdict struct {
	Pass      bool
	Score     float64
	Reasoning string
}

// ParseVerdict extracts a verdict token and optional score from a judge
// reply. Both "TRUE score=0.9" and the VERDICT/SCORE/REASONING line format
// are accepted. A missing score defaults to 1 for a pass and 0 for a fail.
func ParseVerdict(raw string) (Verdict, error) {
	text := strings.TrimSpace(raw)

	var token string
	if m := verdictLine.FindStringSubmatch(text); m != nil {
		token = m[1]
	} else if m := verdictToken.FindStringSubmatch(text); m != nil {
		token = m[1]
	}

	var v Verdict
	switch strings.ToUpper(token) {
	case "TRUE", "PASS", "YES":
		v.Pass = true
		v.Score = 1
	case "FALSE", "FAIL", "NO":
		v.Score = 0
	default:
		return Verdict{}, &escrow.ParseError{Raw: raw}
	}

	if m := scoreToken.FindStringSubmatch(text); m != nil {
		f, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return Verdict{}, &escrow.ParseError{Raw: raw}
		}
		v.Score = clamp(f)
	}
	if m := reasonLine.FindStringSubmatch(text); m != nil {
		v.Reasoning = strings.TrimSpace(m[1])
	}
	return v, nil
}

// SemanticStrategy asks an external judge whether the payload meets the
// contract's criteria.
type SemanticStrategy struct {
	judge    Judge
	attempts uint
	backoff  func() backoff.BackOff
	logger   *zap.Logger
}

// SemanticOption configures a SemanticStrategy.
type SemanticOption func(*SemanticStrategy)

// WithJudgeAttempts bounds the number of judge calls per evaluation.
func WithJudgeAttempts(n uint) SemanticOption {
	return func(s *SemanticStrategy) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithJudgeBackOff overrides the retry schedule between judge calls.
func WithJudgeBackOff(b func() backoff.BackOff) SemanticOption {
	return func(s *SemanticStrategy) {
		if b != nil {
			s.backoff = b
		}
	}
}

// WithSemanticLogger sets the logger.
func WithSemanticLogger(logger *zap.Logger) SemanticOption {
	return func(s *SemanticStrategy) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSemanticStrategy creates a semantic strategy over judge.
func NewSemanticStrategy(judge Judge, opts ...SemanticOption) *SemanticStrategy {
	s := &SemanticStrategy{
		judge:    judge,
		attempts: defaultJudgeAttempts,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("verifier", TypeSemantic))
	return s
}

func (s *SemanticStrategy) Name() string { return TypeSemantic }

func (s *SemanticStrategy) Evaluate(ctx context.Context, req Request) (Result, error) {
	criteria := paramString(req.Params, "criteria")
	if criteria == "" {
		criteria = strings.TrimSpace(string(req.Requirements))
	}
	if criteria == "" || criteria == "null" {
		return Fail(ReasonSchemaError, "no criteria for semantic verification", nil), nil
	}
	if s.judge == nil {
		return Fail(ReasonInfraError, "no judge configured", nil), nil
	}

	prompt := fmt.Sprintf(promptTemplate, criteria, req.Payload)
	calls := 0
	reply, err := backoff.Retry(ctx, func() (string, error) {
		calls++
		out, err := s.judge.Judge(ctx, prompt, Rubric)
		if err != nil {
			if ctx.Err() != nil {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		if strings.TrimSpace(out) == "" {
			return "", errors.New("empty judge reply")
		}
		return out, nil
	},
		backoff.WithBackOff(s.backoff()),
		backoff.WithMaxTries(s.attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn("judge call failed, retrying",
				zap.String("contract_id", req.ContractID),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
	if err != nil {
		infra := &escrow.VerifierInfraError{Verifier: TypeSemantic, Err: err}
		reason := ReasonInfraError
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		s.logger.Warn("judge unavailable", zap.String("contract_id", req.ContractID), zap.Int("attempts", calls), zap.Error(err))
		return Fail(reason, infra.Error(), map[string]any{"attempts": calls}), nil
	}

	v, err := ParseVerdict(reply)
	if err != nil {
		return Fail(ReasonParseError, err.Error(), map[string]any{"judge_reply": truncate(reply, 500)}), nil
	}

	details := map[string]any{
		"reasoning":   v.Reasoning,
		"judge_reply": truncate(reply, 500),
		"attempts":    calls,
	}
	s.logger.Info("judge verdict", zap.String("contract_id", req.ContractID), zap.Bool("pass", v.Pass), zap.Float64("score", v.Score))
	if !v.Pass {
		res := Fail(ReasonNotSatisfied, "judge rejected the submission", details)
		res.Score = v.Score
		return res, nil
	}
	return Pass(v.Score, details), nil
}
