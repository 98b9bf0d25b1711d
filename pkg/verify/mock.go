package verify

import "context"

// MockStrategy returns a fixed verdict. Contract params override the
// configured default: should_pass, score and details.
type MockStrategy struct {
	pass  bool
	score float64
}

// NewMockStrategy creates a mock that passes or fails by default.
func NewMockStrategy(pass bool) *MockStrategy {
	score := 0.0
	if pass {
		score = 1
	}
	return &MockStrategy{pass: pass, score: score}
}

func (m *MockStrategy) Name() string { return TypeMock }

func (m *MockStrategy) Evaluate(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Fail(ReasonTimeout, err.Error(), nil), nil
	}

	pass := paramBool(req.Params, "should_pass", m.pass)
	def := m.score
	if pass != m.pass {
		def = 1 - m.score
	}
	score := paramFloat(req.Params, "score", def)

	details := map[string]any{"verifier": TypeMock}
	if d, ok := req.Params["details"]; ok {
		details["details"] = d
	}
	if pass {
		return Pass(score, details), nil
	}
	res := Fail(ReasonNotSatisfied, "mock verifier configured to fail", details)
	res.Score = clamp(score)
	return res, nil
}
