package verify

import (
	"sort"

	"github.com/cgast/clearinghouse/pkg/escrow"
)

// Verifier type names.
const (
	TypeSchema        = "schema"
	TypeSemantic      = "semantic"
	TypeCodeExecution = "code_execution"
	TypeMock          = "mock"
)

// Factory maps verifier types to strategies. It is built once at startup
// and is read-only afterwards.
type Factory struct {
	strategies map[string]Strategy
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithStrategy registers s under verifierType. A later registration for the
// same type wins.
func WithStrategy(verifierType string, s Strategy) FactoryOption {
	return func(f *Factory) {
		if s != nil {
			f.strategies[verifierType] = s
		}
	}
}

// NewFactory creates a factory from explicit registrations.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{strategies: make(map[string]Strategy)}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create returns the strategy for verifierType.
func (f *Factory) Create(verifierType string) (Strategy, error) {
	s, ok := f.strategies[verifierType]
	if !ok {
		return nil, &escrow.UnsupportedVerifierTypeError{Type: verifierType}
	}
	return s, nil
}

// Supports reports whether verifierType is registered.
func (f *Factory) Supports(verifierType string) bool {
	_, ok := f.strategies[verifierType]
	return ok
}

// Types lists the registered verifier types in sorted order.
func (f *Factory) Types() []string {
	types := make([]string, 0, len(f.strategies))
	for t := range f.strategies {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
