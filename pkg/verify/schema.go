package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/cgast/clearinghouse/pkg/escrow"
)

const schemaURL = "https://clearinghouse.schemas.local/requirements.schema.json"

// shorthandTypes are the JSON types accepted in the field→type shorthand.
var shorthandTypes = map[string]bool{
	"string": true, "number": true, "integer": true,
	"boolean": true, "object": true, "array": true, "null": true,
}

// SchemaStrategy checks that the payload is JSON conforming to the contract's
// requirements document. It makes no external calls.
type SchemaStrategy struct {
	logger *zap.Logger
}

// NewSchemaStrategy creates a schema strategy.
func NewSchemaStrategy(logger *zap.Logger) *SchemaStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchemaStrategy{logger: logger.With(zap.String("verifier", TypeSchema))}
}

func (s *SchemaStrategy) Name() string { return TypeSchema }

func (s *SchemaStrategy) Evaluate(_ context.Context, req Request) (Result, error) {
	raw := bytes.TrimSpace(req.Requirements)
	if len(raw) == 0 || string(raw) == "null" {
		return Fail(ReasonSchemaError, "no requirements schema on contract", nil), nil
	}

	schema, err := compileRequirements(raw)
	if err != nil {
		s.logger.Warn("invalid requirements schema", zap.String("contract_id", req.ContractID), zap.Error(err))
		return Fail(ReasonSchemaError, err.Error(), nil), nil
	}

	doc, err := decodePayload(req.Payload)
	if err != nil {
		return Fail(ReasonSchemaError, fmt.Sprintf("payload is not valid JSON: %v", err), map[string]any{
			"payload_preview": truncate(req.Payload, 500),
		}), nil
	}

	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if !errors.As(err, &ve) {
			return Fail(ReasonSchemaError, err.Error(), nil), nil
		}
		violations := validationMessages(ve)
		s.logger.Info("schema validation failed",
			zap.String("contract_id", req.ContractID),
			zap.Int("errors", len(violations)))
		return Fail(ReasonNotSatisfied,
			fmt.Sprintf("schema validation failed with %d error(s)", len(violations)),
			map[string]any{"validation_errors": violations}), nil
	}

	return Pass(1, map[string]any{"message": "payload conforms to requirements schema"}), nil
}

// decodePayload parses payload the way the validator expects: numbers stay
// json.Number and exactly one JSON value is allowed.
func decodePayload(payload string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON value")
	}
	return doc, nil
}

// compileRequirements compiles raw as a Draft 2020-12 schema after expanding
// the shorthand form.
func compileRequirements(raw []byte) (*jsonschema.Schema, error) {
	expanded, err := expandShorthand(raw)
	if err != nil {
		return nil, &escrow.SchemaError{Detail: "requirements are not valid JSON", Err: err}
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, bytes.NewReader(expanded)); err != nil {
		return nil, &escrow.SchemaError{Detail: "load requirements schema", Err: err}
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, &escrow.SchemaError{Detail: "compile requirements schema", Err: err}
	}
	return compiled, nil
}

// expandShorthand turns {"a":"number","b":"string"} into an object schema
// requiring a and b with those types. Anything else is returned unchanged.
func expandShorthand(raw []byte) ([]byte, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	fields, ok := decoded.(map[string]any)
	if !ok || len(fields) == 0 {
		return raw, nil
	}

	props := make(map[string]any, len(fields))
	required := make([]string, 0, len(fields))
	for name, v := range fields {
		t, ok := v.(string)
		if !ok || !shorthandTypes[t] || strings.HasPrefix(name, "$") {
			return raw, nil
		}
		if name == "type" || name == "format" || name == "title" || name == "description" {
			return raw, nil
		}
		props[name] = map[string]any{"type": t}
		required = append(required, name)
	}
	return json.Marshal(map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	})
}

func validationMessages(ve *jsonschema.ValidationError) []map[string]any {
	out := []map[string]any{}
	for _, e := range ve.BasicOutput().Errors {
		if e.Error == "" || strings.HasPrefix(e.Error, "doesn't validate with") {
			continue
		}
		out = append(out, map[string]any{
			"path":    e.InstanceLocation,
			"keyword": e.KeywordLocation,
			"message": e.Error,
		})
	}
	if len(out) == 0 {
		out = append(out, map[string]any{"path": ve.InstanceLocation, "message": ve.Message})
	}
	return out
}
