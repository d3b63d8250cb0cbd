// Package document implements the schema-governed document model every
// pipeline stage depends on for validation and change tracking.
//
// A Document wraps a field map bound to a registered schema. Every
// mutation builds the candidate whole-document state and validates it
// before anything is applied; accepted mutations append an entry to an
// append-only change log. The live state is always the original snapshot
// plus the ordered application of all recorded change-sets.
//
// Destructive, unvalidated edits (clear, pop) are not representable:
// the API simply does not expose them.
package document

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/PolygramInfo/IFC-RPC/errors"
)

// Factory binds a compiled schema validator to the documents it creates.
// Schema compile cost is paid once per schema, not per instance.
type Factory struct {
	ref    string
	raw    json.RawMessage
	schema *gojsonschema.Schema
}

// NewFactory compiles schemaDoc and returns a factory for documents
// governed by it. The ref names the schema in validation errors,
// typically "<domain>.<name>".
func NewFactory(ref string, schemaDoc json.RawMessage) (*Factory, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaDoc))
	if err != nil {
		return nil, errors.WrapInvalid(err, "Factory", "NewFactory",
			fmt.Sprintf("compile schema %s", ref))
	}

	return &Factory{
		ref:    ref,
		raw:    append(json.RawMessage(nil), schemaDoc...),
		schema: schema,
	}, nil
}

// Ref returns the schema reference this factory validates against
func (f *Factory) Ref() string { return f.ref }

// Schema returns a copy of the raw schema document
func (f *Factory) Schema() json.RawMessage {
	return append(json.RawMessage(nil), f.raw...)
}

// Validate checks a candidate document state against the bound schema.
// Returns a *errors.SchemaError naming every violated constraint.
func (f *Factory) Validate(state map[string]any) error {
	result, err := f.schema.Validate(gojsonschema.NewGoLoader(state))
	if err != nil {
		return errors.WrapInvalid(err, "Factory", "Validate", "run validation")
	}

	if !result.Valid() {
		violations := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			violations = append(violations, desc.Field()+": "+desc.Description())
		}
		return &errors.SchemaError{SchemaRef: f.ref, Violations: violations}
	}

	return nil
}

// New creates a Document from the initial state, validating it first.
// The author is recorded on every change-log entry the document accrues.
func (f *Factory) New(initial map[string]any, author string) (*Document, error) {
	if initial == nil {
		initial = map[string]any{}
	}

	if err := f.Validate(initial); err != nil {
		return nil, err
	}

	state, err := deepCopyState(initial)
	if err != nil {
		return nil, errors.Wrap(err, "Factory", "New", "snapshot initial state")
	}
	original, err := deepCopyState(initial)
	if err != nil {
		return nil, errors.Wrap(err, "Factory", "New", "snapshot original state")
	}

	return &Document{
		factory:  f,
		author:   author,
		state:    state,
		original: original,
	}, nil
}

// deepCopyState returns an independent deep copy of a document state.
// JSON round-tripping keeps copies independent of the source for the
// nested maps and slices schema documents routinely carry.
func deepCopyState(state map[string]any) (map[string]any, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
