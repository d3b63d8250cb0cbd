package envelope

import (
	"github.com/xeipuuv/gojsonschema"

	"github.com/PolygramInfo/IFC-RPC/errors"
)

// shapeSchema is the fixed structural schema every inbound envelope is
// checked against at ingress. It constrains attribute presence and
// format only; payload contents are validated later against the
// registered domain schema named by dataschema.
const shapeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "type", "source", "time", "specversion", "data"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "type": {"type": "string", "pattern": "^[a-z][a-z0-9_-]*\\.[a-z][a-z0-9_-]*$"},
    "source": {"type": "string", "minLength": 1},
    "time": {"type": "string", "format": "date-time"},
    "specversion": {"type": "string", "const": "1.0"},
    "datacontenttype": {"type": "string"},
    "dataschema": {"type": "string", "pattern": "^[a-z][a-z0-9_-]*\\.[a-z][a-z0-9_-]*$"},
    "transactionid": {"type": "string"},
    "userhash": {"type": "string"},
    "usertoken": {"type": "string"},
    "resourceid": {"type": "string"},
    "data": {"type": "object"}
  }
}`

// ShapeValidator validates envelope structure against the fixed envelope
// schema. The schema is compiled once at construction and reused for
// every envelope.
type ShapeValidator struct {
	schema *gojsonschema.Schema
}

// NewShapeValidator compiles the envelope shape schema
func NewShapeValidator() (*ShapeValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(shapeSchema))
	if err != nil {
		return nil, errors.WrapFatal(err, "ShapeValidator", "NewShapeValidator", "compile shape schema")
	}
	return &ShapeValidator{schema: schema}, nil
}

// Validate checks the envelope's wire form against the shape schema.
// Returns a *errors.ShapeError naming every violated constraint, or nil.
func (v *ShapeValidator) Validate(e *Envelope) error {
	wire, err := e.MarshalJSON()
	if err != nil {
		return errors.WrapInvalid(err, "ShapeValidator", "Validate", "serialize envelope")
	}

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(wire))
	if err != nil {
		return errors.WrapInvalid(err, "ShapeValidator", "Validate", "run validation")
	}

	if !result.Valid() {
		violations := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			violations = append(violations, desc.Field()+": "+desc.Description())
		}
		return &errors.ShapeError{Violations: violations}
	}

	return nil
}
