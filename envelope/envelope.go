// Package envelope implements the versioned message wrapper exchanged
// between pipeline stages.
//
// An Envelope is a CloudEvents-compatible attribute map plus a JSON data
// payload. Envelopes are immutable after construction: forwarding a
// message to the next stage derives a new envelope (see WithResource),
// the original is never mutated in place.
//
// Design principles:
//   - Infrastructure-agnostic: envelopes carry data, never routing or
//     storage handles
//   - Content-addressable: Hash and DedupeKey enable queue deduplication
//   - Closed type vocabulary: Type and SchemaRef are parsed, structured
//     values rather than raw strings
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/PolygramInfo/IFC-RPC/errors"
)

// SpecVersion is the eventing convention version every envelope declares.
const SpecVersion = "1.0"

// ContentTypeJSON is the only payload content type the pipeline carries.
const ContentTypeJSON = "application/json"

// Envelope is the unit of communication between pipeline stages.
// All fields are set during construction and cannot be modified.
type Envelope struct {
	id              string
	eventType       Type
	source          string
	time            time.Time
	specVersion     string
	dataContentType string
	dataSchema      SchemaRef
	transactionID   string
	userHash        string
	userToken       string
	resourceID      string
	data            json.RawMessage
}

// Option is a functional option for configuring Envelope construction.
type Option func(*Envelope)

// WithID sets an explicit envelope id instead of generating one.
// Useful for historical replay and testing.
func WithID(id string) Option {
	return func(e *Envelope) { e.id = id }
}

// WithTime sets a specific creation timestamp instead of time.Now().
func WithTime(t time.Time) Option {
	return func(e *Envelope) { e.time = t }
}

// WithTransactionID attaches the caller-supplied transaction id used for
// downstream deduplication.
func WithTransactionID(id string) Option {
	return func(e *Envelope) { e.transactionID = id }
}

// WithAuth attaches the caller's identity hash and token. These are
// consumed at ingress only; later stages trust the forwarded envelope.
func WithAuth(userHash, token string) Option {
	return func(e *Envelope) {
		e.userHash = userHash
		e.userToken = token
	}
}

// WithDataSchema declares the registered schema the payload claims to
// conform to.
func WithDataSchema(ref SchemaRef) Option {
	return func(e *Envelope) { e.dataSchema = ref }
}

// New creates a new Envelope.
//
// Parameters:
//   - eventType: structured type information (<service>.<action>)
//   - data: the JSON payload
//   - source: identifier of the service creating this envelope
//   - opts: optional configuration functions
func New(eventType Type, data json.RawMessage, source string, opts ...Option) *Envelope {
	e := &Envelope{
		id:              uuid.New().String(),
		eventType:       eventType,
		source:          source,
		time:            time.Now().UTC(),
		specVersion:     SpecVersion,
		dataContentType: ContentTypeJSON,
		data:            data,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// ID returns the unique envelope identifier
func (e *Envelope) ID() string { return e.id }

// Type returns the structured event type
func (e *Envelope) Type() Type { return e.eventType }

// Source returns the identifier of the envelope originator
func (e *Envelope) Source() string { return e.source }

// Time returns when the envelope was created
func (e *Envelope) Time() time.Time { return e.time }

// SpecVersion returns the eventing convention version
func (e *Envelope) SpecVersion() string { return e.specVersion }

// DataContentType returns the payload content type
func (e *Envelope) DataContentType() string { return e.dataContentType }

// DataSchema returns the registered schema the payload claims
func (e *Envelope) DataSchema() SchemaRef { return e.dataSchema }

// TransactionID returns the caller-supplied transaction id
func (e *Envelope) TransactionID() string { return e.transactionID }

// UserHash returns the caller's identity hash
func (e *Envelope) UserHash() string { return e.userHash }

// UserToken returns the caller's credential token
func (e *Envelope) UserToken() string { return e.userToken }

// ResourceID returns the resource id attached at ingress, if any
func (e *Envelope) ResourceID() string { return e.resourceID }

// Data returns the JSON payload
func (e *Envelope) Data() json.RawMessage { return e.data }

// DecodeData unmarshals the payload into target
func (e *Envelope) DecodeData(target any) error {
	if len(e.data) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "DecodeData", "empty payload")
	}
	if err := json.Unmarshal(e.data, target); err != nil {
		return errors.WrapInvalid(err, "Envelope", "DecodeData", "unmarshal payload")
	}
	return nil
}

// WithResource derives a new envelope carrying the allocated resource id.
// The receiver is unchanged; forwarding always produces a new envelope.
func (e *Envelope) WithResource(resourceID string) *Envelope {
	derived := *e
	derived.resourceID = resourceID
	return &derived
}

// Hash returns a SHA256 hash of the envelope type and payload.
func (e *Envelope) Hash() string {
	h := sha256.New()
	h.Write([]byte(e.eventType.String()))
	h.Write(e.data)
	return hex.EncodeToString(h.Sum(nil))
}

// DedupeKey returns the queue deduplication key for this envelope,
// derived from the id, source, and creation time so that a resubmitted
// copy of the same logical event collapses to one delivery.
func (e *Envelope) DedupeKey() string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s_%s_%s", e.id, e.source, e.time.Format(time.RFC3339Nano)))
	return hex.EncodeToString(h[:])
}

// Validate performs basic integrity checks on the envelope. Structural
// shape validation against the envelope schema is the ShapeValidator's
// job; this catches programmatic construction mistakes.
func (e *Envelope) Validate() error {
	if e.id == "" {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "Envelope", "Validate", "missing id")
	}
	if !e.eventType.IsValid() {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "Envelope", "Validate",
			fmt.Sprintf("invalid type %q", e.eventType.String()))
	}
	if e.source == "" {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "Envelope", "Validate", "missing source")
	}
	if e.specVersion == "" {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "Envelope", "Validate", "missing specversion")
	}
	return nil
}

// wireFormat is the JSON wire form of an Envelope: a flat CloudEvents
// attribute map plus the data payload.
type wireFormat struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	Time            time.Time       `json:"time"`
	SpecVersion     string          `json:"specversion"`
	DataContentType string          `json:"datacontenttype,omitempty"`
	DataSchema      string          `json:"dataschema,omitempty"`
	TransactionID   string          `json:"transactionid,omitempty"`
	UserHash        string          `json:"userhash,omitempty"`
	UserToken       string          `json:"usertoken,omitempty"`
	ResourceID      string          `json:"resourceid,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (e *Envelope) MarshalJSON() ([]byte, error) {
	wire := wireFormat{
		ID:              e.id,
		Type:            e.eventType.String(),
		Source:          e.source,
		Time:            e.time,
		SpecVersion:     e.specVersion,
		DataContentType: e.dataContentType,
		TransactionID:   e.transactionID,
		UserHash:        e.userHash,
		UserToken:       e.userToken,
		ResourceID:      e.resourceID,
		Data:            e.data,
	}
	if !e.dataSchema.IsZero() {
		wire.DataSchema = e.dataSchema.String()
	}
	return json.Marshal(wire)
}

// UnmarshalJSON implements json.Unmarshaler
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire wireFormat
	if err := json.Unmarshal(data, &wire); err != nil {
		return errors.WrapInvalid(err, "Envelope", "UnmarshalJSON", "unmarshal wire format")
	}

	eventType, err := ParseType(wire.Type)
	if err != nil {
		return errors.WrapInvalid(err, "Envelope", "UnmarshalJSON", "parse type")
	}

	var schemaRef SchemaRef
	if wire.DataSchema != "" {
		schemaRef, err = ParseSchemaRef(wire.DataSchema)
		if err != nil {
			return errors.WrapInvalid(err, "Envelope", "UnmarshalJSON", "parse dataschema")
		}
	}

	e.id = wire.ID
	e.eventType = eventType
	e.source = wire.Source
	e.time = wire.Time
	e.specVersion = wire.SpecVersion
	e.dataContentType = wire.DataContentType
	e.dataSchema = schemaRef
	e.transactionID = wire.TransactionID
	e.userHash = wire.UserHash
	e.userToken = wire.UserToken
	e.resourceID = wire.ResourceID
	e.data = wire.Data

	return nil
}

// Decode parses a serialized envelope from a queue message body.
func Decode(body []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, errors.Wrap(err, "Envelope", "Decode", "decode body")
	}
	return &e, nil
}
