package envelope

import (
	"fmt"
	"strings"

	"github.com/PolygramInfo/IFC-RPC/errors"
)

// Known service domains. Routing dispatches on the domain half of an
// event type; anything outside this set is a NoRouteError.
const (
	DomainEntity     = "entity"
	DomainComponent  = "component"
	DomainSchema     = "schema"
	DomainAmbassador = "ambassador"
)

// Known actions. Managers dispatch on the action half of an event type;
// anything outside the set recognized for a domain is an
// UnsupportedActionError.
const (
	ActionCreate = "create"
	ActionRead   = "read"
	ActionList   = "list"
	ActionRelate = "relate"

	// Reply actions used by the Ambassador
	ActionResponse = "response"
	ActionError    = "error"
)

// Type is the structured event type, always <service>.<action>.
// It drives routing (service domain) and manager dispatch (action).
type Type struct {
	Service string
	Action  string
}

// ParseType parses a "<service>.<action>" type string
func ParseType(s string) (Type, error) {
	service, action, ok := strings.Cut(s, ".")
	if !ok || service == "" || action == "" {
		return Type{}, errors.WrapInvalid(
			fmt.Errorf("type %q is not <service>.<action>", s),
			"Type", "ParseType", "parse")
	}
	return Type{Service: service, Action: action}, nil
}

// String returns the wire form of the type
func (t Type) String() string {
	return t.Service + "." + t.Action
}

// IsValid reports whether both halves of the type are present
func (t Type) IsValid() bool {
	return t.Service != "" && t.Action != ""
}

// SchemaRef names a registered schema as <domain>.<name>.
type SchemaRef struct {
	Domain string
	Name   string
}

// ParseSchemaRef parses a "<domain>.<name>" schema reference
func ParseSchemaRef(s string) (SchemaRef, error) {
	domain, name, ok := strings.Cut(s, ".")
	if !ok || domain == "" || name == "" {
		return SchemaRef{}, errors.WrapInvalid(
			fmt.Errorf("schema reference %q is not <domain>.<name>", s),
			"SchemaRef", "ParseSchemaRef", "parse")
	}
	return SchemaRef{Domain: domain, Name: name}, nil
}

// String returns the wire form of the reference
func (r SchemaRef) String() string {
	return r.Domain + "." + r.Name
}

// IsZero reports whether the reference is unset
func (r SchemaRef) IsZero() bool {
	return r.Domain == "" && r.Name == ""
}
