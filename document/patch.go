package document

import (
	"encoding/json"
	"sort"
)

// PatchOp is a single structural difference between the original
// snapshot and the live state, in JSON-Patch form.
type PatchOp struct {
	Op    string `json:"op"` // "add", "replace", "remove"
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Patch derives the structural diff original -> current, suitable for
// transmission. Operations are ordered by field name for stable output.
func (d *Document) Patch() []PatchOp {
	fields := map[string]struct{}{}
	for field := range d.original {
		fields[field] = struct{}{}
	}
	for field := range d.state {
		fields[field] = struct{}{}
	}

	names := make([]string, 0, len(fields))
	for field := range fields {
		names = append(names, field)
	}
	sort.Strings(names)

	var ops []PatchOp
	for _, field := range names {
		origVal, inOrig := d.original[field]
		liveVal, inLive := d.state[field]

		switch {
		case inOrig && !inLive:
			ops = append(ops, PatchOp{Op: "remove", Path: "/" + field})
		case !inOrig && inLive:
			ops = append(ops, PatchOp{Op: "add", Path: "/" + field, Value: normalize(liveVal)})
		case !sameValue(origVal, liveVal):
			ops = append(ops, PatchOp{Op: "replace", Path: "/" + field, Value: normalize(liveVal)})
		}
	}

	return ops
}

// PatchJSON returns the structural diff serialized as a JSON-Patch array
func (d *Document) PatchJSON() ([]byte, error) {
	ops := d.Patch()
	if ops == nil {
		ops = []PatchOp{}
	}
	return json.Marshal(ops)
}
