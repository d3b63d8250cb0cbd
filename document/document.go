package document

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"
	"time"

	"github.com/PolygramInfo/IFC-RPC/errors"
)

// ChangeEntry records one accepted mutation. Entries are keyed by a
// content hash of the post-mutation state; Backup holds the full
// pre-mutation state, Changes the fields this mutation touched.
type ChangeEntry struct {
	Hash      string         `json:"hash"`
	Timestamp time.Time      `json:"timestamp"`
	Author    string         `json:"author"`
	Changes   map[string]any `json:"changes"`
	Backup    map[string]any `json:"backup"`
}

// Document is a schema-governed field map with an append-only change
// log. All mutation goes through whole-document validation first; a
// rejected mutation leaves the live state untouched.
type Document struct {
	factory  *Factory
	author   string
	state    map[string]any
	original map[string]any
	log      []ChangeEntry
}

// Get returns the value of a field and whether it is present
func (d *Document) Get(field string) (any, bool) {
	v, ok := d.state[field]
	return v, ok
}

// Len returns the number of fields in the live state
func (d *Document) Len() int { return len(d.state) }

// Set assigns a single field after validating the candidate whole-state.
// On validation failure the field is not changed.
func (d *Document) Set(field string, value any) error {
	return d.Update(map[string]any{field: value})
}

// Update applies a partial update atomically: either every field in the
// partial validates together and all are applied, or none are.
func (d *Document) Update(partial map[string]any) error {
	if len(partial) == 0 {
		return nil
	}

	candidate, err := deepCopyState(d.state)
	if err != nil {
		return errors.Wrap(err, "Document", "Update", "build candidate state")
	}
	for field, value := range partial {
		candidate[field] = value
	}

	if err := d.factory.Validate(candidate); err != nil {
		return err
	}

	backup, err := deepCopyState(d.state)
	if err != nil {
		return errors.Wrap(err, "Document", "Update", "snapshot prior state")
	}
	changes, err := deepCopyState(partial)
	if err != nil {
		return errors.Wrap(err, "Document", "Update", "snapshot change-set")
	}

	d.log = append(d.log, ChangeEntry{
		Hash:      stateHash(candidate),
		Timestamp: time.Now().UTC(),
		Author:    d.author,
		Changes:   changes,
		Backup:    backup,
	})
	d.state = candidate

	return nil
}

// State returns a deep copy of the live state
func (d *Document) State() map[string]any {
	copied, err := deepCopyState(d.state)
	if err != nil {
		return map[string]any{}
	}
	return copied
}

// Original returns a deep copy of the original snapshot
func (d *Document) Original() map[string]any {
	copied, err := deepCopyState(d.original)
	if err != nil {
		return map[string]any{}
	}
	return copied
}

// ChangeLog returns a copy of the append-only change log, oldest first
func (d *Document) ChangeLog() []ChangeEntry {
	out := make([]ChangeEntry, len(d.log))
	copy(out, d.log)
	return out
}

// Version returns the content hash of the live state
func (d *Document) Version() string {
	return stateHash(d.state)
}

// At returns the change entry keyed by the given content hash
func (d *Document) At(hash string) (ChangeEntry, bool) {
	for _, entry := range d.log {
		if entry.Hash == hash {
			return entry, true
		}
	}
	return ChangeEntry{}, false
}

// Replay applies the recorded change-sets, in order, to the original
// snapshot. The result always equals the live state; it exists so
// callers can verify the change log's integrity.
func (d *Document) Replay() (map[string]any, error) {
	state, err := deepCopyState(d.original)
	if err != nil {
		return nil, errors.Wrap(err, "Document", "Replay", "copy original")
	}
	for _, entry := range d.log {
		for field, value := range entry.Changes {
			state[field] = value
		}
	}
	return state, nil
}

// Clone holds deep, independent copies of a document for safe export
// without referencing the live object.
type Clone struct {
	Instance  map[string]any `json:"instance"`
	Original  map[string]any `json:"original"`
	ChangeLog []ChangeEntry  `json:"change_log"`
}

// Clone exports deep copies of the current state, original snapshot,
// and change log.
func (d *Document) Clone() Clone {
	return Clone{
		Instance:  d.State(),
		Original:  d.Original(),
		ChangeLog: d.ChangeLog(),
	}
}

// MarshalJSON serializes the live state
func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.state)
}

// stateHash returns the hex SHA256 of the canonical JSON serialization
// of a state. encoding/json sorts map keys, so the hash is stable for
// equal states.
func stateHash(state map[string]any) string {
	data, err := json.Marshal(state)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// sameValue compares two field values structurally
func sameValue(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// normalize round-trips a value through JSON so numeric types compare
// consistently regardless of how the value entered the document.
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
