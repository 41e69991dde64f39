// Package docstore models the JSON document store the storefront keeps its products,
// users and orders in, independent of which backend serves it.
package docstore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// System fields maintained by every store.
const (
	FieldID        = "_id"
	FieldType      = "_type"
	FieldRev       = "_rev"
	FieldCreatedAt = "_createdAt"
	FieldUpdatedAt = "_updatedAt"
)

// Document is a schemaless JSON object identified by its _id.
type Document map[string]any

// ID returns the document _id.
func (d Document) ID() string { return d.String(FieldID) }

// Type returns the document _type.
func (d Document) Type() string { return d.String(FieldType) }

// Rev returns the revision the store assigned on the last write.
func (d Document) Rev() string { return d.String(FieldRev) }

// String returns a string field or "" when absent or of another kind.
func (d Document) String(field string) string {
	v, _ := d[field].(string)
	return v
}

// Int returns a numeric field truncated to an int. The second result is false when the
// field is absent or not a number.
func (d Document) Int(field string) (int, bool) {
	f, ok := d.Float(field)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Float returns a numeric field. The second result is false when the field is absent or
// not a number.
func (d Document) Float(field string) (float64, bool) {
	switch v := d[field].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Ref returns the target id of a reference field ({"_ref": "..."}).
func (d Document) Ref(field string) string {
	switch v := d[field].(type) {
	case map[string]any:
		ref, _ := v["_ref"].(string)
		return ref
	case Reference:
		return v.Ref
	}
	return ""
}

// Decode unmarshals the document into a typed value.
func (d Document) Decode(v any) error {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding document %s: %w", d.ID(), err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decoding document %s: %w", d.ID(), err)
	}
	return nil
}

// Clone returns a deep copy with values normalised to their JSON representation.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out, _ := normalize(map[string]any(d)).(map[string]any)
	return Document(out)
}

// FromStruct converts a typed value into a Document through its JSON encoding.
func FromStruct(v any) (Document, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decoding %T: %w", v, err)
	}
	return doc, nil
}

// Reference points at another document.
type Reference struct {
	Type string `json:"_type"`
	Ref  string `json:"_ref"`
	Key  string `json:"_key,omitempty"`
}

// NewReference returns a reference to id. Array members also need a Key.
func NewReference(id string) Reference {
	return Reference{Type: "reference", Ref: id}
}

// NewKey returns a short random key for array members.
func NewKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NewID returns a random document id.
func NewID() string {
	return uuid.NewString()
}

// normalize round-trips a value through JSON so numbers become float64 and structs become
// maps. Values that cannot be encoded are returned unchanged.
func normalize(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
