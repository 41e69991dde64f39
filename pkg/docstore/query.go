package docstore

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
)

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// Query selects documents. Every condition that is set must hold.
type Query struct {
	Type string
	// Equals and NotEquals are keyed by field path ("status", "user._ref").
	Equals    map[string]any
	NotEquals map[string]any
	// References matches documents holding a reference to this id anywhere in their body.
	References string
	// Order sorts ascending by a field path; prefix with "-" for descending.
	Order string
	Limit int
}

// Validate rejects field paths that are not plain identifiers.
func (q Query) Validate() error {
	for _, fields := range []map[string]any{q.Equals, q.NotEquals} {
		for f := range fields {
			if !fieldPattern.MatchString(f) {
				return fmt.Errorf("%w: field %q", ErrInvalidQuery, f)
			}
		}
	}
	if q.Order != "" && !fieldPattern.MatchString(strings.TrimPrefix(q.Order, "-")) {
		return fmt.Errorf("%w: order %q", ErrInvalidQuery, q.Order)
	}
	return nil
}

// Matches reports whether doc satisfies the query conditions, ignoring Order and Limit.
// A missing field never equals a value and always differs from one.
func (q Query) Matches(doc Document) bool {
	if q.Type != "" && doc.Type() != q.Type {
		return false
	}
	for f, want := range q.Equals {
		got, ok := Lookup(doc, f)
		if !ok || !equalValues(got, want) {
			return false
		}
	}
	for f, unwanted := range q.NotEquals {
		if got, ok := Lookup(doc, f); ok && equalValues(got, unwanted) {
			return false
		}
	}
	if q.References != "" && !referencesID(map[string]any(doc), q.References) {
		return false
	}
	return true
}

// Apply filters, sorts and limits docs in memory.
func (q Query) Apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	if q.Order != "" {
		field := strings.TrimPrefix(q.Order, "-")
		desc := strings.HasPrefix(q.Order, "-")
		sort.SliceStable(out, func(i, j int) bool {
			a, _ := Lookup(out[i], field)
			b, _ := Lookup(out[j], field)
			if desc {
				return lessValue(b, a)
			}
			return lessValue(a, b)
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Lookup resolves a dotted field path inside doc.
func Lookup(doc Document, path string) (any, bool) {
	var cur any = map[string]any(doc)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equalValues(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func lessValue(a, b any) bool {
	af, aNum := a.(float64)
	bf, bNum := b.(float64)
	if aNum && bNum {
		return af < bf
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func referencesID(v any, id string) bool {
	switch t := v.(type) {
	case map[string]any:
		if ref, ok := t["_ref"].(string); ok && ref == id {
			return true
		}
		for _, child := range t {
			if referencesID(child, id) {
				return true
			}
		}
	case []any:
		for _, child := range t {
			if referencesID(child, id) {
				return true
			}
		}
	}
	return false
}
