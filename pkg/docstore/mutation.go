package docstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Operations reported in a commit result.
const (
	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// Patch changes fields of an existing document. Operations run in field order:
// Set, SetIfMissing, Unset, Inc, Dec, Append.
type Patch struct {
	ID string
	// IfRevisionID makes the patch fail with ErrConflict unless the stored revision matches.
	IfRevisionID string
	Set          map[string]any
	SetIfMissing map[string]any
	Unset        []string
	Inc          map[string]float64
	Dec          map[string]float64
	// Append adds items to the end of array fields, creating them when missing.
	Append map[string][]any
}

// Mutation is one write inside a transaction. Exactly one member is set.
type Mutation struct {
	Create            Document
	CreateIfNotExists Document
	Patch             *Patch
	Delete            string
}

// TargetID returns the id of the document the mutation writes.
func (m Mutation) TargetID() string {
	switch {
	case m.Create != nil:
		return m.Create.ID()
	case m.CreateIfNotExists != nil:
		return m.CreateIfNotExists.ID()
	case m.Patch != nil:
		return m.Patch.ID
	default:
		return m.Delete
	}
}

// Transaction collects mutations committed together.
type Transaction struct {
	mutations []Mutation
}

// NewTransaction returns an empty transaction.
func NewTransaction() *Transaction {
	return &Transaction{}
}

// Create adds a document, assigning an _id when it has none.
func (t *Transaction) Create(doc Document) *Transaction {
	doc = withID(doc)
	t.mutations = append(t.mutations, Mutation{Create: doc})
	return t
}

// CreateIfNotExists adds a document unless one with the same _id is stored.
func (t *Transaction) CreateIfNotExists(doc Document) *Transaction {
	doc = withID(doc)
	t.mutations = append(t.mutations, Mutation{CreateIfNotExists: doc})
	return t
}

// Patch adds a patch.
func (t *Transaction) Patch(p Patch) *Transaction {
	t.mutations = append(t.mutations, Mutation{Patch: &p})
	return t
}

// Delete removes a document.
func (t *Transaction) Delete(id string) *Transaction {
	t.mutations = append(t.mutations, Mutation{Delete: id})
	return t
}

// Mutations returns the queued mutations in order.
func (t *Transaction) Mutations() []Mutation {
	return t.mutations
}

// Len returns the number of queued mutations.
func (t *Transaction) Len() int {
	return len(t.mutations)
}

// MutationResult describes the effect of one mutation.
type MutationResult struct {
	ID        string `json:"id"`
	Operation string `json:"operation"`
}

// Result is returned by a successful commit.
type Result struct {
	TransactionID string           `json:"transactionId"`
	Results       []MutationResult `json:"results"`
}

// IDs returns the ids written by the commit, in mutation order.
func (r *Result) IDs() []string {
	ids := make([]string, 0, len(r.Results))
	for _, res := range r.Results {
		ids = append(ids, res.ID)
	}
	return ids
}

// Apply computes the effect of m on current, the stored version of the target document
// (nil when absent). It returns the next version (nil after a delete) and the operation,
// which is empty when the mutation changes nothing.
func Apply(m Mutation, current Document, now time.Time) (Document, string, error) {
	switch {
	case m.Create != nil:
		if current != nil {
			return nil, "", fmt.Errorf("%w: %s already exists", ErrConflict, m.Create.ID())
		}
		return stamp(m.Create.Clone(), now, true), OperationCreate, nil
	case m.CreateIfNotExists != nil:
		if current != nil {
			return current, "", nil
		}
		return stamp(m.CreateIfNotExists.Clone(), now, true), OperationCreate, nil
	case m.Patch != nil:
		if current == nil {
			return nil, "", fmt.Errorf("%w: %s", ErrNotFound, m.Patch.ID)
		}
		if m.Patch.IfRevisionID != "" && m.Patch.IfRevisionID != current.Rev() {
			return nil, "", fmt.Errorf("%w: %s revision %s is stale", ErrConflict, m.Patch.ID, m.Patch.IfRevisionID)
		}
		next, err := applyPatch(current.Clone(), *m.Patch)
		if err != nil {
			return nil, "", err
		}
		return stamp(next, now, false), OperationUpdate, nil
	case m.Delete != "":
		if current == nil {
			return nil, "", fmt.Errorf("%w: %s", ErrNotFound, m.Delete)
		}
		return nil, OperationDelete, nil
	}
	return nil, "", ErrInvalidMutation
}

func applyPatch(doc Document, p Patch) (Document, error) {
	for path, v := range p.Set {
		if err := setPath(doc, path, normalize(v)); err != nil {
			return nil, err
		}
	}
	for path, v := range p.SetIfMissing {
		if _, ok := Lookup(doc, path); ok {
			continue
		}
		if err := setPath(doc, path, normalize(v)); err != nil {
			return nil, err
		}
	}
	for _, path := range p.Unset {
		unsetPath(doc, path)
	}
	for path, delta := range p.Inc {
		if err := addPath(doc, path, delta); err != nil {
			return nil, err
		}
	}
	for path, delta := range p.Dec {
		if err := addPath(doc, path, -delta); err != nil {
			return nil, err
		}
	}
	for path, items := range p.Append {
		cur, ok := Lookup(doc, path)
		var arr []any
		if ok {
			if arr, ok = cur.([]any); !ok {
				return nil, fmt.Errorf("%w: %s.%s is not an array", ErrInvalidMutation, p.ID, path)
			}
		}
		for _, item := range items {
			arr = append(arr, normalize(item))
		}
		if err := setPath(doc, path, arr); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func addPath(doc Document, path string, delta float64) error {
	var base float64
	if cur, ok := Lookup(doc, path); ok {
		f, isNum := cur.(float64)
		if !isNum {
			return fmt.Errorf("%w: %s.%s is not a number", ErrInvalidMutation, doc.ID(), path)
		}
		base = f
	}
	return setPath(doc, path, base+delta)
}

func setPath(doc Document, path string, v any) error {
	if isSystemField(path) {
		return fmt.Errorf("%w: %s is maintained by the store", ErrInvalidMutation, path)
	}
	parts := strings.Split(path, ".")
	cur := map[string]any(doc)
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
	return nil
}

func unsetPath(doc Document, path string) {
	parts := strings.Split(path, ".")
	cur := map[string]any(doc)
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

func isSystemField(path string) bool {
	switch path {
	case FieldID, FieldType, FieldRev, FieldCreatedAt, FieldUpdatedAt:
		return true
	}
	return false
}

func stamp(doc Document, now time.Time, created bool) Document {
	ts := now.UTC().Format(time.RFC3339Nano)
	if created {
		doc[FieldCreatedAt] = ts
	}
	doc[FieldUpdatedAt] = ts
	doc[FieldRev] = uuid.NewString()
	return doc
}

func withID(doc Document) Document {
	if doc == nil {
		doc = Document{}
	}
	if doc.ID() == "" {
		doc = doc.Clone()
		doc[FieldID] = NewID()
	}
	return doc
}
