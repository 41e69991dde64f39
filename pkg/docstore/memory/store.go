// Package memory is an in-process document store for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/burhankhatib/lanaline/pkg/docstore"
)

// Store keeps documents in a map guarded by a mutex.
type Store struct {
	mu   sync.RWMutex
	docs map[string]docstore.Document
	now  func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		docs: make(map[string]docstore.Document),
		now:  time.Now,
	}
}

// Seed creates documents, failing on the first one that cannot be created.
func (s *Store) Seed(docs ...docstore.Document) error {
	tx := docstore.NewTransaction()
	for _, d := range docs {
		tx.Create(d)
	}
	_, err := s.Commit(context.Background(), tx)
	return err
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func (s *Store) GetDocument(_ context.Context, id string) (docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", docstore.ErrNotFound, id)
	}
	return doc.Clone(), nil
}

func (s *Store) GetDocuments(_ context.Context, ids ...string) ([]docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]docstore.Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := s.docs[id]; ok {
			out = append(out, doc.Clone())
		}
	}
	return out, nil
}

func (s *Store) Query(_ context.Context, q docstore.Query) ([]docstore.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	all := make([]docstore.Document, 0, len(s.docs))
	for _, d := range s.docs {
		all = append(all, d)
	}
	s.mu.RUnlock()

	// map iteration is random; keep results stable before applying the query order
	sort.Slice(all, func(i, j int) bool {
		return all[i].String(docstore.FieldCreatedAt)+all[i].ID() < all[j].String(docstore.FieldCreatedAt)+all[j].ID()
	})

	matched := q.Apply(all)
	out := make([]docstore.Document, len(matched))
	for i, d := range matched {
		out[i] = d.Clone()
	}
	return out, nil
}

// Commit stages every mutation on top of the current state and publishes the staged
// documents only when all of them succeed.
func (s *Store) Commit(_ context.Context, tx *docstore.Transaction) (*docstore.Result, error) {
	if tx == nil || tx.Len() == 0 {
		return nil, docstore.ErrEmptyTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	staged := make(map[string]docstore.Document)
	lookup := func(id string) docstore.Document {
		if d, ok := staged[id]; ok {
			return d
		}
		return s.docs[id]
	}

	result := &docstore.Result{TransactionID: uuid.NewString()}
	for _, m := range tx.Mutations() {
		id := m.TargetID()
		next, op, err := docstore.Apply(m, lookup(id), now)
		if err != nil {
			return nil, err
		}
		if op == "" {
			continue
		}
		staged[id] = next
		result.Results = append(result.Results, docstore.MutationResult{ID: id, Operation: op})
	}

	for id, doc := range staged {
		if doc == nil {
			delete(s.docs, id)
			continue
		}
		s.docs[id] = doc
	}
	return result, nil
}
