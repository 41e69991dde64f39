package docstore

import (
	"context"
	"fmt"
)

// Store is implemented by every document store backend.
type Store interface {
	// GetDocument returns ErrNotFound when id is not stored.
	GetDocument(ctx context.Context, id string) (Document, error)
	// GetDocuments returns the stored documents among ids, omitting missing ones.
	GetDocuments(ctx context.Context, ids ...string) ([]Document, error)
	Query(ctx context.Context, q Query) ([]Document, error)
	// Commit applies every mutation of tx atomically.
	Commit(ctx context.Context, tx *Transaction) (*Result, error)
}

// First returns the first document matching q or ErrNotFound.
func First(ctx context.Context, s Store, q Query) (Document, error) {
	q.Limit = 1
	docs, err := s.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: no %s document matches", ErrNotFound, q.Type)
	}
	return docs[0], nil
}

// Create stores a single document and returns it as written.
func Create(ctx context.Context, s Store, doc Document) (Document, error) {
	tx := NewTransaction().Create(doc)
	id := tx.Mutations()[0].TargetID()
	if _, err := s.Commit(ctx, tx); err != nil {
		return nil, err
	}
	return s.GetDocument(ctx, id)
}

// ByID indexes docs by _id.
func ByID(docs []Document) map[string]Document {
	out := make(map[string]Document, len(docs))
	for _, d := range docs {
		out[d.ID()] = d
	}
	return out
}
