package main

import (
	"context"
	"fmt"

	"github.com/burhankhatib/lanaline/pkg/docstore"
)

const productType = "product"

// ProductRepository reads and adjusts product stock.
type ProductRepository interface {
	// GetProducts returns the products among ids keyed by id. Missing ids and documents
	// of another type are left out.
	GetProducts(ctx context.Context, ids []string) (map[string]ProductStock, error)
	// ApplyAdjustments commits every adjustment in a single store transaction.
	ApplyAdjustments(ctx context.Context, action StockAction, adjustments []Adjustment) (*docstore.Result, error)
}

// DocumentProductRepository implements ProductRepository on a document store.
type DocumentProductRepository struct {
	store docstore.Store
}

// NewProductRepository creates a repository on store.
func NewProductRepository(store docstore.Store) *DocumentProductRepository {
	return &DocumentProductRepository{store: store}
}

func (r *DocumentProductRepository) GetProducts(ctx context.Context, ids []string) (map[string]ProductStock, error) {
	docs, err := r.store.GetDocuments(ctx, ids...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch products: %w", err)
	}

	out := make(map[string]ProductStock, len(docs))
	for _, doc := range docs {
		if doc.Type() != productType {
			continue
		}
		out[doc.ID()] = productStockFromDocument(doc)
	}
	return out, nil
}

func (r *DocumentProductRepository) ApplyAdjustments(ctx context.Context, action StockAction, adjustments []Adjustment) (*docstore.Result, error) {
	tx := docstore.NewTransaction()
	for _, adj := range adjustments {
		delta := map[string]float64{"stock": float64(adj.Quantity)}
		switch action {
		case ActionDecrement:
			tx.Patch(docstore.Patch{ID: adj.ProductID, IfRevisionID: adj.Revision, Dec: delta})
		case ActionIncrement:
			tx.Patch(docstore.Patch{ID: adj.ProductID, Inc: delta})
		default:
			return nil, ErrInvalidAction
		}
	}

	res, err := r.store.Commit(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to commit stock %s: %w", action, err)
	}
	return res, nil
}
