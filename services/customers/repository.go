package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/burhankhatib/lanaline/pkg/docstore"
)

// Repository reads orders and writes the derived spend of users.
type Repository interface {
	// FindUserForOrder resolves the user an order belongs to.
	FindUserForOrder(ctx context.Context, orderID string) (string, error)
	// UserExists returns ErrUserNotFound when id is not a user document.
	UserExists(ctx context.Context, id string) error
	// OrderTotals returns totalAmount of every non-cancelled order referencing the user.
	OrderTotals(ctx context.Context, userID string) ([]float64, error)
	SetTotalSpent(ctx context.Context, userID string, total float64) error
}

// DocumentRepository implements Repository on a document store.
type DocumentRepository struct {
	store docstore.Store
	now   func() time.Time
}

// NewDocumentRepository creates a repository on store.
func NewDocumentRepository(store docstore.Store) *DocumentRepository {
	return &DocumentRepository{store: store, now: time.Now}
}

// FindUserForOrder follows the order's user reference. When the order is gone or the
// reference dangles, it falls back to the user whose order list references the order.
func (r *DocumentRepository) FindUserForOrder(ctx context.Context, orderID string) (string, error) {
	if orderID == "" {
		return "", ErrUserNotFound
	}

	order, err := r.store.GetDocument(ctx, orderID)
	switch {
	case err == nil:
		if ref := order.Ref("user"); ref != "" {
			if err := r.UserExists(ctx, ref); err == nil {
				return ref, nil
			} else if !errors.Is(err, ErrUserNotFound) {
				return "", err
			}
		}
	case !errors.Is(err, docstore.ErrNotFound):
		return "", fmt.Errorf("failed to fetch order %s: %w", orderID, err)
	}

	user, err := docstore.First(ctx, r.store, docstore.Query{Type: TypeUser, References: orderID})
	if errors.Is(err, docstore.ErrNotFound) {
		return "", fmt.Errorf("%w: no user references order %s", ErrUserNotFound, orderID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up the user of order %s: %w", orderID, err)
	}
	return user.ID(), nil
}

func (r *DocumentRepository) UserExists(ctx context.Context, id string) error {
	doc, err := r.store.GetDocument(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) || (err == nil && doc.Type() != TypeUser) {
		return fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to fetch user %s: %w", id, err)
	}
	return nil
}

func (r *DocumentRepository) OrderTotals(ctx context.Context, userID string) ([]float64, error) {
	orders, err := r.store.Query(ctx, docstore.Query{
		Type:       TypeCheckout,
		References: userID,
		NotEquals:  map[string]any{"status": StatusCancelled},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list orders of user %s: %w", userID, err)
	}

	totals := make([]float64, 0, len(orders))
	for _, o := range orders {
		// orders without a total count as zero
		amount, _ := o.Float("totalAmount")
		totals = append(totals, amount)
	}
	return totals, nil
}

func (r *DocumentRepository) SetTotalSpent(ctx context.Context, userID string, total float64) error {
	_, err := r.store.Commit(ctx, docstore.NewTransaction().Patch(docstore.Patch{
		ID: userID,
		Set: map[string]any{
			"totalSpent": total,
			"updatedAt":  r.now().UTC().Format(time.RFC3339Nano),
		},
	}))
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return fmt.Errorf("failed to update total spent of user %s: %w", userID, err)
	}
	return nil
}
