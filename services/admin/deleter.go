package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/burhankhatib/lanaline/pkg/docstore"
)

const (
	typeCheckout = "checkout"
	typeUser     = "user"

	orderNumberPrefix = "ORD-"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrUserNotFound  = errors.New("user not found")
)

// OrderDeletion reports what DeleteOrder changed.
type OrderDeletion struct {
	OrderID      string
	UsersPatched int
}

// UserDeletion reports what DeleteUser changed.
type UserDeletion struct {
	UserID        string
	OrdersDeleted int
}

// Deleter force-deletes orders and users while keeping references between them intact.
type Deleter struct {
	store docstore.Store
}

// NewDeleter creates a Deleter writing to store.
func NewDeleter(store docstore.Store) *Deleter {
	return &Deleter{store: store}
}

// ResolveOrder maps an order number (ORD-...) to its document id. Anything else is taken
// as a document id.
func (d *Deleter) ResolveOrder(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, orderNumberPrefix) {
		return ref, nil
	}
	doc, err := docstore.First(ctx, d.store, docstore.Query{
		Type:   typeCheckout,
		Equals: map[string]any{"orderNumber": ref},
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrOrderNotFound, ref)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up order %s: %w", ref, err)
	}
	return doc.ID(), nil
}

// DeleteOrder removes the order from the order list of every user referencing it, then
// deletes it. A missing order whose id is still referenced only has the references removed.
func (d *Deleter) DeleteOrder(ctx context.Context, ref string) (*OrderDeletion, error) {
	orderID, err := d.ResolveOrder(ctx, ref)
	if err != nil {
		return nil, err
	}

	exists := true
	if _, err := d.store.GetDocument(ctx, orderID); errors.Is(err, docstore.ErrNotFound) {
		exists = false
	} else if err != nil {
		return nil, fmt.Errorf("failed to fetch order %s: %w", orderID, err)
	}

	users, err := d.store.Query(ctx, docstore.Query{Type: typeUser, References: orderID})
	if err != nil {
		return nil, fmt.Errorf("failed to find users of order %s: %w", orderID, err)
	}
	if !exists && len(users) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	tx := docstore.NewTransaction()
	for _, u := range users {
		tx.Patch(docstore.Patch{
			ID:           u.ID(),
			IfRevisionID: u.Rev(),
			Set:          map[string]any{"orders": withoutRef(u["orders"], orderID)},
		})
	}
	if exists {
		tx.Delete(orderID)
	}
	if _, err := d.store.Commit(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to delete order %s: %w", orderID, err)
	}
	return &OrderDeletion{OrderID: orderID, UsersPatched: len(users)}, nil
}

// DeleteUser deletes every order referencing the user, then the user.
func (d *Deleter) DeleteUser(ctx context.Context, userID string) (*UserDeletion, error) {
	user, err := d.store.GetDocument(ctx, userID)
	if errors.Is(err, docstore.ErrNotFound) || (err == nil && user.Type() != typeUser) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user %s: %w", userID, err)
	}

	orders, err := d.store.Query(ctx, docstore.Query{Type: typeCheckout, References: userID})
	if err != nil {
		return nil, fmt.Errorf("failed to find orders of user %s: %w", userID, err)
	}

	tx := docstore.NewTransaction()
	for _, o := range orders {
		tx.Delete(o.ID())
	}
	tx.Delete(userID)
	if _, err := d.store.Commit(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to delete user %s: %w", userID, err)
	}
	return &UserDeletion{UserID: userID, OrdersDeleted: len(orders)}, nil
}

func withoutRef(list any, id string) []any {
	items, _ := list.([]any)
	out := make([]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok && m["_ref"] == id {
			continue
		}
		out = append(out, item)
	}
	return out
}
