package main

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/burhankhatib/lanaline/pkg/docstore"
)

// Repository reads and writes the documents behind orders.
type Repository interface {
	// GetProducts returns the product documents among ids keyed by id.
	GetProducts(ctx context.Context, ids []string) (map[string]Product, error)
	// FindCustomer returns the user with the given external id, or nil when there is none.
	FindCustomer(ctx context.Context, externalID string) (*Customer, error)
	// PlaceOrder stores the order and links it to the customer in one transaction. A
	// customer without revision is created first.
	PlaceOrder(ctx context.Context, customer *Customer, order *Order) error
	// GetOrder returns ErrOrderNotFound when id is not a checkout document.
	GetOrder(ctx context.Context, id string) (*Order, error)
	// UpdateOrderStatus fails with docstore.ErrConflict when the order changed since
	// update.Revision was read.
	UpdateOrderStatus(ctx context.Context, update OrderStatusUpdate) error
}

// OrderStatusUpdate is a guarded status write.
type OrderStatusUpdate struct {
	ID               string
	Revision         string
	Status           OrderStatus
	StockDecremented bool
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

func (r *DocumentRepository) GetProducts(ctx context.Context, ids []string) (map[string]Product, error) {
	docs, err := r.store.GetDocuments(ctx, ids...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch products: %w", err)
	}

	out := make(map[string]Product, len(docs))
	for _, doc := range docs {
		if doc.Type() != TypeProduct {
			continue
		}
		var p Product
		if err := doc.Decode(&p); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, nil
}

func (r *DocumentRepository) FindCustomer(ctx context.Context, externalID string) (*Customer, error) {
	doc, err := docstore.First(ctx, r.store, docstore.Query{
		Type:   TypeUser,
		Equals: map[string]any{"userId": externalID},
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user %s: %w", externalID, err)
	}

	var c Customer
	if err := doc.Decode(&c); err != nil {
		return nil, err
	}
	c.Revision = doc.Rev()
	return &c, nil
}

func (r *DocumentRepository) PlaceOrder(ctx context.Context, customer *Customer, order *Order) error {
	ts := r.now().UTC().Format(time.RFC3339Nano)
	createCustomer := customer.Revision == ""

	tx, err := r.placeOrderTx(customer, order, createCustomer, ts)
	if err != nil {
		return err
	}
	_, err = r.store.Commit(ctx, tx)
	if createCustomer && errors.Is(err, docstore.ErrConflict) {
		// a concurrent first checkout created the user, link the order to it
		log.WithFields(log.Fields{"user_id": customer.UserID, "order_number": order.OrderNumber}).
			Warn("⚠️ User created concurrently, retrying checkout")
		if tx, err = r.placeOrderTx(customer, order, false, ts); err != nil {
			return err
		}
		_, err = r.store.Commit(ctx, tx)
	}
	if err != nil {
		return fmt.Errorf("failed to create order %s: %w", order.OrderNumber, err)
	}
	return nil
}

func (r *DocumentRepository) placeOrderTx(customer *Customer, order *Order, createCustomer bool, ts string) (*docstore.Transaction, error) {
	tx := docstore.NewTransaction()

	if customer.ID == "" {
		customer.ID = customerDocumentID(customer.UserID)
	}
	if createCustomer {
		customer.Type = TypeUser
		if customer.Orders == nil {
			customer.Orders = []docstore.Reference{}
		}
		customer.CreatedAt, customer.UpdatedAt = ts, ts
		doc, err := docstore.FromStruct(customer)
		if err != nil {
			return nil, err
		}
		delete(doc, docstore.FieldRev)
		tx.CreateIfNotExists(doc)
	}

	order.Type = TypeCheckout
	if order.ID == "" {
		order.ID = docstore.NewID()
	}
	order.User = &docstore.Reference{Type: "reference", Ref: customer.ID}
	order.CreatedAt, order.UpdatedAt = ts, ts
	orderDoc, err := docstore.FromStruct(order)
	if err != nil {
		return nil, err
	}
	delete(orderDoc, docstore.FieldRev)

	ref := docstore.NewReference(order.ID)
	ref.Key = docstore.NewKey()
	tx.Create(orderDoc).Patch(docstore.Patch{
		ID:     customer.ID,
		Set:    map[string]any{"updatedAt": ts},
		Append: map[string][]any{"orders": {ref}},
	})
	return tx, nil
}

func (r *DocumentRepository) GetOrder(ctx context.Context, id string) (*Order, error) {
	doc, err := r.store.GetDocument(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order %s: %w", id, err)
	}
	if doc.Type() != TypeCheckout {
		return nil, fmt.Errorf("%w: %s is a %s document", ErrOrderNotFound, id, doc.Type())
	}

	var o Order
	if err := doc.Decode(&o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *DocumentRepository) UpdateOrderStatus(ctx context.Context, update OrderStatusUpdate) error {
	_, err := r.store.Commit(ctx, docstore.NewTransaction().Patch(docstore.Patch{
		ID:           update.ID,
		IfRevisionID: update.Revision,
		Set: map[string]any{
			"status":           string(update.Status),
			"stockDecremented": update.StockDecremented,
			"updatedAt":        r.now().UTC().Format(time.RFC3339Nano),
		},
	}))
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, update.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", update.ID, err)
	}
	return nil
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// customerDocumentID derives the document id of a user created at checkout from the
// identity provider's id.
func customerDocumentID(externalID string) string {
	return "user-" + unsafeIDChars.ReplaceAllString(externalID, "-")
}
