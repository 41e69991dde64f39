package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/burhankhatib/lanaline/pkg/docstore"
	"github.com/burhankhatib/lanaline/pkg/docstore/memory"
)

// MockStockClient records the stock calls made by the workflows
type MockStockClient struct {
	mock.Mock
}

func (m *MockStockClient) Decrement(ctx context.Context, productIDs []string, quantities []int) error {
	args := m.Called(ctx, productIDs, quantities)
	return args.Error(0)
}

func (m *MockStockClient) Increment(ctx context.Context, productIDs []string, quantities []int) error {
	args := m.Called(ctx, productIDs, quantities)
	return args.Error(0)
}

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func seedCatalog(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.Seed(
		docstore.Document{"_id": "lamp", "_type": "product", "title": map[string]any{"en": "Desk Lamp"}, "sku": "LMP-1", "regularPrice": 49.99, "stock": 5},
		docstore.Document{"_id": "rug", "_type": "product", "title": "Rug", "sku": "RUG-7", "regularPrice": 200, "globalDiscount": 10, "stock": 2},
		docstore.Document{"_id": "secret", "_type": "product", "regularPrice": 10, "visibility": "hidden"},
		docstore.Document{"_id": "u1", "_type": "user", "userId": "user_abc", "firstName": "Lana", "orders": []any{}, "totalSpent": 0},
	))
	return store
}

func newOrderUseCase(t *testing.T, store docstore.Store, stock StockClient, policy StockPolicy) *OrderUseCase {
	t.Helper()
	repo := NewDocumentRepository(store)
	uc, err := NewOrderUseCase(repo, stock, NewDirectWorkflow(repo, stock),
		tracenoop.NewTracerProvider().Tracer("test"), metricnoop.NewMeterProvider().Meter("test"),
		Options{Policy: policy, Currency: "AED"})
	require.NoError(t, err)
	uc.now = func() time.Time { return fixedNow }
	return uc
}

func checkoutRequest(userID string, items ...CheckoutItem) CheckoutRequest {
	return CheckoutRequest{
		UserID:    userID,
		FirstName: "Sam",
		LastName:  "Haddad",
		Email:     "sam@example.com",
		Phone:     "+971500000000",
		Items:     items,
		ShippingAddress: Address{
			Street: "1 Marina Walk", City: "Dubai", State: "Dubai", PostalCode: "00000", Country: "AE",
		},
		PaymentMethod: "credit_card",
	}
}

func seedOrder(t *testing.T, store *memory.Store, id string, status OrderStatus, decremented bool) {
	t.Helper()
	require.NoError(t, store.Seed(docstore.Document{
		"_id":              id,
		"_type":            "checkout",
		"orderNumber":      "ORD-1-1",
		"user":             map[string]any{"_type": "reference", "_ref": "u1"},
		"status":           string(status),
		"stockDecremented": decremented,
		"totalAmount":      99.98,
		"items": []any{
			map[string]any{"_key": "k1", "product": map[string]any{"_type": "reference", "_ref": "lamp"}, "quantity": 2, "price": 49.99},
		},
	}))
}

func getOrder(t *testing.T, store docstore.Store, id string) *Order {
	t.Helper()
	o, err := NewDocumentRepository(store).GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func TestPlaceOrder_NewCustomer(t *testing.T) {
	// Arrange
	store := seedCatalog(t)
	stock := new(MockStockClient)
	uc := newOrderUseCase(t, store, stock, PolicyOnConfirm)
	ctx := context.Background()

	// Act
	res, err := uc.PlaceOrder(ctx, checkoutRequest("user_new",
		CheckoutItem{ProductID: "lamp", Quantity: 2},
		CheckoutItem{ProductID: "rug", Quantity: 1},
	))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)
	assert.Equal(t, 279.98, res.TotalAmount)
	assert.Regexp(t, `^ORD-\d+-\d{1,3}$`, res.OrderNumber)
	stock.AssertNotCalled(t, "Decrement", mock.Anything, mock.Anything, mock.Anything)

	order := getOrder(t, store, res.OrderID)
	require.Len(t, order.Items, 2)
	assert.Equal(t, "lamp", order.Items[0].Product.Ref)
	assert.Equal(t, 49.99, order.Items[0].Price)
	assert.Equal(t, "LMP-1", order.Items[0].SKU)
	assert.Equal(t, 180.0, order.Items[1].Price)
	assert.NotEmpty(t, order.Items[0].Key)
	assert.False(t, order.StockDecremented)
	assert.Equal(t, Total(order.Items).InexactFloat64(), order.TotalAmount)

	customer, err := store.GetDocument(ctx, "user-user_new")
	require.NoError(t, err)
	assert.Equal(t, "user", customer.Type())
	assert.Equal(t, "AED", customer.String("currency"))
	assert.Equal(t, "AE", customer.String("country"))
	total, _ := customer.Float("totalSpent")
	assert.Zero(t, total)
	assert.Equal(t, "user-user_new", order.User.Ref)
	orders, _ := customer["orders"].([]any)
	require.Len(t, orders, 1)
	assert.Equal(t, res.OrderID, orders[0].(map[string]any)["_ref"])
}

func TestPlaceOrder_ExistingCustomerKeepsProfile(t *testing.T) {
	store := seedCatalog(t)
	uc := newOrderUseCase(t, store, new(MockStockClient), PolicyOnConfirm)
	ctx := context.Background()

	first, err := uc.PlaceOrder(ctx, checkoutRequest("user_abc", CheckoutItem{ProductID: "lamp", Quantity: 1}))
	require.NoError(t, err)
	second, err := uc.PlaceOrder(ctx, checkoutRequest("user_abc", CheckoutItem{ProductID: "rug", Quantity: 1}))
	require.NoError(t, err)

	customer, err := store.GetDocument(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Lana", customer.String("firstName"))
	orders, _ := customer["orders"].([]any)
	require.Len(t, orders, 2)
	assert.Equal(t, first.OrderID, orders[0].(map[string]any)["_ref"])
	assert.Equal(t, second.OrderID, orders[1].(map[string]any)["_ref"])

	users, err := store.Query(ctx, docstore.Query{Type: "user"})
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestPlaceOrder_TotalMatchesLines(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Seed(
		docstore.Document{"_id": "a", "_type": "product", "regularPrice": 0.1},
		docstore.Document{"_id": "b", "_type": "product", "regularPrice": 0.2},
		docstore.Document{"_id": "c", "_type": "product", "regularPrice": 33.33, "globalDiscount": 12.5},
	))
	uc := newOrderUseCase(t, store, new(MockStockClient), PolicyOnConfirm)

	res, err := uc.PlaceOrder(context.Background(), checkoutRequest("u",
		CheckoutItem{ProductID: "a", Quantity: 3},
		CheckoutItem{ProductID: "b", Quantity: 7},
		CheckoutItem{ProductID: "c", Quantity: 3},
	))
	require.NoError(t, err)

	order := getOrder(t, store, res.OrderID)
	assert.Equal(t, Total(order.Items).InexactFloat64(), order.TotalAmount)
	assert.Equal(t, 89.18, order.TotalAmount)
}

func TestPlaceOrder_RejectsUnavailableProducts(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{name: "missing product", id: "ghost"},
		{name: "hidden product", id: "secret"},
		{name: "not a product", id: "u1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seedCatalog(t)
			uc := newOrderUseCase(t, store, new(MockStockClient), PolicyOnConfirm)

			_, err := uc.PlaceOrder(context.Background(), checkoutRequest("user_abc",
				CheckoutItem{ProductID: "lamp", Quantity: 1},
				CheckoutItem{ProductID: tt.id, Quantity: 1},
			))

			assert.True(t, errors.Is(err, ErrProductUnavailable))
			orders, qerr := store.Query(context.Background(), docstore.Query{Type: "checkout"})
			require.NoError(t, qerr)
			assert.Empty(t, orders)
		})
	}
}

func TestPlaceOrder_OnCheckoutPolicy(t *testing.T) {
	// Arrange
	store := seedCatalog(t)
	stock := new(MockStockClient)
	stock.On("Decrement", mock.Anything, []string{"lamp"}, []int{2}).Return(nil)
	uc := newOrderUseCase(t, store, stock, PolicyOnCheckout)

	// Act
	res, err := uc.PlaceOrder(context.Background(), checkoutRequest("user_abc", CheckoutItem{ProductID: "lamp", Quantity: 2}))

	// Assert
	require.NoError(t, err)
	assert.True(t, getOrder(t, store, res.OrderID).StockDecremented)
	stock.AssertExpectations(t)
}

func TestPlaceOrder_OnCheckoutStockRefused(t *testing.T) {
	store := seedCatalog(t)
	stock := new(MockStockClient)
	stock.On("Decrement", mock.Anything, []string{"lamp"}, []int{9}).
		Return(&StockRejectedError{StatusCode: 400, Message: "Insufficient stock for product: Desk Lamp. Available: 5, Requested: 9"})
	uc := newOrderUseCase(t, store, stock, PolicyOnCheckout)

	_, err := uc.PlaceOrder(context.Background(), checkoutRequest("user_abc", CheckoutItem{ProductID: "lamp", Quantity: 9}))

	var rejected *StockRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Contains(t, rejected.Message, "Available: 5")
	orders, qerr := store.Query(context.Background(), docstore.Query{Type: "checkout"})
	require.NoError(t, qerr)
	assert.Empty(t, orders)
}

func TestPlaceOrder_GivesStockBackWhenOrderIsNotStored(t *testing.T) {
	// Arrange
	store := seedCatalog(t)
	stock := new(MockStockClient)
	stock.On("Decrement", mock.Anything, []string{"lamp"}, []int{1}).Return(nil)
	stock.On("Increment", mock.Anything, []string{"lamp"}, []int{1}).Return(nil)
	repo := &failingPlaceRepository{DocumentRepository: NewDocumentRepository(store)}
	uc, err := NewOrderUseCase(repo, stock, NewDirectWorkflow(repo, stock),
		tracenoop.NewTracerProvider().Tracer("test"), metricnoop.NewMeterProvider().Meter("test"),
		Options{Policy: PolicyOnCheckout})
	require.NoError(t, err)

	// Act
	_, err = uc.PlaceOrder(context.Background(), checkoutRequest("user_abc", CheckoutItem{ProductID: "lamp", Quantity: 1}))

	// Assert
	assert.Error(t, err)
	stock.AssertExpectations(t)
}

type failingPlaceRepository struct {
	*DocumentRepository
}

func (r *failingPlaceRepository) PlaceOrder(context.Context, *Customer, *Order) error {
	return errors.New("store unavailable")
}

func TestConfirmOrder(t *testing.T) {
	// Arrange
	store := seedCatalog(t)
	seedOrder(t, store, "o1", StatusPending, false)
	stock := new(MockStockClient)
	stock.On("Decrement", mock.Anything, []string{"lamp"}, []int{2}).Return(nil)
	uc := newOrderUseCase(t, store, stock, PolicyOnConfirm)

	// Act
	order, err := uc.ConfirmOrder(context.Background(), "o1")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, order.Status)
	assert.True(t, order.StockDecremented)
	stock.AssertExpectations(t)
}

func TestConfirmOrder_AlreadyDecrementedSkipsStock(t *testing.T) {
	store := seedCatalog(t)
	seedOrder(t, store, "o1", StatusPending, true)
	stock := new(MockStockClient)
	uc := newOrderUseCase(t, store, stock, PolicyOnCheckout)

	order, err := uc.ConfirmOrder(context.Background(), "o1")

	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, order.Status)
	stock.AssertNotCalled(t, "Decrement", mock.Anything, mock.Anything, mock.Anything)
}

func TestConfirmOrder_Rejections(t *testing.T) {
	store := seedCatalog(t)
	seedOrder(t, store, "shipped", StatusShipped, true)
	require.NoError(t, store.Seed(docstore.Document{"_id": "empty", "_type": "checkout", "status": "pending", "items": []any{}}))
	stock := new(MockStockClient)
	stock.On("Decrement", mock.Anything, []string{"lamp"}, []int{2}).
		Return(&StockRejectedError{StatusCode: 400, Message: "Insufficient stock"})
	seedOrder(t, store, "o1", StatusPending, false)
	uc := newOrderUseCase(t, store, stock, PolicyOnConfirm)

	tests := []struct {
		name string
		id   string
		want error
	}{
		{name: "not pending", id: "shipped", want: ErrActionNotAllowed},
		{name: "no stock items", id: "empty", want: ErrNoStockItems},
		{name: "missing order", id: "nope", want: ErrOrderNotFound},
		{name: "not an order", id: "lamp", want: ErrOrderNotFound},
		{name: "stock refused", id: "o1", want: ErrStockRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := uc.ConfirmOrder(context.Background(), tt.id)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
	assert.Equal(t, StatusPending, getOrder(t, store, "o1").Status)
}

func TestConfirmOrder_StaleOrderGivesStockBack(t *testing.T) {
	// Arrange
	store := seedCatalog(t)
	seedOrder(t, store, "o1", StatusPending, false)
	stock := new(MockStockClient)
	stock.On("Decrement", mock.Anything, []string{"lamp"}, []int{2}).Run(func(mock.Arguments) {
		// someone edits the order while stock is being taken
		_, err := store.Commit(context.Background(), docstore.NewTransaction().Patch(docstore.Patch{ID: "o1", Set: map[string]any{"note": "gift"}}))
		require.NoError(t, err)
	}).Return(nil)
	stock.On("Increment", mock.Anything, []string{"lamp"}, []int{2}).Return(nil)
	uc := newOrderUseCase(t, store, stock, PolicyOnConfirm)

	// Act
	_, err := uc.ConfirmOrder(context.Background(), "o1")

	// Assert
	assert.True(t, errors.Is(err, docstore.ErrConflict))
	assert.Equal(t, StatusPending, getOrder(t, store, "o1").Status)
	stock.AssertExpectations(t)
}

func TestUpdateStatus_CancelRestoresStock(t *testing.T) {
	for _, status := range []string{"cancelled", "refunded"} {
		t.Run(status, func(t *testing.T) {
			// Arrange
			store := seedCatalog(t)
			seedOrder(t, store, "o1", StatusProcessing, true)
			stock := new(MockStockClient)
			stock.On("Increment", mock.Anything, []string{"lamp"}, []int{2}).Return(nil)
			uc := newOrderUseCase(t, store, stock, PolicyOnConfirm)

			// Act
			order, err := uc.UpdateStatus(context.Background(), "o1", status)

			// Assert
			require.NoError(t, err)
			assert.Equal(t, OrderStatus(status), order.Status)
			assert.False(t, order.StockDecremented)
			stock.AssertExpectations(t)
		})
	}
}

func TestUpdateStatus_CancelWithoutDecrementLeavesStock(t *testing.T) {
	store := seedCatalog(t)
	seedOrder(t, store, "o1", StatusPending, false)
	stock := new(MockStockClient)
	uc := newOrderUseCase(t, store, stock, PolicyOnConfirm)

	order, err := uc.UpdateStatus(context.Background(), "o1", "cancelled")

	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, order.Status)
	stock.AssertNotCalled(t, "Increment", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdateStatus_FailedRestoreKeepsStatus(t *testing.T) {
	// Arrange
	store := seedCatalog(t)
	seedOrder(t, store, "o1", StatusShipped, true)
	stock := new(MockStockClient)
	stock.On("Increment", mock.Anything, []string{"lamp"}, []int{2}).Return(ErrInventoryUnavailable)
	uc := newOrderUseCase(t, store, stock, PolicyOnConfirm)

	// Act
	_, err := uc.UpdateStatus(context.Background(), "o1", "refunded")

	// Assert
	assert.True(t, errors.Is(err, ErrStockRestoreFailed))
	order := getOrder(t, store, "o1")
	assert.Equal(t, StatusShipped, order.Status)
	assert.True(t, order.StockDecremented)
}

func TestUpdateStatus_AnyTransitionIsAllowed(t *testing.T) {
	store := seedCatalog(t)
	seedOrder(t, store, "o1", StatusDelivered, true)
	uc := newOrderUseCase(t, store, new(MockStockClient), PolicyOnConfirm)

	order, err := uc.UpdateStatus(context.Background(), "o1", "pending")

	require.NoError(t, err)
	assert.Equal(t, StatusPending, order.Status)
	assert.True(t, order.StockDecremented)
}

func TestUpdateStatus_InvalidStatus(t *testing.T) {
	store := seedCatalog(t)
	seedOrder(t, store, "o1", StatusPending, false)
	uc := newOrderUseCase(t, store, new(MockStockClient), PolicyOnConfirm)

	_, err := uc.UpdateStatus(context.Background(), "o1", "lost")

	assert.True(t, errors.Is(err, ErrInvalidStatus))
}

func TestApplySagaStatus(t *testing.T) {
	store := seedCatalog(t)
	seedOrder(t, store, "o1", StatusPending, false)
	uc := newOrderUseCase(t, store, new(MockStockClient), PolicyOnConfirm)
	ctx := context.Background()
	req := SagaStatusRequest{
		OrderID:                  "o1",
		Status:                   StatusProcessing,
		PreviousStatus:           StatusPending,
		StockDecremented:         true,
		PreviousStockDecremented: false,
	}

	require.NoError(t, uc.ApplySagaStatus(ctx, req, false))
	order := getOrder(t, store, "o1")
	assert.Equal(t, StatusProcessing, order.Status)
	assert.True(t, order.StockDecremented)

	require.NoError(t, uc.ApplySagaStatus(ctx, req, true))
	order = getOrder(t, store, "o1")
	assert.Equal(t, StatusPending, order.Status)
	assert.False(t, order.StockDecremented)

	err := uc.ApplySagaStatus(ctx, SagaStatusRequest{OrderID: "missing", Status: StatusProcessing}, false)
	assert.True(t, errors.Is(err, ErrOrderNotFound))
}

func TestNewOrderUseCase_UnknownPolicy(t *testing.T) {
	_, err := NewOrderUseCase(nil, nil, nil, tracenoop.NewTracerProvider().Tracer("test"),
		metricnoop.NewMeterProvider().Meter("test"), Options{Policy: "sometimes"})
	assert.Error(t, err)
}
