package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/burhankhatib/lanaline/pkg/docstore"
	"github.com/burhankhatib/lanaline/pkg/docstore/memory"
)

// MockProductRepository for tests that need to control the store outcome
type MockProductRepository struct {
	mock.Mock
}

func (m *MockProductRepository) GetProducts(ctx context.Context, ids []string) (map[string]ProductStock, error) {
	args := m.Called(ctx, ids)
	products, _ := args.Get(0).(map[string]ProductStock)
	return products, args.Error(1)
}

func (m *MockProductRepository) ApplyAdjustments(ctx context.Context, action StockAction, adjustments []Adjustment) (*docstore.Result, error) {
	args := m.Called(ctx, action, adjustments)
	res, _ := args.Get(0).(*docstore.Result)
	return res, args.Error(1)
}

func newUseCase(t *testing.T, repo ProductRepository, writable bool) *InventoryUseCase {
	t.Helper()
	uc, err := NewInventoryUseCase(repo, tracenoop.NewTracerProvider().Tracer("test"), metricnoop.NewMeterProvider().Meter("test"), writable)
	require.NoError(t, err)
	return uc
}

func seedProducts(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.Seed(
		docstore.Document{"_id": "lamp", "_type": "product", "title": map[string]any{"en": "Desk Lamp", "ar": "مصباح"}, "stock": 5},
		docstore.Document{"_id": "rug", "_type": "product", "name": "Rug", "stock": 2},
		docstore.Document{"_id": "vase", "_type": "product"},
		docstore.Document{"_id": "order-1", "_type": "checkout", "stock": 100},
	))
	return store
}

func stockOf(t *testing.T, store docstore.Store, id string) int {
	t.Helper()
	doc, err := store.GetDocument(context.Background(), id)
	require.NoError(t, err)
	n, _ := doc.Int("stock")
	return n
}

func TestAdjustStock_Decrement(t *testing.T) {
	// Arrange
	store := seedProducts(t)
	uc := newUseCase(t, NewProductRepository(store), true)

	// Act
	res, err := uc.AdjustStock(context.Background(), StockUpdateRequest{
		ProductIDs: []string{"lamp", "rug"},
		Quantities: []float64{3, 2},
		Action:     ActionDecrement,
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, []docstore.MutationResult{
		{ID: "lamp", Operation: docstore.OperationUpdate},
		{ID: "rug", Operation: docstore.OperationUpdate},
	}, res.Details)
	assert.Equal(t, 2, stockOf(t, store, "lamp"))
	assert.Equal(t, 0, stockOf(t, store, "rug"))
}

func TestAdjustStock_DecrementRejectsWholeRequest(t *testing.T) {
	// Arrange
	store := seedProducts(t)
	uc := newUseCase(t, NewProductRepository(store), true)

	// Act
	_, err := uc.AdjustStock(context.Background(), StockUpdateRequest{
		ProductIDs: []string{"lamp", "rug"},
		Quantities: []float64{1, 3},
		Action:     ActionDecrement,
	})

	// Assert
	var stockErr *StockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, "Insufficient stock for product: Rug. Available: 2, Requested: 3", stockErr.Error())
	assert.Equal(t, 5, stockOf(t, store, "lamp"))
	assert.Equal(t, 2, stockOf(t, store, "rug"))
}

func TestAdjustStock_DecrementSumsRepeatedProducts(t *testing.T) {
	store := seedProducts(t)
	uc := newUseCase(t, NewProductRepository(store), true)

	_, err := uc.AdjustStock(context.Background(), StockUpdateRequest{
		ProductIDs: []string{"lamp", "lamp"},
		Quantities: []float64{3, 3},
		Action:     ActionDecrement,
	})

	var stockErr *StockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, "Desk Lamp", stockErr.ProductName)
	assert.Equal(t, 6, stockErr.Requested)
	assert.Equal(t, 5, stockOf(t, store, "lamp"))
}

func TestAdjustStock_MissingStockCountsAsZero(t *testing.T) {
	store := seedProducts(t)
	uc := newUseCase(t, NewProductRepository(store), true)

	_, err := uc.AdjustStock(context.Background(), StockUpdateRequest{
		ProductIDs: []string{"vase"},
		Quantities: []float64{1},
		Action:     ActionDecrement,
	})

	var stockErr *StockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, 0, stockErr.Available)
	assert.Equal(t, "vase", stockErr.ProductName)
}

func TestAdjustStock_Increment(t *testing.T) {
	store := seedProducts(t)
	uc := newUseCase(t, NewProductRepository(store), true)

	res, err := uc.AdjustStock(context.Background(), StockUpdateRequest{
		ProductIDs: []string{"rug", "vase"},
		Quantities: []float64{10, 4},
		Action:     ActionIncrement,
	})

	require.NoError(t, err)
	assert.Equal(t, ActionIncrement, res.Action)
	assert.Equal(t, 12, stockOf(t, store, "rug"))
	assert.Equal(t, 4, stockOf(t, store, "vase"))
}

func TestAdjustStock_NotFound(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{name: "missing document", id: "ghost"},
		{name: "document of another type", id: "order-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seedProducts(t)
			uc := newUseCase(t, NewProductRepository(store), true)

			_, err := uc.AdjustStock(context.Background(), StockUpdateRequest{
				ProductIDs: []string{"lamp", tt.id},
				Quantities: []float64{1, 1},
				Action:     ActionIncrement,
			})

			var notFound *ProductNotFoundError
			require.True(t, errors.As(err, &notFound))
			assert.Equal(t, tt.id, notFound.ProductID)
			assert.Equal(t, 5, stockOf(t, store, "lamp"))
		})
	}
}

func TestAdjustStock_ValidationRunsBeforeStore(t *testing.T) {
	repo := new(MockProductRepository)
	uc := newUseCase(t, repo, true)

	tests := []struct {
		name string
		req  StockUpdateRequest
		want error
	}{
		{name: "length mismatch", req: StockUpdateRequest{ProductIDs: []string{"a", "b"}, Quantities: []float64{1}, Action: ActionDecrement}, want: ErrMismatchedItems},
		{name: "empty arrays", req: StockUpdateRequest{Action: ActionDecrement}, want: ErrMismatchedItems},
		{name: "unknown action", req: StockUpdateRequest{ProductIDs: []string{"a"}, Quantities: []float64{1}, Action: "reset"}, want: ErrInvalidAction},
		{name: "zero quantity", req: StockUpdateRequest{ProductIDs: []string{"a"}, Quantities: []float64{0}, Action: ActionIncrement}, want: ErrInvalidItem},
		{name: "fractional quantity", req: StockUpdateRequest{ProductIDs: []string{"a"}, Quantities: []float64{1.5}, Action: ActionIncrement}, want: ErrInvalidItem},
		{name: "empty id", req: StockUpdateRequest{ProductIDs: []string{""}, Quantities: []float64{1}, Action: ActionIncrement}, want: ErrInvalidItem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := uc.AdjustStock(context.Background(), tt.req)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
	repo.AssertNotCalled(t, "GetProducts", mock.Anything, mock.Anything)
}

func TestAdjustStock_ItemErrorIndex(t *testing.T) {
	uc := newUseCase(t, new(MockProductRepository), true)

	_, err := uc.AdjustStock(context.Background(), StockUpdateRequest{
		ProductIDs: []string{"a", "b", "c"},
		Quantities: []float64{1, 2, -1},
		Action:     ActionDecrement,
	})

	var itemErr *ItemError
	require.True(t, errors.As(err, &itemErr))
	assert.Equal(t, 2, itemErr.Index)
}

func TestAdjustStock_WithoutWriteToken(t *testing.T) {
	repo := new(MockProductRepository)
	uc := newUseCase(t, repo, false)

	_, err := uc.AdjustStock(context.Background(), StockUpdateRequest{
		ProductIDs: []string{"a"},
		Quantities: []float64{1},
		Action:     ActionIncrement,
	})

	assert.True(t, errors.Is(err, ErrMissingWriteToken))
	repo.AssertExpectations(t)
}

func TestAdjustStock_ConcurrentChangeBecomesStockConflict(t *testing.T) {
	// Arrange
	repo := new(MockProductRepository)
	uc := newUseCase(t, repo, true)
	ctx := context.Background()

	repo.On("GetProducts", mock.Anything, []string{"lamp"}).
		Return(map[string]ProductStock{"lamp": {ID: "lamp", Name: "Desk Lamp", Revision: "rev-1", Stock: 5}}, nil)
	repo.On("ApplyAdjustments", mock.Anything, ActionDecrement, []Adjustment{{ProductID: "lamp", Quantity: 5, Revision: "rev-1"}}).
		Return(nil, docstore.ErrConflict)

	// Act
	_, err := uc.AdjustStock(ctx, StockUpdateRequest{ProductIDs: []string{"lamp"}, Quantities: []float64{5}, Action: ActionDecrement})

	// Assert
	assert.True(t, errors.Is(err, ErrStockConflict))
	repo.AssertExpectations(t)
}

func TestAdjustStock_RevisionGuardAgainstRealStore(t *testing.T) {
	// a write landing between the stock check and the commit must abort the decrement
	store := seedProducts(t)
	repo := &racingRepository{DocumentProductRepository: NewProductRepository(store), store: store}
	uc := newUseCase(t, repo, true)

	_, err := uc.AdjustStock(context.Background(), StockUpdateRequest{ProductIDs: []string{"lamp"}, Quantities: []float64{5}, Action: ActionDecrement})

	assert.True(t, errors.Is(err, ErrStockConflict))
	assert.Equal(t, 1, stockOf(t, store, "lamp"))
}

// racingRepository lets another writer take stock right after the read.
type racingRepository struct {
	*DocumentProductRepository
	store *memory.Store
}

func (r *racingRepository) GetProducts(ctx context.Context, ids []string) (map[string]ProductStock, error) {
	products, err := r.DocumentProductRepository.GetProducts(ctx, ids)
	if err != nil {
		return nil, err
	}
	_, err = r.store.Commit(ctx, docstore.NewTransaction().Patch(docstore.Patch{ID: "lamp", Dec: map[string]float64{"stock": 4}}))
	return products, err
}
