package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// fakeDTM answers newGid and records submitted sagas.
type fakeDTM struct {
	mu        sync.Mutex
	submitted []map[string]any
	result    int
	body      string
}

func (f *fakeDTM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/api/dtmsvr/newGid":
		_, _ = w.Write([]byte(`{"gid":"gid-1","dtm_result":"SUCCESS"}`))
	case "/api/dtmsvr/submit":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.submitted = append(f.submitted, body)
		f.mu.Unlock()
		if f.result != 0 {
			w.WriteHeader(f.result)
			_, _ = w.Write([]byte(f.body))
			return
		}
		_, _ = w.Write([]byte(`{"dtm_result":"SUCCESS"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeDTM) steps(t *testing.T) []any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.submitted, 1)
	steps, _ := f.submitted[0]["steps"].([]any)
	return steps
}

func newSagaWorkflow(t *testing.T, dtm *fakeDTM) (*DTMSagaWorkflow, *DocumentRepository) {
	t.Helper()
	srv := httptest.NewServer(dtm)
	t.Cleanup(srv.Close)

	store := seedCatalog(t)
	seedOrder(t, store, "o1", StatusPending, false)
	seedOrder(t, store, "o2", StatusProcessing, true)
	repo := NewDocumentRepository(store)
	return NewDTMSagaWorkflow(repo, srv.URL+"/api/dtmsvr", "http://orders:8082/", "http://inventory:8081", "branch-key",
		tracenoop.NewTracerProvider().Tracer("test")), repo
}

func TestDTMSagaWorkflow_Confirm(t *testing.T) {
	// Arrange
	dtm := &fakeDTM{}
	wf, repo := newSagaWorkflow(t, dtm)
	order, err := repo.GetOrder(context.Background(), "o1")
	require.NoError(t, err)

	// Act
	err = wf.Confirm(context.Background(), order)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []any{
		map[string]any{"action": "http://inventory:8081/api/inventory/saga/decrement", "compensate": "http://inventory:8081/api/inventory/saga/increment"},
		map[string]any{"action": "http://orders:8082/api/orders/saga/status", "compensate": "http://orders:8082/api/orders/saga/status/compensate"},
	}, dtm.steps(t))
	assert.Equal(t, true, dtm.submitted[0]["wait_result"])
	assert.Equal(t, map[string]any{"X-Saga-Key": "branch-key"}, dtm.submitted[0]["branch_headers"])
}

func TestDTMSagaWorkflow_ConfirmSkipsTakenStock(t *testing.T) {
	dtm := &fakeDTM{}
	wf, repo := newSagaWorkflow(t, dtm)
	order, err := repo.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	order.StockDecremented = true

	require.NoError(t, wf.Confirm(context.Background(), order))

	assert.Len(t, dtm.steps(t), 1)
}

func TestDTMSagaWorkflow_CancelRestoresStockFirst(t *testing.T) {
	dtm := &fakeDTM{}
	wf, repo := newSagaWorkflow(t, dtm)
	order, err := repo.GetOrder(context.Background(), "o2")
	require.NoError(t, err)

	require.NoError(t, wf.Transition(context.Background(), order, StatusCancelled))

	steps := dtm.steps(t)
	require.Len(t, steps, 2)
	assert.Equal(t, "http://inventory:8081/api/inventory/saga/increment", steps[0].(map[string]any)["action"])
	assert.Equal(t, "http://inventory:8081/api/inventory/saga/decrement", steps[0].(map[string]any)["compensate"])
}

func TestDTMSagaWorkflow_TransitionWithoutStockPatchesDirectly(t *testing.T) {
	dtm := &fakeDTM{}
	wf, repo := newSagaWorkflow(t, dtm)
	order, err := repo.GetOrder(context.Background(), "o2")
	require.NoError(t, err)

	require.NoError(t, wf.Transition(context.Background(), order, StatusShipped))

	assert.Empty(t, dtm.submitted)
	updated, err := repo.GetOrder(context.Background(), "o2")
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, updated.Status)
	assert.True(t, updated.StockDecremented)
}

func TestDTMSagaWorkflow_SubmitErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{
			name:    "branch refused",
			status:  http.StatusConflict,
			body:    `{"dtm_result":"FAILURE","message":"Insufficient stock"}`,
			wantErr: ErrWorkflowRolledBack,
		},
		{
			name:    "server error mentioning failure",
			status:  http.StatusInternalServerError,
			body:    `{"message":"branch returned FAILURE twice"}`,
			wantErr: ErrWorkflowFailed,
		},
		{
			name:    "plain text failure",
			status:  http.StatusBadGateway,
			body:    `upstream FAILURE`,
			wantErr: ErrWorkflowFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			dtm := &fakeDTM{result: tt.status, body: tt.body}
			wf, repo := newSagaWorkflow(t, dtm)
			order, err := repo.GetOrder(context.Background(), "o1")
			require.NoError(t, err)

			// Act
			err = wf.Confirm(context.Background(), order)

			// Assert
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestDTMSagaWorkflow_NoBranchKey(t *testing.T) {
	dtm := &fakeDTM{}
	srv := httptest.NewServer(dtm)
	t.Cleanup(srv.Close)
	store := seedCatalog(t)
	seedOrder(t, store, "o1", StatusPending, false)
	repo := NewDocumentRepository(store)
	wf := NewDTMSagaWorkflow(repo, srv.URL+"/api/dtmsvr", "http://orders:8082", "http://inventory:8081", "",
		tracenoop.NewTracerProvider().Tracer("test"))
	order, err := repo.GetOrder(context.Background(), "o1")
	require.NoError(t, err)

	require.NoError(t, wf.Confirm(context.Background(), order))

	assert.NotContains(t, dtm.submitted[0], "branch_headers")
}

func TestNewGid_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newGid(url + "/api/dtmsvr")

	assert.True(t, errors.Is(err, ErrWorkflowFailed))
}

func TestTraceIDs_NoSpan(t *testing.T) {
	traceID, spanID := traceIDs(context.Background())

	assert.Empty(t, traceID)
	assert.Empty(t, spanID)
}
