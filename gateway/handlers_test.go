package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/withObsrvr/anchor-callback-processor/logging"
	"github.com/withObsrvr/anchor-callback-processor/store"
)

// memStore implements transactionStore in memory with the same dedup
// semantics as the real store.
type memStore struct {
	byAnchorID map[string]store.Transaction
	byID       map[uuid.UUID]store.Transaction
	batches    map[uuid.UUID]store.SettlementBatch
	insertErr  error
}

func newMemStore() *memStore {
	return &memStore{
		byAnchorID: make(map[string]store.Transaction),
		byID:       make(map[uuid.UUID]store.Transaction),
		batches:    make(map[uuid.UUID]store.SettlementBatch),
	}
}

func (m *memStore) InsertIfAbsent(ctx context.Context, txn store.Transaction) (store.Transaction, bool, error) {
	if m.insertErr != nil {
		return store.Transaction{}, false, m.insertErr
	}
	if existing, ok := m.byAnchorID[txn.AnchorTransactionID]; ok {
		return existing, false, nil
	}
	m.byAnchorID[txn.AnchorTransactionID] = txn
	m.byID[txn.ID] = txn
	return txn, true, nil
}

func (m *memStore) Get(ctx context.Context, id uuid.UUID) (store.Transaction, error) {
	if txn, ok := m.byID[id]; ok {
		return txn, nil
	}
	return store.Transaction{}, store.ErrNotFound
}

func (m *memStore) GetByAnchorID(ctx context.Context, anchorID string) (store.Transaction, error) {
	if txn, ok := m.byAnchorID[anchorID]; ok {
		return txn, nil
	}
	return store.Transaction{}, store.ErrNotFound
}

func (m *memStore) GetBatch(ctx context.Context, id uuid.UUID) (store.SettlementBatch, error) {
	if batch, ok := m.batches[id]; ok {
		return batch, nil
	}
	return store.SettlementBatch{}, store.ErrNotFound
}

func testRouter(s transactionStore) *mux.Router {
	logger := logging.NewComponentLogger("gateway-test", "test", "error", "text")
	router := mux.NewRouter()
	NewGateway(s, logger).RegisterRoutes(router)
	return router
}

func postCallback(t *testing.T, router *mux.Router, payload CallbackPayload) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/callback/transaction", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCallbackCreatesPendingTransaction(t *testing.T) {
	s := newMemStore()
	router := testRouter(s)

	rec := postCallback(t, router, validPayload())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp CallbackResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != string(store.StatusPending) {
		t.Errorf("expected status pending, got %q", resp.Status)
	}
	if _, err := uuid.Parse(resp.TransactionID); err != nil {
		t.Errorf("transaction_id is not a UUID: %q", resp.TransactionID)
	}
	if len(s.byAnchorID) != 1 {
		t.Errorf("expected exactly one stored transaction, got %d", len(s.byAnchorID))
	}
}

func TestCallbackReplayIsIdempotent(t *testing.T) {
	s := newMemStore()
	router := testRouter(s)
	payload := validPayload()

	first := postCallback(t, router, payload)
	if first.Code != http.StatusCreated {
		t.Fatalf("first ingest: expected 201, got %d", first.Code)
	}
	second := postCallback(t, router, payload)
	if second.Code != http.StatusCreated {
		t.Fatalf("replay: expected 201, got %d", second.Code)
	}

	var firstResp, secondResp CallbackResponse
	json.Unmarshal(first.Body.Bytes(), &firstResp)
	json.Unmarshal(second.Body.Bytes(), &secondResp)

	if firstResp.TransactionID != secondResp.TransactionID {
		t.Errorf("replay returned a different transaction_id: %q vs %q",
			firstResp.TransactionID, secondResp.TransactionID)
	}
	if len(s.byAnchorID) != 1 {
		t.Errorf("replay stored a duplicate row: %d rows", len(s.byAnchorID))
	}
}

func TestCallbackRacingInsertResolvesToWinner(t *testing.T) {
	s := newMemStore()
	winner := store.Transaction{
		ID:                  uuid.New(),
		AnchorTransactionID: "cb-1",
		Status:              store.StatusPending,
	}
	s.byAnchorID[winner.AnchorTransactionID] = winner
	s.byID[winner.ID] = winner
	s.insertErr = store.ErrDuplicate

	rec := postCallback(t, testRouter(s), validPayload())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var resp CallbackResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.TransactionID != winner.ID.String() {
		t.Errorf("expected winner id %s, got %s", winner.ID, resp.TransactionID)
	}
}

func TestCallbackValidationFailureStoresNothing(t *testing.T) {
	s := newMemStore()
	router := testRouter(s)

	payload := validPayload()
	payload.AmountIn = "-1"

	rec := postCallback(t, router, payload)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(s.byAnchorID) != 0 {
		t.Errorf("rejected payload must not be stored, found %d rows", len(s.byAnchorID))
	}
}

func TestCallbackMalformedBody(t *testing.T) {
	router := testRouter(newMemStore())

	req := httptest.NewRequest(http.MethodPost, "/callback/transaction",
		strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestCallbackStorageFailure(t *testing.T) {
	s := newMemStore()
	s.insertErr = context.DeadlineExceeded

	rec := postCallback(t, testRouter(s), validPayload())
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestGetTransaction(t *testing.T) {
	s := newMemStore()
	router := testRouter(s)

	created := postCallback(t, router, validPayload())
	var createdResp CallbackResponse
	json.Unmarshal(created.Body.Bytes(), &createdResp)

	tests := []struct {
		name     string
		path     string
		wantCode int
	}{
		{"existing transaction", "/transactions/" + createdResp.TransactionID, http.StatusOK},
		{"unknown transaction", "/transactions/" + uuid.NewString(), http.StatusNotFound},
		{"malformed id", "/transactions/not-a-uuid", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGetBatch(t *testing.T) {
	s := newMemStore()
	batch := store.SettlementBatch{
		ID:               uuid.New(),
		WindowStart:      time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC),
		WindowEnd:        time.Date(2026, 8, 30, 1, 0, 0, 0, time.UTC),
		LedgerReference:  "op-42",
		TransactionCount: 2,
		TotalsByAsset: map[string]decimal.Decimal{
			"USDC": decimal.RequireFromString("12.5"),
		},
	}
	s.batches[batch.ID] = batch
	router := testRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/batches/"+batch.ID.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp BatchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ID != batch.ID.String() || resp.TransactionCount != 2 {
		t.Errorf("unexpected batch response: %+v", resp)
	}
	if resp.TotalsByAsset["USDC"] != "12.5" {
		t.Errorf("expected USDC total 12.5, got %q", resp.TotalsByAsset["USDC"])
	}

	tests := []struct {
		name     string
		path     string
		wantCode int
	}{
		{"unknown batch", "/batches/" + uuid.NewString(), http.StatusNotFound},
		{"malformed id", "/batches/not-a-uuid", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, rec.Code)
			}
		})
	}
}

func TestHealthEndpoint(t *testing.T) {
	router := testRouter(newMemStore())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("expected healthy, got %q", resp.Status)
	}
}
