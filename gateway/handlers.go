// Package gateway validates and idempotently persists inbound deposit
// callbacks from the anchor platform.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/withObsrvr/anchor-callback-processor/logging"
	"github.com/withObsrvr/anchor-callback-processor/store"
)

// transactionStore is the slice of the store the gateway needs.
type transactionStore interface {
	InsertIfAbsent(ctx context.Context, txn store.Transaction) (store.Transaction, bool, error)
	Get(ctx context.Context, id uuid.UUID) (store.Transaction, error)
	GetByAnchorID(ctx context.Context, anchorID string) (store.Transaction, error)
	GetBatch(ctx context.Context, id uuid.UUID) (store.SettlementBatch, error)
}

// CallbackPayload is the inbound webhook body from the anchor platform.
// CallbackType and Status are informational; the stored status is always
// pending on first sight.
type CallbackPayload struct {
	ID             string `json:"id"`
	AmountIn       string `json:"amount_in"`
	StellarAccount string `json:"stellar_account"`
	AssetCode      string `json:"asset_code"`
	CallbackType   string `json:"callback_type,omitempty"`
	Status         string `json:"status,omitempty"`
}

// CallbackResponse is returned for both fresh inserts and idempotent
// replays.
type CallbackResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

// TransactionResponse is the JSON shape of a stored transaction.
type TransactionResponse struct {
	ID                  string `json:"id"`
	AnchorTransactionID string `json:"anchor_transaction_id"`
	StellarAccount      string `json:"stellar_account"`
	Amount              string `json:"amount"`
	AssetCode           string `json:"asset_code"`
	Status              string `json:"status"`
	SettlementAttempts  int    `json:"settlement_attempts"`
	BatchID             string `json:"batch_id,omitempty"`
	CreatedAt           string `json:"created_at"`
	UpdatedAt           string `json:"updated_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Gateway handles the callback and transaction read endpoints.
type Gateway struct {
	store     transactionStore
	logger    *logging.ComponentLogger
	startTime time.Time
}

// NewGateway creates the ingestion gateway.
func NewGateway(store transactionStore, logger *logging.ComponentLogger) *Gateway {
	return &Gateway{
		store:     store,
		logger:    logger,
		startTime: time.Now(),
	}
}

// RegisterRoutes mounts the gateway endpoints on the router.
func (g *Gateway) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/callback/transaction", g.handleCallback).Methods(http.MethodPost)
	r.HandleFunc("/transactions/{id}", g.handleGetTransaction).Methods(http.MethodGet)
	r.HandleFunc("/batches/{id}", g.handleGetBatch).Methods(http.MethodGet)
	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
}

// handleCallback validates and persists one deposit callback. Replaying a
// known anchor transaction id is a success: the existing record's id and
// status come back and nothing is written.
func (g *Gateway) handleCallback(w http.ResponseWriter, r *http.Request) {
	callbacksReceivedTotal.Inc()

	var payload CallbackPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		callbacksRejectedTotal.Inc()
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
		return
	}

	amount, err := validateCallback(payload)
	if err != nil {
		callbacksRejectedTotal.Inc()
		g.logger.Debug().
			Err(err).
			Str("anchor_transaction_id", payload.ID).
			Msg("Rejected callback")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	now := time.Now().UTC()
	txn := store.Transaction{
		ID:                  uuid.New(),
		AnchorTransactionID: payload.ID,
		StellarAccount:      payload.StellarAccount,
		Amount:              amount,
		AssetCode:           payload.AssetCode,
		Status:              store.StatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	stored, created, err := g.store.InsertIfAbsent(r.Context(), txn)
	if err != nil && errors.Is(err, store.ErrDuplicate) {
		// Constraint fired between the existence check and the insert;
		// resolve to the stored winner.
		stored, err = g.store.GetByAnchorID(r.Context(), payload.ID)
		created = false
	}
	if err != nil {
		g.logger.Error().
			Err(err).
			Str("anchor_transaction_id", payload.ID).
			Msg("Failed to persist callback")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "storage failure"})
		return
	}

	if created {
		g.logger.Info().
			Str("transaction_id", stored.ID.String()).
			Str("anchor_transaction_id", stored.AnchorTransactionID).
			Str("asset_code", stored.AssetCode).
			Str("amount", stored.Amount.String()).
			Msg("Recorded deposit callback")
	} else {
		callbacksDuplicateTotal.Inc()
		g.logger.Info().
			Str("transaction_id", stored.ID.String()).
			Str("anchor_transaction_id", stored.AnchorTransactionID).
			Msg("Replayed known callback")
	}

	writeJSON(w, http.StatusCreated, CallbackResponse{
		TransactionID: stored.ID.String(),
		Status:        string(stored.Status),
	})
}

func (g *Gateway) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id must be a UUID"})
		return
	}

	txn, err := g.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "transaction not found"})
		return
	}
	if err != nil {
		g.logger.Error().Err(err).Str("transaction_id", id.String()).Msg("Failed to load transaction")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "storage failure"})
		return
	}

	writeJSON(w, http.StatusOK, toTransactionResponse(txn))
}

// BatchResponse is the JSON shape of a settlement batch.
type BatchResponse struct {
	ID               string            `json:"id"`
	WindowStart      string            `json:"window_start"`
	WindowEnd        string            `json:"window_end"`
	LedgerReference  string            `json:"ledger_reference,omitempty"`
	TransactionCount int               `json:"transaction_count"`
	TotalsByAsset    map[string]string `json:"totals_by_asset"`
	CreatedAt        string            `json:"created_at"`
}

func (g *Gateway) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id must be a UUID"})
		return
	}

	batch, err := g.store.GetBatch(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "batch not found"})
		return
	}
	if err != nil {
		g.logger.Error().Err(err).Str("batch_id", id.String()).Msg("Failed to load settlement batch")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "storage failure"})
		return
	}

	totals := make(map[string]string, len(batch.TotalsByAsset))
	for asset, amount := range batch.TotalsByAsset {
		totals[asset] = amount.String()
	}
	writeJSON(w, http.StatusOK, BatchResponse{
		ID:               batch.ID.String(),
		WindowStart:      batch.WindowStart.Format(time.RFC3339),
		WindowEnd:        batch.WindowEnd.Format(time.RFC3339),
		LedgerReference:  batch.LedgerReference,
		TransactionCount: batch.TransactionCount,
		TotalsByAsset:    totals,
		CreatedAt:        batch.CreatedAt.Format(time.RFC3339),
	})
}

// HealthResponse is the JSON response for /health.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "healthy",
		Uptime: time.Since(g.startTime).Round(time.Second).String(),
	})
}

func toTransactionResponse(txn store.Transaction) TransactionResponse {
	resp := TransactionResponse{
		ID:                  txn.ID.String(),
		AnchorTransactionID: txn.AnchorTransactionID,
		StellarAccount:      txn.StellarAccount,
		Amount:              txn.Amount.String(),
		AssetCode:           txn.AssetCode,
		Status:              string(txn.Status),
		SettlementAttempts:  txn.SettlementAttempts,
		CreatedAt:           txn.CreatedAt.Format(time.RFC3339),
		UpdatedAt:           txn.UpdatedAt.Format(time.RFC3339),
	}
	if txn.BatchID != nil {
		resp.BatchID = txn.BatchID.String()
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
