// Package store provides the durable, time-partitioned transaction store
// backed by PostgreSQL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/withObsrvr/anchor-callback-processor/logging"
)

// Store owns the transactions, settlement_batches, and partition metadata
// relations. All access to them goes through this type.
type Store struct {
	pool   *pgxpool.Pool
	logger *logging.ComponentLogger
}

// NewStore connects to PostgreSQL and verifies the connection. The initial
// ping is retried with exponential backoff so a database that is still
// coming up does not kill the service.
func NewStore(ctx context.Context, dsn string, maxConns int, logger *logging.ComponentLogger) (*Store, error) {
	pgConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL DSN: %w", err)
	}
	pgConfig.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL connection pool: %w", err)
	}

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(ping, policy); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	logger.Info().Msg("Connected to PostgreSQL")
	return &Store{pool: pool, logger: logger}, nil
}

// InitSchema creates the tables the store needs. The transactions relation
// is range-partitioned by created_at; child partitions are created by the
// partition manager, not here.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id UUID NOT NULL,
			anchor_transaction_id TEXT NOT NULL,
			stellar_account CHAR(56) NOT NULL,
			amount NUMERIC NOT NULL,
			asset_code VARCHAR(12) NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			settlement_attempts INT NOT NULL DEFAULT 0,
			batch_id UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (id, created_at)
		) PARTITION BY RANGE (created_at);

		CREATE TABLE IF NOT EXISTS transaction_dedup (
			anchor_transaction_id TEXT PRIMARY KEY,
			transaction_id UUID NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS settlement_batches (
			id UUID PRIMARY KEY,
			window_start TIMESTAMPTZ NOT NULL,
			window_end TIMESTAMPTZ NOT NULL,
			ledger_reference TEXT,
			transaction_count INT NOT NULL,
			totals JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS transaction_partitions (
			range_start TIMESTAMPTZ PRIMARY KEY,
			range_end TIMESTAMPTZ NOT NULL,
			table_name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS feature_flags (
			name TEXT PRIMARY KEY,
			enabled BOOLEAN NOT NULL DEFAULT false,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE INDEX IF NOT EXISTS idx_transactions_status_created
			ON transactions (status, created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	s.logger.Info().Msg("Database schema initialized")
	return nil
}

const transactionColumns = `id::text, anchor_transaction_id, stellar_account, amount::text,
	asset_code, status, settlement_attempts, batch_id::text, created_at, updated_at`

// InsertIfAbsent persists a new transaction unless one with the same anchor
// transaction id already exists. The dedup relation is the authoritative
// guard: two racing inserts with the same key resolve to exactly one stored
// transaction, and the loser gets the winner's record back with
// created=false.
func (s *Store) InsertIfAbsent(ctx context.Context, txn Transaction) (Transaction, bool, error) {
	// Cheap existence check first. The unique constraint below still
	// backstops any race between this check and the insert.
	existing, err := s.GetByAnchorID(ctx, txn.AnchorTransactionID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Transaction{}, false, err
	}

	dbTx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback(ctx)

	tag, err := dbTx.Exec(ctx, `
		INSERT INTO transaction_dedup (anchor_transaction_id, transaction_id, created_at)
		VALUES ($1, $2::uuid, $3)
		ON CONFLICT (anchor_transaction_id) DO NOTHING
	`, txn.AnchorTransactionID, txn.ID.String(), txn.CreatedAt)
	if err != nil {
		return Transaction{}, false, fmt.Errorf("failed to insert dedup row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race: another writer claimed the key.
		dbTx.Rollback(ctx)
		winner, err := s.GetByAnchorID(ctx, txn.AnchorTransactionID)
		if err != nil {
			return Transaction{}, false, fmt.Errorf("failed to load winning duplicate: %w", err)
		}
		return winner, false, nil
	}

	_, err = dbTx.Exec(ctx, `
		INSERT INTO transactions
			(id, anchor_transaction_id, stellar_account, amount, asset_code,
			 status, settlement_attempts, created_at, updated_at)
		VALUES ($1::uuid, $2, $3, $4::numeric, $5, $6, $7, $8, $9)
	`, txn.ID.String(), txn.AnchorTransactionID, txn.StellarAccount,
		txn.Amount.String(), txn.AssetCode, string(txn.Status),
		txn.SettlementAttempts, txn.CreatedAt, txn.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Transaction{}, false, ErrDuplicate
		}
		return Transaction{}, false, fmt.Errorf("failed to insert transaction: %w", err)
	}

	if err := dbTx.Commit(ctx); err != nil {
		return Transaction{}, false, fmt.Errorf("failed to commit transaction insert: %w", err)
	}
	return txn, true, nil
}

// Get returns the transaction with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Transaction, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions WHERE id = $1::uuid
	`, id.String())
	return scanTransaction(row)
}

// GetByAnchorID returns the transaction recorded for the given anchor
// transaction id, or ErrNotFound.
func (s *Store) GetByAnchorID(ctx context.Context, anchorID string) (Transaction, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions t
		JOIN transaction_dedup d ON d.transaction_id = t.id
		WHERE d.anchor_transaction_id = $1
	`, anchorID)
	return scanTransaction(row)
}

// ListPending returns up to limit pending transactions created before
// olderThan, oldest first.
func (s *Store) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending transactions: %w", err)
	}
	defer rows.Close()

	var txns []Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pending transactions: %w", err)
	}
	return txns, nil
}

// UpdateStatus atomically transitions a single pending transaction to a
// terminal status. A transaction that is no longer pending is left
// untouched and ErrNotFound is returned.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, batchID *uuid.UUID) error {
	if !StatusPending.CanTransitionTo(status) {
		return fmt.Errorf("illegal status transition to %q", status)
	}
	var batch *string
	if batchID != nil {
		v := batchID.String()
		batch = &v
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE transactions
		SET status = $2, batch_id = $3::uuid, updated_at = now()
		WHERE id = $1::uuid AND status = 'pending'
	`, id.String(), string(status), batch)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CommitSettlement applies the full outcome of one settlement tick as a
// single database transaction: the batch row, the settled and failed
// status flips, and the attempt increments for transactions staying
// pending. Either all of it lands or none of it does.
func (s *Store) CommitSettlement(ctx context.Context, batch SettlementBatch, settledIDs, failedIDs, retryIDs []uuid.UUID) error {
	dbTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin settlement commit: %w", err)
	}
	defer dbTx.Rollback(ctx)

	if len(settledIDs) > 0 {
		totalsJSON, err := encodeTotals(batch.TotalsByAsset)
		if err != nil {
			return fmt.Errorf("failed to encode batch totals: %w", err)
		}

		var ledgerRef *string
		if batch.LedgerReference != "" {
			ledgerRef = &batch.LedgerReference
		}
		_, err = dbTx.Exec(ctx, `
			INSERT INTO settlement_batches
				(id, window_start, window_end, ledger_reference, transaction_count, totals)
			VALUES ($1::uuid, $2, $3, $4, $5, $6)
		`, batch.ID.String(), batch.WindowStart, batch.WindowEnd, ledgerRef,
			batch.TransactionCount, totalsJSON)
		if err != nil {
			return fmt.Errorf("failed to insert settlement batch: %w", err)
		}

		if err := flipStatus(ctx, dbTx, settledIDs, StatusSettled, &batch.ID); err != nil {
			return err
		}
	}

	if err := flipStatus(ctx, dbTx, failedIDs, StatusFailed, nil); err != nil {
		return err
	}

	if len(retryIDs) > 0 {
		_, err := dbTx.Exec(ctx, `
			UPDATE transactions
			SET settlement_attempts = settlement_attempts + 1, updated_at = now()
			WHERE id = ANY($1::uuid[]) AND status = 'pending'
		`, uuidStrings(retryIDs))
		if err != nil {
			return fmt.Errorf("failed to increment settlement attempts: %w", err)
		}
	}

	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit settlement: %w", err)
	}
	return nil
}

// GetBatch returns a settlement batch by id, or ErrNotFound.
func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (SettlementBatch, error) {
	var (
		batch      SettlementBatch
		idStr      string
		ledgerRef  *string
		totalsJSON []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, window_start, window_end, ledger_reference,
			transaction_count, totals, created_at
		FROM settlement_batches WHERE id = $1::uuid
	`, id.String()).Scan(&idStr, &batch.WindowStart, &batch.WindowEnd,
		&ledgerRef, &batch.TransactionCount, &totalsJSON, &batch.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SettlementBatch{}, ErrNotFound
	}
	if err != nil {
		return SettlementBatch{}, fmt.Errorf("failed to get settlement batch: %w", err)
	}

	batch.ID, err = uuid.Parse(idStr)
	if err != nil {
		return SettlementBatch{}, fmt.Errorf("failed to parse batch id: %w", err)
	}
	if ledgerRef != nil {
		batch.LedgerReference = *ledgerRef
	}
	batch.TotalsByAsset, err = decodeTotals(totalsJSON)
	if err != nil {
		return SettlementBatch{}, fmt.Errorf("failed to decode batch totals: %w", err)
	}
	return batch, nil
}

// encodeTotals serializes per-asset totals to the JSONB column shape:
// asset code to amount string. Amounts travel as strings so NUMERIC
// precision survives the round trip.
func encodeTotals(totals map[string]decimal.Decimal) ([]byte, error) {
	out := make(map[string]string, len(totals))
	for asset, amount := range totals {
		out[asset] = amount.String()
	}
	return json.Marshal(out)
}

func decodeTotals(data []byte) (map[string]decimal.Decimal, error) {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	totals := make(map[string]decimal.Decimal, len(raw))
	for asset, amount := range raw {
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("failed to parse total for %s: %w", asset, err)
		}
		totals[asset] = d
	}
	return totals, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func flipStatus(ctx context.Context, dbTx pgx.Tx, ids []uuid.UUID, status Status, batchID *uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	var batch *string
	if batchID != nil {
		v := batchID.String()
		batch = &v
	}
	tag, err := dbTx.Exec(ctx, `
		UPDATE transactions
		SET status = $2, batch_id = $3::uuid, updated_at = now()
		WHERE id = ANY($1::uuid[]) AND status = 'pending'
	`, uuidStrings(ids), string(status), batch)
	if err != nil {
		return fmt.Errorf("failed to mark transactions %s: %w", status, err)
	}
	if tag.RowsAffected() != int64(len(ids)) {
		return fmt.Errorf("expected to mark %d transactions %s, marked %d",
			len(ids), status, tag.RowsAffected())
	}
	return nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var (
		txn       Transaction
		idStr     string
		amountStr string
		statusStr string
		batchStr  *string
	)
	err := row.Scan(&idStr, &txn.AnchorTransactionID, &txn.StellarAccount,
		&amountStr, &txn.AssetCode, &statusStr, &txn.SettlementAttempts,
		&batchStr, &txn.CreatedAt, &txn.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("failed to scan transaction: %w", err)
	}

	txn.ID, err = uuid.Parse(idStr)
	if err != nil {
		return Transaction{}, fmt.Errorf("failed to parse transaction id: %w", err)
	}
	txn.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return Transaction{}, fmt.Errorf("failed to parse transaction amount: %w", err)
	}
	txn.Status = Status(statusStr)
	if batchStr != nil {
		batchID, err := uuid.Parse(*batchStr)
		if err != nil {
			return Transaction{}, fmt.Errorf("failed to parse batch id: %w", err)
		}
		txn.BatchID = &batchID
	}
	return txn, nil
}
