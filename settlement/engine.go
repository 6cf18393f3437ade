// Package settlement reconciles pending transactions against ledger state
// and records the outcome in settlement batches.
package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/withObsrvr/anchor-callback-processor/flags"
	"github.com/withObsrvr/anchor-callback-processor/ledger"
	"github.com/withObsrvr/anchor-callback-processor/logging"
	"github.com/withObsrvr/anchor-callback-processor/store"
)

// settlementStore is the slice of the store the engine needs.
type settlementStore interface {
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]store.Transaction, error)
	CommitSettlement(ctx context.Context, batch store.SettlementBatch, settledIDs, failedIDs, retryIDs []uuid.UUID) error
}

// flagChecker is the feature flag lookup the engine consults. The engine
// never mutates flags.
type flagChecker interface {
	IsEnabled(name string, defaultValue bool) bool
}

// Options configures the settlement engine.
type Options struct {
	// SafetyLag keeps freshly ingested transactions out of a tick so a
	// write still in flight is never raced.
	SafetyLag time.Duration
	// BatchLimit bounds how many pending transactions one tick scans.
	BatchLimit int
	// MaxAttempts bounds ledger polls per transaction before it fails.
	MaxAttempts int
	// Tolerance is the maximum amount difference still considered a match.
	Tolerance decimal.Decimal
	// WorkerLimit bounds concurrent ledger lookups within one tick.
	WorkerLimit int
}

// Engine runs the periodic settlement pass. Only one tick is ever active
// at a time; the scheduler's overlap guard enforces that.
type Engine struct {
	store    settlementStore
	primary  ledger.Client
	fallback ledger.Client
	flags    flagChecker
	opts     Options
	logger   *logging.ComponentLogger
	now      func() time.Time
}

// NewEngine creates a settlement engine. fallback may be nil when no
// fallback Horizon endpoint is configured.
func NewEngine(store settlementStore, primary, fallback ledger.Client, flagSvc flagChecker, opts Options, logger *logging.ComponentLogger) *Engine {
	return &Engine{
		store:    store,
		primary:  primary,
		fallback: fallback,
		flags:    flagSvc,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// outcome is the per-transaction result of one tick.
type outcome int

const (
	// outcomeSettled: a matching ledger operation was found.
	outcomeSettled outcome = iota
	// outcomeFailed: the attempt budget is exhausted without a match.
	outcomeFailed
	// outcomeRetry: no match yet; the poll counts against the budget.
	outcomeRetry
	// outcomeDeferred: transient ledger failure; retried next tick
	// without consuming an attempt.
	outcomeDeferred
)

type evaluation struct {
	txn     store.Transaction
	outcome outcome
	matchID string
}

// Tick performs one settlement pass: scan pending transactions, consult
// the ledger for each with bounded parallelism, then commit every status
// transition and the settlement batch as one atomic unit. No partial
// batch is ever made visible.
func (e *Engine) Tick(ctx context.Context) error {
	if !e.flags.IsEnabled(flags.SettlementEnabled, true) {
		ticksDisabledTotal.Inc()
		e.logger.Info().Msg("Settlement disabled by feature flag, skipping tick")
		return nil
	}

	client := e.primary
	if e.fallback != nil && e.flags.IsEnabled(flags.SettlementUseFallbackHorizon, false) {
		client = e.fallback
		e.logger.Info().Msg("Using fallback Horizon endpoint for this tick")
	}

	tickStart := e.now()
	defer func() {
		tickDurationSeconds.Observe(time.Since(tickStart).Seconds())
	}()

	pending, err := e.store.ListPending(ctx, tickStart.Add(-e.opts.SafetyLag), e.opts.BatchLimit)
	if err != nil {
		return err
	}
	pendingGauge.Set(float64(len(pending)))
	if len(pending) == 0 {
		return nil
	}

	evaluations := e.evaluateAll(ctx, client, pending)

	// A cancelled tick commits nothing: either the atomic commit below
	// lands entirely or the tick leaves no trace.
	if err := ctx.Err(); err != nil {
		e.logger.Warn().Err(err).Msg("Tick cancelled before commit, discarding outcomes")
		return err
	}

	var (
		settledIDs []uuid.UUID
		failedIDs  []uuid.UUID
		retryIDs   []uuid.UUID
		settled    []evaluation
	)
	for _, ev := range evaluations {
		switch ev.outcome {
		case outcomeSettled:
			settledIDs = append(settledIDs, ev.txn.ID)
			settled = append(settled, ev)
		case outcomeFailed:
			failedIDs = append(failedIDs, ev.txn.ID)
		case outcomeRetry:
			retryIDs = append(retryIDs, ev.txn.ID)
		case outcomeDeferred:
			// Left untouched for the next tick.
		}
	}

	batch := e.buildBatch(settled, tickStart)
	if len(settledIDs)+len(failedIDs)+len(retryIDs) > 0 {
		if err := e.store.CommitSettlement(ctx, batch, settledIDs, failedIDs, retryIDs); err != nil {
			return err
		}
	}

	transactionsSettledTotal.Add(float64(len(settledIDs)))
	transactionsFailedTotal.Add(float64(len(failedIDs)))
	transactionsRetriedTotal.Add(float64(len(retryIDs)))

	e.logger.Info().
		Int("scanned", len(pending)).
		Int("settled", len(settledIDs)).
		Int("failed", len(failedIDs)).
		Int("retried", len(retryIDs)).
		Int("deferred", len(pending)-len(settledIDs)-len(failedIDs)-len(retryIDs)).
		Str("batch_id", batchIDForLog(batch, settledIDs)).
		Dur("duration", time.Since(tickStart)).
		Msg("Settlement tick completed")
	return nil
}

// evaluateAll fans the ledger lookups out over a bounded worker pool and
// waits for every outcome before returning. One transaction's failure
// never aborts the others.
func (e *Engine) evaluateAll(ctx context.Context, client ledger.Client, pending []store.Transaction) []evaluation {
	var (
		mu          sync.Mutex
		wg          sync.WaitGroup
		evaluations = make([]evaluation, 0, len(pending))
	)
	sem := make(chan struct{}, e.opts.WorkerLimit)

	for _, txn := range pending {
		wg.Add(1)
		sem <- struct{}{}
		go func(txn store.Transaction) {
			defer wg.Done()
			defer func() { <-sem }()

			ev := e.evaluate(ctx, client, txn)
			mu.Lock()
			evaluations = append(evaluations, ev)
			mu.Unlock()
		}(txn)
	}
	wg.Wait()
	return evaluations
}

// evaluate resolves one pending transaction against the ledger.
func (e *Engine) evaluate(ctx context.Context, client ledger.Client, txn store.Transaction) evaluation {
	ops, err := client.Lookup(ctx, txn.StellarAccount, txn.AssetCode, txn.CreatedAt)
	if err != nil {
		if ledger.IsTransient(err) {
			ledgerTransientErrorsTotal.Inc()
			e.logger.Warn().
				Err(err).
				Str("transaction_id", txn.ID.String()).
				Msg("Transient ledger failure, deferring to next tick")
			// Infrastructure failures do not consume the attempt budget.
			return evaluation{txn: txn, outcome: outcomeDeferred}
		}
		// A definitive rejection is as conclusive as an empty result. The
		// budget moves so a permanently rejected account cannot be
		// re-polled every tick forever.
		ledgerErrorsTotal.Inc()
		e.logger.Error().
			Err(err).
			Str("transaction_id", txn.ID.String()).
			Msg("Ledger rejected lookup, counting against attempt budget")
		return evaluation{txn: txn, outcome: e.noMatchOutcome(txn)}
	}

	for _, op := range ops {
		if e.matches(txn, op) {
			return evaluation{txn: txn, outcome: outcomeSettled, matchID: op.ID}
		}
	}
	return evaluation{txn: txn, outcome: e.noMatchOutcome(txn)}
}

// noMatchOutcome resolves a definitive no-match poll: either the attempt
// budget has room and the poll counts, or it is exhausted and the
// transaction fails.
func (e *Engine) noMatchOutcome(txn store.Transaction) outcome {
	if txn.SettlementAttempts+1 >= e.opts.MaxAttempts {
		return outcomeFailed
	}
	return outcomeRetry
}

// matches reports whether the ledger operation settles the transaction:
// same asset, closed at or after the transaction was created, and an
// amount within tolerance.
func (e *Engine) matches(txn store.Transaction, op ledger.Operation) bool {
	if op.AssetCode != txn.AssetCode {
		return false
	}
	if op.ClosedAt.Before(txn.CreatedAt) {
		return false
	}
	return op.Amount.Sub(txn.Amount).Abs().LessThanOrEqual(e.opts.Tolerance)
}

// buildBatch constructs the settlement batch for the tick's settled
// transactions. An empty batch (no settled transactions) carries a zero
// count and is skipped by the store commit.
func (e *Engine) buildBatch(settled []evaluation, tickStart time.Time) store.SettlementBatch {
	batch := store.SettlementBatch{
		ID:               uuid.New(),
		WindowStart:      tickStart,
		WindowEnd:        tickStart,
		TransactionCount: len(settled),
		TotalsByAsset:    make(map[string]decimal.Decimal),
	}
	for _, ev := range settled {
		if ev.txn.CreatedAt.Before(batch.WindowStart) {
			batch.WindowStart = ev.txn.CreatedAt
		}
		if batch.LedgerReference == "" {
			batch.LedgerReference = ev.matchID
		}
		total := batch.TotalsByAsset[ev.txn.AssetCode]
		batch.TotalsByAsset[ev.txn.AssetCode] = total.Add(ev.txn.Amount)
	}
	return batch
}

func batchIDForLog(batch store.SettlementBatch, settledIDs []uuid.UUID) string {
	if len(settledIDs) == 0 {
		return ""
	}
	return batch.ID.String()
}
