package store

import (
	"context"
	"fmt"
	"time"

	"github.com/withObsrvr/anchor-callback-processor/logging"
)

// partitionStore is the slice of the store the partition manager needs.
type partitionStore interface {
	EnsurePartition(ctx context.Context, rangeStart, rangeEnd time.Time) error
	ListPartitions(ctx context.Context) ([]Partition, error)
	DropPartition(ctx context.Context, rangeStart time.Time) error
}

// PartitionManager keeps transaction partitions available ahead of the
// write horizon and prunes partitions past the retention horizon. It runs
// as a periodic scheduler task.
type PartitionManager struct {
	store     partitionStore
	window    time.Duration
	lookahead int
	retention time.Duration
	logger    *logging.ComponentLogger
	now       func() time.Time
}

// NewPartitionManager creates a partition manager. window is the size of
// one partition, lookahead the number of future windows to keep created,
// retention how long expired partitions are kept before being dropped.
func NewPartitionManager(store partitionStore, window time.Duration, lookahead int, retention time.Duration, logger *logging.ComponentLogger) *PartitionManager {
	return &PartitionManager{
		store:     store,
		window:    window,
		lookahead: lookahead,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Tick performs one rotation pass: create missing partitions covering now
// through the lookahead horizon, then prune expired ones. Creation failure
// is returned because writability is the priority; prune failures are
// logged and skipped so a slow or stuck prune never blocks writes.
func (pm *PartitionManager) Tick(ctx context.Context) error {
	now := pm.now()

	for _, w := range ComputeWindows(now, pm.window, pm.lookahead) {
		if err := pm.store.EnsurePartition(ctx, w.RangeStart, w.RangeEnd); err != nil {
			return fmt.Errorf("failed to ensure partition %s: %w", w.TableName, err)
		}
		partitionsEnsuredTotal.Inc()
	}

	partitions, err := pm.store.ListPartitions(ctx)
	if err != nil {
		pm.logger.Warn().Err(err).Msg("Skipping partition prune, list failed")
		return nil
	}

	horizon := now.Add(-pm.retention)
	for _, p := range partitions {
		if !p.RangeEnd.Before(horizon) {
			continue
		}
		if err := pm.store.DropPartition(ctx, p.RangeStart); err != nil {
			pm.logger.Warn().
				Err(err).
				Str("partition", p.TableName).
				Msg("Failed to drop expired partition")
			continue
		}
		partitionsDroppedTotal.Inc()
		pm.logger.Info().
			Str("partition", p.TableName).
			Time("range_end", p.RangeEnd).
			Msg("Dropped expired partition")
	}

	return nil
}
