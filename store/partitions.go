package store

import (
	"context"
	"fmt"
	"time"
)

// PartitionTableName returns the child table name for a partition window
// starting at rangeStart, e.g. transactions_p20260830.
func PartitionTableName(rangeStart time.Time) string {
	return "transactions_p" + rangeStart.UTC().Format("20060102t150405")
}

// ComputeWindows returns the UTC-aligned partition windows needed to cover
// now through the lookahead horizon. The first window contains now; the
// remaining ones are future windows. Alignment to the window size keeps
// repeated ticks producing identical ranges, which makes EnsurePartition
// calls idempotent across ticks.
func ComputeWindows(now time.Time, window time.Duration, lookahead int) []Partition {
	start := now.UTC().Truncate(window)
	windows := make([]Partition, 0, lookahead+1)
	for i := 0; i <= lookahead; i++ {
		rangeStart := start.Add(time.Duration(i) * window)
		windows = append(windows, Partition{
			RangeStart: rangeStart,
			RangeEnd:   rangeStart.Add(window),
			TableName:  PartitionTableName(rangeStart),
		})
	}
	return windows
}

// EnsurePartition creates the child partition for the given range if it
// does not exist yet. Safe to call repeatedly and concurrently for the
// same range.
func (s *Store) EnsurePartition(ctx context.Context, rangeStart, rangeEnd time.Time) error {
	tableName := PartitionTableName(rangeStart)

	dbTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin partition creation: %w", err)
	}
	defer dbTx.Rollback(ctx)

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s PARTITION OF transactions
		FOR VALUES FROM ('%s') TO ('%s')
	`, tableName, rangeStart.UTC().Format(time.RFC3339), rangeEnd.UTC().Format(time.RFC3339))
	if _, err := dbTx.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create partition %s: %w", tableName, err)
	}

	_, err = dbTx.Exec(ctx, `
		INSERT INTO transaction_partitions (range_start, range_end, table_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (range_start) DO NOTHING
	`, rangeStart.UTC(), rangeEnd.UTC(), tableName)
	if err != nil {
		return fmt.Errorf("failed to record partition %s: %w", tableName, err)
	}

	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit partition creation: %w", err)
	}
	return nil
}

// ListPartitions returns all known partitions ordered by range start.
func (s *Store) ListPartitions(ctx context.Context) ([]Partition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT range_start, range_end, table_name, created_at
		FROM transaction_partitions
		ORDER BY range_start
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	defer rows.Close()

	var partitions []Partition
	for rows.Next() {
		var p Partition
		if err := rows.Scan(&p.RangeStart, &p.RangeEnd, &p.TableName, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan partition: %w", err)
		}
		partitions = append(partitions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read partitions: %w", err)
	}
	return partitions, nil
}

// DropPartition detaches and drops the partition starting at rangeStart
// along with its metadata row. Data in the partition is lost; archival is
// an external concern.
func (s *Store) DropPartition(ctx context.Context, rangeStart time.Time) error {
	tableName := PartitionTableName(rangeStart)

	dbTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin partition drop: %w", err)
	}
	defer dbTx.Rollback(ctx)

	if _, err := dbTx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", tableName)); err != nil {
		return fmt.Errorf("failed to drop partition %s: %w", tableName, err)
	}
	if _, err := dbTx.Exec(ctx, `
		DELETE FROM transaction_partitions WHERE range_start = $1
	`, rangeStart.UTC()); err != nil {
		return fmt.Errorf("failed to delete partition metadata for %s: %w", tableName, err)
	}

	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit partition drop: %w", err)
	}
	return nil
}
