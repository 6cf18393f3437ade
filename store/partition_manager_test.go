package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/withObsrvr/anchor-callback-processor/logging"
)

// fakePartitionStore records partition operations in memory.
type fakePartitionStore struct {
	partitions map[time.Time]Partition

	ensureErr error
	listErr   error
	dropErrOn map[time.Time]error

	ensureCalls int
	dropCalls   int
}

func newFakePartitionStore() *fakePartitionStore {
	return &fakePartitionStore{
		partitions: make(map[time.Time]Partition),
		dropErrOn:  make(map[time.Time]error),
	}
}

func (f *fakePartitionStore) EnsurePartition(ctx context.Context, rangeStart, rangeEnd time.Time) error {
	f.ensureCalls++
	if f.ensureErr != nil {
		return f.ensureErr
	}
	if _, ok := f.partitions[rangeStart]; !ok {
		f.partitions[rangeStart] = Partition{
			RangeStart: rangeStart,
			RangeEnd:   rangeEnd,
			TableName:  PartitionTableName(rangeStart),
		}
	}
	return nil
}

func (f *fakePartitionStore) ListPartitions(ctx context.Context) ([]Partition, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []Partition
	for _, p := range f.partitions {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakePartitionStore) DropPartition(ctx context.Context, rangeStart time.Time) error {
	f.dropCalls++
	if err, ok := f.dropErrOn[rangeStart]; ok {
		return err
	}
	delete(f.partitions, rangeStart)
	return nil
}

func newTestManager(s partitionStore, retention time.Duration, now time.Time) *PartitionManager {
	logger := logging.NewComponentLogger("partition-test", "test", "error", "text")
	pm := NewPartitionManager(s, 24*time.Hour, 1, retention, logger)
	pm.now = func() time.Time { return now }
	return pm
}

func TestTickEnsuresCurrentAndLookaheadWindows(t *testing.T) {
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	s := newFakePartitionStore()

	pm := newTestManager(s, 90*24*time.Hour, now)
	if err := pm.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	if len(s.partitions) != 2 {
		t.Fatalf("expected 2 partitions (current + 1 lookahead), got %d", len(s.partitions))
	}
	today := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	if _, ok := s.partitions[today]; !ok {
		t.Errorf("missing partition containing now")
	}
	if _, ok := s.partitions[today.Add(24*time.Hour)]; !ok {
		t.Errorf("missing lookahead partition")
	}
}

func TestTickIsIdempotent(t *testing.T) {
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	s := newFakePartitionStore()
	pm := newTestManager(s, 90*24*time.Hour, now)

	for i := 0; i < 3; i++ {
		if err := pm.Tick(context.Background()); err != nil {
			t.Fatalf("Tick %d failed: %v", i, err)
		}
	}
	if len(s.partitions) != 2 {
		t.Errorf("repeated ticks changed partition count: %d", len(s.partitions))
	}
}

func TestTickPrunesOnlyExpiredPartitions(t *testing.T) {
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	retention := 7 * 24 * time.Hour
	s := newFakePartitionStore()

	expired := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	s.EnsurePartition(context.Background(), expired, expired.Add(24*time.Hour))
	s.EnsurePartition(context.Background(), recent, recent.Add(24*time.Hour))

	pm := newTestManager(s, retention, now)
	if err := pm.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	if _, ok := s.partitions[expired]; ok {
		t.Errorf("expired partition was not dropped")
	}
	if _, ok := s.partitions[recent]; !ok {
		t.Errorf("partition inside the retention horizon was dropped")
	}
}

func TestTickReturnsEnsureFailure(t *testing.T) {
	s := newFakePartitionStore()
	s.ensureErr = errors.New("connection refused")

	pm := newTestManager(s, 90*24*time.Hour, time.Now())
	if err := pm.Tick(context.Background()); err == nil {
		t.Fatal("expected error when partition creation fails")
	}
}

func TestTickToleratesListFailure(t *testing.T) {
	s := newFakePartitionStore()
	s.listErr = errors.New("connection refused")

	pm := newTestManager(s, 90*24*time.Hour, time.Now())
	if err := pm.Tick(context.Background()); err != nil {
		t.Errorf("list failure must not fail the tick: %v", err)
	}
	if s.ensureCalls == 0 {
		t.Errorf("partitions must still be ensured before the prune step")
	}
}

func TestTickContinuesPastDropFailure(t *testing.T) {
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	retention := 24 * time.Hour
	s := newFakePartitionStore()

	stuck := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	droppable := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	s.EnsurePartition(context.Background(), stuck, stuck.Add(24*time.Hour))
	s.EnsurePartition(context.Background(), droppable, droppable.Add(24*time.Hour))
	s.dropErrOn[stuck] = errors.New("lock timeout")

	pm := newTestManager(s, retention, now)
	if err := pm.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	if _, ok := s.partitions[droppable]; ok {
		t.Errorf("drop failure on one partition blocked the others")
	}
	if _, ok := s.partitions[stuck]; !ok {
		t.Errorf("failed drop should leave the partition in place for the next tick")
	}
}
