// Package flags provides a cached feature flag lookup backed by the
// store, with an admin surface for toggling flags at runtime.
package flags

import (
	"context"
	"fmt"
	"sync"

	"github.com/withObsrvr/anchor-callback-processor/logging"
	"github.com/withObsrvr/anchor-callback-processor/store"
)

// Flag names consulted by the settlement engine.
const (
	// SettlementEnabled gates settlement processing. Absent means enabled.
	SettlementEnabled = "settlement_enabled"
	// SettlementUseFallbackHorizon switches the engine to the configured
	// fallback Horizon endpoint. Absent means disabled.
	SettlementUseFallbackHorizon = "settlement_use_fallback_horizon"
)

// flagStore is the slice of the store the flag service needs.
type flagStore interface {
	ListFlags(ctx context.Context) ([]store.FeatureFlag, error)
	SetFlag(ctx context.Context, name string, enabled bool) (store.FeatureFlag, error)
}

// Service caches feature flags in memory. Lookups never hit the database;
// the cache is refreshed at startup, on a periodic task, and immediately
// after an admin update.
type Service struct {
	store  flagStore
	logger *logging.ComponentLogger

	mu    sync.RWMutex
	cache map[string]bool
}

// NewService creates a flag service with an empty cache. Call Refresh
// before serving lookups.
func NewService(store flagStore, logger *logging.ComponentLogger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		cache:  make(map[string]bool),
	}
}

// Refresh reloads the cache from the store.
func (s *Service) Refresh(ctx context.Context) error {
	flags, err := s.store.ListFlags(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh feature flags: %w", err)
	}

	cache := make(map[string]bool, len(flags))
	for _, f := range flags {
		cache[f.Name] = f.Enabled
	}

	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()

	s.logger.Debug().Int("flag_count", len(cache)).Msg("Feature flag cache refreshed")
	return nil
}

// IsEnabled reports the cached state of a flag. Unknown flags report
// defaultValue.
func (s *Service) IsEnabled(name string, defaultValue bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if enabled, ok := s.cache[name]; ok {
		return enabled
	}
	return defaultValue
}

// List returns the current flag rows from the store.
func (s *Service) List(ctx context.Context) ([]store.FeatureFlag, error) {
	return s.store.ListFlags(ctx)
}

// Set upserts a flag in the store and updates the cache in place so the
// change takes effect without waiting for the next refresh.
func (s *Service) Set(ctx context.Context, name string, enabled bool) (store.FeatureFlag, error) {
	flag, err := s.store.SetFlag(ctx, name, enabled)
	if err != nil {
		return store.FeatureFlag{}, err
	}

	s.mu.Lock()
	s.cache[flag.Name] = flag.Enabled
	s.mu.Unlock()

	s.logger.Info().
		Str("flag", flag.Name).
		Bool("enabled", flag.Enabled).
		Msg("Feature flag updated")
	return flag, nil
}
