package store

import (
	"context"
	"fmt"
	"time"
)

// FeatureFlag is one named runtime switch.
type FeatureFlag struct {
	Name      string
	Enabled   bool
	UpdatedAt time.Time
}

// ListFlags returns all feature flags ordered by name.
func (s *Store) ListFlags(ctx context.Context) ([]FeatureFlag, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, enabled, updated_at FROM feature_flags ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list feature flags: %w", err)
	}
	defer rows.Close()

	var flags []FeatureFlag
	for rows.Next() {
		var f FeatureFlag
		if err := rows.Scan(&f.Name, &f.Enabled, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feature flag: %w", err)
		}
		flags = append(flags, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read feature flags: %w", err)
	}
	return flags, nil
}

// SetFlag upserts a feature flag and returns its stored state.
func (s *Store) SetFlag(ctx context.Context, name string, enabled bool) (FeatureFlag, error) {
	var f FeatureFlag
	err := s.pool.QueryRow(ctx, `
		INSERT INTO feature_flags (name, enabled, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at
		RETURNING name, enabled, updated_at
	`, name, enabled).Scan(&f.Name, &f.Enabled, &f.UpdatedAt)
	if err != nil {
		return FeatureFlag{}, fmt.Errorf("failed to set feature flag %s: %w", name, err)
	}
	return f, nil
}
