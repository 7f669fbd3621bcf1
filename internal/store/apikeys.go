package store

import (
	"context"
	"database/sql"
	"time"
)

// APIKeyRecord is a caller key's rate-limit override and enablement state.
type APIKeyRecord struct {
	KeyHash     string
	Enabled     bool
	RPMOverride *int
	CreatedAt   time.Time
}

// UpsertAPIKey inserts or updates an API key record.
func (s *Store) UpsertAPIKey(ctx context.Context, k *APIKeyRecord) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (key_hash, enabled, rpm_override, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key_hash) DO UPDATE SET enabled=excluded.enabled, rpm_override=excluded.rpm_override`,
		k.KeyHash, boolToInt(k.Enabled), nullInt(k.RPMOverride), posix(k.CreatedAt),
	)
	return err
}

// GetAPIKey retrieves an API key record by its hash.
func (s *Store) GetAPIKey(ctx context.Context, hash string) (*APIKeyRecord, error) {
	var k APIKeyRecord
	var enabled int
	var rpmOverride sql.NullInt64
	var createdAt float64
	err := s.read.QueryRowContext(ctx,
		`SELECT key_hash, enabled, rpm_override, created_at FROM api_keys WHERE key_hash = ?`, hash,
	).Scan(&k.KeyHash, &enabled, &rpmOverride, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	k.Enabled = enabled != 0
	k.CreatedAt = fromPosix(createdAt)
	if rpmOverride.Valid {
		v := int(rpmOverride.Int64)
		k.RPMOverride = &v
	}
	return &k, nil
}

// TokenCost is the per-1k-token pricing for one provider/model pair.
type TokenCost struct {
	Provider        string
	Model           string
	InputCostPer1k  float64
	OutputCostPer1k float64
}

// UpsertTokenCost inserts or updates pricing for a provider/model pair.
func (s *Store) UpsertTokenCost(ctx context.Context, c *TokenCost) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO token_costs (provider, model, input_cost_per_1k, output_cost_per_1k) VALUES (?, ?, ?, ?)
		 ON CONFLICT(provider, model) DO UPDATE SET
		   input_cost_per_1k=excluded.input_cost_per_1k, output_cost_per_1k=excluded.output_cost_per_1k`,
		c.Provider, c.Model, c.InputCostPer1k, c.OutputCostPer1k,
	)
	return err
}

// GetTokenCost looks up pricing for a provider/model pair; ErrNotFound if unpriced.
func (s *Store) GetTokenCost(ctx context.Context, provider, model string) (*TokenCost, error) {
	var c TokenCost
	err := s.read.QueryRowContext(ctx,
		`SELECT provider, model, input_cost_per_1k, output_cost_per_1k FROM token_costs WHERE provider = ? AND model = ?`,
		provider, model,
	).Scan(&c.Provider, &c.Model, &c.InputCostPer1k, &c.OutputCostPer1k)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return &c, nil
}
