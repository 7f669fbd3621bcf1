package store

import (
	"context"
	"database/sql"
	"time"
)

// RecordMetric appends one row to the append-only metrics audit trail.
func (s *Store) RecordMetric(ctx context.Context, m MetricEvent) error {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO metrics (provider, event_type, latency_ms, success, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.Provider, m.EventType, m.LatencyMs, boolToInt(m.Success), nullStr(m.Error), posix(createdAt),
	)
	return err
}

// GetProviderMetrics returns metric rows for provider within the trailing window.
func (s *Store) GetProviderMetrics(ctx context.Context, provider string, window time.Duration) ([]MetricEvent, error) {
	cutoff := posix(time.Now().Add(-window))
	rows, err := s.read.QueryContext(ctx,
		`SELECT provider, event_type, latency_ms, success, error, created_at
		 FROM metrics WHERE provider = ? AND created_at >= ? ORDER BY created_at DESC`,
		provider, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MetricEvent
	for rows.Next() {
		var m MetricEvent
		var success int
		var errText sql.NullString
		var createdAt float64
		if err := rows.Scan(&m.Provider, &m.EventType, &m.LatencyMs, &success, &errText, &createdAt); err != nil {
			return nil, err
		}
		m.Success = success != 0
		m.Error = errText.String
		m.CreatedAt = fromPosix(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// CleanupOldMetrics deletes metric rows older than age.
func (s *Store) CleanupOldMetrics(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := posix(time.Now().Add(-age))
	result, err := s.write.ExecContext(ctx, `DELETE FROM metrics WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
