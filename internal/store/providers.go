package store

import (
	"context"
	"database/sql"
)

// UpdateProviderStatus upserts the live health view of a provider.
func (s *Store) UpdateProviderStatus(ctx context.Context, info *ProviderInfo) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO provider_status (name, transport, status, queue_depth, avg_latency_ms, success_rate, last_check_at, last_error, enabled, priority, rpm_cap, timeout_s)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   transport=excluded.transport, status=excluded.status, queue_depth=excluded.queue_depth,
		   avg_latency_ms=excluded.avg_latency_ms, success_rate=excluded.success_rate,
		   last_check_at=excluded.last_check_at, last_error=excluded.last_error,
		   enabled=excluded.enabled, priority=excluded.priority, rpm_cap=excluded.rpm_cap,
		   timeout_s=excluded.timeout_s`,
		info.Name, info.Transport, string(info.Status), info.QueueDepth, info.AvgLatencyMs, info.SuccessRate,
		nullFloat(posixNullable(info.LastCheckAt)), nullStr(info.LastError), boolToInt(info.Enabled),
		info.Priority, nullInt(info.RPMCap), nullFloat(info.TimeoutS),
	)
	return err
}

// GetProviderStatus retrieves the live health view of a single provider.
func (s *Store) GetProviderStatus(ctx context.Context, name string) (*ProviderInfo, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT name, transport, status, queue_depth, avg_latency_ms, success_rate, last_check_at, last_error, enabled, priority, rpm_cap, timeout_s
		 FROM provider_status WHERE name = ?`, name)
	return scanProviderInfo(row)
}

// ListProviderStatuses returns the live health view of every provider.
func (s *Store) ListProviderStatuses(ctx context.Context) ([]*ProviderInfo, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT name, transport, status, queue_depth, avg_latency_ms, success_rate, last_check_at, last_error, enabled, priority, rpm_cap, timeout_s
		 FROM provider_status ORDER BY priority DESC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ProviderInfo
	for rows.Next() {
		p, err := scanProviderInfo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProviderInfo(s scanner) (*ProviderInfo, error) {
	var p ProviderInfo
	var status string
	var lastCheckAt sql.NullFloat64
	var lastError sql.NullString
	var enabled int
	var rpmCap sql.NullInt64
	var timeoutS sql.NullFloat64

	err := s.Scan(&p.Name, &p.Transport, &status, &p.QueueDepth, &p.AvgLatencyMs, &p.SuccessRate,
		&lastCheckAt, &lastError, &enabled, &p.Priority, &rpmCap, &timeoutS)
	if err != nil {
		return nil, notFoundErr(err)
	}

	p.Status = ProviderHealthStatus(status)
	p.Enabled = enabled != 0
	p.LastError = lastError.String
	if lastCheckAt.Valid {
		t := fromPosix(lastCheckAt.Float64)
		p.LastCheckAt = &t
	}
	if rpmCap.Valid {
		v := int(rpmCap.Int64)
		p.RPMCap = &v
	}
	if timeoutS.Valid {
		p.TimeoutS = &timeoutS.Float64
	}
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
