package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateRequest persists a new request in state QUEUED.
func (s *Store) CreateRequest(ctx context.Context, r *Request) error {
	meta, err := marshalMeta(r.Metadata)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO requests (id, provider, message, priority, timeout_s, status, metadata, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Provider, r.Message, r.Priority, r.TimeoutS, string(r.Status), meta,
		posix(r.CreatedAt), nullFloat(posixNullable(r.StartedAt)), nullFloat(posixNullable(r.CompletedAt)),
	)
	return err
}

// GetRequest retrieves a request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, provider, message, priority, timeout_s, status, metadata, created_at, started_at, completed_at
		 FROM requests WHERE id = ?`, id)
	return scanRequest(row)
}

// UpdateStatus transitions a request to newStatus, stamping started/completed
// timestamps as appropriate.
func (s *Store) UpdateStatus(ctx context.Context, id string, newStatus Status) error {
	now := posix(time.Now())
	var result sql.Result
	var err error
	switch newStatus {
	case StatusProcessing:
		result, err = s.write.ExecContext(ctx,
			`UPDATE requests SET status=?, started_at=? WHERE id=?`, string(newStatus), now, id)
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		result, err = s.write.ExecContext(ctx,
			`UPDATE requests SET status=?, completed_at=? WHERE id=?`, string(newStatus), now, id)
	default:
		result, err = s.write.ExecContext(ctx, `UPDATE requests SET status=? WHERE id=?`, string(newStatus), id)
	}
	if err != nil {
		return err
	}
	return checkRowsAffected(result)
}

// ListRequests returns requests matching filter, newest first.
func (s *Store) ListRequests(ctx context.Context, filter RequestFilter, limit, offset int) ([]*Request, error) {
	query := `SELECT id, provider, message, priority, timeout_s, status, metadata, created_at, started_at, completed_at FROM requests WHERE 1=1`
	var args []any
	if filter.Provider != "" {
		query += ` AND provider = ?`
		args = append(args, filter.Provider)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetPending returns up to limit QUEUED requests, highest priority first,
// ties broken by earliest created_at — used to replay the queue on startup.
func (s *Store) GetPending(ctx context.Context, limit int) ([]*Request, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, provider, message, priority, timeout_s, status, metadata, created_at, started_at, completed_at
		 FROM requests WHERE status = ? ORDER BY priority DESC, created_at ASC LIMIT ?`,
		string(StatusQueued), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CancelRequest marks a request CANCELLED, guarded to only QUEUED or
// PROCESSING requests.
func (s *Store) CancelRequest(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE requests SET status=?, completed_at=? WHERE id=? AND status IN (?, ?)`,
		string(StatusCancelled), posix(time.Now()), id, string(StatusQueued), string(StatusProcessing))
	if err != nil {
		return err
	}
	return checkRowsAffected(result)
}

// CleanupOldRequests deletes requests older than age (cascades to responses).
func (s *Store) CleanupOldRequests(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := posix(time.Now().Add(-age))
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM requests WHERE created_at < ? AND status IN (?, ?, ?, ?)`,
		cutoff, string(StatusCompleted), string(StatusFailed), string(StatusTimeout), string(StatusCancelled))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanRequest(s scanner) (*Request, error) {
	var r Request
	var status string
	var metaJSON sql.NullString
	var createdAt float64
	var startedAt, completedAt sql.NullFloat64

	err := s.Scan(&r.ID, &r.Provider, &r.Message, &r.Priority, &r.TimeoutS, &status, &metaJSON,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	r.Status = Status(status)
	r.CreatedAt = fromPosix(createdAt)
	if startedAt.Valid {
		t := fromPosix(startedAt.Float64)
		r.StartedAt = &t
	}
	if completedAt.Valid {
		t := fromPosix(completedAt.Float64)
		r.CompletedAt = &t
	}
	meta, err := unmarshalMeta(metaJSON)
	if err != nil {
		return nil, err
	}
	r.Metadata = meta
	return &r, nil
}

func marshalMeta(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalMeta(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return m, nil
}
