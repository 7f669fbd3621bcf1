package store

import (
	"context"
	"database/sql"
	"time"
)

// SaveResponse persists the terminal Response for a request (one row, owned
// by the request via cascade delete).
func (s *Store) SaveResponse(ctx context.Context, resp *Response) error {
	meta, err := marshalMeta(resp.Metadata)
	if err != nil {
		return err
	}
	createdAt := resp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO responses (request_id, status, text, error, provider_used, latency_ms, tokens, metadata, thinking, raw_output, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET
		   status=excluded.status, text=excluded.text, error=excluded.error,
		   provider_used=excluded.provider_used, latency_ms=excluded.latency_ms,
		   tokens=excluded.tokens, metadata=excluded.metadata, thinking=excluded.thinking,
		   raw_output=excluded.raw_output, created_at=excluded.created_at`,
		resp.RequestID, string(resp.Status), nullStr(resp.Text), nullStr(resp.Error), resp.Provider,
		resp.LatencyMs, nullInt(resp.Tokens), meta, nullStr(resp.Thinking), nullStr(resp.RawOutput),
		posix(createdAt),
	)
	return err
}

// GetResponse retrieves the Response owned by requestId.
func (s *Store) GetResponse(ctx context.Context, requestID string) (*Response, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT request_id, status, text, error, provider_used, latency_ms, tokens, metadata, thinking, raw_output, created_at
		 FROM responses WHERE request_id = ?`, requestID)
	return scanResponse(row)
}

func scanResponse(s scanner) (*Response, error) {
	var r Response
	var status string
	var text, errText, thinking, rawOutput sql.NullString
	var tokens sql.NullInt64
	var metaJSON sql.NullString
	var createdAt float64

	err := s.Scan(&r.RequestID, &status, &text, &errText, &r.Provider, &r.LatencyMs, &tokens,
		&metaJSON, &thinking, &rawOutput, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	r.Status = Status(status)
	r.Text = text.String
	r.Error = errText.String
	r.Thinking = thinking.String
	r.RawOutput = rawOutput.String
	r.CreatedAt = fromPosix(createdAt)
	if tokens.Valid {
		v := int(tokens.Int64)
		r.Tokens = &v
	}
	meta, err := unmarshalMeta(metaJSON)
	if err != nil {
		return nil, err
	}
	r.Metadata = meta
	return &r, nil
}
