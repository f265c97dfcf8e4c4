package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LogUsage(ctx context.Context, rec *UsageRecord) error {
	query := `
		INSERT INTO chat_usage (tenant_id, request_id, model, input_tokens, output_tokens, total_tokens, estimated_input, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		rec.TenantID, rec.RequestID, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.TotalTokens,
		rec.EstimatedInput, rec.LatencyMs,
	).Scan(&rec.ID, &rec.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageRecord, error) {
	query := `
		SELECT id, tenant_id, request_id, model, input_tokens, output_tokens, total_tokens, estimated_input, latency_ms, created_at
		FROM chat_usage
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		var r UsageRecord
		err := rows.Scan(
			&r.ID, &r.TenantID, &r.RequestID, &r.Model,
			&r.InputTokens, &r.OutputTokens, &r.TotalTokens,
			&r.EstimatedInput, &r.LatencyMs, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}

	return records, nil
}

func (s *PostgresStore) TotalsByTenant(ctx context.Context, tenantID string, from, to time.Time) (*Totals, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(total_tokens), 0)
		FROM chat_usage
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var t Totals
	err := s.db.QueryRow(ctx, query, tenantID, from, to).Scan(
		&t.Requests, &t.InputTokens, &t.OutputTokens, &t.TotalTokens,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage totals: %w", err)
	}

	return &t, nil
}
