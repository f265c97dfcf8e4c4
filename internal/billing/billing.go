package billing

import (
	"context"
	"time"
)

// UsageRecord is one persisted chat completion's token usage.
// EstimatedInput marks records whose input tokens came from the local
// byte-length estimate because the vendor omitted usage.
type UsageRecord struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	RequestID      string    `json:"request_id"`
	Model          string    `json:"model"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	TotalTokens    int       `json:"total_tokens"`
	EstimatedInput bool      `json:"estimated_input"`
	LatencyMs      int64     `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

type Totals struct {
	Requests     int   `json:"requests"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

type Store interface {
	LogUsage(ctx context.Context, rec *UsageRecord) error
	ListByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageRecord, error)
	TotalsByTenant(ctx context.Context, tenantID string, from, to time.Time) (*Totals, error)
}
