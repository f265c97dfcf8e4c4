package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/qianfan-gateway/internal/auth"
	"github.com/vnmchuo/qianfan-gateway/internal/batch"
	"github.com/vnmchuo/qianfan-gateway/internal/billing"
	"github.com/vnmchuo/qianfan-gateway/internal/censor"
	"github.com/vnmchuo/qianfan-gateway/internal/qianfan"
	"github.com/vnmchuo/qianfan-gateway/internal/repair"
	"github.com/vnmchuo/qianfan-gateway/internal/stats"
	"github.com/vnmchuo/qianfan-gateway/pkg/ratelimit"
)

type ChatClient interface {
	Chat(ctx context.Context, req *qianfan.ChatRequest) *qianfan.AIResponse
}

type Moderator interface {
	CensorText(ctx context.Context, text string) (*censor.Result, error)
}

type Repairer interface {
	Process(ctx context.Context, text string) (*repair.Outcome, error)
}

type StatsSource interface {
	Snapshot() stats.Snapshot
}

type Handler struct {
	chat      ChatClient
	moderator Moderator
	repairer  Repairer
	batch     *batch.Runner
	stats     StatsSource
	billing   billing.Store
	limiter   *ratelimit.Limiter
	breaker   *gobreaker.CircuitBreaker
	tracer    trace.Tracer
}

// NewHandler wires the gateway surface. moderator, repairer and batch
// may be nil when moderation credentials are not configured; their
// endpoints then answer 503.
func NewHandler(chat ChatClient, moderator Moderator, repairer Repairer, batchRunner *batch.Runner,
	statsSource StatsSource, billingStore billing.Store, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {

	settings := gobreaker.Settings{
		Name:        "qianfan-chat",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}

	return &Handler{
		chat:      chat,
		moderator: moderator,
		repairer:  repairer,
		batch:     batchRunner,
		stats:     statsSource,
		billing:   billingStore,
		limiter:   limiter,
		breaker:   gobreaker.NewCircuitBreaker(settings),
		tracer:    tracer,
	}
}

func (h *Handler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	requestID := auth.GetRequestID(ctx)

	var req qianfan.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if req.Stream {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "streaming is not supported"})
		return
	}

	_, span := h.tracer.Start(ctx, "proxy.chat_completion")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model),
	)

	estimatedTokens := 1000
	if req.MaxCompletionTokens != nil && *req.MaxCompletionTokens > 0 {
		estimatedTokens = *req.MaxCompletionTokens
	}

	allowed, err := h.limiter.Allow(ctx, tenantID, estimatedTokens)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60s")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return
	}

	start := time.Now()
	result, err := h.breaker.Execute(func() (interface{}, error) {
		resp := h.chat.Chat(ctx, &req)
		// Only transport faults count against the breaker; vendor and
		// malformed payloads mean the upstream is reachable.
		if resp.Err != nil && resp.Err.Kind == qianfan.ErrTransport {
			return resp, resp.Err
		}
		return resp, nil
	})
	latencyMs := time.Since(start).Milliseconds()

	resp, _ := result.(*qianfan.AIResponse)
	if resp == nil {
		// Breaker rejected the call before it reached the upstream.
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	if resp.Err != nil {
		writeJSON(w, statusForError(resp.Err.Kind), resp)
		return
	}

	h.logUsage(tenantID, requestID, resp, latencyMs)

	writeJSON(w, http.StatusOK, resp)
}

// logUsage persists the usage record asynchronously so a slow or down
// database never delays the caller.
func (h *Handler) logUsage(tenantID, requestID string, resp *qianfan.AIResponse, latencyMs int64) {
	rec := &billing.UsageRecord{
		TenantID:  tenantID,
		RequestID: requestID,
		Model:     resp.Model,
		LatencyMs: latencyMs,
	}
	if resp.Usage != nil {
		rec.InputTokens = resp.Usage.PromptTokens
		rec.OutputTokens = resp.Usage.CompletionTokens
		rec.TotalTokens = resp.Usage.TotalTokens
		rec.EstimatedInput = resp.Usage.Estimated
	}
	go func() {
		_ = h.billing.LogUsage(context.Background(), rec)
	}()
}

type moderationRequest struct {
	Text string `json:"text"`
}

func (h *Handler) HandleModeration(w http.ResponseWriter, r *http.Request) {
	if h.moderator == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "moderation is not configured"})
		return
	}

	var req moderationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	result, err := h.moderator.CensorText(r.Context(), req.Text)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, censor.Analyze(result))
}

func (h *Handler) HandleModerationRepair(w http.ResponseWriter, r *http.Request) {
	if h.repairer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "moderation is not configured"})
		return
	}

	var req moderationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	outcome, err := h.repairer.Process(r.Context(), req.Text)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

type moderationBatchRequest struct {
	Items []batch.Item `json:"items"`
}

func (h *Handler) HandleModerationBatch(w http.ResponseWriter, r *http.Request) {
	if h.batch == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "moderation is not configured"})
		return
	}

	var req moderationBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	results, summary := h.batch.Run(r.Context(), req.Items)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"summary": summary,
	})
}

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Snapshot())
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
	}

	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
	}

	records, err := h.billing.ListByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	totals, err := h.billing.TotalsByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"totals":    totals,
		"records":   records,
		"from":      from,
		"to":        to,
	})
}

func statusForError(kind qianfan.ErrorKind) int {
	switch kind {
	case qianfan.ErrConfiguration:
		return http.StatusInternalServerError
	case qianfan.ErrTransport, qianfan.ErrVendor, qianfan.ErrMalformed:
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
