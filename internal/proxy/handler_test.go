package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/qianfan-gateway/internal/auth"
	"github.com/vnmchuo/qianfan-gateway/internal/batch"
	"github.com/vnmchuo/qianfan-gateway/internal/billing"
	"github.com/vnmchuo/qianfan-gateway/internal/censor"
	"github.com/vnmchuo/qianfan-gateway/internal/qianfan"
	"github.com/vnmchuo/qianfan-gateway/internal/repair"
	"github.com/vnmchuo/qianfan-gateway/internal/stats"
	"github.com/vnmchuo/qianfan-gateway/pkg/ratelimit"
)

// Fake chat client returning a canned response.
type fakeChatClient struct {
	resp  *qianfan.AIResponse
	calls int
}

func (c *fakeChatClient) Chat(ctx context.Context, req *qianfan.ChatRequest) *qianfan.AIResponse {
	c.calls++
	resp := c.resp
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return resp
}

// Mock billing store signalling each logged record.
type mockBillingStore struct {
	logged chan *billing.UsageRecord
}

func newMockBillingStore() *mockBillingStore {
	return &mockBillingStore{logged: make(chan *billing.UsageRecord, 8)}
}

func (m *mockBillingStore) LogUsage(ctx context.Context, rec *billing.UsageRecord) error {
	m.logged <- rec
	return nil
}

func (m *mockBillingStore) ListByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*billing.UsageRecord, error) {
	return []*billing.UsageRecord{
		{TenantID: tenantID, Model: "ernie-4.5-turbo-128k", InputTokens: 10, OutputTokens: 2, TotalTokens: 12},
	}, nil
}

func (m *mockBillingStore) TotalsByTenant(ctx context.Context, tenantID string, from, to time.Time) (*billing.Totals, error) {
	return &billing.Totals{Requests: 1, InputTokens: 10, OutputTokens: 2, TotalTokens: 12}, nil
}

// Mock limiter store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

type fakeModerator struct {
	result *censor.Result
	err    error
}

func (m *fakeModerator) CensorText(ctx context.Context, text string) (*censor.Result, error) {
	return m.result, m.err
}

type fakeRepairer struct {
	outcome *repair.Outcome
}

func (r *fakeRepairer) Process(ctx context.Context, text string) (*repair.Outcome, error) {
	return r.outcome, nil
}

func setupTest(chat ChatClient, limiterAllowed bool) (*Handler, *mockBillingStore) {
	billingStore := newMockBillingStore()
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed})
	tracer := noop.NewTracerProvider().Tracer("test")

	one := 1
	moderator := &fakeModerator{result: &censor.Result{Conclusion: "合规", ConclusionType: &one}}
	repairer := &fakeRepairer{outcome: &repair.Outcome{Status: repair.StatusCompliant, Text: "clean"}}

	h := NewHandler(chat, moderator, repairer, nil, stats.New(), billingStore, limiter, tracer)
	return h, billingStore
}

func authedRequest(method, target string, body *bytes.Reader) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, body)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	ctx := auth.WithTenantID(req.Context(), "test-tenant")
	ctx = auth.WithRequestID(ctx, "req-1")
	return req.WithContext(ctx)
}

func TestHandleChatCompletion_Unauthorized(t *testing.T) {
	h, _ := setupTest(&fakeChatClient{resp: &qianfan.AIResponse{}}, true)
	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	w := httptest.NewRecorder()

	h.HandleChatCompletion(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleChatCompletion_InvalidBody(t *testing.T) {
	h, _ := setupTest(&fakeChatClient{resp: &qianfan.AIResponse{}}, true)
	req := authedRequest("POST", "/v1/chat/completions", bytes.NewReader([]byte(`{invalid json}`)))
	w := httptest.NewRecorder()

	h.HandleChatCompletion(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleChatCompletion_StreamRejected(t *testing.T) {
	h, _ := setupTest(&fakeChatClient{resp: &qianfan.AIResponse{}}, true)
	body, _ := json.Marshal(map[string]interface{}{"model": "ernie-4.5-turbo-128k", "stream": true})
	req := authedRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.HandleChatCompletion(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleChatCompletion_RateLimited(t *testing.T) {
	h, _ := setupTest(&fakeChatClient{resp: &qianfan.AIResponse{}}, false)
	body, _ := json.Marshal(map[string]string{"model": "ernie-4.5-turbo-128k"})
	req := authedRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.HandleChatCompletion(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60s" {
		t.Errorf("Expected Retry-After: 60s header, got %s", w.Header().Get("Retry-After"))
	}
}

func TestHandleChatCompletion_Success(t *testing.T) {
	chat := &fakeChatClient{resp: &qianfan.AIResponse{
		Content:      "mock",
		FinishReason: "stop",
		Usage:        &qianfan.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
	}}
	h, billingStore := setupTest(chat, true)

	body, _ := json.Marshal(map[string]interface{}{
		"model": "ernie-4.5-turbo-128k",
		"messages": []map[string]string{
			{"role": "user", "content": "hello"},
		},
	})
	req := authedRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.HandleChatCompletion(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp qianfan.AIResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Content != "mock" {
		t.Errorf("Expected content 'mock', got %q", resp.Content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 12 {
		t.Errorf("Unexpected usage: %+v", resp.Usage)
	}

	select {
	case rec := <-billingStore.logged:
		if rec.TenantID != "test-tenant" || rec.RequestID != "req-1" {
			t.Errorf("Unexpected usage attribution: %+v", rec)
		}
		if rec.InputTokens != 10 || rec.OutputTokens != 2 || rec.TotalTokens != 12 {
			t.Errorf("Unexpected usage tokens: %+v", rec)
		}
	case <-time.After(time.Second):
		t.Error("Expected a usage record to be logged")
	}
}

func TestHandleChatCompletion_VendorError(t *testing.T) {
	chat := &fakeChatClient{resp: &qianfan.AIResponse{
		Err: &qianfan.CallError{Kind: qianfan.ErrVendor, Message: "API Error 110: Access token expired"},
	}}
	h, billingStore := setupTest(chat, true)

	body, _ := json.Marshal(map[string]string{"model": "ernie-4.5-turbo-128k"})
	req := authedRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.HandleChatCompletion(w, req)

	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", w.Code)
	}

	var resp qianfan.AIResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Err == nil || resp.Err.Message != "API Error 110: Access token expired" {
		t.Errorf("Expected vendor error in body, got %+v", resp.Err)
	}

	select {
	case <-billingStore.logged:
		t.Error("Expected no usage record on vendor error")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleChatCompletion_BreakerOpensOnTransportFailures(t *testing.T) {
	chat := &fakeChatClient{resp: &qianfan.AIResponse{
		Err: &qianfan.CallError{Kind: qianfan.ErrTransport, Message: "connection refused"},
	}}
	h, _ := setupTest(chat, true)

	body, _ := json.Marshal(map[string]string{"model": "ernie-4.5-turbo-128k"})

	// Trip the breaker with consecutive transport failures.
	for i := 0; i < 3; i++ {
		req := authedRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
		w := httptest.NewRecorder()
		h.HandleChatCompletion(w, req)
		if w.Code != http.StatusBadGateway {
			t.Fatalf("call %d: expected 502, got %d", i, w.Code)
		}
	}

	req := authedRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.HandleChatCompletion(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 once breaker is open, got %d", w.Code)
	}
	if chat.calls != 3 {
		t.Errorf("Expected upstream untouched after breaker opened, got %d calls", chat.calls)
	}
}

func TestHandleModeration_Success(t *testing.T) {
	h, _ := setupTest(&fakeChatClient{resp: &qianfan.AIResponse{}}, true)

	body, _ := json.Marshal(map[string]string{"text": "some text"})
	req := authedRequest("POST", "/v1/moderation", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.HandleModeration(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var verdict censor.Verdict
	if err := json.Unmarshal(w.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("Failed to decode verdict: %v", err)
	}
	if !verdict.Compliant {
		t.Errorf("Expected compliant verdict, got %+v", verdict)
	}
}

func TestHandleModeration_NotConfigured(t *testing.T) {
	billingStore := newMockBillingStore()
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: true})
	tracer := noop.NewTracerProvider().Tracer("test")
	h := NewHandler(&fakeChatClient{resp: &qianfan.AIResponse{}}, nil, nil, nil, stats.New(), billingStore, limiter, tracer)

	body, _ := json.Marshal(map[string]string{"text": "some text"})
	req := authedRequest("POST", "/v1/moderation", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.HandleModeration(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestHandleModeration_UpstreamFailure(t *testing.T) {
	h, _ := setupTest(&fakeChatClient{resp: &qianfan.AIResponse{}}, true)
	h.moderator = &fakeModerator{err: errors.New("token request failed")}

	body, _ := json.Marshal(map[string]string{"text": "some text"})
	req := authedRequest("POST", "/v1/moderation", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.HandleModeration(w, req)

	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", w.Code)
	}
}

func TestHandleModerationRepair_Success(t *testing.T) {
	h, _ := setupTest(&fakeChatClient{resp: &qianfan.AIResponse{}}, true)
	h.repairer = &fakeRepairer{outcome: &repair.Outcome{Status: repair.StatusFixed, Text: "cleaned", Rounds: 1}}

	body, _ := json.Marshal(map[string]string{"text": "dirty text"})
	req := authedRequest("POST", "/v1/moderation/repair", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.HandleModerationRepair(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var outcome repair.Outcome
	if err := json.Unmarshal(w.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("Failed to decode outcome: %v", err)
	}
	if outcome.Status != repair.StatusFixed || outcome.Text != "cleaned" {
		t.Errorf("Unexpected outcome: %+v", outcome)
	}
}

func TestHandleModerationBatch_NotConfigured(t *testing.T) {
	h, _ := setupTest(&fakeChatClient{resp: &qianfan.AIResponse{}}, true)

	body, _ := json.Marshal(map[string]interface{}{"items": []batch.Item{{ID: "a", Text: "fine"}}})
	req := authedRequest("POST", "/v1/moderation/batch", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.HandleModerationBatch(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestHandleModerationBatch_Success(t *testing.T) {
	h, _ := setupTest(&fakeChatClient{resp: &qianfan.AIResponse{}}, true)
	h.batch = batch.NewRunner(&fakeRepairer{outcome: &repair.Outcome{Status: repair.StatusCompliant, Text: "fine"}})

	body, _ := json.Marshal(map[string]interface{}{"items": []batch.Item{
		{ID: "a", Text: "fine"},
		{ID: "b", Text: "   "},
	}})
	req := authedRequest("POST", "/v1/moderation/batch", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.HandleModerationBatch(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp struct {
		Results []batch.ItemResult `json:"results"`
		Summary batch.Summary      `json:"summary"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(resp.Results))
	}
	if resp.Results[1].Status != "skipped" {
		t.Errorf("Expected second item skipped, got %q", resp.Results[1].Status)
	}
	if resp.Summary.Compliant != 1 || resp.Summary.Skipped != 1 {
		t.Errorf("Unexpected summary: %+v", resp.Summary)
	}
}

func TestHandleStats(t *testing.T) {
	sink := stats.New()
	sink.Record(stats.Call{Model: "ernie-4.5-turbo-128k", InputTokens: 10, OutputTokens: 2, TotalTokens: 12})

	billingStore := newMockBillingStore()
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: true})
	tracer := noop.NewTracerProvider().Tracer("test")
	h := NewHandler(&fakeChatClient{resp: &qianfan.AIResponse{}}, nil, nil, nil, sink, billingStore, limiter, tracer)

	req := authedRequest("GET", "/v1/stats", nil)
	w := httptest.NewRecorder()

	h.HandleStats(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var snap stats.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	if snap.TotalCalls != 1 || snap.TotalInputTokens != 10 {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}
}

func TestHandleUsage_Unauthorized(t *testing.T) {
	h, _ := setupTest(&fakeChatClient{resp: &qianfan.AIResponse{}}, true)
	req := httptest.NewRequest("GET", "/v1/usage", nil)
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleUsage_InvalidDateFormat(t *testing.T) {
	h, _ := setupTest(&fakeChatClient{resp: &qianfan.AIResponse{}}, true)
	req := authedRequest("GET", "/v1/usage?from=not-a-date", nil)
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleUsage_Success(t *testing.T) {
	h, _ := setupTest(&fakeChatClient{resp: &qianfan.AIResponse{}}, true)
	req := authedRequest("GET", "/v1/usage", nil)
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["tenant_id"] != "test-tenant" {
		t.Errorf("Expected tenant_id test-tenant, got %v", resp["tenant_id"])
	}
	totals := resp["totals"].(map[string]interface{})
	if totals["total_tokens"].(float64) != 12 {
		t.Errorf("Expected total_tokens 12, got %v", totals["total_tokens"])
	}
	records := resp["records"].([]interface{})
	if len(records) != 1 {
		t.Errorf("Expected 1 record, got %d", len(records))
	}
	if !strings.Contains(w.Body.String(), "ernie-4.5-turbo-128k") {
		t.Errorf("Expected model in records: %s", w.Body.String())
	}
}
