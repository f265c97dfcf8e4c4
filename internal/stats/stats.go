// Package stats accumulates token usage across chat completion calls.
// The sink is an injected dependency rather than package-global state,
// so concurrent callers share one mutex-guarded instance and tests get
// a fresh one.
package stats

import (
	"sync"
	"time"
)

// Call is the per-call usage reported by the client after a successful
// response parse. CallID and Timestamp are assigned by the sink.
type Call struct {
	Model                string
	InputTokens          int
	OutputTokens         int
	TotalTokens          int
	EstimatedInputTokens int
	SystemPromptLength   int
	UserContentLength    int
}

type CallDetail struct {
	CallID               int       `json:"call_id"`
	Timestamp            time.Time `json:"timestamp"`
	Model                string    `json:"model"`
	InputTokens          int       `json:"input_tokens"`
	OutputTokens         int       `json:"output_tokens"`
	TotalTokens          int       `json:"total_tokens"`
	EstimatedInputTokens int       `json:"estimated_input_tokens"`
	SystemPromptLength   int       `json:"system_prompt_length"`
	UserContentLength    int       `json:"user_content_length"`
}

type Snapshot struct {
	TotalCalls        int          `json:"total_calls"`
	TotalInputTokens  int          `json:"total_input_tokens"`
	TotalOutputTokens int          `json:"total_output_tokens"`
	CallsDetail       []CallDetail `json:"calls_detail"`
}

// Recorder is the write side of the sink; the client depends on this
// interface only.
type Recorder interface {
	Record(call Call)
}

// TokenStats holds process-lifetime counters plus an ordered per-call
// detail log. Never persisted.
type TokenStats struct {
	mu sync.Mutex

	maxDetail         int
	totalCalls        int
	totalInputTokens  int
	totalOutputTokens int
	detail            []CallDetail
}

type Option func(*TokenStats)

// WithMaxDetail bounds the retained per-call detail log, dropping the
// oldest entries once the bound is exceeded. Zero keeps every entry,
// which grows without bound for the process lifetime.
func WithMaxDetail(n int) Option {
	return func(s *TokenStats) { s.maxDetail = n }
}

func New(opts ...Option) *TokenStats {
	s := &TokenStats{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TokenStats) Record(call Call) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalCalls++
	s.totalInputTokens += call.InputTokens
	s.totalOutputTokens += call.OutputTokens

	s.detail = append(s.detail, CallDetail{
		CallID:               s.totalCalls,
		Timestamp:            time.Now(),
		Model:                call.Model,
		InputTokens:          call.InputTokens,
		OutputTokens:         call.OutputTokens,
		TotalTokens:          call.TotalTokens,
		EstimatedInputTokens: call.EstimatedInputTokens,
		SystemPromptLength:   call.SystemPromptLength,
		UserContentLength:    call.UserContentLength,
	})
	if s.maxDetail > 0 && len(s.detail) > s.maxDetail {
		s.detail = append(s.detail[:0:0], s.detail[len(s.detail)-s.maxDetail:]...)
	}
}

// Snapshot returns a copy safe to read while calls continue.
func (s *TokenStats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	detail := make([]CallDetail, len(s.detail))
	copy(detail, s.detail)

	return Snapshot{
		TotalCalls:        s.totalCalls,
		TotalInputTokens:  s.totalInputTokens,
		TotalOutputTokens: s.totalOutputTokens,
		CallsDetail:       detail,
	}
}

func (s *TokenStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalCalls = 0
	s.totalInputTokens = 0
	s.totalOutputTokens = 0
	s.detail = nil
}
