// Package batch runs moderation-and-repair over many texts with
// bounded concurrency.
package batch

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vnmchuo/qianfan-gateway/internal/repair"
)

const DefaultConcurrency = 4

type Processor interface {
	Process(ctx context.Context, text string) (*repair.Outcome, error)
}

type Item struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ItemResult statuses extend repair's with "skipped" (empty input) and
// "error" (processing failure).
type ItemResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
	Text   string `json:"text,omitempty"`
	Rounds int    `json:"rounds,omitempty"`
}

type Summary struct {
	Total        int `json:"total"`
	Compliant    int `json:"compliant"`
	Fixed        int `json:"fixed"`
	NonCompliant int `json:"non_compliant"`
	Errors       int `json:"errors"`
	Skipped      int `json:"skipped"`
}

type Runner struct {
	proc        Processor
	concurrency int
	log         zerolog.Logger
}

type Option func(*Runner)

func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(r *Runner) { r.log = log }
}

func NewRunner(proc Processor, opts ...Option) *Runner {
	r := &Runner{proc: proc, concurrency: DefaultConcurrency, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes every item and returns per-item results in input order
// plus a summary. Individual failures are recorded, not propagated.
func (r *Runner) Run(ctx context.Context, items []Item) ([]ItemResult, Summary) {
	results := make([]ItemResult, len(items))

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(i int, item Item) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = r.processOne(ctx, item)
		}(i, item)
	}
	wg.Wait()

	var summary Summary
	summary.Total = len(results)
	for _, res := range results {
		switch res.Status {
		case string(repair.StatusCompliant):
			summary.Compliant++
		case string(repair.StatusFixed):
			summary.Fixed++
		case string(repair.StatusNonCompliant):
			summary.NonCompliant++
		case "error":
			summary.Errors++
		case "skipped":
			summary.Skipped++
		}
	}

	r.log.Info().
		Int("total", summary.Total).
		Int("compliant", summary.Compliant).
		Int("fixed", summary.Fixed).
		Int("non_compliant", summary.NonCompliant).
		Int("errors", summary.Errors).
		Int("skipped", summary.Skipped).
		Msg("batch moderation finished")

	return results, summary
}

func (r *Runner) processOne(ctx context.Context, item Item) ItemResult {
	if strings.TrimSpace(item.Text) == "" {
		return ItemResult{ID: item.ID, Status: "skipped", Detail: "empty text"}
	}

	outcome, err := r.proc.Process(ctx, item.Text)
	if err != nil {
		r.log.Error().Err(err).Str("item", item.ID).Msg("batch item failed")
		return ItemResult{ID: item.ID, Status: "error", Detail: err.Error()}
	}

	return ItemResult{
		ID:     item.ID,
		Status: string(outcome.Status),
		Detail: outcome.Detail,
		Text:   outcome.Text,
		Rounds: outcome.Rounds,
	}
}
