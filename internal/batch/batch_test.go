package batch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/qianfan-gateway/internal/repair"
)

// fakeProcessor decides the outcome from markers in the text.
type fakeProcessor struct{}

func (p *fakeProcessor) Process(ctx context.Context, text string) (*repair.Outcome, error) {
	switch {
	case strings.Contains(text, "boom"):
		return nil, errors.New("moderation failed: boom")
	case strings.Contains(text, "dirty"):
		return &repair.Outcome{Status: repair.StatusFixed, Text: "cleaned", Rounds: 1}, nil
	case strings.Contains(text, "hopeless"):
		return &repair.Outcome{Status: repair.StatusNonCompliant, Text: text, Detail: "still bad", Rounds: 3}, nil
	default:
		return &repair.Outcome{Status: repair.StatusCompliant, Text: text}, nil
	}
}

func TestRun_MixedOutcomes(t *testing.T) {
	runner := NewRunner(&fakeProcessor{}, WithConcurrency(2))

	items := []Item{
		{ID: "a", Text: "fine"},
		{ID: "b", Text: "dirty"},
		{ID: "c", Text: "hopeless"},
		{ID: "d", Text: "boom"},
		{ID: "e", Text: "   "},
	}

	results, summary := runner.Run(context.Background(), items)
	require.Len(t, results, 5)

	// Results keep input order.
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, string(repair.StatusCompliant), results[0].Status)

	assert.Equal(t, string(repair.StatusFixed), results[1].Status)
	assert.Equal(t, "cleaned", results[1].Text)
	assert.Equal(t, 1, results[1].Rounds)

	assert.Equal(t, string(repair.StatusNonCompliant), results[2].Status)
	assert.Equal(t, "still bad", results[2].Detail)

	assert.Equal(t, "error", results[3].Status)
	assert.Contains(t, results[3].Detail, "boom")

	assert.Equal(t, "skipped", results[4].Status)

	assert.Equal(t, Summary{Total: 5, Compliant: 1, Fixed: 1, NonCompliant: 1, Errors: 1, Skipped: 1}, summary)
}

func TestRun_Empty(t *testing.T) {
	runner := NewRunner(&fakeProcessor{})

	results, summary := runner.Run(context.Background(), nil)
	assert.Empty(t, results)
	assert.Equal(t, Summary{}, summary)
}
