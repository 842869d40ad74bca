package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregator_CostFormula(t *testing.T) {
	store := &fakeStore{}
	g := NewAggregator(store, testWorkerConfig())
	ctx := context.Background()

	span := sampleSpan(t, "s1", map[string]string{
		"llm.model":      "gpt-4",
		"llm.tokens.in":  "1500",
		"llm.tokens.out": "500",
	})
	require.NoError(t, g.Process(ctx, spanMessage(t, "1-1", span)))

	ids, err := g.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1-1"}, ids)

	require.Equal(t, 1, store.costCount())
	row := store.costs[0]
	assert.Equal(t, "proj_a", row.ProjectID)
	assert.Equal(t, "gpt-4", row.Model)
	assert.Equal(t, "llm", row.SpanKind)
	assert.Equal(t, uint64(1500), row.PromptTokens)
	assert.Equal(t, uint64(500), row.CompletionTokens)
	assert.Equal(t, uint64(2000), row.TotalTokens)
	// 1500*0.03/1000 + 500*0.06/1000
	assert.InDelta(t, 0.075, row.CostUSD, 1e-9)

	wantTS := time.Unix(0, span.StartTime).UTC().Truncate(time.Second)
	assert.Equal(t, wantTS, row.Timestamp, "timestamp carries second precision")
}

func TestAggregator_SkipsSpansWithoutModel(t *testing.T) {
	store := &fakeStore{}
	g := NewAggregator(store, testWorkerConfig())
	ctx := context.Background()

	require.NoError(t, g.Process(ctx, spanMessage(t, "1-1", sampleSpan(t, "s1", nil))))

	ids, err := g.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1-1"}, ids, "non-LLM spans are acknowledged")
	assert.Equal(t, 0, store.costCount())
}

func TestAggregator_UnknownModelRecordsZeroCost(t *testing.T) {
	store := &fakeStore{}
	g := NewAggregator(store, testWorkerConfig())
	ctx := context.Background()

	span := sampleSpan(t, "s1", map[string]string{
		"llm.model":      "my-local-model",
		"llm.tokens.in":  "100",
		"llm.tokens.out": "100",
	})
	require.NoError(t, g.Process(ctx, spanMessage(t, "1-1", span)))
	_, err := g.Flush(ctx)
	require.NoError(t, err)

	require.Equal(t, 1, store.costCount())
	row := store.costs[0]
	assert.Zero(t, row.CostUSD)
	assert.Equal(t, uint64(200), row.TotalTokens, "usage is still recorded")
}

func TestAggregator_NormalizesModelVariants(t *testing.T) {
	tests := []struct {
		name     string
		model    string
		wantCost float64 // for 1000 in + 1000 out
	}{
		{"dated turbo variant", "gpt-4-turbo-2024-04-09", 0.01 + 0.03},
		{"dated base variant", "gpt-4-0613", 0.03 + 0.06},
		{"case folded", "GPT-4o", 0.005 + 0.015},
		{"claude dated", "claude-3-haiku-20240307", 0.00025 + 0.00125},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			g := NewAggregator(store, testWorkerConfig())
			span := sampleSpan(t, "s1", map[string]string{
				"llm.model":      tt.model,
				"llm.tokens.in":  "1000",
				"llm.tokens.out": "1000",
			})
			require.NoError(t, g.Process(context.Background(), spanMessage(t, "1-1", span)))
			_, err := g.Flush(context.Background())
			require.NoError(t, err)
			require.Equal(t, 1, store.costCount())
			assert.InDelta(t, tt.wantCost, store.costs[0].CostUSD, 1e-9)
		})
	}
}

func TestAggregator_MissingTokensCountZero(t *testing.T) {
	store := &fakeStore{}
	g := NewAggregator(store, testWorkerConfig())

	span := sampleSpan(t, "s1", map[string]string{"llm.model": "gpt-4"})
	require.NoError(t, g.Process(context.Background(), spanMessage(t, "1-1", span)))
	_, err := g.Flush(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, store.costCount())
	assert.Zero(t, store.costs[0].TotalTokens)
	assert.Zero(t, store.costs[0].CostUSD)
}

func TestAggregator_FlushFailureRetainsBuffer(t *testing.T) {
	store := &fakeStore{failCosts: true}
	g := NewAggregator(store, testWorkerConfig())
	ctx := context.Background()

	span := sampleSpan(t, "s1", map[string]string{"llm.model": "gpt-4", "llm.tokens.in": "10"})
	require.NoError(t, g.Process(ctx, spanMessage(t, "1-1", span)))

	ids, err := g.Flush(ctx)
	require.Error(t, err)
	assert.Nil(t, ids)
	assert.Equal(t, 1, g.Buffered())
}

func TestLookupPrice(t *testing.T) {
	p, ok := lookupPrice("gpt-4")
	require.True(t, ok)
	assert.Equal(t, 0.03, p.Prompt)

	// The longest prefix wins: gpt-4o-mini must not price as gpt-4.
	p, ok = lookupPrice("gpt-4o-mini")
	require.True(t, ok)
	assert.Equal(t, 0.005, p.Prompt)

	_, ok = lookupPrice("unpriced-model")
	assert.False(t, ok)
}
