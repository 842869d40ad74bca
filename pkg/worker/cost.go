package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentstack/pipeline/pkg/bus"
	"github.com/agentstack/pipeline/pkg/columnar"
	"github.com/agentstack/pipeline/pkg/config"
	"github.com/agentstack/pipeline/pkg/models"
)

// spanKindLLM is the only span kind priced today.
const spanKindLLM = "llm"

// modelPrice is USD per 1,000 tokens.
type modelPrice struct {
	Prompt     float64
	Completion float64
}

// modelPrices is the static price table.
var modelPrices = map[string]modelPrice{
	"gpt-4":           {Prompt: 0.03, Completion: 0.06},
	"gpt-4-turbo":     {Prompt: 0.01, Completion: 0.03},
	"gpt-4o":          {Prompt: 0.005, Completion: 0.015},
	"gpt-3.5-turbo":   {Prompt: 0.0005, Completion: 0.0015},
	"claude-3-opus":   {Prompt: 0.015, Completion: 0.075},
	"claude-3-sonnet": {Prompt: 0.003, Completion: 0.015},
	"claude-3-haiku":  {Prompt: 0.00025, Completion: 0.00125},
}

// CostInserter is the columnar surface the aggregator flushes to.
type CostInserter interface {
	InsertCostMetrics(ctx context.Context, rows []columnar.CostRow) error
}

// Aggregator is the cost role: spans carrying an llm.model attribute become
// cost_metrics rows; everything else is acknowledged and skipped. Rows for
// the same (project, model, second) are summed by the store.
type Aggregator struct {
	store CostInserter
	batch int
	log   *slog.Logger

	ids           []string
	rows          []columnar.CostRow
	unknownModels map[string]bool
}

// NewAggregator builds the cost engine.
func NewAggregator(store CostInserter, cfg *config.WorkerConfig) *Aggregator {
	return &Aggregator{
		store:         store,
		batch:         cfg.BatchSize,
		unknownModels: make(map[string]bool),
		log:           slog.With("component", "worker", "role", RoleCost),
	}
}

func (g *Aggregator) Role() string   { return RoleCost }
func (g *Aggregator) Stream() string { return bus.StreamSpans }
func (g *Aggregator) Group() string  { return GroupCost }
func (g *Aggregator) Start() string  { return bus.StartFromOldest }

func (g *Aggregator) Process(_ context.Context, msg bus.Message) error {
	span, err := models.DecodeSpan(msg.Payload)
	if err != nil {
		return fmt.Errorf("failed to decode span %s: %v: %w", msg.ID, err, ErrPoison)
	}
	g.ids = append(g.ids, msg.ID)
	if metric, ok := g.metricFor(span); ok {
		g.rows = append(g.rows, columnar.NewCostRow(metric))
	}
	return nil
}

func (g *Aggregator) Buffered() int     { return len(g.ids) }
func (g *Aggregator) ShouldFlush() bool { return len(g.ids) >= g.batch }

func (g *Aggregator) Flush(ctx context.Context) ([]string, error) {
	if len(g.rows) > 0 {
		if err := g.store.InsertCostMetrics(ctx, g.rows); err != nil {
			return nil, fmt.Errorf("failed to insert %d cost metrics: %w", len(g.rows), err)
		}
		g.rows = nil
	}
	ids := g.ids
	g.ids = nil
	return ids, nil
}

// metricFor derives a cost metric from an LLM span. Unknown models are
// recorded with zero cost so their usage stays visible.
func (g *Aggregator) metricFor(span *models.Span) (*models.CostMetric, bool) {
	model := strings.ToLower(strings.TrimSpace(span.Attributes[models.AttrModel]))
	if model == "" {
		return nil, false
	}

	in, _ := models.ParseTokenCount(span.Attributes[models.AttrTokensIn])
	out, _ := models.ParseTokenCount(span.Attributes[models.AttrTokensOut])

	var cost float64
	if price, ok := lookupPrice(model); ok {
		cost = float64(in)*price.Prompt/1000 + float64(out)*price.Completion/1000
	} else if !g.unknownModels[model] {
		g.unknownModels[model] = true
		g.log.Debug("No price for model, recording zero cost", "model", model)
	}

	return &models.CostMetric{
		ProjectID:        span.ProjectID,
		Model:            model,
		SpanKind:         spanKindLLM,
		Timestamp:        time.Unix(0, span.StartTime).UTC().Truncate(time.Second),
		PromptTokens:     in,
		CompletionTokens: out,
		TotalTokens:      in + out,
		CostUSD:          cost,
	}, true
}

// lookupPrice resolves a model name to its price: exact match first, then
// the longest table key the name starts with, so dated variants like
// gpt-4-turbo-2024-04-09 price as gpt-4-turbo rather than gpt-4.
func lookupPrice(model string) (modelPrice, bool) {
	if p, ok := modelPrices[model]; ok {
		return p, true
	}
	bestLen := 0
	var best modelPrice
	for key, p := range modelPrices {
		if len(key) > bestLen && strings.HasPrefix(model, key) {
			bestLen = len(key)
			best = p
		}
	}
	return best, bestLen > 0
}
