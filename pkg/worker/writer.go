package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentstack/pipeline/pkg/bus"
	"github.com/agentstack/pipeline/pkg/columnar"
	"github.com/agentstack/pipeline/pkg/config"
	"github.com/agentstack/pipeline/pkg/metrics"
	"github.com/agentstack/pipeline/pkg/models"
)

// SpanInserter is the columnar surface the writer flushes to.
type SpanInserter interface {
	InsertSpans(ctx context.Context, rows []columnar.SpanRow) error
}

// Writer is the persistence role: it decodes spans off the ingest stream
// and bulk-inserts them into the columnar spans table. When the store stays
// down past the retry budget, buffered rows spill to a local file and their
// source messages are acknowledged; the spill is replayed once inserts
// succeed again.
type Writer struct {
	store  SpanInserter
	spill  *SpillFile
	budget int
	batch  int
	dedup  *dedupRing
	log    *slog.Logger

	rows     []columnar.SpanRow
	ids      []string
	failures int
}

// NewWriter builds the persistence engine. Spilling is disabled when
// cfg.SpillPath is empty.
func NewWriter(store SpanInserter, cfg *config.WorkerConfig, columnarCfg *config.ColumnarConfig) (*Writer, error) {
	var spill *SpillFile
	if cfg.SpillPath != "" {
		var err error
		spill, err = OpenSpill(cfg.SpillPath)
		if err != nil {
			return nil, err
		}
	}
	return &Writer{
		store:  store,
		spill:  spill,
		budget: columnarCfg.InsertRetryBudget,
		batch:  cfg.BatchSize,
		dedup:  newDedupRing(cfg.DedupWindow),
		log:    slog.With("component", "worker", "role", RoleWriter),
	}, nil
}

func (w *Writer) Role() string   { return RoleWriter }
func (w *Writer) Stream() string { return bus.StreamSpans }
func (w *Writer) Group() string  { return GroupPersistence }
func (w *Writer) Start() string  { return bus.StartFromOldest }

func (w *Writer) Process(_ context.Context, msg bus.Message) error {
	span, err := models.DecodeSpan(msg.Payload)
	if err != nil {
		return fmt.Errorf("failed to decode span %s: %v: %w", msg.ID, err, ErrPoison)
	}
	w.ids = append(w.ids, msg.ID)
	if !w.dedup.Add(span.TraceID + "/" + span.SpanID) {
		// Crash-replay duplicate: acknowledge without a second row.
		return nil
	}
	w.rows = append(w.rows, columnar.NewSpanRow(span))
	return nil
}

func (w *Writer) Buffered() int     { return len(w.ids) }
func (w *Writer) ShouldFlush() bool { return len(w.ids) >= w.batch }

func (w *Writer) Flush(ctx context.Context) ([]string, error) {
	if len(w.rows) > 0 {
		if err := w.store.InsertSpans(ctx, w.rows); err != nil {
			w.failures++
			if w.spill != nil && w.failures >= w.budget {
				return w.spillBuffer(err)
			}
			return nil, fmt.Errorf("failed to insert %d spans: %w", len(w.rows), err)
		}
		w.rows = nil
	}
	w.failures = 0
	ids := w.ids
	w.ids = nil

	// With the store healthy again, replay anything spilled earlier.
	if n, err := w.drainSpill(ctx); err != nil {
		w.log.Warn("Spill drain incomplete", "drained", n, "error", err)
	} else if n > 0 {
		w.log.Info("Drained spill file", "count", n)
	}
	return ids, nil
}

// spillBuffer moves the buffered rows to the spill file. Disk is durable
// enough to release the source messages; spill I/O failure is fatal for the
// process because at that point nothing can hold the data.
func (w *Writer) spillBuffer(cause error) ([]string, error) {
	n, err := w.spill.Write(w.rows)
	if err != nil {
		return nil, fmt.Errorf("failed to spill %d spans: %v: %w", len(w.rows), err, ErrFatal)
	}
	metrics.SpilledSpans.Add(float64(n))
	w.log.Warn("Spilled buffered spans after exhausted insert budget",
		"count", n, "failures", w.failures, "cause", cause)
	ids := w.ids
	w.rows, w.ids = nil, nil
	w.failures = 0
	return ids, nil
}

func (w *Writer) drainSpill(ctx context.Context) (int, error) {
	if w.spill == nil {
		return 0, nil
	}
	return w.spill.Drain(ctx, w.store.InsertSpans, w.batch)
}

// DrainSpill replays rows left behind by a previous run. Called once at
// startup before the consumer begins reading.
func (w *Writer) DrainSpill(ctx context.Context) (int, error) {
	return w.drainSpill(ctx)
}

// dedupRing tracks the most recent n keys. Add reports whether the key was
// absent, inserting it and evicting the oldest entry once full.
type dedupRing struct {
	keys []string
	set  map[string]struct{}
	next int
}

func newDedupRing(n int) *dedupRing {
	if n <= 0 {
		n = 1
	}
	return &dedupRing{
		keys: make([]string, n),
		set:  make(map[string]struct{}, n),
	}
}

func (r *dedupRing) Add(key string) bool {
	if _, ok := r.set[key]; ok {
		return false
	}
	if old := r.keys[r.next]; old != "" {
		delete(r.set, old)
	}
	r.keys[r.next] = key
	r.set[key] = struct{}{}
	r.next = (r.next + 1) % len(r.keys)
	return true
}
