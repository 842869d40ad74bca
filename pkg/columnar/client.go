// Package columnar provides the ClickHouse analytics-store client and the
// migration utilities that ship its table DDL.
package columnar

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/agentstack/pipeline/pkg/config"
	"github.com/agentstack/pipeline/pkg/version"
)

// Client wraps the native-protocol ClickHouse connection used for batch
// inserts. One Client is shared by all consumer engines in a process.
type Client struct {
	conn driver.Conn
	opts *clickhouse.Options
}

// NewClient connects to the analytics store and applies pending migrations.
// Connection failure and migration failure are both startup errors.
func NewClient(ctx context.Context, cfg *config.ColumnarConfig) (*Client, error) {
	opts, err := clickhouse.ParseDSN(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid analytics store URL: %w", err)
	}
	opts.ClientInfo = clickhouse.ClientInfo{
		Products: []struct{ Name, Version string }{
			{Name: version.AppName, Version: version.GitCommit},
		},
	}
	opts.DialTimeout = 5 * time.Second

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open analytics store connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping analytics store: %w", err)
	}

	if err := runMigrations(opts); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{conn: conn, opts: opts}, nil
}

// InsertSpans bulk-inserts span rows. The call is atomic from the caller's
// point of view: on error no row is considered persisted and the whole batch
// must be retried.
func (c *Client) InsertSpans(ctx context.Context, rows []SpanRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := c.conn.PrepareBatch(ctx, `INSERT INTO spans
		(span_id, trace_id, parent_span_id, project_id, name, service_name,
		 status, start_time, end_time, duration_ms, attributes, events)`)
	if err != nil {
		return fmt.Errorf("failed to prepare span batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(
			r.SpanID, r.TraceID, r.ParentSpanID, r.ProjectID, r.Name,
			r.ServiceName, r.Status, r.StartTime, r.EndTime, r.DurationMS,
			r.Attributes, r.Events,
		); err != nil {
			return fmt.Errorf("failed to append span row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert %d spans: %w", len(rows), err)
	}
	return nil
}

// InsertAlerts bulk-inserts security alert rows.
func (c *Client) InsertAlerts(ctx context.Context, rows []AlertRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := c.conn.PrepareBatch(ctx, `INSERT INTO security_alerts
		(id, project_id, trace_id, span_id, rule_name, severity, score,
		 description, evidence, created_at)`)
	if err != nil {
		return fmt.Errorf("failed to prepare alert batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(
			r.ID, r.ProjectID, r.TraceID, r.SpanID, r.RuleName, r.Severity,
			r.Score, r.Description, r.Evidence, r.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to append alert row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert %d alerts: %w", len(rows), err)
	}
	return nil
}

// InsertCostMetrics bulk-inserts cost rows. Rows sharing a
// (project_id, model, timestamp) key are summed by the table engine.
func (c *Client) InsertCostMetrics(ctx context.Context, rows []CostRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := c.conn.PrepareBatch(ctx, `INSERT INTO cost_metrics
		(project_id, model, span_kind, timestamp, prompt_tokens,
		 completion_tokens, total_tokens, cost_usd)`)
	if err != nil {
		return fmt.Errorf("failed to prepare cost batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(
			r.ProjectID, r.Model, r.SpanKind, r.Timestamp, r.PromptTokens,
			r.CompletionTokens, r.TotalTokens, r.CostUSD,
		); err != nil {
			return fmt.Errorf("failed to append cost row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert %d cost rows: %w", len(rows), err)
	}
	return nil
}

// Ping verifies the analytics store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.conn.Close()
}
