package logger

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const createUsageTable = `CREATE TABLE IF NOT EXISTS usage_events (
	log_id            String,
	request_id        String,
	user_id           String,
	api_key_id        String,
	provider_id       String,
	model             LowCardinality(String),
	endpoint          LowCardinality(String),
	status            LowCardinality(String),
	streaming         Bool,
	cached            Bool,
	prompt_tokens     UInt32,
	completion_tokens UInt32,
	cost              Float64,
	latency_ms        UInt32,
	created_at        DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (provider_id, created_at)`

const insertUsage = `INSERT INTO usage_events`

// ClickHouseWriter appends usage batches to the usage_events table.
type ClickHouseWriter struct {
	conn driver.Conn
}

// NewClickHouseWriter connects with a clickhouse:// DSN and ensures the
// table exists.
func NewClickHouseWriter(ctx context.Context, dsn string) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("logger: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("logger: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("logger: ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, createUsageTable); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("logger: create usage table: %w", err)
	}
	return &ClickHouseWriter{conn: conn}, nil
}

func (w *ClickHouseWriter) WriteBatch(ctx context.Context, events []UsageEvent) error {
	batch, err := w.conn.PrepareBatch(ctx, insertUsage)
	if err != nil {
		return fmt.Errorf("logger: prepare batch: %w", err)
	}
	for _, e := range events {
		err := batch.Append(
			e.LogID,
			e.RequestID,
			e.UserID,
			e.APIKeyID,
			e.ProviderID,
			e.Model,
			e.Endpoint,
			e.Status,
			e.Streaming,
			e.Cached,
			e.PromptTokens,
			e.CompletionTokens,
			e.Cost,
			e.LatencyMs,
			e.CreatedAt,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("logger: append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("logger: send batch: %w", err)
	}
	return nil
}

func (w *ClickHouseWriter) Close() error { return w.conn.Close() }
