package obs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseSink inserts event batches into a ClickHouse table for
// long-term analytics. Optional; configured via CLICKHOUSE_DSN.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

const clickhouseSchema = `
CREATE TABLE IF NOT EXISTS %s (
	id         UUID,
	ts         DateTime64(3, 'UTC'),
	event_name LowCardinality(String),
	payload    String
) ENGINE = MergeTree()
ORDER BY (event_name, ts)
TTL toDateTime(ts) + INTERVAL 90 DAY
`

// NewClickHouseSink connects, verifies with a ping, and ensures the events
// table exists.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("obs: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("obs: clickhouse open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("obs: clickhouse ping: %w", err)
	}

	s := &ClickHouseSink{conn: conn, table: "ditto_gateway_events"}
	if err := conn.Exec(ctx, fmt.Sprintf(clickhouseSchema, s.table)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("obs: clickhouse schema: %w", err)
	}
	return s, nil
}

// Write inserts one batch.
func (s *ClickHouseSink) Write(ctx context.Context, events []Event) error {
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (id, ts, event_name, payload)", s.table))
	if err != nil {
		return fmt.Errorf("obs: prepare batch: %w", err)
	}
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			payload = []byte("{}")
		}
		if err := batch.Append(ev.ID, ev.Ts, ev.Name, string(payload)); err != nil {
			return fmt.Errorf("obs: batch append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("obs: batch send: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *ClickHouseSink) Close() error { return s.conn.Close() }
