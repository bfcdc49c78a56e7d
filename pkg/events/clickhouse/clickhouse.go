// Package clickhouse writes every notification to an audit table.
package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/edgeflare/pgtable/pkg/events"
	"github.com/edgeflare/pgtable/pkg/table"
	"github.com/edgeflare/pgtable/pkg/util"
	"go.uber.org/zap"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Config struct {
	Addr     []string `json:"addr"`
	Database string   `json:"database"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	Table    string   `json:"table"`
	// CreateTable creates the audit table on connect if it is missing.
	CreateTable bool `json:"createTable"`
}

// setDefaults fills unset values from PGTABLE_CLICKHOUSE_* env vars.
func (c *Config) setDefaults() error {
	if len(c.Addr) == 0 {
		c.Addr = util.GetEnvList("PGTABLE_CLICKHOUSE_ADDR", "localhost:9000")
	}
	if c.Database == "" {
		c.Database = util.GetEnvOrDefault("PGTABLE_CLICKHOUSE_DATABASE", "default")
	}
	if c.Username == "" {
		c.Username = util.GetEnvOrDefault("PGTABLE_CLICKHOUSE_USERNAME", "default")
	}
	if c.Password == "" {
		c.Password = util.GetEnvOrDefault("PGTABLE_CLICKHOUSE_PASSWORD", "")
	}
	if c.Table == "" {
		c.Table = "pgtable_responses"
	}
	if !identifier.MatchString(c.Table) {
		return fmt.Errorf("invalid table name %q", c.Table)
	}
	return nil
}

func (c *Config) createTableSQL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id String,
	entity LowCardinality(String),
	request_id String,
	actor_id String,
	time DateTime64(3),
	request String,
	response String,
	total UInt64,
	filtered UInt64
) ENGINE = MergeTree ORDER BY (entity, time)`, c.Table)
}

func (c *Config) insertSQL() string {
	return fmt.Sprintf(`INSERT INTO %s (id, entity, request_id, actor_id, time, request, response, total, filtered) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, c.Table)
}

// Connector implements events.Connector for ClickHouse
type Connector struct {
	conn   driver.Conn
	logger *zap.Logger
	Config Config
}

func (c *Connector) Connect(ctx context.Context, config json.RawMessage, logger *zap.Logger) error {
	if len(config) > 0 {
		if err := json.Unmarshal(config, &c.Config); err != nil {
			return fmt.Errorf("parse ClickHouse config: %w", err)
		}
	}
	if err := c.Config.setDefaults(); err != nil {
		return err
	}
	c.logger = logger
	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: c.Config.Addr,
		Auth: clickhouse.Auth{
			Database: c.Config.Database,
			Username: c.Config.Username,
			Password: c.Config.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("ping ClickHouse: %w", err)
	}
	if c.Config.CreateTable {
		if err := conn.Exec(ctx, c.Config.createTableSQL()); err != nil {
			conn.Close()
			return fmt.Errorf("create table %s: %w", c.Config.Table, err)
		}
	}
	c.conn = conn
	return nil
}

// row returns the insert arguments for ev.
func row(ev *table.ResponseReady) ([]any, error) {
	response, err := json.Marshal(ev.Response)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	var total, filtered uint64
	if ev.Response != nil {
		total = uint64(ev.Response.Counts.Total)
		filtered = uint64(ev.Response.Counts.Filtered)
	}
	return []any{
		ev.ID,
		string(ev.Entity),
		ev.RequestID,
		ev.ActorID,
		ev.Time,
		string(ev.RawRequest),
		string(response),
		total,
		filtered,
	}, nil
}

func (c *Connector) Publish(ctx context.Context, ev *table.ResponseReady) error {
	if c.conn == nil {
		return events.ErrNotConnected
	}
	args, err := row(ev)
	if err != nil {
		return err
	}
	if err := c.conn.Exec(ctx, c.Config.insertSQL(), args...); err != nil {
		return fmt.Errorf("insert into %s: %w", c.Config.Table, err)
	}
	c.logger.Debug("notification stored", zap.String("table", c.Config.Table), zap.String("id", ev.ID))
	return nil
}

func (c *Connector) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func init() {
	events.RegisterConnector(events.ConnectorClickHouse, func() events.Connector { return &Connector{} })
}
