// Package debug logs notifications instead of delivering them.
package debug

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/edgeflare/pgtable/pkg/events"
	"github.com/edgeflare/pgtable/pkg/table"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	// Level is a zap level name. Default "info".
	Level string `json:"level,omitempty"`
	// Payload also logs the full response envelope.
	Payload bool `json:"payload,omitempty"`
}

// Connector logs each notification through zap.
type Connector struct {
	logger *zap.Logger
	level  zapcore.Level
	Config Config
}

func (c *Connector) Connect(_ context.Context, config json.RawMessage, logger *zap.Logger) error {
	if len(config) > 0 {
		if err := json.Unmarshal(config, &c.Config); err != nil {
			return fmt.Errorf("unmarshal debug config: %w", err)
		}
	}
	c.level = zapcore.InfoLevel
	if c.Config.Level != "" {
		lvl, err := zapcore.ParseLevel(c.Config.Level)
		if err != nil {
			return fmt.Errorf("debug level: %w", err)
		}
		c.level = lvl
	}
	c.logger = logger
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return nil
}

func (c *Connector) Publish(_ context.Context, ev *table.ResponseReady) error {
	if c.logger == nil {
		return events.ErrNotConnected
	}
	fields := []zap.Field{
		zap.String("connector", events.ConnectorDebug),
		zap.String("id", ev.ID),
		zap.String("entity", string(ev.Entity)),
		zap.String("requestId", ev.RequestID),
		zap.String("actor", ev.ActorID),
	}
	if ev.Response != nil {
		fields = append(fields,
			zap.Int("total", ev.Response.Counts.Total),
			zap.Int("filtered", ev.Response.Counts.Filtered),
			zap.Int("rows", len(ev.Response.Rows)),
		)
	}
	if c.Config.Payload {
		fields = append(fields, zap.Any("response", ev.Response))
	}
	c.logger.Log(c.level, "response ready", fields...)
	return nil
}

func (c *Connector) Close() error {
	return nil
}

func init() {
	events.RegisterConnector(events.ConnectorDebug, func() events.Connector { return &Connector{} })
}
