// Package nats publishes notifications to a JetStream stream on subjects
// <subjectPrefix>.<entity>.ready. The notification id is used as the
// JetStream message id, so redelivered publishes are deduplicated.
package nats

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/edgeflare/pgtable/pkg/events"
	"github.com/edgeflare/pgtable/pkg/table"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Config represents NATS configuration
type Config struct {
	Servers       []string `json:"servers"`
	Stream        string   `json:"stream"`
	SubjectPrefix string   `json:"subjectPrefix"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	TLS           struct {
		Enabled  bool   `json:"enabled"`
		CertFile string `json:"certFile,omitempty"`
		KeyFile  string `json:"keyFile,omitempty"`
		CAFile   string `json:"caFile,omitempty"`
	} `json:"tls,omitempty"`
}

func (c *Config) setDefaults() {
	if len(c.Servers) == 0 {
		c.Servers = []string{nats.DefaultURL}
	}
	c.SubjectPrefix = cmp.Or(c.SubjectPrefix, "pgtable")
	c.Stream = cmp.Or(c.Stream, c.SubjectPrefix+"-responses")
}

// Connector implements events.Connector for NATS JetStream
type Connector struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
	Config Config
}

// Connect establishes a connection to the NATS server and ensures the stream
func (c *Connector) Connect(_ context.Context, config json.RawMessage, logger *zap.Logger) error {
	if len(config) > 0 {
		if err := json.Unmarshal(config, &c.Config); err != nil {
			return fmt.Errorf("unmarshal NATS config: %w", err)
		}
	}
	c.Config.setDefaults()
	c.logger = logger
	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	opts := defaultOptions(c.Config)

	// Connect to first available server
	var err error
	for _, server := range c.Config.Servers {
		c.nc, err = nats.Connect(server, opts...)
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("connect to NATS server: %w", err)
	}

	if c.js, err = c.nc.JetStream(); err != nil {
		c.nc.Close()
		return fmt.Errorf("create JetStream context: %w", err)
	}

	if err := c.ensureStream(); err != nil {
		c.nc.Close()
		return fmt.Errorf("ensure stream: %w", err)
	}
	return nil
}

func (c *Connector) Publish(ctx context.Context, ev *table.ResponseReady) error {
	if c.js == nil {
		return events.ErrNotConnected
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	subject := events.Topic(c.Config.SubjectPrefix, ev.Entity, ".")
	ack, err := c.js.Publish(subject, data, nats.MsgId(ev.ID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	c.logger.Debug("published", zap.String("subject", subject), zap.Uint64("seq", ack.Sequence), zap.Bool("duplicate", ack.Duplicate))
	return nil
}

// Close drains and closes the NATS connection
func (c *Connector) Close() error {
	if c.nc == nil {
		return nil
	}
	err := c.nc.Drain()
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}

func (c *Connector) streamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:       c.Config.Stream,
		Subjects:   []string{c.Config.SubjectPrefix + ".>"},
		Storage:    nats.FileStorage,
		Replicas:   1,
		Duplicates: 2 * time.Minute,
	}
}

// ensureStream creates or updates the stream
func (c *Connector) ensureStream() error {
	config := c.streamConfig()

	stream, err := c.js.StreamInfo(config.Name)
	if err == nil {
		if !streamConfigEqual(stream.Config, *config) {
			if _, err = c.js.UpdateStream(config); err != nil {
				return fmt.Errorf("update stream: %w", err)
			}
			c.logger.Info("updated stream", zap.String("stream", config.Name))
		}
		return nil
	}

	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("get stream info: %w", err)
	}

	if _, err := c.js.AddStream(config); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	c.logger.Info("created stream", zap.String("stream", config.Name))
	return nil
}

// streamConfigEqual checks if two nats.StreamConfig are equivalent
func streamConfigEqual(a, b nats.StreamConfig) bool {
	return a.Name == b.Name &&
		a.Storage == b.Storage &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates &&
		slices.Equal(a.Subjects, b.Subjects)
}

func defaultOptions(c Config) []nats.Option {
	opts := []nats.Option{
		nats.Name("pgtable"),
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.MaxReconnects(-1),
	}

	if c.Username != "" && c.Password != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}

	if c.TLS.Enabled {
		if c.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(c.TLS.CAFile))
		}
		if c.TLS.CertFile != "" && c.TLS.KeyFile != "" {
			opts = append(opts, nats.ClientCert(c.TLS.CertFile, c.TLS.KeyFile))
		}
	}

	return opts
}

func init() {
	events.RegisterConnector(events.ConnectorNATS, func() events.Connector { return &Connector{} })
}
