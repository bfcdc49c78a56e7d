// Package mqtt publishes notifications to MQTT topics
// <topicPrefix>/<entity>/ready.
package mqtt

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/pgtable/pkg/events"
	"github.com/edgeflare/pgtable/pkg/table"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errTimeout = errors.New("mqtt operation timed out")

type Config struct {
	Servers     []string `json:"servers"`
	TopicPrefix string   `json:"topicPrefix"`
	ClientID    string   `json:"clientID,omitempty"`
	Username    string   `json:"username,omitempty"`
	Password    string   `json:"password,omitempty"`
	QoS         byte     `json:"qos,omitempty"`
	Retained    bool     `json:"retained,omitempty"`
	// ConnectTimeout is a duration string, e.g. "10s".
	ConnectTimeout string `json:"connectTimeout,omitempty"`
}

// Connector implements events.Connector for MQTT
type Connector struct {
	client  mqtt.Client
	timeout time.Duration
	logger  *zap.Logger
	Config  Config
}

// clientOptions builds paho options, falling back to PGTABLE_MQTT_* env vars.
func (c *Config) clientOptions() (*mqtt.ClientOptions, time.Duration, error) {
	if c.QoS > 2 {
		return nil, 0, fmt.Errorf("invalid qos %d", c.QoS)
	}
	timeout := 10 * time.Second
	if c.ConnectTimeout != "" {
		d, err := time.ParseDuration(c.ConnectTimeout)
		if err != nil {
			return nil, 0, fmt.Errorf("connectTimeout: %w", err)
		}
		timeout = d
	}

	opts := mqtt.NewClientOptions()
	servers := c.Servers
	if len(servers) == 0 {
		servers = []string{cmp.Or(os.Getenv("PGTABLE_MQTT_BROKER"), "tcp://127.0.0.1:1883")}
	}
	for _, s := range servers {
		opts.AddBroker(s)
	}
	opts.SetClientID(cmp.Or(c.ClientID, "pgtable-"+uuid.NewString()[:8]))
	opts.SetUsername(cmp.Or(c.Username, os.Getenv("PGTABLE_MQTT_USERNAME")))
	opts.SetPassword(cmp.Or(c.Password, os.Getenv("PGTABLE_MQTT_PASSWORD")))
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(timeout)
	opts.SetCleanSession(true)
	return opts, timeout, nil
}

func (c *Connector) Connect(_ context.Context, config json.RawMessage, logger *zap.Logger) error {
	if len(config) > 0 {
		if err := json.Unmarshal(config, &c.Config); err != nil {
			return fmt.Errorf("unmarshal MQTT config: %w", err)
		}
	}
	c.Config.TopicPrefix = cmp.Or(c.Config.TopicPrefix, "pgtable")
	c.logger = logger
	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	opts, timeout, err := c.Config.clientOptions()
	if err != nil {
		return err
	}
	c.timeout = timeout
	c.client = mqtt.NewClient(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("broker connection: %w", errTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker connection error: %w", err)
	}
	return nil
}

func (c *Connector) Publish(ctx context.Context, ev *table.ResponseReady) error {
	if c.client == nil {
		return events.ErrNotConnected
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	topic := events.Topic(c.Config.TopicPrefix, ev.Entity, "/")
	token := c.client.Publish(topic, c.Config.QoS, c.Config.Retained, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	c.logger.Debug("message published", zap.String("topic", topic))
	return nil
}

// Close disconnects from the broker, waiting up to 250ms for in-flight work.
func (c *Connector) Close() error {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	return nil
}

func init() {
	events.RegisterConnector(events.ConnectorMQTT, func() events.Connector { return &Connector{} })
}
