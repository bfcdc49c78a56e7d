// Package events delivers table.ResponseReady notifications to external
// sinks. A sink is a named instance of a registered connector; connectors
// register themselves from init, so importing a connector package makes it
// available to Open:
//
//	import _ "github.com/edgeflare/pgtable/pkg/events/nats"
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/edgeflare/pgtable/pkg/metrics"
	"github.com/edgeflare/pgtable/pkg/table"
	"go.uber.org/zap"
)

// Predefined connectors
const (
	ConnectorClickHouse = "clickhouse"
	ConnectorDebug      = "debug"
	ConnectorKafka      = "kafka"
	ConnectorMQTT       = "mqtt"
	ConnectorNATS       = "nats"
	ConnectorWebhook    = "webhook"
)

var (
	ErrUnknownConnector = errors.New("unknown connector")
	ErrNotConnected     = errors.New("connector not connected")
)

// A Connector delivers notifications to one destination.
type Connector interface {
	// Connect initializes the connector. config holds connector-specific
	// settings as JSON.
	Connect(ctx context.Context, config json.RawMessage, logger *zap.Logger) error

	Publish(ctx context.Context, ev *table.ResponseReady) error

	Close() error
}

// Factory returns a fresh, unconnected Connector.
type Factory func() Connector

var (
	connectors = make(map[string]Factory)
	mu         sync.RWMutex
)

// RegisterConnector adds a connector to the registry under name.
func RegisterConnector(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	connectors[name] = f
}

// Connectors returns the registered connector names, sorted.
func Connectors() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(connectors))
	for name := range connectors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func lookup(name string) (Factory, bool) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := connectors[name]
	return f, ok
}

// Sink configures one destination.
type Sink struct {
	Name      string `mapstructure:"name"`
	Connector string `mapstructure:"connector"`
	// Config is passed to the connector's Connect as JSON.
	Config map[string]any `mapstructure:"config"`
	Filter *Filter        `mapstructure:"filter"`
}

// Open connects every sink and returns them as one publisher. If any sink
// fails to connect, the ones already connected are closed.
func Open(ctx context.Context, sinks []Sink, logger *zap.Logger) (*Multi, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := NewMulti(logger)
	for _, s := range sinks {
		c, err := open(ctx, s, logger)
		if err != nil {
			if cerr := m.Close(); cerr != nil {
				logger.Warn("failed to close sinks", zap.Error(cerr))
			}
			return nil, fmt.Errorf("sink %s: %w", s.Name, err)
		}
		m.AttachFiltered(s.Name, c, s.Filter)
		logger.Info("sink connected", zap.String("sink", s.Name), zap.String("connector", s.Connector))
	}
	return m, nil
}

func open(ctx context.Context, s Sink, logger *zap.Logger) (Connector, error) {
	f, ok := lookup(s.Connector)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownConnector, s.Connector)
	}
	if s.Filter != nil {
		if err := s.Filter.Validate(); err != nil {
			return nil, err
		}
	}
	raw, err := json.Marshal(s.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	c := f()
	if err := c.Connect(ctx, raw, logger.With(zap.String("sink", s.Name))); err != nil {
		return nil, err
	}
	return c, nil
}

// Topic names the destination for an entity's notifications, e.g.
// "pgtable.orders.ready" with sep ".".
func Topic(prefix string, entity table.EntityType, sep string) string {
	return prefix + sep + string(entity) + sep + "ready"
}

type namedConnector struct {
	name   string
	filter *Filter
	Connector
}

// Multi publishes to every attached connector.
type Multi struct {
	mu     sync.RWMutex
	sinks  []namedConnector
	logger *zap.Logger
}

func NewMulti(logger *zap.Logger) *Multi {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multi{logger: logger}
}

// Attach adds c under name.
func (m *Multi) Attach(name string, c Connector) {
	m.AttachFiltered(name, c, nil)
}

// AttachFiltered adds c under name. c only receives notifications of entity
// types matching f.
func (m *Multi) AttachFiltered(name string, c Connector, f *Filter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, namedConnector{name: name, filter: f, Connector: c})
}

// Sinks returns the attached sink names in attach order.
func (m *Multi) Sinks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, len(m.sinks))
	for i, s := range m.sinks {
		names[i] = s.name
	}
	return names
}

// Publish delivers ev to every sink whose filter matches. A failing sink
// does not stop delivery to the others; all failures are joined into the
// returned error.
func (m *Multi) Publish(ctx context.Context, ev *table.ResponseReady) error {
	m.mu.RLock()
	sinks := slices.Clone(m.sinks)
	m.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if !s.filter.Match(ev.Entity) {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			metrics.PublishErrors.WithLabelValues(s.name).Inc()
			m.logger.Debug("publish failed", zap.String("sink", s.name), zap.String("id", ev.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m *Multi) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	m.sinks = nil
	return errors.Join(errs...)
}
