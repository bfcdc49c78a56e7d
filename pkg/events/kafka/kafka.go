// Package kafka publishes notifications to Kafka topics named
// <topicPrefix>.<entity>.ready, keyed by notification id.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/edgeflare/pgtable/pkg/events"
	"github.com/edgeflare/pgtable/pkg/table"
	"go.uber.org/zap"
)

// Connector implements events.Connector for Kafka
type Connector struct {
	producer sarama.SyncProducer
	logger   *zap.Logger
	Config   Config
}

func (c *Connector) Connect(_ context.Context, config json.RawMessage, logger *zap.Logger) error {
	if len(config) > 0 {
		if err := json.Unmarshal(config, &c.Config); err != nil {
			return fmt.Errorf("unmarshal Kafka config: %w", err)
		}
	}
	c.Config.setDefaults()

	saramaConfig, err := c.Config.ToSaramaConfig()
	if err != nil {
		return err
	}

	producer, err := sarama.NewSyncProducer(c.Config.Brokers, saramaConfig)
	if err != nil {
		return fmt.Errorf("create Kafka producer: %w", err)
	}
	c.producer = producer
	c.logger = logger
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return nil
}

func (c *Connector) message(ev *table.ResponseReady) (*sarama.ProducerMessage, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: events.Topic(c.Config.TopicPrefix, ev.Entity, "."),
		Key:   sarama.StringEncoder(ev.ID),
		Value: sarama.ByteEncoder(data),
	}
	if ev.RequestID != "" {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte("request-id"), Value: []byte(ev.RequestID)})
	}
	return msg, nil
}

func (c *Connector) Publish(_ context.Context, ev *table.ResponseReady) error {
	if c.producer == nil {
		return events.ErrNotConnected
	}
	msg, err := c.message(ev)
	if err != nil {
		return err
	}
	partition, offset, err := c.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send to %s: %w", msg.Topic, err)
	}
	c.logger.Debug("published",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func (c *Connector) Close() error {
	if c.producer != nil {
		return c.producer.Close()
	}
	return nil
}

func init() {
	events.RegisterConnector(events.ConnectorKafka, func() events.Connector { return &Connector{} })
}
