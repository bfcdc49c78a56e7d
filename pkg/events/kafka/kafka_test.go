package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/edgeflare/pgtable/pkg/events"
	"github.com/edgeflare/pgtable/pkg/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPublish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "pgtable.orders.ready" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "ev-1" {
			return errors.New("unexpected key " + string(key))
		}
		value, _ := msg.Value.Encode()
		var got map[string]any
		if err := json.Unmarshal(value, &got); err != nil {
			return err
		}
		if got["requestId"] != "req-1" {
			return errors.New("missing request id")
		}
		if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "req-1" {
			return errors.New("missing request-id header")
		}
		return nil
	})

	c := &Connector{producer: producer, logger: zaptest.NewLogger(t)}
	c.Config.setDefaults()
	require.NoError(t, c.Publish(context.Background(), &table.ResponseReady{
		ID:        "ev-1",
		Entity:    "orders",
		RequestID: "req-1",
		Response:  &table.Envelope{},
	}))
	require.NoError(t, c.Close())
}

func TestPublishFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	c := &Connector{producer: producer, logger: zaptest.NewLogger(t)}
	c.Config.setDefaults()
	err := c.Publish(context.Background(), &table.ResponseReady{ID: "ev-1", Entity: "orders"})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, c.Close())
}

func TestPublishBeforeConnect(t *testing.T) {
	c := &Connector{}
	assert.ErrorIs(t, c.Publish(context.Background(), &table.ResponseReady{}), events.ErrNotConnected)
}

func TestToSaramaConfig(t *testing.T) {
	tests := []struct {
		name      string
		sasl      *SASL
		mechanism sarama.SASLMechanism
		wantErr   bool
	}{
		{"no sasl", nil, "", false},
		{"sha256", &SASL{Enable: true, Algorithm: "sha256"}, sarama.SASLTypeSCRAMSHA256, false},
		{"sha512", &SASL{Enable: true, Algorithm: "sha512"}, sarama.SASLTypeSCRAMSHA512, false},
		{"plain", &SASL{Enable: true, Algorithm: "plain"}, sarama.SASLTypePlaintext, false},
		{"unknown", &SASL{Enable: true, Algorithm: "md5"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{SASL: tt.sasl}
			cfg.setDefaults()
			conf, err := cfg.ToSaramaConfig()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, conf.Producer.Return.Successes)
			assert.Equal(t, sarama.WaitForAll, conf.Producer.RequiredAcks)
			if tt.sasl != nil {
				assert.Equal(t, tt.mechanism, conf.Net.SASL.Mechanism)
			}
		})
	}
}

func TestInvalidVersion(t *testing.T) {
	cfg := Config{Version: "banana"}
	_, err := cfg.ToSaramaConfig()
	assert.Error(t, err)
}

func TestSCRAMClientFirstMessage(t *testing.T) {
	x := &XDGSCRAMClient{HashGeneratorFcn: SHA256}
	require.NoError(t, x.Begin("user", "secret", ""))
	first, err := x.Step("")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "n,,n=user,r="), first)
	assert.False(t, x.Done())
}
