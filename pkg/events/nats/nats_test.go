package nats

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/edgeflare/pgtable/pkg/events"
	"github.com/edgeflare/pgtable/pkg/table"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDefaults(t *testing.T) {
	var c Config
	c.setDefaults()
	assert.Equal(t, []string{nats.DefaultURL}, c.Servers)
	assert.Equal(t, "pgtable", c.SubjectPrefix)
	assert.Equal(t, "pgtable-responses", c.Stream)

	c = Config{SubjectPrefix: "grid"}
	c.setDefaults()
	assert.Equal(t, "grid-responses", c.Stream)
}

func TestStreamConfig(t *testing.T) {
	c := &Connector{Config: Config{SubjectPrefix: "grid", Stream: "s"}}
	sc := c.streamConfig()
	assert.Equal(t, []string{"grid.>"}, sc.Subjects)

	other := *sc
	assert.True(t, streamConfigEqual(*sc, other))
	other.Subjects = []string{"other.>"}
	assert.False(t, streamConfigEqual(*sc, other))
}

func TestDefaultOptions(t *testing.T) {
	assert.Len(t, defaultOptions(Config{}), 5)
	assert.Len(t, defaultOptions(Config{Username: "u", Password: "p"}), 6)
}

func TestPublishBeforeConnect(t *testing.T) {
	c := &Connector{}
	assert.ErrorIs(t, c.Publish(context.Background(), &table.ResponseReady{}), events.ErrNotConnected)
	assert.NoError(t, c.Close())
}

// TestPublishIntegration needs a JetStream enabled server at TEST_NATS_URL.
func TestPublishIntegration(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}
	ctx := context.Background()
	c := &Connector{}
	cfg, _ := json.Marshal(map[string]any{"servers": []string{url}, "subjectPrefix": "pgtabletest"})
	require.NoError(t, c.Connect(ctx, cfg, zaptest.NewLogger(t)))
	defer c.Close()

	sub, err := c.nc.SubscribeSync("pgtabletest.orders.ready")
	require.NoError(t, err)

	require.NoError(t, c.Publish(ctx, &table.ResponseReady{ID: "ev-1", Entity: "orders"}))
	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)

	var got table.ResponseReady
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "ev-1", got.ID)
}
