package clickhouse

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/edgeflare/pgtable/pkg/events"
	"github.com/edgeflare/pgtable/pkg/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDefaults(t *testing.T) {
	t.Setenv("PGTABLE_CLICKHOUSE_ADDR", "ch:9000")
	var c Config
	require.NoError(t, c.setDefaults())
	assert.Equal(t, []string{"ch:9000"}, c.Addr)
	assert.Equal(t, "default", c.Database)
	assert.Equal(t, "pgtable_responses", c.Table)

	c = Config{Table: "responses; DROP TABLE x"}
	assert.Error(t, c.setDefaults())
}

func TestSQL(t *testing.T) {
	c := Config{Table: "audit"}
	assert.Contains(t, c.createTableSQL(), "CREATE TABLE IF NOT EXISTS audit (")
	assert.Equal(t,
		"INSERT INTO audit (id, entity, request_id, actor_id, time, request, response, total, filtered) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		c.insertSQL())
}

func TestRow(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	args, err := row(&table.ResponseReady{
		ID:         "ev-1",
		Entity:     "orders",
		RequestID:  "req-1",
		ActorID:    "alice",
		Time:       now,
		RawRequest: json.RawMessage(`{"page":1}`),
		Response:   &table.Envelope{Counts: table.Counts{Total: 8, Filtered: 3}},
	})
	require.NoError(t, err)
	require.Len(t, args, 9)
	assert.Equal(t, "orders", args[1])
	assert.Equal(t, now, args[4])
	assert.Equal(t, `{"page":1}`, args[5])
	assert.Contains(t, args[6], `"filtered":3`)
	assert.Equal(t, uint64(8), args[7])
	assert.Equal(t, uint64(3), args[8])
}

func TestPublishBeforeConnect(t *testing.T) {
	c := &Connector{}
	assert.ErrorIs(t, c.Publish(context.Background(), &table.ResponseReady{}), events.ErrNotConnected)
}

// TestPublishIntegration needs a server at TEST_CLICKHOUSE_ADDR.
func TestPublishIntegration(t *testing.T) {
	addr := os.Getenv("TEST_CLICKHOUSE_ADDR")
	if addr == "" {
		t.Skip("TEST_CLICKHOUSE_ADDR not set")
	}
	ctx := context.Background()
	c := &Connector{}
	cfg, _ := json.Marshal(map[string]any{"addr": []string{addr}, "table": "pgtable_test_responses", "createTable": true})
	require.NoError(t, c.Connect(ctx, cfg, zaptest.NewLogger(t)))
	defer c.Close()

	require.NoError(t, c.Publish(ctx, &table.ResponseReady{ID: "ev-1", Entity: "orders", Time: time.Now(), Response: &table.Envelope{}}))

	var n uint64
	require.NoError(t, c.conn.QueryRow(ctx, "SELECT count() FROM pgtable_test_responses WHERE id = 'ev-1'").Scan(&n))
	assert.GreaterOrEqual(t, n, uint64(1))
	require.NoError(t, c.conn.Exec(ctx, "DROP TABLE pgtable_test_responses"))
}
