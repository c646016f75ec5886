package bridge

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pincerhq/pincer/src/protocol"
)

// mockRemoteTarget records events forwarded from the bridge.
type mockRemoteTarget struct {
	mu       sync.Mutex
	received []RegistryEvent
}

func (m *mockRemoteTarget) DeliverRemote(ev RegistryEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, ev)
}

func (m *mockRemoteTarget) events() []RegistryEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RegistryEvent{}, m.received...)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestEnvelopeSerialization(t *testing.T) {
	ev := RegistryEvent{
		Kind:         KindContextUpdated,
		ConnectionID: "conn-1",
		TabID:        7,
		URL:          "https://a",
		Title:        "A",
		Context: &protocol.PageContext{
			URL:        "https://a",
			Title:      "A",
			CapturedAt: time.Now().Truncate(time.Second),
		},
		Timestamp: time.Now().Truncate(time.Second),
	}

	env := redisEnvelope{InstanceID: "instance-abc", Event: ev}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded redisEnvelope
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, env.InstanceID, decoded.InstanceID)
	assert.Equal(t, ev.Kind, decoded.Event.Kind)
	assert.Equal(t, ev.ConnectionID, decoded.Event.ConnectionID)
	assert.Equal(t, ev.TabID, decoded.Event.TabID)
	require.NotNil(t, decoded.Event.Context)
	assert.Equal(t, "https://a", decoded.Event.Context.URL)
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, "pincer:events:", cfg.Prefix)
}

func TestRedisConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.example.com:6380")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("PINCER_REDIS_PREFIX", "test:events:")

	cfg := RedisConfigFromEnv()
	assert.Equal(t, "redis.example.com:6380", cfg.Addr)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, 3, cfg.DB)
	assert.Equal(t, "test:events:", cfg.Prefix)
}

func TestRedisConfigFromEnvInvalidDB(t *testing.T) {
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := RedisConfigFromEnv()
	assert.Equal(t, 0, cfg.DB)
}

func TestBridgeAvailableFalseBeforeStart(t *testing.T) {
	rb := NewRedisBridge(DefaultRedisConfig(), &mockRemoteTarget{}, testLogger())
	assert.False(t, rb.Available())
}

func TestBridgeInstanceIDUnique(t *testing.T) {
	target := &mockRemoteTarget{}
	b1 := NewRedisBridge(DefaultRedisConfig(), target, testLogger())
	b2 := NewRedisBridge(DefaultRedisConfig(), target, testLogger())
	assert.NotEqual(t, b1.instanceID, b2.instanceID)
}

func TestBridgeSkipsOwnEvents(t *testing.T) {
	target := &mockRemoteTarget{}
	rb := NewRedisBridge(DefaultRedisConfig(), target, testLogger())

	own, err := json.Marshal(redisEnvelope{
		InstanceID: rb.instanceID,
		Event:      RegistryEvent{Kind: KindTabConnected, ConnectionID: "c1"},
	})
	require.NoError(t, err)
	rb.handleRedisMessage(&redis.Message{Payload: string(own)})
	assert.Empty(t, target.events(), "own events must be skipped")

	other, err := json.Marshal(redisEnvelope{
		InstanceID: "someone-else",
		Event:      RegistryEvent{Kind: KindTabConnected, ConnectionID: "c2"},
	})
	require.NoError(t, err)
	rb.handleRedisMessage(&redis.Message{Payload: string(other)})

	events := target.events()
	require.Len(t, events, 1)
	assert.Equal(t, "c2", events[0].ConnectionID)
}

func TestBridgeDropsUndecodableEvents(t *testing.T) {
	target := &mockRemoteTarget{}
	rb := NewRedisBridge(DefaultRedisConfig(), target, testLogger())

	rb.handleRedisMessage(&redis.Message{Payload: "{broken"})
	assert.Empty(t, target.events())
}
