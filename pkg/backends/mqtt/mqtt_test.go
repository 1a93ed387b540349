package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/toolengine/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBroker loops publications back to exact-topic subscribers.
type fakeBroker struct {
	mu        sync.Mutex
	sessions  int
	handlers  map[string]func(Message)
	published []Message
	connErr   error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: map[string]func(Message){}}
}

func (f *fakeBroker) factory(cfg toolexecutor.MQTTConfig, clientID string) Session {
	f.mu.Lock()
	f.sessions++
	f.mu.Unlock()
	return &fakeSession{broker: f}
}

func (f *fakeBroker) deliver(topic, payload string) {
	f.mu.Lock()
	handler := f.handlers[topic]
	f.mu.Unlock()
	if handler != nil {
		handler(Message{Topic: topic, Payload: []byte(payload), ReceivedAt: time.Now()})
	}
}

type fakeSession struct {
	broker    *fakeBroker
	mu        sync.Mutex
	connected bool
}

func (s *fakeSession) Connect(ctx context.Context) error {
	if s.broker.connErr != nil {
		return s.broker.connErr
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	s.broker.mu.Lock()
	s.broker.published = append(s.broker.published, Message{Topic: topic, Payload: payload, QoS: qos, Retained: retain})
	s.broker.mu.Unlock()
	s.broker.deliver(topic, string(payload))
	return nil
}

func (s *fakeSession) Subscribe(ctx context.Context, topic string, qos byte, handler func(Message)) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.broker.handlers[topic] = handler
	return nil
}

func (s *fakeSession) Unsubscribe(ctx context.Context, topics ...string) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	for _, topic := range topics {
		delete(s.broker.handlers, topic)
	}
	return nil
}

func (s *fakeSession) Disconnect() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

func mqttTool() *toolexecutor.Tool {
	return &toolexecutor.Tool{
		ID:   "bus",
		Name: "bus",
		Type: toolexecutor.ToolType{Kind: toolexecutor.KindMQTT, MQTT: &toolexecutor.MQTTConfig{BrokerURL: "tcp://broker:1883"}},
	}
}

func newBackend(t *testing.T, broker *fakeBroker, cfg toolexecutor.MQTTConfig) *Backend {
	t.Helper()
	cfg.BrokerURL = "tcp://broker:1883"
	b, err := New("bus", cfg, WithSessionFactory(broker.factory))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newCall(params map[string]interface{}) *toolexecutor.Call {
	return &toolexecutor.Call{
		ExecutionID: "exec",
		Tool:        mqttTool(),
		Parameters:  params,
		Usage:       toolexecutor.NewUsageTracker(toolexecutor.ResourceLimits{}),
		Logger:      zerolog.Nop(),
	}
}

func messages(t *testing.T, out *toolexecutor.ExecutionOutput) []map[string]interface{} {
	t.Helper()
	require.NotNil(t, out)
	return out.JSON.(map[string]interface{})["messages"].([]map[string]interface{})
}

type recorder struct {
	chunks []toolexecutor.ExecutionChunk
}

func (r *recorder) Write(chunk toolexecutor.ExecutionChunk) error {
	r.chunks = append(r.chunks, chunk)
	return nil
}

func TestNew_GeneratesClientID(t *testing.T) {
	a, err := New("a", toolexecutor.MQTTConfig{BrokerURL: "tcp://broker:1883"})
	require.NoError(t, err)
	b, err := New("b", toolexecutor.MQTTConfig{BrokerURL: "tcp://broker:1883"})
	require.NoError(t, err)
	assert.Contains(t, a.ClientID(), "toolengine-")
	assert.NotEqual(t, a.ClientID(), b.ClientID())

	fixed, err := New("c", toolexecutor.MQTTConfig{BrokerURL: "tcp://broker:1883", ClientID: "plant-7"})
	require.NoError(t, err)
	assert.Equal(t, "plant-7", fixed.ClientID())

	_, err = New("d", toolexecutor.MQTTConfig{})
	assert.Error(t, err)
}

func TestBackend_Validate(t *testing.T) {
	b := newBackend(t, newFakeBroker(), toolexecutor.MQTTConfig{})
	tool := mqttTool()

	issues := b.Validate(tool, map[string]interface{}{"operation": OpPublish, "topic": "plant/line1", "qos": 3})
	require.Len(t, issues, 1)
	assert.Equal(t, "qos", issues[0].Parameter)
	assert.Equal(t, toolexecutor.CodeOutOfRange, issues[0].Code)

	tests := []struct {
		name   string
		params map[string]interface{}
		valid  bool
	}{
		{"publish", map[string]interface{}{"operation": OpPublish, "topic": "a/b", "qos": 2}, true},
		{"publish wildcard", map[string]interface{}{"operation": OpPublish, "topic": "a/+"}, false},
		{"subscribe plus", map[string]interface{}{"operation": OpSubscribe, "topic": "a/+/c"}, true},
		{"subscribe hash last", map[string]interface{}{"operation": OpSubscribe, "topic": "a/#"}, true},
		{"subscribe hash middle", map[string]interface{}{"operation": OpSubscribe, "topic": "a/#/c"}, false},
		{"subscribe partial wildcard", map[string]interface{}{"operation": OpSubscribe, "topic": "a/b+"}, false},
		{"empty topic", map[string]interface{}{"operation": OpUnsubscribe, "topic": ""}, false},
		{"unknown operation", map[string]interface{}{"operation": "retain", "topic": "a"}, false},
		{"negative wait", map[string]interface{}{"operation": OpSubscribe, "topic": "a", "wait_ms": -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, len(b.Validate(tool, tt.params)) == 0)
		})
	}
}

func TestBackend_OperationPermissions(t *testing.T) {
	b := newBackend(t, newFakeBroker(), toolexecutor.MQTTConfig{})
	assert.Equal(t, []string{PermNetwork}, b.Permissions())
	assert.Equal(t, []string{PermPublish}, b.OperationPermissions(map[string]interface{}{"operation": OpPublish}))
	assert.Equal(t, []string{PermSubscribe}, b.OperationPermissions(map[string]interface{}{"operation": OpSubscribe}))
	assert.Equal(t, []string{PermSubscribe}, b.OperationPermissions(map[string]interface{}{"operation": OpUnsubscribe}))
}

func TestBackend_PublishSubscribeRoundTrip(t *testing.T) {
	broker := newFakeBroker()
	b := newBackend(t, broker, toolexecutor.MQTTConfig{})
	ctx := context.Background()

	out, err := b.Execute(ctx, newCall(map[string]interface{}{"operation": OpSubscribe, "topic": "plant/temp"}))
	require.NoError(t, err)
	assert.Empty(t, messages(t, out))

	out, err = b.Execute(ctx, newCall(map[string]interface{}{
		"operation": OpPublish, "topic": "plant/temp", "payload": map[string]interface{}{"c": 21.5}, "qos": 1, "retain": true,
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, out.JSON.(map[string]interface{})["qos"])
	require.Len(t, broker.published, 1)
	assert.Equal(t, `{"c":21.5}`, string(broker.published[0].Payload))
	assert.True(t, broker.published[0].Retained)

	out, err = b.Execute(ctx, newCall(map[string]interface{}{"operation": OpSubscribe, "topic": "plant/temp"}))
	require.NoError(t, err)
	msgs := messages(t, out)
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"c":21.5}`, msgs[0]["payload"])
	assert.Equal(t, "utf-8", msgs[0]["encoding"])
	assert.Equal(t, 1, broker.sessions, "connection is reused")
}

func TestBackend_SubscribeWaitsForMessages(t *testing.T) {
	broker := newFakeBroker()
	b := newBackend(t, broker, toolexecutor.MQTTConfig{})
	_, err := b.Execute(context.Background(), newCall(map[string]interface{}{"operation": OpSubscribe, "topic": "alarms"}))
	require.NoError(t, err)

	go func() {
		for _, p := range []string{"one", "two", "three"} {
			time.Sleep(5 * time.Millisecond)
			broker.deliver("alarms", p)
		}
	}()

	rec := &recorder{}
	out, err := b.ExecuteStream(context.Background(), newCall(map[string]interface{}{
		"operation": OpSubscribe, "topic": "alarms", "wait_ms": 2000, "max_messages": 2,
	}), rec)
	require.NoError(t, err)
	msgs := messages(t, out)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0]["payload"])
	assert.Equal(t, "two", msgs[1]["payload"])

	require.Len(t, rec.chunks, 2)
	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(rec.chunks[0].Text), &first))
	assert.Equal(t, "one", first["payload"])
}

func TestBackend_SubscribeWindowExpires(t *testing.T) {
	b := newBackend(t, newFakeBroker(), toolexecutor.MQTTConfig{})
	start := time.Now()
	out, err := b.Execute(context.Background(), newCall(map[string]interface{}{
		"operation": OpSubscribe, "topic": "quiet", "wait_ms": 30,
	}))
	require.NoError(t, err)
	assert.Empty(t, messages(t, out))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestBackend_SubscribeHonoursCancel(t *testing.T) {
	b := newBackend(t, newFakeBroker(), toolexecutor.MQTTConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Execute(ctx, newCall(map[string]interface{}{
		"operation": OpSubscribe, "topic": "quiet", "wait_ms": 60000,
	}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBackend_BufferDropsOldest(t *testing.T) {
	broker := newFakeBroker()
	b := newBackend(t, broker, toolexecutor.MQTTConfig{BufferSize: 2})
	_, err := b.Execute(context.Background(), newCall(map[string]interface{}{"operation": OpSubscribe, "topic": "t"}))
	require.NoError(t, err)

	for _, p := range []string{"a", "b", "c"} {
		broker.deliver("t", p)
	}
	out, err := b.Execute(context.Background(), newCall(map[string]interface{}{"operation": OpSubscribe, "topic": "t"}))
	require.NoError(t, err)
	msgs := messages(t, out)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", msgs[0]["payload"])
	assert.Equal(t, "c", msgs[1]["payload"])
}

func TestBackend_Unsubscribe(t *testing.T) {
	broker := newFakeBroker()
	b := newBackend(t, broker, toolexecutor.MQTTConfig{})
	ctx := context.Background()

	out, err := b.Execute(ctx, newCall(map[string]interface{}{"operation": OpUnsubscribe, "topic": "t"}))
	require.NoError(t, err)
	assert.Equal(t, false, out.JSON.(map[string]interface{})["unsubscribed"])

	_, err = b.Execute(ctx, newCall(map[string]interface{}{"operation": OpSubscribe, "topic": "t"}))
	require.NoError(t, err)
	out, err = b.Execute(ctx, newCall(map[string]interface{}{"operation": OpUnsubscribe, "topic": "t"}))
	require.NoError(t, err)
	assert.Equal(t, true, out.JSON.(map[string]interface{})["unsubscribed"])
	assert.Empty(t, broker.handlers)
}

func TestBackend_ReconnectsAfterDrop(t *testing.T) {
	broker := newFakeBroker()
	b := newBackend(t, broker, toolexecutor.MQTTConfig{})
	ctx := context.Background()
	publish := newCall(map[string]interface{}{"operation": OpPublish, "topic": "t", "payload": "x"})

	_, err := b.Execute(ctx, publish)
	require.NoError(t, err)
	b.mu.Lock()
	b.session.Disconnect()
	b.mu.Unlock()

	_, err = b.Execute(ctx, publish)
	require.NoError(t, err)
	assert.Equal(t, 2, broker.sessions)
}

func TestBackend_ConnectFailureIsNetworkError(t *testing.T) {
	broker := newFakeBroker()
	broker.connErr = errors.New("connection refused")
	b := newBackend(t, broker, toolexecutor.MQTTConfig{})

	_, err := b.Execute(context.Background(), newCall(map[string]interface{}{"operation": OpPublish, "topic": "t", "payload": "x"}))
	assert.True(t, errors.Is(err, toolexecutor.ErrNetwork), "got %v", err)
}
