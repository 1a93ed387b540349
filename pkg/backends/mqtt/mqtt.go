// Package mqtt implements the MQTT tool backend. A backend owns one broker
// connection, established on first use and guarded by a mutex; publish,
// subscribe and unsubscribe requests to the broker are serialized on it.
package mqtt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/toolengine/internal/observability"
	"github.com/harun/toolengine/pkg/toolexecutor"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	OpPublish     = "publish"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"

	PermNetwork   = "network:mqtt"
	PermPublish   = "mqtt:publish"
	PermSubscribe = "mqtt:subscribe"

	DefaultBufferSize     = 100
	DefaultConnectTimeout = 10 * time.Second
)

// Backend publishes to and subscribes on one broker.
type Backend struct {
	name       string
	cfg        toolexecutor.MQTTConfig
	clientID   string
	newSession SessionFactory

	mu      sync.Mutex
	session Session
	subs    map[string]*subscription
}

type Option func(*Backend)

// WithSessionFactory replaces the Paho session.
func WithSessionFactory(f SessionFactory) Option {
	return func(b *Backend) { b.newSession = f }
}

// New creates an MQTT backend. The broker is contacted on the first call.
func New(name string, cfg toolexecutor.MQTTConfig, opts ...Option) (*Backend, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt backend %s: broker_url is required", name)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	clientID := cfg.ClientID
	if clientID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return nil, fmt.Errorf("mqtt backend %s: generate client id: %w", name, err)
		}
		clientID = "toolengine-" + id
	}

	b := &Backend{
		name:       name,
		cfg:        cfg,
		clientID:   clientID,
		newSession: NewPahoSession,
		subs:       make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Backend) Name() string                { return b.name }
func (b *Backend) Kind() toolexecutor.ToolKind { return toolexecutor.KindMQTT }
func (b *Backend) Permissions() []string       { return []string{PermNetwork} }

// ClientID is the identifier presented to the broker.
func (b *Backend) ClientID() string { return b.clientID }

func (b *Backend) OperationPermissions(params map[string]interface{}) []string {
	switch op, _ := params["operation"].(string); op {
	case OpPublish:
		return []string{PermPublish}
	case OpSubscribe, OpUnsubscribe:
		return []string{PermSubscribe}
	}
	return nil
}

type params struct {
	Operation   string      `mapstructure:"operation"`
	Topic       string      `mapstructure:"topic"`
	Payload     interface{} `mapstructure:"payload"`
	QoS         *int        `mapstructure:"qos"`
	Retain      bool        `mapstructure:"retain"`
	WaitMS      int         `mapstructure:"wait_ms"`
	MaxMessages int         `mapstructure:"max_messages"`
}

func (p *params) qos() byte {
	if p.QoS == nil {
		return 0
	}
	return byte(*p.QoS)
}

func (b *Backend) Validate(_ *toolexecutor.Tool, raw map[string]interface{}) []toolexecutor.ValidationIssue {
	var p params
	if err := toolexecutor.DecodeParams(raw, &p); err != nil {
		return []toolexecutor.ValidationIssue{{Code: toolexecutor.CodeTypeMismatch, Message: err.Error()}}
	}

	var issues []toolexecutor.ValidationIssue
	issue := func(param, code, format string, args ...interface{}) {
		issues = append(issues, toolexecutor.ValidationIssue{Parameter: param, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	switch p.Operation {
	case OpPublish:
		if err := validateTopic(p.Topic, false); err != nil {
			issue("topic", toolexecutor.CodePatternMismatch, "%v", err)
		}
	case OpSubscribe, OpUnsubscribe:
		if err := validateTopic(p.Topic, true); err != nil {
			issue("topic", toolexecutor.CodePatternMismatch, "%v", err)
		}
	default:
		issues = append(issues, toolexecutor.ValidationIssue{
			Parameter: "operation",
			Code:      toolexecutor.CodeInvalidEnum,
			Message:   fmt.Sprintf("unsupported operation %q", p.Operation),
			Expected:  strings.Join([]string{OpPublish, OpSubscribe, OpUnsubscribe}, "|"),
			Actual:    p.Operation,
		})
	}
	if p.QoS != nil && (*p.QoS < 0 || *p.QoS > 2) {
		issues = append(issues, toolexecutor.ValidationIssue{
			Parameter: "qos",
			Code:      toolexecutor.CodeOutOfRange,
			Message:   fmt.Sprintf("qos must be 0, 1 or 2, got %d", *p.QoS),
			Expected:  "0..2",
			Actual:    fmt.Sprint(*p.QoS),
		})
	}
	if p.WaitMS < 0 {
		issue("wait_ms", toolexecutor.CodeOutOfRange, "wait_ms must not be negative")
	}
	if p.MaxMessages < 0 {
		issue("max_messages", toolexecutor.CodeOutOfRange, "max_messages must not be negative")
	}
	return issues
}

// validateTopic checks a topic name, or a topic filter when filter is set.
func validateTopic(topic string, filter bool) error {
	if topic == "" {
		return fmt.Errorf("topic must not be empty")
	}
	if !utf8.ValidString(topic) || strings.ContainsRune(topic, 0) {
		return fmt.Errorf("topic must be valid UTF-8 without NUL")
	}
	levels := strings.Split(topic, "/")
	for i, level := range levels {
		if !strings.ContainsAny(level, "+#") {
			continue
		}
		if !filter {
			return fmt.Errorf("wildcards are not allowed in topic names")
		}
		switch {
		case level == "+":
		case level == "#" && i == len(levels)-1:
		default:
			return fmt.Errorf("invalid wildcard in topic level %q", level)
		}
	}
	return nil
}

func (b *Backend) Execute(ctx context.Context, call *toolexecutor.Call) (*toolexecutor.ExecutionOutput, error) {
	return b.ExecuteStream(ctx, call, nil)
}

// ExecuteStream emits each received message as a text chunk when
// subscribing; other operations produce no partial output.
func (b *Backend) ExecuteStream(ctx context.Context, call *toolexecutor.Call, w toolexecutor.ChunkWriter) (*toolexecutor.ExecutionOutput, error) {
	var p params
	if err := call.Decode(&p); err != nil {
		return nil, err
	}
	switch p.Operation {
	case OpPublish:
		return b.publish(ctx, call, &p)
	case OpSubscribe:
		return b.subscribe(ctx, call, &p, w)
	case OpUnsubscribe:
		return b.unsubscribe(ctx, call, &p)
	default:
		return nil, toolexecutor.NewError(toolexecutor.KindInvalidParameters, "unsupported operation %q", p.Operation)
	}
}

// connectedLocked returns a live session, dialing when there is none or
// the previous one dropped. Subscriptions of a dropped session are gone.
func (b *Backend) connectedLocked(ctx context.Context) (Session, error) {
	if b.session != nil && b.session.IsConnected() {
		return b.session, nil
	}
	if b.session != nil {
		b.session.Disconnect()
		b.session = nil
		b.subs = make(map[string]*subscription)
	}

	timeout := DefaultConnectTimeout
	if b.cfg.ConnectTimeoutMS > 0 {
		timeout = time.Duration(b.cfg.ConnectTimeoutMS) * time.Millisecond
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session := b.newSession(b.cfg, b.clientID)
	if err := session.Connect(connectCtx); err != nil {
		session.Disconnect()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, toolexecutor.WrapError(toolexecutor.KindNetworkError, err, "connect to %s", b.cfg.BrokerURL)
	}
	b.session = session
	return session, nil
}

func (b *Backend) brokerError(ctx context.Context, err error, format string, args ...interface{}) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return toolexecutor.WrapError(toolexecutor.KindNetworkError, err, format, args...)
}

func (b *Backend) publish(ctx context.Context, call *toolexecutor.Call, p *params) (*toolexecutor.ExecutionOutput, error) {
	var payload []byte
	switch v := p.Payload.(type) {
	case nil:
	case string:
		payload = []byte(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, toolexecutor.WrapError(toolexecutor.KindInvalidParameters, err, "encode payload")
		}
		payload = data
	}
	if err := call.Usage.RecordNetwork(int64(len(payload))); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	session, err := b.connectedLocked(ctx)
	if err != nil {
		return nil, err
	}
	if err := session.Publish(ctx, p.Topic, p.qos(), p.Retain, payload); err != nil {
		return nil, b.brokerError(ctx, err, "publish to %s", p.Topic)
	}
	observability.RecordBackendBytes(call.Tool.ID, "sent", int64(len(payload)))
	call.Logger.Debug().Str("topic", p.Topic).Int("qos", int(p.qos())).Int("bytes", len(payload)).Msg("Published MQTT message")

	return toolexecutor.JSONOutput(map[string]interface{}{
		"topic":    p.Topic,
		"qos":      int(p.qos()),
		"retained": p.Retain,
		"bytes":    len(payload),
	}), nil
}

// subscription buffers messages for one topic filter. The oldest message
// is dropped once the buffer is full.
type subscription struct {
	topic    string
	capacity int

	mu      sync.Mutex
	buf     []Message
	dropped int
	notify  chan struct{}
}

func newSubscription(topic string, capacity int) *subscription {
	return &subscription{topic: topic, capacity: capacity, notify: make(chan struct{}, 1)}
}

func (s *subscription) push(m Message) {
	s.mu.Lock()
	if len(s.buf) >= s.capacity {
		s.buf = s.buf[1:]
		s.dropped++
	}
	s.buf = append(s.buf, m)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) take(max int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max <= 0 || max > len(s.buf) {
		max = len(s.buf)
	}
	out := append([]Message(nil), s.buf[:max]...)
	s.buf = s.buf[max:]
	return out
}

func (s *subscription) takeDropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.dropped
	s.dropped = 0
	return n
}

func (b *Backend) ensureSubscription(ctx context.Context, topic string, qos byte) (*subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	session, err := b.connectedLocked(ctx)
	if err != nil {
		return nil, err
	}
	if sub, ok := b.subs[topic]; ok {
		return sub, nil
	}
	sub := newSubscription(topic, b.cfg.BufferSize)
	if err := session.Subscribe(ctx, topic, qos, sub.push); err != nil {
		return nil, b.brokerError(ctx, err, "subscribe to %s", topic)
	}
	b.subs[topic] = sub
	return sub, nil
}

// subscribe collects buffered messages until max_messages arrive or the
// wait window closes. Without a wait window only already buffered messages
// are returned.
func (b *Backend) subscribe(ctx context.Context, call *toolexecutor.Call, p *params, w toolexecutor.ChunkWriter) (*toolexecutor.ExecutionOutput, error) {
	sub, err := b.ensureSubscription(ctx, p.Topic, p.qos())
	if err != nil {
		return nil, err
	}

	max := p.MaxMessages
	if max <= 0 {
		max = b.cfg.BufferSize
	}
	var window <-chan time.Time
	if p.WaitMS > 0 {
		timer := time.NewTimer(time.Duration(p.WaitMS) * time.Millisecond)
		defer timer.Stop()
		window = timer.C
	}

	var (
		collected []map[string]interface{}
		received  int64
	)
	drain := func() error {
		for _, m := range sub.take(max - len(collected)) {
			entry := messageEntry(m)
			collected = append(collected, entry)
			received += int64(len(m.Payload))
			if w != nil {
				data, err := json.Marshal(entry)
				if err != nil {
					return err
				}
				if err := w.Write(toolexecutor.TextChunk(string(data))); err != nil {
					return err
				}
			}
		}
		return nil
	}

collect:
	for {
		if err := drain(); err != nil {
			return nil, err
		}
		if len(collected) >= max || window == nil {
			break
		}
		select {
		case <-sub.notify:
		case <-window:
			if err := drain(); err != nil {
				return nil, err
			}
			break collect
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if dropped := sub.takeDropped(); dropped > 0 {
		call.Diagnose(toolexecutor.LevelWarning, "messages_dropped", "%d messages on %s were dropped because the buffer was full", dropped, p.Topic)
	}
	if err := call.Usage.RecordNetwork(received); err != nil {
		return nil, err
	}
	observability.RecordBackendBytes(call.Tool.ID, "received", received)

	if collected == nil {
		collected = []map[string]interface{}{}
	}
	return toolexecutor.JSONOutput(map[string]interface{}{
		"topic":    p.Topic,
		"count":    len(collected),
		"messages": collected,
	}), nil
}

func messageEntry(m Message) map[string]interface{} {
	entry := map[string]interface{}{
		"topic":       m.Topic,
		"qos":         int(m.QoS),
		"retained":    m.Retained,
		"received_at": m.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
	if utf8.Valid(m.Payload) {
		entry["payload"] = string(m.Payload)
		entry["encoding"] = "utf-8"
	} else {
		entry["payload"] = base64.StdEncoding.EncodeToString(m.Payload)
		entry["encoding"] = "base64"
	}
	return entry
}

func (b *Backend) unsubscribe(ctx context.Context, call *toolexecutor.Call, p *params) (*toolexecutor.ExecutionOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[p.Topic]; !ok {
		return toolexecutor.JSONOutput(map[string]interface{}{"topic": p.Topic, "unsubscribed": false}), nil
	}
	session, err := b.connectedLocked(ctx)
	if err != nil {
		return nil, err
	}
	if err := session.Unsubscribe(ctx, p.Topic); err != nil {
		return nil, b.brokerError(ctx, err, "unsubscribe from %s", p.Topic)
	}
	delete(b.subs, p.Topic)
	call.Logger.Debug().Str("topic", p.Topic).Msg("Unsubscribed MQTT topic")
	return toolexecutor.JSONOutput(map[string]interface{}{"topic": p.Topic, "unsubscribed": true}), nil
}

// Close disconnects from the broker.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		b.session.Disconnect()
		b.session = nil
	}
	b.subs = make(map[string]*subscription)
	return nil
}
