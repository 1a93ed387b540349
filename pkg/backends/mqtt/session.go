package mqtt

import (
	"context"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/harun/toolengine/pkg/toolexecutor"
	"github.com/rs/zerolog/log"
)

// Message is one received publication.
type Message struct {
	Topic      string
	Payload    []byte
	QoS        byte
	Retained   bool
	ReceivedAt time.Time
}

// Session is a broker connection. Implementations must honour ctx while
// waiting for broker acknowledgements.
type Session interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
	Subscribe(ctx context.Context, topic string, qos byte, handler func(Message)) error
	Unsubscribe(ctx context.Context, topics ...string) error
	Disconnect()
}

// SessionFactory creates an unconnected session.
type SessionFactory func(cfg toolexecutor.MQTTConfig, clientID string) Session

type pahoSession struct {
	client paho.Client
}

// NewPahoSession builds a session backed by the Eclipse Paho client.
// Reconnection is left to the backend, which re-dials lazily.
func NewPahoSession(cfg toolexecutor.MQTTConfig, clientID string) Session {
	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(clientID).
		SetCleanSession(cfg.CleanSession).
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn().Err(err).Str("broker", cfg.BrokerURL).Str("client_id", clientID).Msg("MQTT connection lost")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.KeepAliveSec > 0 {
		opts.SetKeepAlive(time.Duration(cfg.KeepAliveSec) * time.Second)
	}
	if cfg.ConnectTimeoutMS > 0 {
		opts.SetConnectTimeout(time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond)
	}
	return &pahoSession{client: paho.NewClient(opts)}
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *pahoSession) Connect(ctx context.Context) error {
	return wait(ctx, s.client.Connect())
}

func (s *pahoSession) IsConnected() bool {
	return s.client.IsConnectionOpen()
}

func (s *pahoSession) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	return wait(ctx, s.client.Publish(topic, qos, retain, payload))
}

func (s *pahoSession) Subscribe(ctx context.Context, topic string, qos byte, handler func(Message)) error {
	return wait(ctx, s.client.Subscribe(topic, qos, func(_ paho.Client, m paho.Message) {
		handler(Message{
			Topic:      m.Topic(),
			Payload:    m.Payload(),
			QoS:        m.Qos(),
			Retained:   m.Retained(),
			ReceivedAt: time.Now(),
		})
	}))
}

func (s *pahoSession) Unsubscribe(ctx context.Context, topics ...string) error {
	return wait(ctx, s.client.Unsubscribe(topics...))
}

func (s *pahoSession) Disconnect() {
	s.client.Disconnect(250)
}
