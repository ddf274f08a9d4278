package escalation

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/relay/internal/config"
)

// ErrNotConnected is returned by Publisher.Escalate before Start.
var ErrNotConnected = errors.New("mqtt publisher not started")

// publisher is the part of the autopaho connection manager Publisher
// uses after connecting.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher announces escalations on an MQTT topic. Each record is
// published as JSON under <topic>/<tool>. The <topic>/availability
// topic carries a retained online/offline status.
type Publisher struct {
	cfg    config.MQTTConfig
	logger *slog.Logger

	mu   sync.RWMutex
	cm   *autopaho.ConnectionManager
	conn publisher
}

// NewPublisher creates a Publisher but does not connect. Call
// [Publisher.Start] to connect.
func NewPublisher(cfg config.MQTTConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Topic == "" {
		cfg.Topic = "relay/escalations"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "relay-" + uuid.NewString()[:8]
	}
	return &Publisher{cfg: cfg, logger: logger}
}

// Start connects to the broker and returns once the first connection
// is up or ctx expires. autopaho keeps reconnecting in the background
// until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm, p.conn = cm, cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes an offline status and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.cm, p.conn = nil, nil
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// Escalate implements [Sink]. Records are published at QoS 1 and are
// not retained.
func (p *Publisher) Escalate(ctx context.Context, rec Record) error {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	msg, err := p.message(rec)
	if err != nil {
		return err
	}
	if _, err := conn.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish escalation to %s: %w", msg.Topic, err)
	}
	p.logger.Debug("escalation published", "topic", msg.Topic, "request_id", rec.RequestID)
	return nil
}

func (p *Publisher) message(rec Record) (*paho.Publish, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal escalation: %w", err)
	}
	return &paho.Publish{
		Topic:   p.recordTopic(rec.Tool),
		Payload: payload,
		QoS:     1,
		Properties: &paho.PublishProperties{
			ContentType: "application/json",
		},
	}, nil
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.Topic + "/availability"
}

func (p *Publisher) recordTopic(tool string) string {
	if tool == "" {
		return p.cfg.Topic
	}
	return p.cfg.Topic + "/" + tool
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}
