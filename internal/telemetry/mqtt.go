package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/swag-agent/internal/config"
)

// publisher is the subset of autopaho.ConnectionManager the sink uses.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// MQTTSink publishes each record as JSON to <prefix>/<kind>. Delivery is
// QoS 0; wrap it in an AsyncSink so a slow broker never stalls a query.
type MQTTSink struct {
	cfg    config.MQTTConfig
	logger *slog.Logger

	cm  *autopaho.ConnectionManager
	pub publisher
}

// NewMQTTSink creates a sink but does not connect. Call [MQTTSink.Start].
func NewMQTTSink(cfg config.MQTTConfig, logger *slog.Logger) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSink{cfg: cfg, logger: logger}
}

// Start connects to the broker. Reconnects happen in the background
// until ctx is cancelled; a slow initial connect is logged, not fatal.
func (m *MQTTSink) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	statusTopic := m.topic("status")
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   statusTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("telemetry mqtt connected", "broker", m.cfg.Broker)
			if _, err := cm.Publish(ctx, &paho.Publish{
				Topic:   statusTopic,
				Payload: []byte("online"),
				QoS:     1,
				Retain:  true,
			}); err != nil {
				m.logger.Warn("telemetry mqtt status publish failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			m.logger.Warn("telemetry mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: m.cfg.ClientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.cm = cm
	m.pub = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		m.logger.Warn("telemetry mqtt initial connection timed out, retrying in background", "error", err)
	}
	return nil
}

// Stop publishes an offline status and disconnects.
func (m *MQTTSink) Stop(ctx context.Context) error {
	if m.cm == nil {
		return nil
	}
	if _, err := m.cm.Publish(ctx, &paho.Publish{
		Topic:   m.topic("status"),
		Payload: []byte("offline"),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.logger.Debug("telemetry mqtt offline publish failed", "error", err)
	}
	return m.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. It backs the connwatch probe for the broker.
func (m *MQTTSink) AwaitConnection(ctx context.Context) error {
	if m.cm == nil {
		return errors.New("mqtt sink not started")
	}
	return m.cm.AwaitConnection(ctx)
}

// Record implements Sink.
func (m *MQTTSink) Record(ctx context.Context, rec Record) error {
	if m.pub == nil {
		return errors.New("mqtt sink not started")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal telemetry record: %w", err)
	}
	if _, err := m.pub.Publish(ctx, &paho.Publish{
		Topic:   m.topic(string(rec.Kind)),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		return fmt.Errorf("publish telemetry record: %w", err)
	}
	return nil
}

func (m *MQTTSink) topic(suffix string) string {
	return m.cfg.TopicPrefix + "/" + suffix
}
