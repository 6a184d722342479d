// v0
// internal/ingest/mqtt.go
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig captures the broker connection used for scan delivery.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Topic          string
	QoS            byte
	ConnectTimeout time.Duration
}

// DropObserver is notified when a message cannot be queued.
type DropObserver interface {
	ObserveDropped(reason string)
}

// MQTTSource subscribes to the scan topic and forwards each message.
type MQTTSource struct {
	cfg    MQTTConfig
	log    *slog.Logger
	drops  DropObserver
	client mqtt.Client
}

// NewMQTTSource validates cfg and prepares (but does not connect) a client.
func NewMQTTSource(cfg MQTTConfig, log *slog.Logger, drops DropObserver) (*MQTTSource, error) {
	if log == nil {
		return nil, errors.New("logger must not be nil")
	}
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt broker must not be empty")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("mqtt topic must not be empty")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &MQTTSource{cfg: cfg, log: log, drops: drops}, nil
}

// Run connects, subscribes and blocks until ctx is done. Messages that do
// not fit into out are dropped so the MQTT client is never stalled.
func (s *MQTTSource) Run(ctx context.Context, out chan<- Message) error {
	handler := func(_ mqtt.Client, m mqtt.Message) {
		msg := Message{Topic: m.Topic(), Payload: append([]byte(nil), m.Payload()...), ReceivedAt: time.Now().UTC()}
		select {
		case out <- msg:
		default:
			s.log.Warn("scan_queue_full", slog.String("topic", m.Topic()))
			if s.drops != nil {
				s.drops.ObserveDropped("queue_full")
			}
		}
	}

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.log.Warn("mqtt_connection_lost", slog.Any("err", err))
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, handler)
			token.Wait()
			if err := token.Error(); err != nil {
				s.log.Error("mqtt_subscribe_failed", slog.String("topic", s.cfg.Topic), slog.Any("err", err))
				return
			}
			s.log.Info("mqtt_subscribed", slog.String("topic", s.cfg.Topic), slog.Int("qos", int(s.cfg.QoS)))
		})

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		s.log.Warn("mqtt_connect_pending", slog.String("broker", s.cfg.Broker))
	} else if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", s.cfg.Broker, err)
	}
	s.log.Info("mqtt_source_started", slog.String("broker", s.cfg.Broker), slog.String("topic", s.cfg.Topic))

	<-ctx.Done()
	s.log.Info("mqtt_source_stopped")
	return ctx.Err()
}

// Close disconnects the client if it was started.
func (s *MQTTSource) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	if s.client.IsConnected() {
		s.client.Unsubscribe(s.cfg.Topic).WaitTimeout(time.Second)
	}
	s.client.Disconnect(250)
	return nil
}
