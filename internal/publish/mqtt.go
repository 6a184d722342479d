// v0
// internal/publish/mqtt.go
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"nrgchamp/locator/internal/locator"
)

// ConnectMQTT opens an auto-reconnecting publisher client. A connection that
// is still pending after timeout keeps retrying in the background.
func ConnectMQTT(broker, clientID string, timeout time.Duration) (mqtt.Client, error) {
	if strings.TrimSpace(broker) == "" {
		return nil, errors.New("mqtt broker must not be empty")
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.WaitTimeout(timeout) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	return client, nil
}

// MQTT publishes outcomes as JSON on a single topic.
type MQTT struct {
	client  mqtt.Client
	topic   string
	qos     byte
	retain  bool
	timeout time.Duration
}

// NewMQTT wraps a connected (or auto-connecting) client.
func NewMQTT(client mqtt.Client, topic string, qos byte, retain bool) (*MQTT, error) {
	if client == nil {
		return nil, errors.New("mqtt client must not be nil")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("result topic must not be empty")
	}
	return &MQTT{client: client, topic: topic, qos: qos, retain: retain, timeout: 5 * time.Second}, nil
}

func (m *MQTT) Name() string { return "mqtt" }

func (m *MQTT) Publish(ctx context.Context, o locator.Outcome) error {
	payload, err := Encode(o)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	token := m.client.Publish(m.topic, m.qos, m.retain, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.timeout):
		return fmt.Errorf("publish %s: timeout after %s", m.topic, m.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", m.topic, err)
	}
	return nil
}
