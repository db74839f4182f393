package transport

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MQTT adapts a paho client to the PubSub interface. All traffic uses
// QoS 0; ordering is the session core's problem, not the broker's.
type MQTT struct {
	client  mqtt.Client
	timeout time.Duration
}

// DialMQTT connects to the broker and returns the adapter. The client
// identifier is derived from the thing name with a random suffix so a
// crashed instance does not fence out its successor.
func DialMQTT(brokerURL, thing string, timeout time.Duration) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(fmt.Sprintf("%s-%s", thing, uuid.New().String()[:8])).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetConnectTimeout(timeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", brokerURL, err)
	}
	logrus.WithField("broker", brokerURL).Info("Connected to MQTT broker")
	return &MQTT{client: client, timeout: timeout}, nil
}

// Publish sends payload on topic at QoS 0.
func (m *MQTT) Publish(topic string, payload []byte) error {
	token := m.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(m.timeout) {
		return fmt.Errorf("mqtt: publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h for topic at QoS 0.
func (m *MQTT) Subscribe(topic string, h Handler) error {
	token := m.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(m.timeout) {
		return fmt.Errorf("mqtt: subscribe to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: subscribe to %s: %w", topic, err)
	}
	logrus.WithField("topic", topic).Debug("Subscribed")
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
