package robot

import (
	"errors"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// Mirror - secondary sink for telemetry snapshots
type Mirror interface {
	Publish(payload []byte) error
	Close()
}

// MQTTMirror publishes telemetry to an MQTT topic.
type MQTTMirror struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
	log     logrus.FieldLogger
}

// NewMQTTMirror connects to broker (e.g. "tcp://localhost:1883").
func NewMQTTMirror(broker, clientID, topic string, log logrus.FieldLogger) (*MQTTMirror, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, errors.New("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"broker": broker, "topic": topic}).Info("mqtt mirror connected")

	return &MQTTMirror{client: client, topic: topic, timeout: time.Second, log: log}, nil
}

// Publish sends payload at QoS 0, retained so late subscribers see the
// latest snapshot.
func (m *MQTTMirror) Publish(payload []byte) error {
	token := m.client.Publish(m.topic, 0, true, payload)
	if !token.WaitTimeout(m.timeout) {
		return errors.New("mqtt publish timed out")
	}
	return token.Error()
}

func (m *MQTTMirror) Close() {
	m.client.Disconnect(250)
}
