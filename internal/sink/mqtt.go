package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// publisher is the part of mqtt.Client the sink uses
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTOptions configures the broker connection
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
	Retained bool
}

// MQTTSink publishes JSON samples to <topic>/<device-id>
type MQTTSink struct {
	client   publisher
	topic    string
	qos      byte
	retained bool
	logger   *logrus.Logger
}

// NewMQTTSink connects to the broker
func NewMQTTSink(opts MQTTOptions, logger *logrus.Logger) (*MQTTSink, error) {
	if logger == nil {
		logger = logrus.New()
	}
	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}
	clientOpts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.WithError(err).Warn("MQTT connection lost")
	}

	client := mqtt.NewClient(clientOpts)
	if tk := client.Connect(); tk.WaitTimeout(10*time.Second) && tk.Error() != nil {
		return nil, fmt.Errorf("mqtt sink: connect %s: %w", opts.Broker, tk.Error())
	}

	logger.WithFields(logrus.Fields{
		"broker": opts.Broker,
		"topic":  opts.Topic,
	}).Info("Connected to MQTT broker")
	return newMQTTSink(client, opts, logger), nil
}

func newMQTTSink(client publisher, opts MQTTOptions, logger *logrus.Logger) *MQTTSink {
	return &MQTTSink{
		client:   client,
		topic:    strings.TrimRight(opts.Topic, "/"),
		qos:      opts.QoS,
		retained: opts.Retained,
		logger:   logger,
	}
}

func (m *MQTTSink) Name() string { return "mqtt" }

// Topic returns the topic a device publishes to
func (m *MQTTSink) Topic(deviceID string) string {
	// keep the ID a single topic level without wildcards
	id := strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(deviceID)
	return m.topic + "/" + id
}

func (m *MQTTSink) Send(ctx context.Context, s Sample) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("mqtt sink: marshal: %w", err)
	}

	topic := m.Topic(s.DeviceID)
	token := m.client.Publish(topic, m.qos, m.retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt sink: publish %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt sink: publish %s: %w", topic, err)
	}
	return nil
}

func (m *MQTTSink) Close(context.Context) error {
	m.client.Disconnect(250)
	return nil
}
