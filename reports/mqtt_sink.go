package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"sonic-sentinel/models"
	"sonic-sentinel/utils"
)

// MQTTSink publishes each report as JSON on a topic with QoS 1.
type MQTTSink struct {
	client mqtt.Client
	topic  string
	logger *slog.Logger
}

func NewMQTTSink(broker string, port int, topic string, logger *slog.Logger) (*MQTTSink, error) {
	if logger == nil {
		logger = utils.DiscardLogger()
	}
	logger = logger.With(slog.String("component", "mqtt_sink"))

	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", broker, port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("sonic-sentinel-%d", time.Now().Unix()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", slog.Any("error", err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, &SubmissionError{Kind: Network, Err: fmt.Errorf("connecting to %s: %w", brokerURL, token.Error())}
	}
	logger.Info("connected to mqtt broker", slog.String("broker", brokerURL), slog.String("topic", topic))

	return &MQTTSink{client: client, topic: topic, logger: logger}, nil
}

// Submit ignores the auth token; the broker connection carries identity.
func (m *MQTTSink) Submit(ctx context.Context, report models.Report, _ string) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	token := m.client.Publish(m.topic, 1, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return &SubmissionError{Kind: Network, Err: ctx.Err()}
	}
	if err := token.Error(); err != nil {
		return &SubmissionError{Kind: Network, Err: err}
	}
	return nil
}

func (m *MQTTSink) Close() {
	if m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}
