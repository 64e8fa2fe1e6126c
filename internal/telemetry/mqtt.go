// v1
// internal/telemetry/mqtt.go
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTSource subscribes to per-direction detection topics
// (<prefix><direction>) for deployments where roadside cameras publish
// over MQTT instead of Kafka.
type MQTTSource struct {
	lg     *slog.Logger
	ingest *Ingestor
	client mqtt.Client
	prefix string
	dirs   []string
}

func NewMQTTSource(broker, clientID, prefix string, directions []string, ingest *Ingestor, lg *slog.Logger) (*MQTTSource, error) {
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID).SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	lg.Info("mqtt telemetry connected", "broker", broker, "prefix", prefix)
	return &MQTTSource{lg: lg, ingest: ingest, client: client, prefix: prefix, dirs: directions}, nil
}

// Run subscribes to every direction topic and blocks until the context
// is cancelled.
func (s *MQTTSource) Run(ctx context.Context) {
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		sample, err := decodeSample(msg.Payload())
		if err != nil {
			s.lg.Error("bad telemetry json", "topic", msg.Topic(), "error", err)
			return
		}
		_ = s.ingest.Offer(sample)
	}
	for _, d := range s.dirs {
		topic := s.prefix + d
		if token := s.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
			s.lg.Error("mqtt subscribe", "topic", topic, "error", token.Error())
		}
	}
	<-ctx.Done()
}

// Close disconnects from the broker.
func (s *MQTTSource) Close() {
	s.client.Disconnect(250)
}
