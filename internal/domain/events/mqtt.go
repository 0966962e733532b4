package events

import "fmt"

// JSONPublisher is the part of the MQTT client the sink needs.
type JSONPublisher interface {
	Topic(parts ...string) string
	PublishJSON(topic string, v any, qos byte, retained bool) error
}

// MQTTSink publishes events to {prefix}/devices/{id}/events at QoS 1.
type MQTTSink struct {
	client JSONPublisher
}

// NewMQTTSink wraps an MQTT client.
func NewMQTTSink(client JSONPublisher) *MQTTSink {
	return &MQTTSink{client: client}
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// Deliver implements Sink.
func (s *MQTTSink) Deliver(e Event) error {
	if e.DeviceID == "" {
		return fmt.Errorf("event %s has no device", e.ID)
	}
	return s.client.PublishJSON(s.client.Topic("devices", e.DeviceID, "events"), e, 1, false)
}
