// internal/mqttclient/publisher.go
package mqttclient

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sua-org/gate-vision/internal/core"
)

// EventPublisher pushes committed count events to
// {base}/{camera_id}/events with QoS 1.
type EventPublisher struct {
	client    *Client
	baseTopic string
}

func NewEventPublisher(client *Client, baseTopic string) *EventPublisher {
	return &EventPublisher{
		client:    client,
		baseTopic: strings.TrimSuffix(baseTopic, "/"),
	}
}

func (p *EventPublisher) PublishEvent(ev core.CountEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal count event: %w", err)
	}
	topic := fmt.Sprintf("%s/%s/events", p.baseTopic, ev.CameraID)
	if err := p.client.Publish(topic, 1, false, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}
