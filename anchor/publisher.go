package anchor

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kwv/worldlock/mesh"
)

// adjustmentEpsilon suppresses republishing an unchanged frame every tick
const adjustmentEpsilon = 1e-6

// AdjustmentMessage is published to <prefix>/adjustment
type AdjustmentMessage struct {
	Pose      mesh.Pose `json:"pose"`
	Timestamp int64     `json:"timestamp"`
}

// RefitMessage is published to <prefix>/refit
type RefitMessage struct {
	Merged    FragmentID   `json:"merged"`
	Absorbed  []FragmentID `json:"absorbed"`
	Timestamp int64        `json:"timestamp"`
}

// PinsMessage is published to <prefix>/pins
type PinsMessage struct {
	Pins      []PinStatus `json:"pins"`
	Timestamp int64       `json:"timestamp"`
}

// Publisher sends the session's outputs to MQTT. It is the session's
// AdjustmentSink and PinPublisher. If client is nil, publishing fails with
// "not connected".
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	last          *mesh.Pose
	mu            sync.Mutex
}

// NewPublisher creates a publisher. MQTT_PUBLISH_PREFIX overrides prefix;
// an empty prefix falls back to "worldlock".
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "worldlock"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // Adjustments are superseded every tick
		retain:        true, // Late subscribers get the current frame
	}
}

// Topic returns <prefix>/<name>
func (p *Publisher) Topic(name string) string {
	return fmt.Sprintf("%s/%s", p.publishPrefix, name)
}

// ApplyAdjustment publishes the frame unless it matches the last one sent
func (p *Publisher) ApplyAdjustment(frame mesh.Pose) error {
	p.mu.Lock()
	unchanged := p.last != nil && mesh.ApproxEqual(*p.last, frame, adjustmentEpsilon)
	p.mu.Unlock()
	if unchanged {
		return nil
	}

	msg := AdjustmentMessage{Pose: frame, Timestamp: time.Now().UnixMilli()}
	if err := p.publish(p.Topic("adjustment"), p.retain, msg); err != nil {
		return err
	}

	p.mu.Lock()
	p.last = &frame
	p.mu.Unlock()
	return nil
}

// PublishRefit reports which fragment absorbed which others
func (p *Publisher) PublishRefit(merged FragmentID, absorbed []FragmentID) error {
	if absorbed == nil {
		absorbed = []FragmentID{}
	}
	msg := RefitMessage{Merged: merged, Absorbed: absorbed, Timestamp: time.Now().UnixMilli()}
	if err := p.publish(p.Topic("refit"), false, msg); err != nil {
		return err
	}
	log.Printf("[MQTT] published refit: %s absorbed %v", merged, absorbed)
	return nil
}

// RefitHandler adapts PublishRefit for Notifier.OnRefit, logging failures
func (p *Publisher) RefitHandler() RefitHandler {
	return func(merged FragmentID, absorbed []FragmentID) {
		if err := p.PublishRefit(merged, absorbed); err != nil {
			log.Printf("[MQTT] refit not published: %v", err)
		}
	}
}

// PublishPins publishes the full pin list
func (p *Publisher) PublishPins(pins []PinStatus) error {
	if pins == nil {
		pins = []PinStatus{}
	}
	msg := PinsMessage{Pins: pins, Timestamp: time.Now().UnixMilli()}
	if err := p.publish(p.Topic("pins"), p.retain, msg); err != nil {
		return err
	}
	log.Printf("[MQTT] published %d pins", len(pins))
	return nil
}

func (p *Publisher) publish(topic string, retain bool, v interface{}) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}

	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether adjustment and pin messages are retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
