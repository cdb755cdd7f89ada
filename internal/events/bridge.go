package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/awebai/aweb/internal/logging"
)

const mqttTimeout = 10 * time.Second

// Bridge republishes local bus events to an MQTT broker and injects remote
// events back into the local bus, so a multi-process deployment sees one
// logical event stream. Events the bridge injected are tagged with their
// producer's origin id and never re-forwarded.
type Bridge struct {
	bus    *Bus
	client mqtt.Client
	prefix string
	origin string
	log    *logging.Logger
	cancel func()
	done   chan struct{}
}

// NewBridge connects to the broker and starts forwarding in both
// directions. prefix is the MQTT topic prefix, e.g. "aweb/events".
func NewBridge(bus *Bus, broker, prefix string, log *logging.Logger) (*Bridge, error) {
	origin := uuid.NewString()
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("aweb-" + origin[:8]).
		SetConnectTimeout(mqttTimeout).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(mqttTimeout) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if tok.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", tok.Error())
	}

	b := &Bridge{
		bus:    bus,
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		origin: origin,
		log:    log,
		done:   make(chan struct{}),
	}

	sub := client.Subscribe(b.prefix+"/#", 0, b.onRemote)
	if !sub.WaitTimeout(mqttTimeout) {
		client.Disconnect(250)
		return nil, fmt.Errorf("mqtt subscribe timeout")
	}
	if sub.Error() != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("mqtt subscribe: %w", sub.Error())
	}

	ch, cancel := bus.SubscribeAll()
	b.cancel = cancel
	go b.forward(ch)

	log.Info("event bridge connected", "broker", broker, "prefix", b.prefix, "origin", origin)
	return b, nil
}

// forward publishes local events to the broker.
func (b *Bridge) forward(ch <-chan Event) {
	defer close(b.done)
	for evt := range ch {
		if evt.Origin != "" && evt.Origin != b.origin {
			// Injected by us from a remote process; do not echo it back.
			continue
		}
		evt.Origin = b.origin
		body, err := json.Marshal(evt)
		if err != nil {
			b.log.Warn("marshal bridge event", "error", err)
			continue
		}
		topic := b.prefix + "/" + strings.ReplaceAll(evt.Topic, ":", "/")
		tok := b.client.Publish(topic, 0, false, body)
		if !tok.WaitTimeout(mqttTimeout) {
			b.log.Warn("bridge publish timeout", "topic", topic)
			continue
		}
		if tok.Error() != nil {
			b.log.Warn("bridge publish failed", "topic", topic, "error", tok.Error())
		}
	}
}

// onRemote injects a remote event into the local bus.
func (b *Bridge) onRemote(_ mqtt.Client, msg mqtt.Message) {
	var evt Event
	if err := json.Unmarshal(msg.Payload(), &evt); err != nil {
		b.log.Warn("unmarshal bridge event", "error", err)
		return
	}
	if evt.Origin == b.origin {
		return
	}
	b.bus.Publish(evt)
}

// Close stops forwarding and disconnects from the broker.
func (b *Bridge) Close(ctx context.Context) {
	b.cancel()
	select {
	case <-b.done:
	case <-ctx.Done():
	}
	b.client.Disconnect(250)
}
