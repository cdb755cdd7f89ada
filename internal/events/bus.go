// Package events provides a topic-keyed fan-out pub/sub bus delivering chat
// and mail events to SSE streams, waiters, and the optional cross-process
// bridge.
package events

import (
	"sync"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	EventMessage     Type = "message"
	EventReadReceipt Type = "read_receipt"
	EventMailArrived Type = "mail"
)

// ChatTopic returns the bus topic for a chat session.
func ChatTopic(sessionID string) string { return "chat:" + sessionID }

// MailTopic returns the bus topic for an agent's mailbox.
func MailTopic(projectID, agentID string) string { return "mail:" + projectID + ":" + agentID }

// Event is a single event published through the bus. Exactly one event is
// published per committed chat write. Signature fields are relayed verbatim.
type Event struct {
	Type               Type      `json:"type"`
	Topic              string    `json:"topic"`
	SessionID          string    `json:"session_id,omitempty"`
	MessageID          string    `json:"message_id,omitempty"`
	FromAgent          string    `json:"from_agent,omitempty"`
	FromAgentID        string    `json:"from_agent_id,omitempty"`
	Body               string    `json:"body,omitempty"`
	SenderLeaving      bool      `json:"sender_leaving"`
	HangOn             bool      `json:"hang_on"`
	ExtendsWaitSeconds int       `json:"extends_wait_seconds"`
	ReaderAlias        string    `json:"reader_alias,omitempty"`
	ReaderAgentID      string    `json:"reader_agent_id,omitempty"`
	UpToMessageID      string    `json:"up_to_message_id,omitempty"`
	UpToCreatedAt      time.Time `json:"up_to_created_at,omitzero"`
	FromDID            string    `json:"from_did,omitempty"`
	ToDID              string    `json:"to_did,omitempty"`
	Signature          string    `json:"signature,omitempty"`
	SigningKeyID       string    `json:"signing_key_id,omitempty"`
	Timestamp          time.Time `json:"timestamp"`

	// Origin identifies the process that produced the event. The bridge
	// uses it to avoid republishing events it injected itself.
	Origin string `json:"origin,omitempty"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

type subscriber struct {
	topic string // empty means all topics
	ch    chan Event
}

// Bus is a topic-keyed fan-out pub/sub bus. Subscribers receive all events
// published to their topic after they subscribe. Slow subscribers that fall
// behind have events dropped rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]subscriber
	next uint64
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]subscriber)}
}

// Publish sends an event to every subscriber of evt.Topic and to all-topic
// subscribers. If a subscriber's buffer is full the event is dropped for
// that subscriber (non-blocking).
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.topic != "" && sub.topic != evt.Topic {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Subscriber buffer full -- drop rather than block.
		}
	}
}

// Subscribe returns a channel receiving all future events for topic and a
// cancel function that unsubscribes and closes the channel. The caller must
// invoke cancel when done.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	return b.subscribe(topic)
}

// SubscribeAll returns a channel receiving every event on every topic.
func (b *Bus) SubscribeAll() (<-chan Event, func()) {
	return b.subscribe("")
}

func (b *Bus) subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = subscriber{topic: topic, ch: ch}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}
