package events

import (
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishRoutesByTopic(t *testing.T) {
	bus := New()
	chatCh, cancelChat := bus.Subscribe(ChatTopic("s1"))
	defer cancelChat()
	otherCh, cancelOther := bus.Subscribe(ChatTopic("s2"))
	defer cancelOther()
	allCh, cancelAll := bus.SubscribeAll()
	defer cancelAll()

	bus.Publish(Event{Type: EventMessage, Topic: ChatTopic("s1"), MessageID: "m1"})

	if got := recv(t, chatCh); got.MessageID != "m1" {
		t.Errorf("topic subscriber got %+v", got)
	}
	if got := recv(t, allCh); got.MessageID != "m1" {
		t.Errorf("wildcard subscriber got %+v", got)
	}
	select {
	case evt := <-otherCh:
		t.Errorf("unrelated topic received %+v", evt)
	default:
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := New()
	ch, cancel := bus.Subscribe("t")
	defer cancel()

	// Overfill the buffer; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize+10; i++ {
			bus.Publish(Event{Topic: "t"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	// The buffer holds exactly its capacity; the rest were dropped.
	n := 0
	for {
		select {
		case <-ch:
			n++
		default:
			if n != subscriberBufferSize {
				t.Errorf("buffered %d events, want %d", n, subscriberBufferSize)
			}
			return
		}
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := New()
	ch, cancel := bus.Subscribe("t")
	cancel()
	// Double cancel is safe.
	cancel()

	if _, open := <-ch; open {
		t.Error("channel should be closed after cancel")
	}
	// Publishing after cancel must not panic.
	bus.Publish(Event{Topic: "t"})
}

func TestTopicHelpers(t *testing.T) {
	if got := ChatTopic("abc"); got != "chat:abc" {
		t.Errorf("ChatTopic = %q", got)
	}
	if got := MailTopic("p", "a"); got != "mail:p:a" {
		t.Errorf("MailTopic = %q", got)
	}
}
