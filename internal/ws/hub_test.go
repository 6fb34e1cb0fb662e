package ws

import (
	"errors"
	"testing"
	"time"
)

type chanSubscriber struct {
	messages chan []byte
	fail     bool
	closed   chan struct{}
}

func newChanSubscriber() *chanSubscriber {
	return &chanSubscriber{
		messages: make(chan []byte, 8),
		closed:   make(chan struct{}),
	}
}

func (s *chanSubscriber) Send(payload []byte) error {
	if s.fail {
		return errors.New("send failed")
	}
	s.messages <- payload
	return nil
}

func (s *chanSubscriber) Close() {
	close(s.closed)
}

func waitFor(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
		return nil
	}
}

func TestTopic(t *testing.T) {
	if got := Topic("demo", "production"); got != "demo/production" {
		t.Fatalf("unexpected topic %q", got)
	}
}

func TestBroadcastFansOutToTopicClients(t *testing.T) {
	hub := NewHub()
	topic := Topic("demo", "production")

	a := newChanSubscriber()
	b := newChanSubscriber()
	other := newChanSubscriber()
	hub.Register(topic, a)
	hub.Register(topic, b)
	hub.Register(Topic("demo", "staging"), other)

	hub.Broadcast(topic, []byte("deployed"))

	if got := string(waitFor(t, a.messages)); got != "deployed" {
		t.Fatalf("client a got %q", got)
	}
	if got := string(waitFor(t, b.messages)); got != "deployed" {
		t.Fatalf("client b got %q", got)
	}
	select {
	case msg := <-other.messages:
		t.Fatalf("staging client received foreign message %q", msg)
	default:
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub()
	topic := Topic("demo", "production")

	sub := newChanSubscriber()
	hub.Register(topic, sub)
	hub.Unregister(topic, sub)
	hub.Broadcast(topic, []byte("deployed"))
	// A second broadcast ensures the first was processed before we check.
	hub.Broadcast(topic, []byte("again"))

	select {
	case msg := <-sub.messages:
		t.Fatalf("unregistered client received %q", msg)
	default:
	}
}

func TestFailedSendEvictsClient(t *testing.T) {
	hub := NewHub()
	topic := Topic("demo", "production")

	broken := newChanSubscriber()
	broken.fail = true
	healthy := newChanSubscriber()
	hub.Register(topic, broken)
	hub.Register(topic, healthy)

	hub.Broadcast(topic, []byte("deployed"))

	select {
	case <-broken.closed:
	case <-time.After(time.Second):
		t.Fatal("expected failing client to be closed")
	}
	if got := string(waitFor(t, healthy.messages)); got != "deployed" {
		t.Fatalf("healthy client got %q", got)
	}

	hub.Broadcast(topic, []byte("again"))
	if got := string(waitFor(t, healthy.messages)); got != "again" {
		t.Fatalf("healthy client got %q after eviction", got)
	}
}
