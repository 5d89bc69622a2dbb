package events

import (
	"sync"
	"testing"
	"time"
)

// recv waits briefly for one event.
func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceAgent, Kind: KindResponse})
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestAlertReachesEverySubscriber(t *testing.T) {
	b := New()
	forwarder := b.Subscribe(8)
	dashboard := b.Subscribe(8)
	defer b.Unsubscribe(forwarder)
	defer b.Unsubscribe(dashboard)

	b.Publish(Event{
		Source: SourceGuardian,
		Kind:   KindAlert,
		Data:   map[string]any{"module": "security", "severity": "high"},
	})

	for name, ch := range map[string]<-chan Event{"forwarder": forwarder, "dashboard": dashboard} {
		got := recv(t, ch)
		if got.Kind != KindAlert || got.Data["module"] != "security" {
			t.Errorf("%s got %+v", name, got)
		}
		if got.Timestamp.IsZero() {
			t.Errorf("%s: timestamp not filled", name)
		}
	}
}

func TestSlowSubscriberMissesEvents(t *testing.T) {
	b := New()
	slow := b.Subscribe(1)
	defer b.Unsubscribe(slow)

	b.Publish(Event{Source: SourceVoice, Kind: KindAnnouncement, Data: map[string]any{"n": 1}})
	b.Publish(Event{Source: SourceVoice, Kind: KindAnnouncement, Data: map[string]any{"n": 2}})

	if got := recv(t, slow); got.Data["n"] != 1 {
		t.Errorf("first event = %v, want n=1", got.Data)
	}
	select {
	case e := <-slow:
		t.Errorf("overflow event delivered: %v", e)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	a := b.Subscribe(4)
	c := b.Subscribe(4)
	if got := b.SubscriberCount(); got != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", got)
	}

	b.Unsubscribe(a)
	if _, ok := <-a; ok {
		t.Error("channel still open after Unsubscribe")
	}
	b.Unsubscribe(a)
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount = %d, want 1", got)
	}

	// Publishing with a closed subscription must not panic.
	b.Publish(Event{Source: SourceMemory, Kind: KindDegraded})
	if got := recv(t, c); got.Kind != KindDegraded {
		t.Errorf("remaining subscriber got %+v", got)
	}
	b.Unsubscribe(c)
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(64)

	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		for range ch {
		}
	}()

	var pubs sync.WaitGroup
	for i := range 10 {
		pubs.Add(1)
		go func() {
			defer pubs.Done()
			for j := range 100 {
				b.Publish(Event{Source: SourceGuardian, Kind: KindStateChange, Data: map[string]any{"module": i, "seq": j}})
			}
		}()
	}

	pubs.Wait()
	b.Unsubscribe(ch)
	drained.Wait()
}

func TestHAEventType(t *testing.T) {
	tests := []struct {
		kind string
		want string
		ok   bool
	}{
		{KindResponse, "magdala_response", true},
		{KindAlert, "magdala_alert", true},
		{KindPattern, "magdala_pattern", true},
		{KindGuardianStatus, "magdala_guardian_status", true},
		{KindAnnouncement, "", false},
		{KindDegraded, "", false},
	}
	for _, tt := range tests {
		got, ok := Event{Kind: tt.kind}.HAEventType()
		if got != tt.want || ok != tt.ok {
			t.Errorf("HAEventType(%q) = %q, %v; want %q, %v", tt.kind, got, ok, tt.want, tt.ok)
		}
	}
}

func TestPayload(t *testing.T) {
	ts := time.Date(2026, 5, 1, 7, 30, 0, 0, time.UTC)
	p := Event{Timestamp: ts, Kind: KindAlert, Data: map[string]any{"severity": "high"}}.Payload()
	if p["severity"] != "high" || p["timestamp"] != "2026-05-01T07:30:00Z" {
		t.Errorf("Payload() = %v", p)
	}

	p = Event{Timestamp: ts, Data: map[string]any{"timestamp": "given"}}.Payload()
	if p["timestamp"] != "given" {
		t.Errorf("existing timestamp overwritten: %v", p["timestamp"])
	}
}
