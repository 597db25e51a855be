package eventbus

import (
	"testing"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeAlert, Data: Alert{Key: "temperature.high", Value: 35, Limit: 30}})

	for _, ch := range []<-chan Event{a, c} {
		ev := <-ch
		if ev.Type != TypeAlert || ev.Time.IsZero() {
			t.Fatalf("unexpected event %+v", ev)
		}
		if al, ok := ev.Data.(Alert); !ok || al.Key != "temperature.high" {
			t.Fatalf("unexpected payload %#v", ev.Data)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeReading})
	b.Publish(Event{Type: TypeReading}) // must not block
	if len(ch) != 1 {
		t.Fatalf("buffered = %d, want 1", len(ch))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: TypeReading})
}
