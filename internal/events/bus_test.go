package events

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestEmitDeliversToSubscribers(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	var got []Event
	bus.Subscribe(EventFileDeleted, "test", func(_ context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventFileDeleted, Source: "conn:1"})
	bus.Emit(context.Background(), Event{Type: EventUploadCompleted, Source: "conn:1"})
	bus.Wait()

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Timestamp.IsZero() {
		t.Error("timestamp not filled in")
	}
}

func TestHandlerFailuresAreContained(t *testing.T) {
	bus := NewEventBus()
	done := make(chan struct{}, 1)

	bus.Subscribe(EventErrorSent, "panics", func(context.Context, Event) error { panic("boom") })
	bus.Subscribe(EventErrorSent, "fails", func(context.Context, Event) error { return errors.New("nope") })
	bus.Subscribe(EventErrorSent, "ok", func(context.Context, Event) error {
		done <- struct{}{}
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventErrorSent})
	bus.Wait()

	select {
	case <-done:
	default:
		t.Error("healthy handler did not run")
	}
}

func TestSubscribeAllAndUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	bus.SubscribeAll("feed", func(context.Context, Event) error { return nil })

	for _, typ := range AllTypes {
		if bus.HandlerCount(typ) != 1 {
			t.Errorf("HandlerCount(%s) = %d, want 1", typ, bus.HandlerCount(typ))
		}
	}

	bus.UnsubscribeAll("feed")
	for _, typ := range AllTypes {
		if bus.HandlerCount(typ) != 0 {
			t.Errorf("HandlerCount(%s) = %d after unsubscribe", typ, bus.HandlerCount(typ))
		}
	}
}

func TestStoppedBusDropsEvents(t *testing.T) {
	bus := NewEventBus()
	called := false
	bus.Subscribe(EventShutdown, "test", func(context.Context, Event) error {
		called = true
		return nil
	})
	bus.Stop()
	bus.Emit(context.Background(), Event{Type: EventShutdown})
	bus.Wait()

	if called {
		t.Error("handler ran after Stop")
	}

	var nilBus *EventBus
	nilBus.Emit(context.Background(), Event{Type: EventShutdown})
}
