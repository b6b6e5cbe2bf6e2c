package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"alex/internal/store"
)

func TestBusDeliversPublishedEventsToSubscribers(t *testing.T) {
	bus := NewBus()
	received := make(chan store.AgentEvent, 1)
	unsubscribe := bus.Subscribe(func(evt store.AgentEvent) {
		received <- evt
	})
	defer unsubscribe()

	bus.Publish(store.AgentEvent{Kind: store.EventChat, Event: "created"})

	select {
	case evt := <-received:
		require.Equal(t, store.EventChat, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	var count int32
	var mu sync.Mutex
	unsubscribe := bus.Subscribe(func(store.AgentEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(store.AgentEvent{Kind: store.EventTask})
	unsubscribe()
	bus.Publish(store.AgentEvent{Kind: store.EventTask})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, int32(1), count)
}

func TestBusUnsubscribeIsSafeDuringDispatch(t *testing.T) {
	bus := NewBus()
	var unsubscribe func()
	unsubscribe = bus.Subscribe(func(store.AgentEvent) {
		unsubscribe()
	})

	require.NotPanics(t, func() {
		bus.Publish(store.AgentEvent{Kind: store.EventApproval})
		bus.Publish(store.AgentEvent{Kind: store.EventApproval})
	})
}

func TestBusWatchDeliversAndClosesOnCancel(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch := bus.Watch(ctx)
	bus.Publish(store.AgentEvent{Kind: store.EventPlan})

	select {
	case evt := <-ch:
		require.Equal(t, store.EventPlan, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch event")
	}

	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			// drain any buffered event before the close signal lands
			select {
			case _, ok2 := <-ch:
				require.False(t, ok2)
			case <-time.After(time.Second):
				t.Fatal("channel did not close after cancel")
			}
		}
	case <-time.After(time.Second):
		t.Fatal("channel did not close after cancel")
	}
}

func TestBusPublishOrderPreservedPerListener(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var seen []string
	bus.Subscribe(func(evt store.AgentEvent) {
		mu.Lock()
		seen = append(seen, evt.Event)
		mu.Unlock()
	})

	for _, ev := range []string{"a", "b", "c"} {
		bus.Publish(store.AgentEvent{Kind: store.EventChat, Event: ev})
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b", "c"}, seen)
}
