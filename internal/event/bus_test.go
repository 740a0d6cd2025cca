package event

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/esplink/internal/plugin"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(testLogger())
	var received plugin.Event

	bus.Subscribe("test.topic", func(ctx context.Context, e plugin.Event) {
		received = e
	})

	event := plugin.Event{
		Topic:     "test.topic",
		Source:    "test",
		Timestamp: time.Now(),
		Payload:   "hello",
	}

	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if received.Topic != "test.topic" {
		t.Errorf("received.Topic = %q, want %q", received.Topic, "test.topic")
	}
	if received.Payload != "hello" {
		t.Errorf("received.Payload = %v, want %q", received.Payload, "hello")
	}
}

func TestSubscribeTopicIsolation(t *testing.T) {
	bus := NewBus(testLogger())
	var count int32

	bus.Subscribe("wanted", func(ctx context.Context, e plugin.Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.Publish(context.Background(), plugin.Event{Topic: "wanted"})
	bus.Publish(context.Background(), plugin.Event{Topic: "unwanted"})

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("handler called %d times, want 1", got)
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewBus(testLogger())
	var count int32

	bus.SubscribeAll(func(ctx context.Context, e plugin.Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.Publish(context.Background(), plugin.Event{Topic: "a"})
	bus.Publish(context.Background(), plugin.Event{Topic: "b"})

	if got := atomic.LoadInt32(&count); got != 2 {
		t.Errorf("SubscribeAll handler called %d times, want 2", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(testLogger())
	var count int32

	unsub := bus.Subscribe("topic", func(ctx context.Context, e plugin.Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.Publish(context.Background(), plugin.Event{Topic: "topic"})
	unsub()
	bus.Publish(context.Background(), plugin.Event{Topic: "topic"})

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("handler called %d times after unsubscribe, want 1", got)
	}
}

func TestPublishRecoversPanic(t *testing.T) {
	bus := NewBus(testLogger())
	var after int32

	bus.Subscribe("topic", func(ctx context.Context, e plugin.Event) {
		panic("handler failure")
	})
	bus.Subscribe("topic", func(ctx context.Context, e plugin.Event) {
		atomic.AddInt32(&after, 1)
	})

	if err := bus.Publish(context.Background(), plugin.Event{Topic: "topic"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := atomic.LoadInt32(&after); got != 1 {
		t.Errorf("handler after panicking one called %d times, want 1", got)
	}
}

func TestPublishAsyncDelivers(t *testing.T) {
	bus := NewBus(testLogger())
	done := make(chan struct{})

	bus.Subscribe("topic", func(ctx context.Context, e plugin.Event) {
		close(done)
	})

	bus.PublishAsync(context.Background(), plugin.Event{Topic: "topic"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PublishAsync handler not invoked within 1s")
	}
}
