package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"snippet-relay/internal/domain"
)

func newTestBus(opts ...Option) *Bus {
	return New(slog.Default(), opts...)
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventWorkerAttached, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventWorkerAttached {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventWorkerAttached))
	bus.Close() // drain
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventWorkerAttached))
	bus.Publish(context.Background(), newEvent(domain.EventCallRouted))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus(WithSynchronous())

	var first, second atomic.Int32
	unsub := bus.Subscribe(domain.EventWorkerDetached, func(_ context.Context, _ domain.Event) {
		first.Add(1)
	})
	bus.Subscribe(domain.EventWorkerDetached, func(_ context.Context, _ domain.Event) {
		second.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventWorkerDetached))
	unsub()
	unsub() // second call is a no-op
	bus.Publish(context.Background(), newEvent(domain.EventWorkerDetached))

	if first.Load() != 1 {
		t.Fatalf("unsubscribed handler ran %d times, want 1", first.Load())
	}
	if second.Load() != 2 {
		t.Fatalf("remaining handler ran %d times, want 2", second.Load())
	}
}

func TestSynchronousPreservesOrder(t *testing.T) {
	bus := newTestBus(WithSynchronous())

	var got []string
	bus.Subscribe("single sample", func(_ context.Context, e domain.Event) {
		got = append(got, string(e.Payload))
	})

	for _, p := range []string{`1`, `2`, `3`} {
		bus.Publish(context.Background(), domain.Event{Type: "single sample", Payload: []byte(p)})
	}

	want := []string{"1", "2", "3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestNoSubscriberDropsSilently(t *testing.T) {
	bus := newTestBus(WithSynchronous())
	if bus.HasSubscribers("sampler complete") {
		t.Fatal("fresh bus should have no subscribers")
	}
	bus.Publish(context.Background(), newEvent("sampler complete"))

	unsub := bus.Subscribe("sampler complete", func(context.Context, domain.Event) {})
	if !bus.HasSubscribers("sampler complete") {
		t.Fatal("expected subscriber to be registered")
	}
	unsub()
	if bus.HasSubscribers("sampler complete") {
		t.Fatal("expected subscriber to be removed")
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventCallRouted, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventCallRouted))
		}()
	}
	wg.Wait()
	bus.Close()

	if got.Load() != 100 {
		t.Fatalf("expected 100, got %d", got.Load())
	}
}

func TestPanicRecovery(t *testing.T) {
	for _, synchronous := range []bool{false, true} {
		var opts []Option
		if synchronous {
			opts = append(opts, WithSynchronous())
		}
		bus := newTestBus(opts...)

		var got atomic.Int32
		bus.Subscribe(domain.EventCallFailed, func(_ context.Context, _ domain.Event) {
			panic("boom")
		})
		bus.Subscribe(domain.EventCallFailed, func(_ context.Context, _ domain.Event) {
			got.Add(1)
		})

		bus.Publish(context.Background(), newEvent(domain.EventCallFailed))
		bus.Close()

		if got.Load() != 1 {
			t.Fatalf("sync=%v: expected 1 (second handler), got %d", synchronous, got.Load())
		}
	}
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventConnClosed, func(_ context.Context, _ domain.Event) {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventConnClosed))
	bus.Close() // should block until the handler finishes

	if got.Load() != 1 {
		t.Fatalf("expected handler to have run, got %d", got.Load())
	}

	bus.Publish(context.Background(), newEvent(domain.EventConnClosed))
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("expected no delivery after close, got %d", got.Load())
	}
}
