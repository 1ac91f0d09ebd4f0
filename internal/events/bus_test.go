package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"task.completed", "task.completed", true},
		{"task.completed", "task.failed", false},
		{"task.*", "task.completed", true},
		{"task.*", "task.failed", true},
		{"task.*", "tasks.ready", false},
		{"task.*", "task.assignment.failed", false},
		{"*.completed", "task.completed", true},
		{"task.*.failed", "task.assignment.failed", true},
		{"**", "task.completed", true},
		{"**", "project.completed.with.failures", true},
		{"*", "task.completed", false},
	}

	for _, tt := range tests {
		if got := topicMatches(tt.pattern, tt.topic); got != tt.want {
			t.Errorf("topicMatches(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
		}
	}
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	var mu sync.Mutex
	got := []string{}

	bus.Subscribe("task.*", func(ctx context.Context, ev Event) error {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
		return nil
	}, SubscribeOptions{})
	bus.Subscribe("project.completed", func(ctx context.Context, ev Event) error {
		t.Errorf("handler for project.completed should not fire for %s", ev.Type)
		return nil
	}, SubscribeOptions{})

	if _, err := bus.Publish(context.Background(), EventTaskCompleted, nil, PublishOptions{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != EventTaskCompleted {
		t.Errorf("delivered = %v, want [%s]", got, EventTaskCompleted)
	}
}

func TestPriorityOrdering(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	var mu sync.Mutex
	order := []string{}
	record := func(name string) Handler {
		return func(ctx context.Context, ev Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// Registered low to high; delivery must run high to low
	bus.Subscribe("task.completed", record("low"), SubscribeOptions{Priority: PriorityLow})
	bus.Subscribe("task.completed", record("normal"), SubscribeOptions{Priority: PriorityNormal})
	bus.Subscribe("task.completed", record("critical"), SubscribeOptions{Priority: PriorityCritical})
	bus.Subscribe("task.completed", record("high"), SubscribeOptions{Priority: PriorityHigh})

	if _, err := bus.Publish(context.Background(), "task.completed", nil, PublishOptions{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	want := []string{"critical", "high", "normal", "low"}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if i >= len(order) || order[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", order, want)
		}
	}
}

func TestSamePriorityDeliveredInSubscriptionOrder(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	var mu sync.Mutex
	order := []int{}
	for i := 0; i < 5; i++ {
		i := i
		bus.Subscribe("e.v", func(ctx context.Context, ev Event) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}, SubscribeOptions{})
	}

	bus.Publish(context.Background(), "e.v", nil, PublishOptions{})

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("delivery order = %v, want ascending", order)
		}
	}
}

func TestOnceUnsubscribesAfterDelivery(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	var mu sync.Mutex
	calls := 0
	bus.Subscribe("e.v", func(ctx context.Context, ev Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}, SubscribeOptions{Once: true})

	bus.Publish(context.Background(), "e.v", nil, PublishOptions{})
	bus.Publish(context.Background(), "e.v", nil, PublishOptions{})

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("once handler called %d times, want 1", calls)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	id := bus.Subscribe("e.v", func(ctx context.Context, ev Event) error {
		t.Error("unsubscribed handler fired")
		return nil
	}, SubscribeOptions{})

	if !bus.Unsubscribe(id) {
		t.Fatal("Unsubscribe returned false for a live subscription")
	}
	if bus.Unsubscribe(id) {
		t.Error("Unsubscribe returned true for a removed subscription")
	}

	bus.Publish(context.Background(), "e.v", nil, PublishOptions{})
}

func TestHandlerRetrySucceedsAfterTransientFailure(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	var mu sync.Mutex
	attempts := 0
	bus.Subscribe("e.v", func(ctx context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	}, SubscribeOptions{MaxRetries: 2, RetryDelay: time.Millisecond})

	_, err := bus.Publish(context.Background(), "e.v", nil, PublishOptions{Retryable: true})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Errorf("handler attempts = %d, want 2", attempts)
	}
}

func TestRetryablePublishReturnsDeliveryFailed(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	var mu sync.Mutex
	attempts := 0
	bus.Subscribe("e.v", func(ctx context.Context, ev Event) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("permanent")
	}, SubscribeOptions{RetryDelay: time.Millisecond})

	_, err := bus.Publish(context.Background(), "e.v", nil, PublishOptions{
		Retryable:   true,
		MaxAttempts: 2,
	})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("Publish error = %v, want ErrDeliveryFailed", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Errorf("delivery attempts = %d, want 2", attempts)
	}
}

func TestNonRetryablePublishSwallowsHandlerErrors(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	bus.Subscribe("e.v", func(ctx context.Context, ev Event) error {
		return errors.New("boom")
	}, SubscribeOptions{})

	if _, err := bus.Publish(context.Background(), "e.v", nil, PublishOptions{}); err != nil {
		t.Errorf("Publish error = %v, want nil", err)
	}
}

func TestHandlerTimeout(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	bus.Subscribe("e.v", func(ctx context.Context, ev Event) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, SubscribeOptions{Timeout: 20 * time.Millisecond})

	_, err := bus.Publish(context.Background(), "e.v", nil, PublishOptions{
		Retryable:   true,
		MaxAttempts: 1,
	})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Errorf("Publish error = %v, want ErrDeliveryFailed after handler timeout", err)
	}
}

func TestWatchReceivesMatchingEvents(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	ch := bus.Watch("task.*", 4)
	bus.Publish(context.Background(), EventTaskCompleted, TaskEventData{TaskID: "t1"}, PublishOptions{})
	bus.Publish(context.Background(), EventTasksReady, nil, PublishOptions{}) // no match

	select {
	case ev := <-ch:
		if ev.Type != EventTaskCompleted {
			t.Errorf("watched event type = %s, want %s", ev.Type, EventTaskCompleted)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received on watch channel")
	}

	select {
	case ev := <-ch:
		t.Errorf("unexpected second event %s on watch channel", ev.Type)
	default:
	}
}

func TestWatchAllReceivesEveryType(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	ch := bus.WatchAll(8)
	types := []string{EventTasksReady, EventTaskAssigned, EventProjectPartialFailure}
	for _, typ := range types {
		bus.Publish(context.Background(), typ, nil, PublishOptions{})
	}

	for _, want := range types {
		select {
		case ev := <-ch:
			if ev.Type != want {
				t.Errorf("watched event type = %s, want %s", ev.Type, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %s on watch-all channel", want)
		}
	}
}

func TestCorrelationIDDefaultsToEventID(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	var got Event
	bus.Subscribe("e.v", func(ctx context.Context, ev Event) error {
		got = ev
		return nil
	}, SubscribeOptions{})

	id, err := bus.Publish(context.Background(), "e.v", nil, PublishOptions{})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got.CorrelationID != id {
		t.Errorf("CorrelationID = %q, want event ID %q", got.CorrelationID, id)
	}
}

func TestRecentAndChain(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	bus.Publish(context.Background(), "a.one", nil, PublishOptions{CorrelationID: "corr-1"})
	bus.Publish(context.Background(), "a.two", nil, PublishOptions{CorrelationID: "corr-1"})
	bus.Publish(context.Background(), "b.one", nil, PublishOptions{CorrelationID: "corr-2"})

	recent := bus.Recent(2)
	if len(recent) != 2 || recent[0].Type != "a.two" || recent[1].Type != "b.one" {
		t.Errorf("Recent(2) types = %v", eventTypes(recent))
	}

	chain := bus.Chain("corr-1")
	if len(chain) != 2 || chain[0].Type != "a.one" || chain[1].Type != "a.two" {
		t.Errorf("Chain(corr-1) types = %v", eventTypes(chain))
	}
}

func TestHistoryRingOverwritesOldest(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	bus.Publish(context.Background(), "a.one", nil, PublishOptions{})
	bus.Publish(context.Background(), "a.two", nil, PublishOptions{})
	bus.Publish(context.Background(), "a.three", nil, PublishOptions{})

	recent := bus.Recent(0)
	if len(recent) != 2 || recent[0].Type != "a.two" || recent[1].Type != "a.three" {
		t.Errorf("Recent(0) after overflow = %v, want [a.two a.three]", eventTypes(recent))
	}
}

func TestCloseBus(t *testing.T) {
	bus := NewBus(16)
	ch := bus.WatchAll(4)

	bus.Close()
	bus.Close() // idempotent

	if _, err := bus.Publish(context.Background(), "e.v", nil, PublishOptions{}); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Publish after Close = %v, want ErrBusClosed", err)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("watch channel delivered an event after Close")
		}
	case <-time.After(time.Second):
		t.Error("watch channel not closed")
	}
}

func eventTypes(evs []Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}
