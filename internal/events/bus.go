package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// ErrDeliveryFailed is returned by a retryable publish after every attempt
// has failed to deliver to at least one matching handler.
var ErrDeliveryFailed = errors.New("event delivery failed")

// ErrBusClosed is returned when publishing to a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// Handler processes a delivered event. A non-nil error marks the delivery
// as failed for that subscription.
type Handler func(ctx context.Context, ev Event) error

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	Priority   Priority      // Delivery order within a publish (default normal)
	Timeout    time.Duration // Per-invocation handler deadline (default 5s)
	MaxRetries int           // Handler retries after failure, linear backoff
	RetryDelay time.Duration // Base delay between handler retries (default 100ms)
	Once       bool          // Auto-unsubscribe after first successful delivery
}

// PublishOptions configures a single publish.
type PublishOptions struct {
	CorrelationID string
	Priority      Priority
	Retryable     bool // Retry the whole publish with exponential backoff on failure
	MaxAttempts   int  // Attempt cap for retryable publishes (default 3)
}

type subscription struct {
	id      string
	pattern string
	handler Handler
	opts    SubscribeOptions
	seq     uint64
	watchCh chan Event // non-nil for Watch subscriptions, closed on Close
}

// Bus is an in-process publish/subscribe hub with priority-ordered
// sequential delivery, per-handler timeouts, and wildcard topic matching.
// Handler execution within one publish is sequential, so subscribers may
// mutate shared state without their own locking.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*subscription
	nextSeq uint64
	closed  bool

	histMu  sync.Mutex
	history []Event // ring buffer of recent events
	histPos int
	histCap int
}

// NewBus creates a bus retaining up to historySize recent events for
// diagnostics (defaults to 256 if <= 0).
func NewBus(historySize int) *Bus {
	if historySize <= 0 {
		historySize = 256
	}
	return &Bus{
		subs:    make(map[string]*subscription),
		history: make([]Event, 0, historySize),
		histCap: historySize,
	}
}

// Subscribe registers a handler for every event whose type matches the
// pattern. A pattern segment of "*" matches exactly one topic segment.
// Returns the subscription ID.
func (b *Bus) Subscribe(pattern string, handler Handler, opts SubscribeOptions) string {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	sub := &subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		handler: handler,
		opts:    opts,
		seq:     b.nextSeq,
	}
	b.subs[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a subscription. Returns false if the ID is unknown.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return false
	}
	if sub.watchCh != nil {
		close(sub.watchCh)
	}
	delete(b.subs, id)
	return true
}

// Watch returns a channel receiving every event whose type matches the
// pattern. Non-blocking: if the channel is full the event is dropped for
// that watcher. bufSize defaults to 256 if <= 0.
func (b *Bus) Watch(pattern string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.nextSeq++
	sub := &subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		opts:    SubscribeOptions{Priority: PriorityLow, Timeout: time.Second},
		seq:     b.nextSeq,
		watchCh: ch,
	}
	sub.handler = func(ctx context.Context, ev Event) error {
		select {
		case ch <- ev:
		default:
			// Watcher channel full, drop event
		}
		return nil
	}
	b.subs[sub.id] = sub
	return ch
}

// WatchAll returns a channel receiving every published event, regardless
// of type. Same drop-on-full semantics as Watch.
func (b *Bus) WatchAll(bufSize int) <-chan Event {
	return b.Watch("**", bufSize)
}

// Publish delivers an event to every matching subscription, ordered by
// descending subscription priority, ties broken by subscription order.
// Returns the event ID. A retryable publish retries the whole delivery
// with exponential backoff and returns ErrDeliveryFailed on exhaustion;
// otherwise handler failures are logged at the subscription level and
// never surface here.
func (b *Bus) Publish(ctx context.Context, eventType string, data any, opts PublishOptions) (string, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return "", ErrBusClosed
	}

	ev := Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Data:          data,
		Timestamp:     time.Now(),
		CorrelationID: opts.CorrelationID,
		Priority:      opts.Priority,
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = ev.ID
	}

	b.record(ev)

	if !opts.Retryable {
		b.deliver(ctx, ev)
		return ev.ID, nil
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.Multiplier = 2.0
	policy.RandomizationFactor = 0

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if failed := b.deliver(ctx, ev); failed > 0 {
			return fmt.Errorf("%w: %d handler(s) failed", ErrDeliveryFailed, failed)
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(maxAttempts-1)), ctx))
	if err != nil {
		return ev.ID, err
	}
	return ev.ID, nil
}

// deliver runs all matching handlers sequentially and returns the number
// of subscriptions whose handler ultimately failed.
func (b *Bus) deliver(ctx context.Context, ev Event) int {
	matched := b.matching(ev.Type)

	failed := 0
	for _, sub := range matched {
		if err := b.invoke(ctx, sub, ev); err != nil {
			failed++
			continue
		}
		if sub.opts.Once {
			b.Unsubscribe(sub.id)
		}
	}
	return failed
}

// matching snapshots subscriptions whose pattern matches the topic,
// sorted by descending priority then subscription order.
func (b *Bus) matching(topic string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if topicMatches(sub.pattern, topic) {
			matched = append(matched, sub)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].opts.Priority != matched[j].opts.Priority {
			return matched[i].opts.Priority > matched[j].opts.Priority
		}
		return matched[i].seq < matched[j].seq
	})
	return matched
}

// invoke runs one handler with its timeout, retrying with linear backoff
// up to the subscription's MaxRetries.
func (b *Bus) invoke(ctx context.Context, sub *subscription, ev Event) error {
	var lastErr error
	for attempt := 0; attempt <= sub.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			// Linear backoff between handler retries
			select {
			case <-time.After(sub.opts.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = b.invokeOnce(ctx, sub, ev)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// invokeOnce runs the handler once, bounded by the subscription timeout.
// A handler that exceeds the deadline is treated as failed for that
// delivery; its goroutine is abandoned (the context it received is
// cancelled so well-behaved handlers exit promptly).
func (b *Bus) invokeOnce(ctx context.Context, sub *subscription, ev Event) error {
	hctx, cancel := context.WithTimeout(ctx, sub.opts.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- sub.handler(hctx, ev)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		return fmt.Errorf("handler for %q timed out after %s", sub.pattern, sub.opts.Timeout)
	}
}

// record appends the event to the bounded history ring.
func (b *Bus) record(ev Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	if len(b.history) < b.histCap {
		b.history = append(b.history, ev)
		return
	}
	b.history[b.histPos] = ev
	b.histPos = (b.histPos + 1) % b.histCap
}

// Recent returns up to n of the most recently published events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	out := make([]Event, 0, len(b.history))
	if len(b.history) < b.histCap {
		out = append(out, b.history...)
	} else {
		out = append(out, b.history[b.histPos:]...)
		out = append(out, b.history[:b.histPos]...)
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Chain returns all retained events sharing the given correlation ID,
// oldest first. Used to retrieve the causal chain of one action.
func (b *Bus) Chain(correlationID string) []Event {
	all := b.Recent(0)
	out := make([]Event, 0, 8)
	for _, ev := range all {
		if ev.CorrelationID == correlationID {
			out = append(out, ev)
		}
	}
	return out
}

// Close shuts the bus down. Subsequent publishes return ErrBusClosed and
// all Watch channels are closed. Safe to call multiple times.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subs {
		if sub.watchCh != nil {
			close(sub.watchCh)
		}
		delete(b.subs, id)
	}
}

// topicMatches reports whether a pattern matches a topic. Patterns are
// dot-separated; a "*" segment matches exactly one topic segment, and the
// pattern "**" matches every topic.
func topicMatches(pattern, topic string) bool {
	if pattern == topic || pattern == "**" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}

	pp := strings.Split(pattern, ".")
	tp := strings.Split(topic, ".")
	if len(pp) != len(tp) {
		return false
	}
	for i := range pp {
		if pp[i] != "*" && pp[i] != tp[i] {
			return false
		}
	}
	return true
}
