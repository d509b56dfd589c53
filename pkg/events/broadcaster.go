// Package events implements the warden event bus: a bounded, multi-consumer broadcast
// of types.Event where publishers never wait for subscribers.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openfroyo/warden/pkg/telemetry"
	"github.com/openfroyo/warden/pkg/types"
)

// DefaultCapacity is the ring size used by the daemon when none is configured.
const DefaultCapacity = 1024

// ErrClosed is returned by Recv once the bus is closed and the receiver has drained it.
var ErrClosed = errors.New("event bus closed")

// LaggedError reports that a receiver fell behind the ring and missed Skipped events.
// The receiver resumes at the oldest retained event on its next Recv.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("receiver lagged behind by %d events", e.Skipped)
}

// IsLagged returns true if err is a *LaggedError.
func IsLagged(err error) bool {
	var lagged *LaggedError
	return errors.As(err, &lagged)
}

// Broadcaster fans every published event out to all receivers.
//
// Events are kept in a fixed ring indexed by a monotonically increasing sequence.
// Each receiver holds its own cursor into that sequence, so a slow receiver costs
// nothing but its own lag.
type Broadcaster struct {
	mu       sync.Mutex
	ring     []types.Event
	capacity uint64
	// total is the number of events ever published. The ring holds sequences
	// [total-min(total, capacity), total).
	total  uint64
	closed bool
	// notify is closed and replaced on every publish to wake waiting receivers.
	notify chan struct{}

	snowflakes *types.SnowflakeGenerator
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets the logger used for dropped events.
func WithLogger(logger *telemetry.Logger) Option {
	return func(b *Broadcaster) {
		b.logger = logger.NewComponentLogger("events")
	}
}

// WithMetrics records publish and lag counts.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(b *Broadcaster) {
		b.metrics = metrics
	}
}

// WithSnowflakeGenerator replaces the default node-0 generator.
func WithSnowflakeGenerator(g *types.SnowflakeGenerator) Option {
	return func(b *Broadcaster) {
		b.snowflakes = g
	}
}

// New creates a bus holding the last capacity events, and a receiver positioned
// at the start of the stream.
func New(capacity int, opts ...Option) (*Broadcaster, *Receiver) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	b := &Broadcaster{
		ring:       make([]types.Event, capacity),
		capacity:   uint64(capacity),
		notify:     make(chan struct{}),
		snowflakes: types.NewSnowflakeGenerator(0),
		logger:     telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}

	return b, &Receiver{bus: b}
}

// Send stamps the event with a snowflake and publishes it. It never blocks on
// receivers. On a closed bus the event is logged and dropped.
// The published event, with its snowflake, is returned.
func (b *Broadcaster) Send(event types.Event) types.Event {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Zerolog().Warn().
			Str("kind", string(event.Inner.Type)).
			Str("details", event.Details).
			Msg("dropping event sent on closed bus")
		b.metrics.RecordEventDropped()
		return event
	}

	// the snowflake is minted under the same lock as the append, so ring order
	// and snowflake order agree
	event.Snowflake = b.snowflakes.Next()
	if event.Version == 0 {
		event.Version = types.EventVersion
	}
	b.ring[b.total%b.capacity] = event
	b.total++

	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()

	b.metrics.RecordEventPublished(string(event.Inner.Type))
	return event
}

// Subscribe returns a receiver that sees every event published after this call.
func (b *Broadcaster) Subscribe() *Receiver {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Receiver{bus: b, next: b.total}
}

// Close wakes all receivers. Receivers drain what the ring still holds, then get ErrClosed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

// Published returns the number of events published so far.
func (b *Broadcaster) Published() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Receiver is one subscriber's sequential view of the bus.
// A Receiver is not safe for concurrent use; subscribe once per consumer.
type Receiver struct {
	bus  *Broadcaster
	next uint64
}

// Recv returns the next event. If the receiver fell behind the ring it returns a
// *LaggedError once and continues from the oldest retained event. It returns
// ErrClosed after Close once drained, and ctx.Err() when ctx ends first.
func (r *Receiver) Recv(ctx context.Context) (types.Event, error) {
	b := r.bus
	for {
		b.mu.Lock()
		oldest := uint64(0)
		if b.total > b.capacity {
			oldest = b.total - b.capacity
		}

		if r.next < oldest {
			skipped := oldest - r.next
			r.next = oldest
			b.mu.Unlock()
			b.metrics.RecordEventsLagged(skipped)
			return types.Event{}, &LaggedError{Skipped: skipped}
		}

		if r.next < b.total {
			event := b.ring[r.next%b.capacity]
			r.next++
			b.mu.Unlock()
			return event, nil
		}

		if b.closed {
			b.mu.Unlock()
			return types.Event{}, ErrClosed
		}

		wait := b.notify
		b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return types.Event{}, ctx.Err()
		}
	}
}

// TryRecv returns the next event without waiting. ok is false when nothing is pending.
func (r *Receiver) TryRecv() (event types.Event, ok bool, err error) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	event, err = r.Recv(ctx)
	switch {
	case err == nil:
		return event, true, nil
	case errors.Is(err, context.Canceled):
		return types.Event{}, false, nil
	default:
		return types.Event{}, false, err
	}
}

// Pending returns how many events are waiting for this receiver, including any it
// has already lost to lag.
func (r *Receiver) Pending() uint64 {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	if r.next >= r.bus.total {
		return 0
	}
	return r.bus.total - r.next
}

// Resubscribe returns a fresh receiver positioned at the current end of the stream.
func (r *Receiver) Resubscribe() *Receiver {
	return r.bus.Subscribe()
}
