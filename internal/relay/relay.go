// Package relay forwards protocol events from the event log to external
// sinks: webhooks, NATS subjects, and the local stand-ins for the
// randomness coordinator and the oracle network.
package relay

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"freelanco/internal/domain"
	"freelanco/internal/metrics"
	"freelanco/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Sink receives events in log order. A failed delivery is retried on the
// next poll, starting from the failed event.
type Sink interface {
	Name() string
	Accept(eventType string) bool
	Deliver(ctx context.Context, evt domain.Event) error
}

// Replayer is implemented by sinks that must see events written before the
// dispatcher started. Other sinks start at the log head.
type Replayer interface {
	Replay() bool
}

// EventSource is the slice of the repository the dispatcher reads.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

var _ EventSource = repo.Repo{}

type Dispatcher struct {
	Events   EventSource
	Sinks    []Sink
	Interval time.Duration
	Batch    int
	Metrics  *metrics.Collectors
	Logger   *slog.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Run polls until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	if len(d.Sinks) == 0 {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers one batch to every sink.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for i, sink := range d.Sinks {
		if ctx.Err() != nil {
			return
		}
		d.dispatchSink(ctx, i, sink)
	}
}

func (d *Dispatcher) dispatchSink(ctx context.Context, idx int, sink Sink) {
	logger := d.logger().With("sink", sink.Name())
	cursor, err := d.cursorFor(ctx, idx, sink)
	if err != nil {
		logger.Error("init cursor failed", "error", err)
		return
	}
	batch := d.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	evts, err := d.Events.EventsAfter(ctx, batch, cursor)
	if err != nil {
		logger.Error("fetch events failed", "error", err)
		return
	}
	for _, evt := range evts {
		if sink.Accept(evt.Type) {
			if err := sink.Deliver(ctx, evt); err != nil {
				d.Metrics.RelayDelivery(sink.Name(), "error")
				logger.Warn("delivery failed", "event_id", evt.ID, "type", evt.Type, "error", err)
				return
			}
			d.Metrics.RelayDelivery(sink.Name(), "ok")
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int, sink Sink) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	var cur int64
	if r, ok := sink.(Replayer); !ok || !r.Replay() {
		latest, err := d.Events.LatestEventID(ctx)
		if err != nil {
			return 0, err
		}
		cur = latest
	}
	d.cursors[idx] = cur
	return cur, nil
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// Cursor reports the last event delivered or skipped by sink idx.
func (d *Dispatcher) Cursor(idx int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.cursors[idx]
	return cur, ok
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		key := strings.TrimSpace(t)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
