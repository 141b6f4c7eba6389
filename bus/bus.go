// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bus is the control plane's event bus: every manager publishes
// its meaningful state changes here, and the security monitoring component
// (and anything else) subscribes to them.
package bus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Event is a single notification published on the bus.
type Event struct {
	Topic     string
	Source    string
	Priority  int
	Data      map[string]any
	Timestamp time.Time
}

// Handler processes one delivered Event.
type Handler func(ctx context.Context, event Event)

// TopicSpec describes what a subscriber wants to hear: an exact topic, or
// a "prefix.*" wildcard matching every topic sharing that dot-separated
// prefix.
type TopicSpec string

// Matches reports whether topic satisfies this TopicSpec.
func (t TopicSpec) Matches(topic string) bool {
	spec := string(t)
	if strings.HasSuffix(spec, ".*") {
		prefix := strings.TrimSuffix(spec, "*")
		return strings.HasPrefix(topic, prefix)
	}
	return spec == topic
}

// SubscribeOptions configures a subscription beyond its topic pattern.
type SubscribeOptions struct {
	Priority       int
	SourceFilter   string
	PriorityFilter *int
}

type subscriber struct {
	id      int
	spec    TopicSpec
	handler Handler
	opts    SubscribeOptions
}

// Stats are the bus's running counters.
type Stats struct {
	EventsEmitted       uint64
	EventsDelivered     uint64
	SubscribersNotified uint64
}

// Bus is the control plane's publish/subscribe event bus. Emit is
// non-blocking: events are enqueued onto an internal channel and delivered
// by a dispatch goroutine. EmitAndWait delivers inline and returns only
// once every matching subscriber has run, for callers that need
// deterministic ordering before proceeding (e.g. C8's rate-limit counters
// must be updated before the gatekept request continues).
type Bus struct {
	mu          sync.RWMutex
	subscribers []subscriber
	nextID      int

	statsMu sync.Mutex
	stats   Stats

	queue  chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	metricEmitted   prometheus.Counter
	metricDelivered prometheus.Counter
	metricNotified  prometheus.Counter
}

// New creates a Bus and starts its dispatch goroutine. Close must be
// called to stop it.
func New() *Bus {
	b := &Bus{
		queue: make(chan Event, 1024),
		done:  make(chan struct{}),
		metricEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_bus_events_emitted_total",
			Help: "Total events emitted on the control plane event bus.",
		}),
		metricDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_bus_events_delivered_total",
			Help: "Total events delivered to at least one matching subscriber on the event bus.",
		}),
		metricNotified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_bus_subscribers_notified_total",
			Help: "Total subscriber notifications performed by the event bus.",
		}),
	}
	_ = prometheus.Register(b.metricEmitted)
	_ = prometheus.Register(b.metricDelivered)
	_ = prometheus.Register(b.metricNotified)

	b.wg.Add(1)
	go b.dispatchLoop()

	return b
}

// Subscribe registers handler for events matching spec, returning an
// unsubscribe function.
func (b *Bus) Subscribe(spec TopicSpec, handler Handler, opts SubscribeOptions) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subscribers = append(b.subscribers, subscriber{id: id, spec: spec, handler: handler, opts: opts})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subscribers {
			if s.id == id {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Emit enqueues event for asynchronous delivery and returns immediately.
func (b *Bus) Emit(topic, source string, data map[string]any) {
	event := Event{Topic: topic, Source: source, Data: data, Timestamp: time.Now()}
	b.statsMu.Lock()
	b.stats.EventsEmitted++
	b.statsMu.Unlock()
	b.metricEmitted.Inc()

	select {
	case b.queue <- event:
	case <-b.done:
	}
}

// EmitAndWait delivers event to every matching subscriber inline, in
// registration order, and returns only once all handlers have run.
func (b *Bus) EmitAndWait(ctx context.Context, topic, source string, data map[string]any) {
	event := Event{Topic: topic, Source: source, Data: data, Timestamp: time.Now()}
	b.statsMu.Lock()
	b.stats.EventsEmitted++
	b.statsMu.Unlock()
	b.metricEmitted.Inc()

	b.deliver(ctx, event)
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	ctx := context.Background()
	for {
		select {
		case event := <-b.queue:
			b.deliver(ctx, event)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) deliver(ctx context.Context, event Event) {
	b.mu.RLock()
	matching := make([]subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		if !s.spec.Matches(event.Topic) {
			continue
		}
		if s.opts.SourceFilter != "" && s.opts.SourceFilter != event.Source {
			continue
		}
		if s.opts.PriorityFilter != nil && *s.opts.PriorityFilter != event.Priority {
			continue
		}
		matching = append(matching, s)
	}
	b.mu.RUnlock()

	if len(matching) == 0 {
		return
	}

	b.statsMu.Lock()
	b.stats.EventsDelivered++
	b.statsMu.Unlock()
	b.metricDelivered.Inc()

	for _, s := range matching {
		b.runHandler(ctx, s, event)
	}
}

func (b *Bus) runHandler(ctx context.Context, s subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "event bus handler panicked", "topic", event.Topic, "subscriber_id", s.id, "panic", r)
		}
	}()

	s.handler(ctx, event)

	b.statsMu.Lock()
	b.stats.SubscribersNotified++
	b.statsMu.Unlock()
	b.metricNotified.Inc()
}

// Stats returns a snapshot of the bus's running counters.
func (b *Bus) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}

// Close stops the dispatch goroutine and waits for it to exit. Events still
// queued by Emit at that point are not delivered.
func (b *Bus) Close() {
	close(b.done)
	b.wg.Wait()
}
