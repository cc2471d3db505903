package ci

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// eventSubject is the wildcard subject every Event publishes under;
// see Event.Subject for the concrete per-type subject.
const eventSubject = "orchestrate.events.>"

// defaultHistorySize bounds how many past events a late subscriber can
// still see via History.
const defaultHistorySize = 100

// Subscription is a filtered view onto the event bus. Events arrive on
// Events in publish order; a slow consumer drops events rather than
// blocking the publisher.
type Subscription struct {
	id     uint64
	filter Filter
	Events chan Event

	bus *EventBus
}

// EventBus fans CI events out to subscribers over an embedded NATS core
// server, the same embedded-server pattern the rest of the fleet's
// transport uses. Core NATS (not JetStream) is enough here: events are
// fan-out notifications, not a durable log a consumer replays.
type EventBus struct {
	logger *slog.Logger

	embeddedServer *server.Server
	conn           *nats.Conn
	natsSub        *nats.Subscription

	mu       sync.Mutex
	nextID   uint64
	subs     map[uint64]*Subscription
	history  []Event
	histSize int
	closed   bool
}

// NewEmbeddedEventBus starts an embedded NATS server and returns an
// EventBus publishing over it.
func NewEmbeddedEventBus(logger *slog.Logger) (*EventBus, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := &server.Options{
		Port:      -1,
		JetStream: false,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded NATS: %w", err)
	}

	bus := &EventBus{
		logger:         logger,
		embeddedServer: ns,
		conn:           conn,
		subs:           make(map[uint64]*Subscription),
		histSize:       defaultHistorySize,
	}

	sub, err := conn.Subscribe(eventSubject, bus.dispatch)
	if err != nil {
		conn.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("subscribe to %s: %w", eventSubject, err)
	}
	bus.natsSub = sub

	return bus, nil
}

func (b *EventBus) dispatch(msg *nats.Msg) {
	var e Event
	if err := json.Unmarshal(msg.Data, &e); err != nil {
		b.logger.Warn("discarding malformed event", "subject", msg.Subject, "error", err)
		return
	}

	b.mu.Lock()
	b.history = append(b.history, e)
	if len(b.history) > b.histSize {
		b.history = b.history[len(b.history)-b.histSize:]
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter.matches(e) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		select {
		case s.Events <- e:
		default:
			b.logger.Warn("dropping event for slow subscriber", "type", e.Type, "branch", e.Branch)
		}
	}
}

// Publish publishes an event onto the bus.
func (b *EventBus) Publish(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.conn.Publish(e.Subject(), data)
}

// Subscribe registers a new filtered subscription with a bounded inbox.
func (b *EventBus) Subscribe(filter Filter) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus closed")
	}

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		filter: filter,
		Events: make(chan Event, 64),
		bus:    b,
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBus) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return nil
	}
	delete(b.subs, sub.id)
	close(sub.Events)
	return nil
}

// History returns a copy of the most recent events retained by the bus,
// regardless of subscriber filters.
func (b *EventBus) History() []Event {
	return b.FilteredHistory(Filter{}, 0)
}

// FilteredHistory returns retained events matching filter, newest last.
// limit > 0 keeps only the most recent limit matches.
func (b *EventBus) FilteredHistory(filter Filter, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0, len(b.history))
	for _, e := range b.history {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// SetHistorySize rebounds the history ring, trimming oldest events if the
// new bound is smaller than what is currently retained.
func (b *EventBus) SetHistorySize(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.histSize = n
	if len(b.history) > n {
		b.history = b.history[len(b.history)-n:]
	}
}

// ClearHistory drops every retained event.
func (b *EventBus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}

// ClientURL returns the embedded server's client connect URL, useful for
// tests or tools that want a second connection onto the same bus.
func (b *EventBus) ClientURL() string {
	return b.embeddedServer.ClientURL()
}

// Close shuts the bus down: the NATS subscription, connection, and the
// embedded server itself.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.Events)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if b.natsSub != nil {
		_ = b.natsSub.Unsubscribe()
	}
	if b.conn != nil {
		b.conn.Close()
	}
	if b.embeddedServer != nil {
		b.embeddedServer.Shutdown()
		b.embeddedServer.WaitForShutdown()
	}
	return nil
}
