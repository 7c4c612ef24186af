// Package bus implements the global fan-out of input messages and
// lifecycle events, and the authoritative source registry.
package bus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/scheerer/ambilightd/internal/logging"
)

var logger = logging.New("bus")

var (
	ErrExhausted     = errors.New("maximum active source count reached")
	ErrUnknownSource = errors.New("unknown source id")
	ErrBusClosed     = errors.New("bus is closed")
	ErrDuplicate     = errors.New("subscriber id already exists")
)

// MaxSources bounds the number of concurrently registered sources.
const MaxSources = 64

// Permissions describe what a registered source may push.
type Permissions struct {
	// MinPriority and MaxPriority bound the numeric priorities the source
	// may write to. Lower numbers are stronger.
	MinPriority uint8
	MaxPriority uint8
	// Admin sources may clear entries owned by other sources and toggle
	// components.
	Admin bool
}

// DefaultPermissions covers the usual protocol client range.
func DefaultPermissions() Permissions {
	return Permissions{MinPriority: 1, MaxPriority: 253}
}

// AdminPermissions is used by authorized sessions and internal sources.
func AdminPermissions() Permissions {
	return Permissions{MinPriority: 0, MaxPriority: 255, Admin: true}
}

// Allows reports whether the permissions admit a push at the priority.
func (p Permissions) Allows(priority uint8) bool {
	return priority >= p.MinPriority && priority <= p.MaxPriority
}

// SourceInfo is the registry record for one registered source.
type SourceInfo struct {
	ID          SourceID
	Name        string
	Origin      string
	Permissions Permissions
}

// InputEnvelope wraps a delivered message with the number of messages
// this subscriber missed since the previous delivery.
type InputEnvelope struct {
	Message InputMessage
	Lagged  uint64
}

// EventEnvelope is the event stream counterpart of InputEnvelope.
type EventEnvelope struct {
	Event  Event
	Lagged uint64
}

type inputSub struct {
	ch     chan InputEnvelope
	lagged uint64
}

type eventSub struct {
	ch     chan EventEnvelope
	lagged uint64
}

// Bus is the only cross-instance synchronization point. Publishing never
// blocks: slow subscribers lose messages and observe a Lagged count on
// their next delivery.
type Bus struct {
	mu        sync.RWMutex
	closed    bool
	sources   map[SourceID]SourceInfo
	byOrigin  map[string]SourceID
	inputSubs map[string]*inputSub
	eventSubs map[string]*eventSub
}

func New() *Bus {
	return &Bus{
		sources:   make(map[SourceID]SourceInfo),
		byOrigin:  make(map[string]SourceID),
		inputSubs: make(map[string]*inputSub),
		eventSubs: make(map[string]*eventSub),
	}
}

// RegisterSource records a producer and returns its opaque id. A second
// registration from the same origin reuses the existing id, updating the
// name and permissions.
func (b *Bus) RegisterSource(name, origin string, permissions Permissions) (SourceID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrBusClosed
	}

	if id, ok := b.byOrigin[origin]; ok {
		b.sources[id] = SourceInfo{ID: id, Name: name, Origin: origin, Permissions: permissions}
		return id, nil
	}

	if len(b.sources) >= MaxSources {
		return "", ErrExhausted
	}

	id := SourceID(uuid.NewString())
	b.sources[id] = SourceInfo{ID: id, Name: name, Origin: origin, Permissions: permissions}
	b.byOrigin[origin] = id

	logger.Debugw("registered source", "id", id, "name", name, "origin", origin)
	return id, nil
}

// UnregisterSource releases a source id, typically on connection close.
func (b *Bus) UnregisterSource(id SourceID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if info, ok := b.sources[id]; ok {
		delete(b.byOrigin, info.Origin)
		delete(b.sources, id)
	}
}

// Source resolves a source id to its registry record.
func (b *Bus) Source(id SourceID) (SourceInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	info, ok := b.sources[id]
	if !ok {
		return SourceInfo{}, fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	return info, nil
}

// SubscribeInput registers a bounded input subscription.
func (b *Bus) SubscribeInput(id string, buffer int) (<-chan InputEnvelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, ok := b.inputSubs[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}

	sub := &inputSub{ch: make(chan InputEnvelope, buffer)}
	b.inputSubs[id] = sub
	return sub.ch, nil
}

// UnsubscribeInput drops an input subscription and closes its channel.
func (b *Bus) UnsubscribeInput(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.inputSubs[id]; ok {
		delete(b.inputSubs, id)
		close(sub.ch)
	}
}

// PublishInput fans a message out to every input subscriber without
// blocking. A subscriber with a full buffer accrues a lag count
// surfaced in its next successful delivery.
func (b *Bus) PublishInput(msg InputMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for id, sub := range b.inputSubs {
		select {
		case sub.ch <- InputEnvelope{Message: msg, Lagged: sub.lagged}:
			sub.lagged = 0
		default:
			sub.lagged++
			logger.Debugw("input subscriber lagged", "subscriber", id, "lagged", sub.lagged)
		}
	}
}

// SubscribeEvents registers a bounded event subscription.
func (b *Bus) SubscribeEvents(id string, buffer int) (<-chan EventEnvelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, ok := b.eventSubs[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}

	sub := &eventSub{ch: make(chan EventEnvelope, buffer)}
	b.eventSubs[id] = sub
	return sub.ch, nil
}

// UnsubscribeEvents drops an event subscription and closes its channel.
func (b *Bus) UnsubscribeEvents(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.eventSubs[id]; ok {
		delete(b.eventSubs, id)
		close(sub.ch)
	}
}

// PublishEvent fans a lifecycle event out to every event subscriber.
func (b *Bus) PublishEvent(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for id, sub := range b.eventSubs {
		select {
		case sub.ch <- EventEnvelope{Event: event, Lagged: sub.lagged}:
			sub.lagged = 0
		default:
			sub.lagged++
			logger.Debugw("event subscriber lagged", "subscriber", id, "lagged", sub.lagged)
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.inputSubs {
		delete(b.inputSubs, id)
		close(sub.ch)
	}
	for id, sub := range b.eventSubs {
		delete(b.eventSubs, id)
		close(sub.ch)
	}
}
