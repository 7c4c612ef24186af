// Package muxer merges concurrent input producers into the single
// sequence of winning messages the pipeline consumes.
package muxer

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/scheerer/ambilightd/internal/bus"
	"github.com/scheerer/ambilightd/internal/color"
	"github.com/scheerer/ambilightd/internal/logging"
)

var logger = logging.New("muxer")

const (
	// BackgroundPriority is the always-present lowest-strength entry.
	BackgroundPriority = 254
	// ReservedPriority is never admitted from any source.
	ReservedPriority = 255
)

var (
	ErrRejected = errors.New("push rejected")
)

// SourceResolver resolves a source id to its registry record. The global
// bus implements it.
type SourceResolver interface {
	Source(id bus.SourceID) (bus.SourceInfo, error)
}

type entryKey struct {
	priority uint8
	source   bus.SourceID
}

type entry struct {
	msg        bus.InputMessage
	createdAt  time.Time
	expiresAt  time.Time // zero means no expiry
	background bool
	rev        uint64
}

// PriorityInfo describes one active entry for PrioritiesRequest replies.
type PriorityInfo struct {
	Priority   uint8           `json:"priority"`
	Source     bus.SourceID    `json:"owner"`
	SourceName string          `json:"componentId"`
	Kind       bus.MessageKind `json:"origin"`
	CreatedAt  time.Time       `json:"-"`
	ExpiresAt  time.Time       `json:"-"`
	DurationMs int64           `json:"duration_ms"`
	Visible    bool            `json:"visible"`
}

// Muxer holds the ordered per-source entries of one instance. It is
// owned by the instance task and is not safe for concurrent use.
type Muxer struct {
	instanceID int32
	sources    SourceResolver

	entries    map[entryKey]*entry
	components map[bus.Component]bool
	rev        uint64

	lastKey   entryKey
	lastRev   uint64
	published bool

	// onEffectPreempt is invoked before an Effect entry at the same
	// priority is replaced, so the effect runner can stop the old task.
	onEffectPreempt func(priority uint8)
}

func New(instanceID int32, sources SourceResolver) *Muxer {
	return &Muxer{
		instanceID: instanceID,
		sources:    sources,
		entries:    make(map[entryKey]*entry),
		components: make(map[bus.Component]bool),
	}
}

// OnEffectPreempt installs the effect runner's pre-emption callback.
func (m *Muxer) OnEffectPreempt(fn func(priority uint8)) {
	m.onEffectPreempt = fn
}

// ComponentEnabled reports the logical component toggle; components
// default to enabled.
func (m *Muxer) ComponentEnabled(c bus.Component) bool {
	if enabled, ok := m.components[c]; ok {
		return enabled
	}
	return true
}

// Push inserts, replaces or removes entries according to the message
// kind. It returns ErrRejected when the source lacks permission for the
// priority or the relevant component is disabled.
func (m *Muxer) Push(msg bus.InputMessage) error {
	info, err := m.sources.Source(msg.Source)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	switch msg.Kind {
	case bus.KindComponentState:
		// Always admitted.
		m.components[msg.Component] = msg.Enabled
		logger.Infow("component state changed",
			"instance", m.instanceID, "component", msg.Component, "enabled", msg.Enabled)
		return nil

	case bus.KindClearAll:
		m.clearAll()
		return nil

	case bus.KindClear:
		m.clear(msg.Priority, info)
		return nil

	case bus.KindPrioritiesRequest:
		// Snapshot is pulled by the instance; nothing to store.
		return nil
	}

	if msg.Priority == ReservedPriority {
		return fmt.Errorf("%w: priority %d is reserved", ErrRejected, msg.Priority)
	}
	if !info.Permissions.Allows(msg.Priority) && !msg.Background {
		return fmt.Errorf("%w: source %q may not write priority %d", ErrRejected, info.Name, msg.Priority)
	}
	if !m.ComponentEnabled(bus.ComponentAll) {
		return fmt.Errorf("%w: instance disabled", ErrRejected)
	}
	if msg.Kind == bus.KindEffect && !m.ComponentEnabled(bus.ComponentEffects) {
		return fmt.Errorf("%w: effects disabled", ErrRejected)
	}

	if msg.Kind == bus.KindEffect {
		// The effect's own frames become the entry at this priority; the
		// launch request itself is not stored.
		if m.onEffectPreempt != nil {
			m.onEffectPreempt(msg.Priority)
		}
		return nil
	}

	key := entryKey{priority: msg.Priority, source: msg.Source}
	now := msg.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	var expiresAt time.Time
	if msg.Duration > 0 {
		expiresAt = now.Add(msg.Duration)
	}

	m.rev++
	m.entries[key] = &entry{
		msg:        msg,
		createdAt:  now,
		expiresAt:  expiresAt,
		background: msg.Background || msg.Priority == BackgroundPriority,
		rev:        m.rev,
	}

	logger.Debugw("entry pushed",
		"instance", m.instanceID, "priority", msg.Priority,
		"source", msg.Source, "kind", msg.Kind)
	return nil
}

// clearAll removes every entry except those flagged background.
func (m *Muxer) clearAll() {
	for key, e := range m.entries {
		if e.background {
			continue
		}
		delete(m.entries, key)
	}
	logger.Debugw("cleared all entries", "instance", m.instanceID)
}

// clear removes entries at the priority owned by the caller; admin
// sources clear every entry at the priority.
func (m *Muxer) clear(priority uint8, caller bus.SourceInfo) {
	for key := range m.entries {
		if key.priority != priority {
			continue
		}
		if caller.Permissions.Admin || key.source == caller.ID {
			delete(m.entries, key)
		}
	}
	logger.Debugw("cleared priority", "instance", m.instanceID, "priority", priority)
}

// Tick removes expired entries and returns the message to publish when
// the winner or its payload changed since the last tick, nil otherwise.
func (m *Muxer) Tick(now time.Time) *bus.MuxedMessage {
	for key, e := range m.entries {
		if !e.expiresAt.IsZero() && !e.expiresAt.After(now) {
			delete(m.entries, key)
			logger.Infow("entry expired",
				"instance", m.instanceID, "priority", key.priority, "source", key.source)
		}
	}

	winner, key := m.selectWinner()

	if m.published && key == m.lastKey && winner.rev == m.lastRev {
		return nil
	}

	m.published = true
	m.lastKey = key
	m.lastRev = winner.rev

	muxed := &bus.MuxedMessage{
		Kind:      winner.msg.Kind,
		Priority:  key.priority,
		Source:    key.source,
		Timestamp: winner.createdAt,
		Color:     winner.msg.Color,
		Image:     winner.msg.Image,
		LedColors: winner.msg.LedColors,
	}

	logger.Debugw("output changed",
		"instance", m.instanceID, "priority", muxed.Priority, "kind", muxed.Kind)
	return muxed
}

// selectWinner picks the strongest entry: lowest numeric priority, then
// most recent creation, then lexicographic source id. With no entries it
// synthesizes the black background so the pipeline never starves.
func (m *Muxer) selectWinner() (*entry, entryKey) {
	var best *entry
	var bestKey entryKey

	for key, e := range m.entries {
		if best == nil {
			best, bestKey = e, key
			continue
		}

		switch {
		case key.priority < bestKey.priority:
			best, bestKey = e, key
		case key.priority > bestKey.priority:
		case e.createdAt.After(best.createdAt):
			best, bestKey = e, key
		case e.createdAt.Equal(best.createdAt) && key.source < bestKey.source:
			best, bestKey = e, key
		}
	}

	if best == nil {
		return &entry{
			msg: bus.InputMessage{
				Kind:  bus.KindSolidColor,
				Color: color.Black,
			},
			createdAt: time.Now(),
		}, entryKey{priority: BackgroundPriority}
	}

	return best, bestKey
}

// Snapshot enumerates the active entries in priority order.
func (m *Muxer) Snapshot() []PriorityInfo {
	infos := make([]PriorityInfo, 0, len(m.entries))

	_, winnerKey := m.selectWinner()

	for key, e := range m.entries {
		info := PriorityInfo{
			Priority:  key.priority,
			Source:    key.source,
			Kind:      e.msg.Kind,
			CreatedAt: e.createdAt,
			ExpiresAt: e.expiresAt,
			Visible:   key == winnerKey,
		}
		if !e.expiresAt.IsZero() {
			info.DurationMs = time.Until(e.expiresAt).Milliseconds()
		}
		if src, err := m.sources.Source(key.source); err == nil {
			info.SourceName = src.Name
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Priority != infos[j].Priority {
			return infos[i].Priority < infos[j].Priority
		}
		return infos[i].Source < infos[j].Source
	})

	return infos
}
