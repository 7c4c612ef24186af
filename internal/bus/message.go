package bus

import (
	"time"

	"github.com/scheerer/ambilightd/internal/color"
	"github.com/scheerer/ambilightd/internal/image"
)

// SourceID identifies a registered producer of input messages.
type SourceID string

// Component names a toggleable capability gating input acceptance.
type Component string

const (
	ComponentAll         Component = "ALL"
	ComponentBlackBorder Component = "BLACKBORDER"
	ComponentSmoothing   Component = "SMOOTHING"
	ComponentLedDevice   Component = "LEDDEVICE"
	ComponentColor       Component = "COLOR"
	ComponentEffects     Component = "EFFECTS"
)

// MessageKind tags the InputMessage union.
type MessageKind string

const (
	KindClearAll          MessageKind = "clearall"
	KindClear             MessageKind = "clear"
	KindSolidColor        MessageKind = "color"
	KindImage             MessageKind = "image"
	KindLedColors         MessageKind = "ledcolors"
	KindEffect            MessageKind = "effect"
	KindPrioritiesRequest MessageKind = "priorities"
	KindComponentState    MessageKind = "componentstate"
)

// InputMessage is the tagged union carried from the protocol servers to
// the instances. Only the fields relevant to Kind are set.
type InputMessage struct {
	Kind      MessageKind
	Source    SourceID
	Timestamp time.Time

	Priority uint8
	Duration time.Duration // 0 means no expiry

	Color     color.Color
	Image     *image.Raw
	LedColors []color.Color

	EffectName string
	EffectArgs map[string]any

	Component Component
	Enabled   bool

	// Background marks an entry that survives ClearAll, typically the
	// configured background color or effect at priority 254.
	Background bool
}

// NewMessage stamps a message with its source and the current time.
func NewMessage(kind MessageKind, source SourceID) InputMessage {
	return InputMessage{Kind: kind, Source: source, Timestamp: time.Now()}
}

// MuxedMessage is the muxer's winning payload snapshot handed to the
// downstream pipeline stages.
type MuxedMessage struct {
	Kind      MessageKind
	Priority  uint8
	Source    SourceID
	Timestamp time.Time

	Color     color.Color
	Image     *image.Raw
	LedColors []color.Color
}

// EventKind tags lifecycle events on the global event stream.
type EventKind string

const (
	EventStart               EventKind = "start"
	EventStop                EventKind = "stop"
	EventInstanceStarted     EventKind = "instance_started"
	EventInstanceStopped     EventKind = "instance_stopped"
	EventInstanceActivated   EventKind = "instance_activated"
	EventInstanceDeactivated EventKind = "instance_deactivated"
)

// Event is a lifecycle notification fanned out to subscribers and the
// hook runner.
type Event struct {
	Kind     EventKind
	Instance int32
	Reason   string
}
