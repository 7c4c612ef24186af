package device

import (
	"context"
	"sync"

	"github.com/scheerer/ambilightd/internal/color"
)

// Dummy discards frames while recording them, mainly for tests and for
// running without hardware attached.
type Dummy struct {
	mu     sync.Mutex
	open   bool
	frames [][]color.Color
}

func NewDummy() *Dummy {
	return &Dummy{}
}

func (d *Dummy) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	return nil
}

func (d *Dummy) WriteLeds(ctx context.Context, leds []color.Color) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	frame := make([]color.Color, len(leds))
	copy(frame, leds)
	d.frames = append(d.frames, frame)
	return nil
}

func (d *Dummy) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

// Frames returns a snapshot of every frame written so far.
func (d *Dummy) Frames() [][]color.Color {
	d.mu.Lock()
	defer d.mu.Unlock()

	frames := make([][]color.Color, len(d.frames))
	copy(frames, d.frames)
	return frames
}

// LastFrame returns the most recent frame, or nil when nothing was
// written yet.
func (d *Dummy) LastFrame() []color.Color {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.frames) == 0 {
		return nil
	}
	return d.frames[len(d.frames)-1]
}
