// Package smoothing implements the temporal filter between the muxed
// frame stream and the device scheduler.
package smoothing

import (
	"time"

	"github.com/scheerer/ambilightd/internal/color"
)

// Kind selects the filter.
type Kind string

const (
	// KindNearest emits the most recent input sample on every tick.
	KindNearest Kind = "nearest"
	// KindLinear approaches the target exponentially with time constant
	// 1/FilterFrequency.
	KindLinear Kind = "linear"
)

// Config controls the output cadence and the filter.
type Config struct {
	Enable bool `json:"enable"`
	Kind   Kind `json:"type"`

	// Frequency is the output tick rate in Hz.
	Frequency float64 `json:"updateFrequency"`

	// FilterFrequency is 1/tau for the linear filter: the rate at which
	// the output approaches the target.
	FilterFrequency float64 `json:"filterFrequency"`
}

func DefaultConfig() Config {
	return Config{
		Enable:          true,
		Kind:            KindLinear,
		Frequency:       25,
		FilterFrequency: 5,
	}
}

// Period is the tick interval derived from the output frequency.
func (c Config) Period() time.Duration {
	f := c.Frequency
	if f <= 0 {
		f = 25
	}
	return time.Duration(float64(time.Second) / f)
}

// Smoother holds the per-LED filter state. It is owned by the instance
// task: SetTarget and Tick are never called concurrently.
type Smoother struct {
	config  Config
	current []color.Color16
	target  []color.Color16
	frame   []color.Color
	settled bool
}

func New(config Config, ledCount int) *Smoother {
	return &Smoother{
		config:  config,
		current: make([]color.Color16, ledCount),
		target:  make([]color.Color16, ledCount),
		frame:   make([]color.Color, ledCount),
		settled: true,
	}
}

// Reconfigure swaps parameters; filter state is preserved and the new
// parameters take effect at the next tick boundary.
func (s *Smoother) Reconfigure(config Config) {
	s.config = config
	s.settled = false
}

// SetTarget records a new target frame. The change only applies at the
// next tick; there is no retroactive catch-up.
func (s *Smoother) SetTarget(target []color.Color16) {
	copy(s.target, target)
	for i := len(target); i < len(s.target); i++ {
		s.target[i] = color.Color16{}
	}
	s.settled = false
}

// Settled reports whether the output already equals the target, letting
// the instance skip device writes between changes.
func (s *Smoother) Settled() bool {
	return s.settled
}

// Tick advances the filter by one output period and returns the frame to
// hand to the device scheduler. The returned slice is reused between
// ticks.
func (s *Smoother) Tick() []color.Color {
	if !s.config.Enable || s.config.Kind == KindNearest {
		copy(s.current, s.target)
		s.settled = true
	} else {
		s.stepLinear()
	}

	for i, c := range s.current {
		s.frame[i] = color.To8(c)
	}
	return s.frame
}

// stepLinear moves every channel a fraction alpha of the remaining
// distance toward the target, where alpha gives the filter a time
// constant of about 1/FilterFrequency seconds. A nonzero residual always
// moves at least one step so the filter settles exactly.
func (s *Smoother) stepLinear() {
	alpha := s.config.FilterFrequency / s.config.Frequency
	if alpha <= 0 || alpha > 1 {
		alpha = 1
	}

	settled := true
	for i := range s.current {
		s.current[i].Red = stepChannel(s.current[i].Red, s.target[i].Red, alpha)
		s.current[i].Green = stepChannel(s.current[i].Green, s.target[i].Green, alpha)
		s.current[i].Blue = stepChannel(s.current[i].Blue, s.target[i].Blue, alpha)

		if s.current[i] != s.target[i] {
			settled = false
		}
	}
	s.settled = settled
}

func stepChannel(current, target uint16, alpha float64) uint16 {
	diff := int32(target) - int32(current)
	if diff == 0 {
		return current
	}

	step := int32(float64(diff) * alpha)
	if step == 0 {
		if diff > 0 {
			step = 1
		} else {
			step = -1
		}
	}

	v := int32(current) + step
	if v < 0 {
		v = 0
	}
	if v > 65535 {
		v = 65535
	}
	return uint16(v)
}
