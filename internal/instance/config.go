package instance

import (
	"fmt"
	"time"

	"github.com/scheerer/ambilightd/internal/blackborder"
	"github.com/scheerer/ambilightd/internal/color"
	"github.com/scheerer/ambilightd/internal/device"
	"github.com/scheerer/ambilightd/internal/reducer"
	"github.com/scheerer/ambilightd/internal/smoothing"
)

// BackgroundConfig is the entry shown whenever nothing else claims the
// output, installed at the lowest priority and surviving ClearAll.
type BackgroundConfig struct {
	Enable bool   `json:"enable"`
	Effect string `json:"effect"`
	// Color is used when Effect is empty.
	Color color.Color `json:"color"`
}

// BootEffectConfig is the foreground effect played once on startup.
type BootEffectConfig struct {
	Enable   bool          `json:"enable"`
	Effect   string        `json:"effect"`
	Duration time.Duration `json:"duration"`
	Priority uint8         `json:"priority"`
}

// Config is the immutable per-instance snapshot handed out by the
// settings store. Instances never mutate it; Reconfigure swaps the
// whole value.
type Config struct {
	ID           int32  `json:"instance"`
	FriendlyName string `json:"friendlyName"`
	Enabled      bool   `json:"enabled"`

	LedCount int           `json:"ledCount"`
	Layout   []reducer.Led `json:"leds"`

	BlackBorder blackborder.Config   `json:"blackborderdetector"`
	Color       color.PipelineConfig `json:"color"`
	Smoothing   smoothing.Config     `json:"smoothing"`
	Device      device.Config        `json:"device"`

	Background BackgroundConfig `json:"background"`
	BootEffect BootEffectConfig `json:"bootEffect"`
}

// NewDummyConfig builds a minimal valid snapshot driving the dummy
// device, mainly for tests.
func NewDummyConfig(id int32) Config {
	ledCount := 10
	cfg := Config{
		ID:           id,
		FriendlyName: fmt.Sprintf("instance-%d", id),
		Enabled:      true,
		LedCount:     ledCount,
		Layout:       reducer.DefaultLayout(ledCount),
		BlackBorder:  blackborder.DefaultConfig(),
		Color:        color.DefaultPipelineConfig(),
		Smoothing:    smoothing.DefaultConfig(),
		Device:       device.DefaultConfig(),
	}
	cfg.Device.HardwareLedCount = ledCount
	return cfg
}

// Validate rejects snapshots the instance could not run on. A failed
// Reconfigure leaves the previous config in place.
func (c Config) Validate() error {
	if c.LedCount <= 0 {
		return fmt.Errorf("led count must be positive, got %d", c.LedCount)
	}
	if len(c.Layout) != c.LedCount {
		return fmt.Errorf("layout has %d leds, config says %d", len(c.Layout), c.LedCount)
	}
	if err := reducer.ValidateLayout(c.Layout); err != nil {
		return err
	}
	if _, err := device.ParseColorOrder(c.Device.ColorOrder); err != nil {
		return err
	}
	return nil
}
