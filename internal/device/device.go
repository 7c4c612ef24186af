// Package device contains the output device abstraction, the concrete
// device implementations and the scheduler enforcing device timing.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scheerer/ambilightd/internal/color"
	"github.com/scheerer/ambilightd/internal/logging"
)

var logger = logging.New("device")

var (
	ErrNotSupported = errors.New("device type not supported")
	ErrUnreachable  = errors.New("device unreachable")
)

// Device is the uniform capability set every output presents. New device
// types add a Config variant and an implementation.
type Device interface {
	Open(ctx context.Context) error
	WriteLeds(ctx context.Context, leds []color.Color) error
	Close() error
}

// IdleConfig controls behavior when the frame stream stops changing.
type IdleConfig struct {
	// Delay without observed change before the device is considered idle.
	Delay time.Duration `json:"delay"`
	// Holds suppresses all traffic while idle; otherwise the last frame
	// is re-sent at the Rewrite frequency.
	Holds bool `json:"holds"`
	// Rewrite is the idle re-send frequency in Hz.
	Rewrite float64 `json:"rewrite"`
	// Retries is the number of identical re-sends at each idle entry,
	// for devices that drop the occasional packet.
	Retries int `json:"retries"`
}

// Config selects and parameterizes a device.
type Config struct {
	Type             string  `json:"type"`
	HardwareLedCount int     `json:"hardwareLedCount"`
	ColorOrder       string  `json:"colorOrder"`
	RewriteFrequency float64 `json:"rewriteFrequency"`

	Idle IdleConfig `json:"idle"`

	MaxAttempts  int           `json:"maxAttempts"`
	WriteTimeout time.Duration `json:"writeTimeout"`

	Lifx LifxConfig `json:"lifx"`
	MQTT MQTTConfig `json:"mqtt"`
	File FileConfig `json:"file"`
}

func DefaultConfig() Config {
	return Config{
		Type:             "dummy",
		HardwareLedCount: 1,
		ColorOrder:       "rgb",
		RewriteFrequency: 25,
		Idle: IdleConfig{
			Delay:   5 * time.Second,
			Rewrite: 1,
			Retries: 1,
		},
		MaxAttempts:  5,
		WriteTimeout: 250 * time.Millisecond,
	}
}

// ConnectionEqual reports whether two configs address the same physical
// endpoint, so Reconfigure can avoid a needless device restart.
func ConnectionEqual(a, b Config) bool {
	return a.Type == b.Type && a.Lifx == b.Lifx && a.MQTT == b.MQTT && a.File == b.File
}

// Build constructs the configured device implementation.
func Build(config Config) (Device, error) {
	switch config.Type {
	case "lifx":
		return NewLifx(config.Lifx)
	case "mqtt":
		return NewMQTT(config.MQTT)
	case "file":
		return NewFile(config.File)
	case "dummy":
		return NewDummy(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrNotSupported, config.Type)
	}
}
