package device

import (
	"context"
	"fmt"
	"math"
	"net"
	"time"

	"go.yhsif.com/lifxlan"
	"go.yhsif.com/lifxlan/light"

	"github.com/scheerer/ambilightd/internal/color"
)

// LifxConfig parameterizes the LIFX device.
type LifxConfig struct {
	// Address is the bulb's host:port. Empty triggers discovery.
	Address string `json:"address"`
	// Label filters discovery to a specific bulb; empty takes the first
	// one found.
	Label string `json:"label"`
	// DiscoveryTimeout bounds the discovery phase during Open.
	DiscoveryTimeout time.Duration `json:"discoveryTimeout"`
	// Transition is the bulb-side fade applied to each color change.
	Transition time.Duration `json:"transition"`
	// Kelvin is the white point reported to the bulb.
	Kelvin uint16 `json:"kelvin"`
}

// Lifx drives a single LIFX bulb. A bulb shows one color, so the frame
// is averaged before sending.
type Lifx struct {
	config LifxConfig
	device light.Device
	conn   net.Conn
}

func NewLifx(config LifxConfig) (*Lifx, error) {
	if config.DiscoveryTimeout <= 0 {
		config.DiscoveryTimeout = 5 * time.Second
	}
	if config.Kelvin == 0 {
		config.Kelvin = 3500
	}
	return &Lifx{config: config}, nil
}

func (l *Lifx) Open(ctx context.Context) error {
	device, err := l.locate(ctx)
	if err != nil {
		return err
	}

	conn, err := device.Dial()
	if err != nil {
		return fmt.Errorf("lifx device: %w: %v", ErrUnreachable, err)
	}

	if err := device.Echo(ctx, conn, []byte("ambilightd-ping")); err != nil {
		conn.Close()
		return fmt.Errorf("lifx device: %w: %v", ErrUnreachable, err)
	}

	l.device = device
	l.conn = conn
	logger.Infow("lifx bulb connected", "label", device.Label().String(), "target", device.Target().String())
	return nil
}

// locate resolves the configured address, or discovers a bulb on the
// local network when no address is set.
func (l *Lifx) locate(ctx context.Context) (light.Device, error) {
	if l.config.Address != "" {
		raw := lifxlan.NewDevice(l.config.Address, lifxlan.ServiceUDP, lifxlan.AllDevices)
		device, err := light.Wrap(ctx, raw, false)
		if err != nil {
			return nil, fmt.Errorf("lifx device: %w: %v", ErrUnreachable, err)
		}
		return device, nil
	}

	discoverCtx, cancel := context.WithTimeout(ctx, l.config.DiscoveryTimeout)
	defer cancel()

	devices := make(chan lifxlan.Device)
	go func() {
		if err := lifxlan.Discover(discoverCtx, devices, ""); err != nil && err != context.DeadlineExceeded {
			logger.Warnw("lifx discovery failed", "error", err)
		}
	}()

	for {
		select {
		case device, ok := <-devices:
			if !ok {
				return nil, fmt.Errorf("lifx device: %w: no bulb found", ErrUnreachable)
			}
			bulb, err := light.Wrap(discoverCtx, device, false)
			if err != nil {
				logger.Debugw("skipping non-light lifx device", "device", device.Target().String(), "error", err)
				continue
			}
			if l.config.Label != "" && bulb.Label().String() != l.config.Label {
				continue
			}
			cancel()
			return bulb, nil
		case <-discoverCtx.Done():
			return nil, fmt.Errorf("lifx device: %w: no bulb found", ErrUnreachable)
		}
	}
}

func (l *Lifx) WriteLeds(ctx context.Context, leds []color.Color) error {
	if l.conn == nil {
		return fmt.Errorf("lifx device: %w: not connected", ErrUnreachable)
	}

	avg := averageColor(leds)
	hue, saturation, brightness := rgbToHsb(avg.Red, avg.Green, avg.Blue)
	lifxColor := &lifxlan.Color{
		Hue:        hue,
		Saturation: saturation,
		Brightness: brightness,
		Kelvin:     l.config.Kelvin,
	}

	if err := l.device.SetColor(ctx, l.conn, lifxColor, l.config.Transition, false); err != nil {
		return fmt.Errorf("lifx device: %w: %v", ErrUnreachable, err)
	}
	return nil
}

func (l *Lifx) Close() error {
	if l.conn != nil {
		err := l.conn.Close()
		l.conn = nil
		l.device = nil
		return err
	}
	return nil
}

func averageColor(leds []color.Color) color.Color {
	if len(leds) == 0 {
		return color.Color{}
	}

	var sumR, sumG, sumB uint64
	for _, c := range leds {
		sumR += uint64(c.Red)
		sumG += uint64(c.Green)
		sumB += uint64(c.Blue)
	}
	n := uint64(len(leds))
	return color.Color{
		Red:   uint8(sumR / n),
		Green: uint8(sumG / n),
		Blue:  uint8(sumB / n),
	}
}

func rgbToHsb(r, g, b uint8) (uint16, uint16, uint16) {
	red := float64(r) / 255.0
	green := float64(g) / 255.0
	blue := float64(b) / 255.0

	max := math.Max(red, math.Max(green, blue))
	min := math.Min(red, math.Min(green, blue))
	delta := max - min

	var h, s float64
	v := max

	if delta != 0 {
		s = delta / max

		deltaR := (((max - red) / 6) + (delta / 2)) / delta
		deltaG := (((max - green) / 6) + (delta / 2)) / delta
		deltaB := (((max - blue) / 6) + (delta / 2)) / delta

		switch max {
		case red:
			h = deltaB - deltaG
		case green:
			h = (1.0 / 3.0) + deltaR - deltaB
		case blue:
			h = (2.0 / 3.0) + deltaG - deltaR
		}

		if h < 0 {
			h += 1
		}
		if h > 1 {
			h -= 1
		}
	}

	hue := uint16(math.Round(h * 0xFFFF))
	saturation := uint16(math.Round(s * 0xFFFF))
	brightness := uint16(math.Round(v * 0xFFFF))
	return hue, saturation, brightness
}
