package device

import (
	"fmt"

	"github.com/scheerer/ambilightd/internal/color"
)

// ColorOrder permutes RGB channels into the wire order a device expects.
type ColorOrder [3]int

var colorOrders = map[string]ColorOrder{
	"rgb": {0, 1, 2},
	"rbg": {0, 2, 1},
	"grb": {1, 0, 2},
	"gbr": {1, 2, 0},
	"brg": {2, 0, 1},
	"bgr": {2, 1, 0},
}

// ParseColorOrder resolves the configured channel order string.
func ParseColorOrder(s string) (ColorOrder, error) {
	if s == "" {
		return colorOrders["rgb"], nil
	}
	order, ok := colorOrders[s]
	if !ok {
		return ColorOrder{}, fmt.Errorf("unknown color order %q", s)
	}
	return order, nil
}

// Apply returns the color with channels permuted into device order.
func (o ColorOrder) Apply(c color.Color) color.Color {
	channels := [3]uint8{c.Red, c.Green, c.Blue}
	return color.Color{
		Red:   channels[o[0]],
		Green: channels[o[1]],
		Blue:  channels[o[2]],
	}
}

// ApplyAll permutes a whole frame in place into dst and returns dst.
// dst is grown when needed so callers can reuse a scratch slice.
func (o ColorOrder) ApplyAll(dst, src []color.Color) []color.Color {
	if cap(dst) < len(src) {
		dst = make([]color.Color, len(src))
	}
	dst = dst[:len(src)]
	for i, c := range src {
		dst[i] = o.Apply(c)
	}
	return dst
}
