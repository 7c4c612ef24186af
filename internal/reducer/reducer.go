// Package reducer maps a raw frame to one color per LED according to
// the configured layout and the detected black border.
package reducer

import (
	"errors"
	"fmt"
	"math"

	"github.com/scheerer/ambilightd/internal/blackborder"
	"github.com/scheerer/ambilightd/internal/color"
	"github.com/scheerer/ambilightd/internal/image"
)

var ErrInvalidLed = errors.New("invalid led rectangle")

// Led is one layout entry: a normalized rectangle over the image plane,
// 0 being top/left. The LED's index in the layout is its identity.
type Led struct {
	HMin float64 `json:"hmin"`
	HMax float64 `json:"hmax"`
	VMin float64 `json:"vmin"`
	VMax float64 `json:"vmax"`
}

func (l Led) Validate() error {
	if l.HMin < 0 || l.HMax > 1 || l.VMin < 0 || l.VMax > 1 ||
		l.HMin > l.HMax || l.VMin > l.VMax {
		return fmt.Errorf("%w: h=[%v,%v] v=[%v,%v]", ErrInvalidLed, l.HMin, l.HMax, l.VMin, l.VMax)
	}
	return nil
}

// ValidateLayout checks every LED rectangle in the layout.
func ValidateLayout(leds []Led) error {
	for i, led := range leds {
		if err := led.Validate(); err != nil {
			return fmt.Errorf("led %d: %w", i, err)
		}
	}
	return nil
}

// DefaultLayout builds a simple frame layout with count LEDs spread
// clockwise over the top edge, useful as a fallback configuration.
func DefaultLayout(count int) []Led {
	leds := make([]Led, count)
	for i := range leds {
		leds[i] = Led{
			HMin: float64(i) / float64(count),
			HMax: float64(i+1) / float64(count),
			VMin: 0,
			VMax: 0.08,
		}
	}
	return leds
}

type ledSpec struct {
	xMin uint16
	xMax uint16
	yMin uint16
	yMax uint16
}

// Reducer caches the pixel rectangles for a given frame geometry and
// border so repeated frames reuse the mapping.
type Reducer struct {
	leds []Led
	spec []ledSpec

	specWidth  uint16
	specHeight uint16
	specBorder blackborder.Border
}

func New(leds []Led) *Reducer {
	return &Reducer{leds: leds}
}

func (r *Reducer) LedCount() int {
	return len(r.leds)
}

// SetLayout replaces the LED layout; the cached mapping is rebuilt on
// the next Reduce call.
func (r *Reducer) SetLayout(leds []Led) {
	r.leds = leds
	r.spec = nil
}

func (r *Reducer) reset(width, height uint16, border blackborder.Border) {
	r.specWidth = width
	r.specHeight = height
	r.specBorder = border

	xMin, xMax, yMin, yMax := border.Ranges(width, height)
	innerWidth := float64(xMax - xMin)
	innerHeight := float64(yMax - yMin)

	r.spec = r.spec[:0]
	for _, led := range r.leds {
		spec := ledSpec{
			xMin: xMin + uint16(math.Floor(led.HMin*innerWidth)),
			xMax: xMin + uint16(math.Ceil(led.HMax*innerWidth)),
			yMin: yMin + uint16(math.Floor(led.VMin*innerHeight)),
			yMax: yMin + uint16(math.Ceil(led.VMax*innerHeight)),
		}

		// Clamp to the inset rectangle; an empty intersection stays empty.
		spec.xMax = min(spec.xMax, xMax)
		spec.yMax = min(spec.yMax, yMax)

		r.spec = append(r.spec, spec)
	}
}

// Reduce computes the mean color of every LED rectangle within the
// border inset and writes the results to ledData. Empty intersections
// yield black.
func (r *Reducer) Reduce(img *image.Raw, border blackborder.Border, ledData []color.Color16) {
	if r.specWidth != img.Width() || r.specHeight != img.Height() ||
		r.specBorder != border || len(r.spec) != len(r.leds) {
		r.reset(img.Width(), img.Height(), border)
	}

	for i, spec := range r.spec {
		if i >= len(ledData) {
			break
		}

		var rAcc, gAcc, bAcc, cnt uint64

		for y := spec.yMin; y < spec.yMax; y++ {
			for x := spec.xMin; x < spec.xMax; x++ {
				c := img.ColorAt(x, y)
				rAcc += uint64(c.Red)
				gAcc += uint64(c.Green)
				bAcc += uint64(c.Blue)
				cnt++
			}
		}

		if cnt == 0 {
			ledData[i] = color.Color16{}
			continue
		}

		ledData[i] = color.New16(
			meanTo16(rAcc, cnt),
			meanTo16(gAcc, cnt),
			meanTo16(bAcc, cnt),
		)
	}
}

// meanTo16 divides the 8-bit accumulator by cnt, rounding half to even,
// and widens the result to the 16-bit working range.
func meanTo16(acc, cnt uint64) uint16 {
	q := acc / cnt
	rem := acc % cnt

	switch {
	case rem*2 > cnt:
		q++
	case rem*2 == cnt && q%2 == 1:
		q++
	}

	if q > 255 {
		q = 255
	}
	return uint16(q) * 257
}
