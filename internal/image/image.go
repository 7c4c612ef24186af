// Package image holds the raw frame representation exchanged between
// protocol servers, the black border detector and the reducer.
package image

import (
	"errors"
	"fmt"

	"github.com/scheerer/ambilightd/internal/color"
)

const channels = 3

var ErrInvalidDimensions = errors.New("invalid image dimensions")

// Raw is a packed 8-bit RGB frame. Data holds width*height*3 bytes in
// row-major order.
type Raw struct {
	width  uint16
	height uint16
	data   []byte
}

// NewRaw validates the buffer against the dimensions and wraps it. The
// buffer is not copied; callers hand over ownership.
func NewRaw(width, height uint16, data []byte) (*Raw, error) {
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	if len(data) != int(width)*int(height)*channels {
		return nil, fmt.Errorf("%w: buffer is %d bytes, want %d",
			ErrInvalidDimensions, len(data), int(width)*int(height)*channels)
	}

	return &Raw{width: width, height: height, data: data}, nil
}

// NewSolid builds a single-color frame, used for synthesized states.
func NewSolid(width, height uint16, c color.Color) *Raw {
	data := make([]byte, int(width)*int(height)*channels)
	for i := 0; i < len(data); i += channels {
		data[i] = c.Red
		data[i+1] = c.Green
		data[i+2] = c.Blue
	}

	img, _ := NewRaw(width, height, data)
	return img
}

func (r *Raw) Width() uint16  { return r.width }
func (r *Raw) Height() uint16 { return r.height }
func (r *Raw) Data() []byte   { return r.data }

// ColorAt returns the pixel at (x, y). Callers keep x and y in range.
func (r *Raw) ColorAt(x, y uint16) color.Color {
	i := (int(y)*int(r.width) + int(x)) * channels
	return color.Color{Red: r.data[i], Green: r.data[i+1], Blue: r.data[i+2]}
}
