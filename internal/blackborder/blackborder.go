// Package blackborder detects the black letterbox/pillarbox insets of
// incoming frames so the reducer only samples the picture area.
package blackborder

import "github.com/scheerer/ambilightd/internal/image"

// Mode selects the sampling strategy used per frame.
type Mode string

const (
	ModeDefault   Mode = "default"
	ModeClassic   Mode = "classic"
	ModeOSD       Mode = "osd"
	ModeLetterbox Mode = "letterbox"
)

// Config controls detection and stability.
type Config struct {
	Enable bool `json:"enable"`
	Mode   Mode `json:"mode"`

	// Threshold is the luminance threshold as a percentage; channels all
	// below threshold*255/100 count as black.
	Threshold uint32 `json:"threshold"`

	// UnknownFrameCnt and BorderFrameCnt are the number of consistent
	// candidate frames required before switching to an unknown or a
	// detected border respectively. MaxInconsistentCnt bounds how many
	// differing candidates are tolerated before re-baselining.
	UnknownFrameCnt    uint32 `json:"unknownFrameCnt"`
	BorderFrameCnt     uint32 `json:"borderFrameCnt"`
	MaxInconsistentCnt uint32 `json:"maxInconsistentCnt"`

	// BlurRemoveCnt widens a detected border by this many pixels to skip
	// the blurred edge between border and picture.
	BlurRemoveCnt uint16 `json:"blurRemoveCnt"`
}

func DefaultConfig() Config {
	return Config{
		Enable:             true,
		Mode:               ModeDefault,
		Threshold:          5,
		UnknownFrameCnt:    600,
		BorderFrameCnt:     50,
		MaxInconsistentCnt: 10,
		BlurRemoveCnt:      1,
	}
}

// Border is a detected inset. Unknown means no stable border is known;
// consumers then use the full frame.
type Border struct {
	Unknown        bool
	HorizontalSize uint16
	VerticalSize   uint16
}

func unknownBorder() Border {
	return Border{Unknown: true}
}

// Ranges converts the border to the x and y pixel ranges the reducer may
// sample, clamped so an oversized inset never crosses the frame center.
func (b Border) Ranges(width, height uint16) (xMin, xMax, yMin, yMax uint16) {
	if b.Unknown {
		return 0, width, 0, height
	}

	xMin = min(b.VerticalSize, width/2)
	xMax = width - min(b.VerticalSize, width-width/2)
	yMin = min(b.HorizontalSize, height/2)
	yMax = height - min(b.HorizontalSize, height-height/2)
	return
}

// Detector tracks candidate borders over successive frames and reports a
// stable current border.
type Detector struct {
	config          Config
	currentBorder   Border
	previousBorder  Border
	consistentCnt   uint32
	inconsistentCnt uint32
}

func NewDetector(config Config) *Detector {
	return &Detector{
		config:         config,
		currentBorder:  unknownBorder(),
		previousBorder: unknownBorder(),
	}
}

func (d *Detector) CurrentBorder() Border {
	return d.currentBorder
}

func (d *Detector) threshold() uint8 {
	t := d.config.Threshold * 255 / 100
	if t > 255 {
		t = 255
	}
	return uint8(t)
}

// Process scans one frame and returns true when the stable border
// changed.
func (d *Detector) Process(img *image.Raw) bool {
	if !d.config.Enable {
		return d.updateBorder(unknownBorder())
	}

	candidate := detect(img, d.config.Mode, d.threshold())
	candidate = blur(candidate, d.config.BlurRemoveCnt)

	return d.updateBorder(candidate)
}

func blur(b Border, amount uint16) Border {
	if b.HorizontalSize > 0 {
		b.HorizontalSize += amount
	}
	if b.VerticalSize > 0 {
		b.VerticalSize += amount
	}
	return b
}

func (d *Detector) updateBorder(newBorder Border) bool {
	if newBorder == d.previousBorder {
		d.consistentCnt++
		d.inconsistentCnt = 0
	} else {
		d.inconsistentCnt++

		if d.inconsistentCnt <= d.config.MaxInconsistentCnt {
			return false
		}

		d.previousBorder = newBorder
		d.consistentCnt = 0
	}

	if d.currentBorder == newBorder {
		d.inconsistentCnt = 0
		return false
	}

	if newBorder.Unknown {
		if d.consistentCnt == d.config.UnknownFrameCnt {
			d.currentBorder = newBorder
			return true
		}
	} else if d.currentBorder.Unknown || d.consistentCnt == d.config.BorderFrameCnt {
		d.currentBorder = newBorder
		return true
	}

	return false
}
