package blackborder

import (
	"github.com/scheerer/ambilightd/internal/color"
	"github.com/scheerer/ambilightd/internal/image"
)

func isBlack(c color.Color, threshold uint8) bool {
	return c.Red < threshold && c.Green < threshold && c.Blue < threshold
}

func detect(img *image.Raw, mode Mode, threshold uint8) Border {
	switch mode {
	case ModeClassic:
		return detectClassic(img, threshold)
	case ModeOSD:
		return detectOSD(img, threshold)
	case ModeLetterbox:
		return detectLetterbox(img, threshold)
	default:
		return detectDefault(img, threshold)
	}
}

func borderFrom(x, y int) Border {
	if x < 0 || y < 0 {
		return unknownBorder()
	}
	return Border{HorizontalSize: uint16(y), VerticalSize: uint16(x)}
}

// detectDefault probes three horizontal and three vertical scan lines
// from the frame edges inwards, stopping at the first bright pixel.
func detectDefault(img *image.Raw, threshold uint8) Border {
	width, height := img.Width(), img.Height()
	width33, height33 := width/3, height/3
	width66, height66 := width33*2, height33*2
	xCenter, yCenter := width/2, height/2

	firstNonBlackX := -1
	for x := uint16(0); x < width33; x++ {
		if !isBlack(img.ColorAt(width-1-x, yCenter), threshold) ||
			!isBlack(img.ColorAt(x, height33), threshold) ||
			!isBlack(img.ColorAt(x, height66), threshold) {
			firstNonBlackX = int(x)
			break
		}
	}

	firstNonBlackY := -1
	for y := uint16(0); y < height33; y++ {
		if !isBlack(img.ColorAt(xCenter, height-1-y), threshold) ||
			!isBlack(img.ColorAt(width33, y), threshold) ||
			!isBlack(img.ColorAt(width66, y), threshold) {
			firstNonBlackY = int(y)
			break
		}
	}

	return borderFrom(firstNonBlackX, firstNonBlackY)
}

// detectClassic walks the top-left diagonal and then backtracks each
// axis, matching the historic hyperion algorithm.
func detectClassic(img *image.Raw, threshold uint8) Border {
	width := img.Width() / 3
	height := img.Height() / 3
	maxSize := max(width, height)

	firstNonBlackX := -1
	firstNonBlackY := -1

	for i := uint16(0); i < maxSize; i++ {
		x := min(i, width)
		y := min(i, height)

		if !isBlack(img.ColorAt(x, y), threshold) {
			firstNonBlackX = int(x)
			firstNonBlackY = int(y)
			break
		}
	}

	for firstNonBlackX > 0 {
		if firstNonBlackY < 0 ||
			isBlack(img.ColorAt(uint16(firstNonBlackX-1), uint16(firstNonBlackY)), threshold) {
			break
		}
		firstNonBlackX--
	}

	for firstNonBlackY > 0 {
		if isBlack(img.ColorAt(uint16(firstNonBlackX), uint16(firstNonBlackY-1)), threshold) {
			break
		}
		firstNonBlackY--
	}

	return borderFrom(firstNonBlackX, firstNonBlackY)
}

// detectOSD finds the vertical inset first and then probes inside it so
// on-screen displays at the frame edge do not break the detection.
func detectOSD(img *image.Raw, threshold uint8) Border {
	width, height := img.Width(), img.Height()
	width33, height33 := width/3, height/3
	height66 := height33 * 2
	yCenter := height / 2

	firstNonBlackX := -1
	for x := uint16(0); x < width33; x++ {
		if !isBlack(img.ColorAt(width-1-x, yCenter), threshold) ||
			!isBlack(img.ColorAt(x, height33), threshold) ||
			!isBlack(img.ColorAt(x, height66), threshold) {
			firstNonBlackX = int(x)
			break
		}
	}

	x := uint16(width33)
	if firstNonBlackX >= 0 {
		x = uint16(firstNonBlackX)
	}

	firstNonBlackY := -1
	for y := uint16(0); y < height33; y++ {
		if !isBlack(img.ColorAt(x, y), threshold) ||
			!isBlack(img.ColorAt(x, height-1-y), threshold) ||
			!isBlack(img.ColorAt(width-1-x, y), threshold) ||
			!isBlack(img.ColorAt(width-1-x, height-1-y), threshold) {
			firstNonBlackY = int(y)
			break
		}
	}

	return borderFrom(firstNonBlackX, firstNonBlackY)
}

// detectLetterbox only looks for horizontal bands; the vertical inset is
// always zero when a border is found.
func detectLetterbox(img *image.Raw, threshold uint8) Border {
	width, height := img.Width(), img.Height()
	height33 := height / 3
	width25 := width / 4
	width75 := width25 * 3
	xCenter := width / 2

	firstNonBlackY := -1
	for y := uint16(0); y < height33; y++ {
		if !isBlack(img.ColorAt(xCenter, y), threshold) ||
			!isBlack(img.ColorAt(width25, y), threshold) ||
			!isBlack(img.ColorAt(width75, y), threshold) ||
			!isBlack(img.ColorAt(width25, height-1-y), threshold) ||
			!isBlack(img.ColorAt(width75, height-1-y), threshold) {
			firstNonBlackY = int(y)
			break
		}
	}

	if firstNonBlackY < 0 {
		return unknownBorder()
	}

	return Border{HorizontalSize: uint16(firstNonBlackY)}
}
