package color

import "math"

// KelvinToRGB16 returns the whitepoint for a correlated color temperature
// in Kelvin, using the Tanner Helland approximation. Input is clamped to
// the 1000K..40000K range the approximation is valid for.
func KelvinToRGB16(t uint32) Color16 {
	k := float64(t)
	if k > 40000 {
		k = 40000
	}
	if k < 1000 {
		k = 1000
	}
	k /= 100

	var r, g, b float64

	if k <= 66 {
		r = 255
	} else {
		r = 329.698727446 * math.Pow(k-60, -0.1332047592)
	}

	if k <= 66 {
		g = 99.4708025861*math.Log(k) - 161.1195681661
	} else {
		g = 288.1221695283 * math.Pow(k-60, -0.0755148492)
	}

	switch {
	case k >= 66:
		b = 255
	case k <= 19:
		b = 0
	default:
		b = 138.5177312231*math.Log(k-10) - 305.0447927307
	}

	return Color16{
		Red:   uint16(float64(clamp8(r)) / 255 * 65535),
		Green: uint16(float64(clamp8(g)) / 255 * 65535),
		Blue:  uint16(float64(clamp8(b)) / 255 * 65535),
	}
}
