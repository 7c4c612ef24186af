package color

import (
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// TransformConfig is the per-adjustment RGB transform stage: gamma,
// backlight threshold, HSL gains and brightness.
type TransformConfig struct {
	GammaRed   float64 `json:"gammaRed"`
	GammaGreen float64 `json:"gammaGreen"`
	GammaBlue  float64 `json:"gammaBlue"`

	// BacklightThreshold is a percentage. Frames whose channel sum falls
	// below the derived threshold are lifted to a minimum backlight level.
	BacklightThreshold float64 `json:"backlightThreshold"`
	BacklightColored   bool    `json:"backlightColored"`

	SaturationGain float64 `json:"saturationGain"`
	LuminanceGain  float64 `json:"luminanceGain"`
	LuminanceMin   float64 `json:"luminanceMinimum"`

	Brightness             uint8 `json:"brightness"`
	BrightnessCompensation uint8 `json:"brightnessCompensation"`
}

func DefaultTransformConfig() TransformConfig {
	return TransformConfig{
		GammaRed:       1,
		GammaGreen:     1,
		GammaBlue:      1,
		SaturationGain: 1,
		LuminanceGain:  1,
		Brightness:     100,
	}
}

// Transform applies gamma, the backlight floor and the HSL gains. It is
// pure: the same input and config always produce the same output.
type Transform struct {
	config           TransformConfig
	backlightEnabled bool
	sumBrightnessLow float64
}

func NewTransform(config TransformConfig) Transform {
	return Transform{
		config:           config,
		backlightEnabled: config.BacklightThreshold > 0,
		sumBrightnessLow: 765.0 * ((math.Pow(2, config.BacklightThreshold/100)*2 - 1) / 3),
	}
}

func gamma(x uint8, g float64) uint8 {
	return uint8(math.Pow(float64(x)/255, g) * 255)
}

func (t Transform) Apply(in Color) Color {
	r := gamma(in.Red, t.config.GammaRed)
	g := gamma(in.Green, t.config.GammaGreen)
	b := gamma(in.Blue, t.config.GammaBlue)

	if t.config.SaturationGain != 1 || t.config.LuminanceGain != 1 || t.config.LuminanceMin > 0 {
		r, g, b = t.applyHSL(r, g, b)
	}

	rgbSum := float64(r) + float64(g) + float64(b)

	if t.backlightEnabled && t.sumBrightnessLow > 0 && rgbSum < t.sumBrightnessLow {
		if t.config.BacklightColored {
			if rgbSum == 0 {
				r, g, b = max(r, 1), max(g, 1), max(b, 1)
				rgbSum = float64(r) + float64(g) + float64(b)
			}

			cl := math.Min(t.sumBrightnessLow/rgbSum, 255)
			return Color{
				Red:   clamp8(float64(r) * cl),
				Green: clamp8(float64(g) * cl),
				Blue:  clamp8(float64(b) * cl),
			}
		}

		x := clamp8(t.sumBrightnessLow / 3)
		return Color{Red: x, Green: x, Blue: x}
	}

	return Color{Red: r, Green: g, Blue: b}
}

// applyHSL converts to HSL, scales saturation and luminance and applies
// the luminance floor. HSL math stays inside this stage.
func (t Transform) applyHSL(r, g, b uint8) (uint8, uint8, uint8) {
	h, s, l := colorful.Color{
		R: float64(r) / 255,
		G: float64(g) / 255,
		B: float64(b) / 255,
	}.Hsl()

	s = math.Min(s*t.config.SaturationGain, 1)
	l = math.Min(l*t.config.LuminanceGain, 1)
	if l < t.config.LuminanceMin {
		l = t.config.LuminanceMin
	}

	out := colorful.Hsl(h, s, l).Clamped()
	return clamp8(out.R * 255), clamp8(out.G * 255), clamp8(out.B * 255)
}

// BrightnessComponents are the per-channel-class brightness limits used
// by the channel decomposition stage.
type BrightnessComponents struct {
	RGB uint8
	CMY uint8
	W   uint8
}

// BrightnessComponents derives the compensated brightness limits from the
// configured brightness and compensation values.
func (t Transform) BrightnessComponents() BrightnessComponents {
	fw := float64(t.config.BrightnessCompensation)*2/100 + 1
	fcmy := float64(t.config.BrightnessCompensation)/100 + 1

	if t.config.Brightness == 0 {
		return BrightnessComponents{}
	}

	var bIn float64
	if t.config.Brightness < 50 {
		bIn = -0.09*float64(t.config.Brightness) + 7.5
	} else {
		bIn = -0.04*float64(t.config.Brightness) + 5.0
	}

	return BrightnessComponents{
		RGB: clamp8(255 / bIn),
		CMY: clamp8(255 / (bIn * fcmy)),
		W:   clamp8(255 / (bIn * fw)),
	}
}
