package color

import "github.com/scheerer/ambilightd/internal/logging"

var logger = logging.New("color")

// PipelineConfig is the full color correction configuration for one
// instance: an ordered list of adjustments plus the target temperature.
type PipelineConfig struct {
	Adjustments    []AdjustmentConfig `json:"channelAdjustment"`
	RGBTemperature uint32             `json:"rgbTemperature"`
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Adjustments:    []AdjustmentConfig{DefaultAdjustmentConfig()},
		RGBTemperature: 6600,
	}
}

// Pipeline applies the fixed stage order (transform, channel adjustment,
// temperature) to a frame of working colors. Stages are pure; Apply
// writes the corrected values back into the given slice.
type Pipeline struct {
	adjustments    []adjustmentData
	ledMappings    []int
	rgbWhitepoint  Color16
	srgbWhitepoint Color16
}

// NewPipeline compiles the configuration for a fixed LED count. An LED
// covered by several adjustments uses the first match in config order;
// an LED covered by none passes through the temperature stage only.
func NewPipeline(config PipelineConfig, ledCount int) *Pipeline {
	p := &Pipeline{
		ledMappings:    make([]int, ledCount),
		rgbWhitepoint:  KelvinToRGB16(config.RGBTemperature),
		srgbWhitepoint: SRGBWhite(),
	}

	for i := range p.ledMappings {
		p.ledMappings[i] = -1
	}

	for _, adjustment := range config.Adjustments {
		match, ok := ParseLedMatch(adjustment.Leds)
		if !ok {
			logger.Warnw("invalid LED pattern, ignoring adjustment", "pattern", adjustment.Leds)
			continue
		}

		key := len(p.adjustments)
		p.adjustments = append(p.adjustments, compileAdjustment(adjustment))

		for i := range p.ledMappings {
			if p.ledMappings[i] == -1 && match.Matches(i) {
				p.ledMappings[i] = key
			}
		}
	}

	logger.Debugw("compiled color pipeline",
		"adjustments", len(p.adjustments),
		"ledCount", ledCount,
		"whitepoint", p.rgbWhitepoint)

	return p
}

func (p *Pipeline) Apply(ledData []Color16) {
	for i := range ledData {
		if i < len(p.ledMappings) && p.ledMappings[i] >= 0 {
			data := p.adjustments[p.ledMappings[i]]
			ledData[i] = To16(data.apply(To8(ledData[i])))
		}

		ledData[i] = Whitebalance(ledData[i], p.srgbWhitepoint, p.rgbWhitepoint)
	}
}
