package color

// channelAdjustment scales one decomposed channel by a per-channel color.
type channelAdjustment struct {
	adjust Color
}

func (a channelAdjustment) apply(input uint8, brightness uint8) Color {
	return Color{
		Red:   uint8(uint32(brightness) * uint32(input) * uint32(a.adjust.Red) / 65025),
		Green: uint8(uint32(brightness) * uint32(input) * uint32(a.adjust.Green) / 65025),
		Blue:  uint8(uint32(brightness) * uint32(input) * uint32(a.adjust.Blue) / 65025),
	}
}

// AdjustmentConfig is one configured adjustment: an LED selection pattern,
// the transform stage parameters and the channel mapping colors.
type AdjustmentConfig struct {
	// Leds selects which LED indices this adjustment covers: "*", "N",
	// "N-M" or a comma separated list of those. First match in config
	// order wins.
	Leds string `json:"leds"`

	Transform TransformConfig `json:"transform"`

	White   Color `json:"white"`
	Red     Color `json:"red"`
	Green   Color `json:"green"`
	Blue    Color `json:"blue"`
	Cyan    Color `json:"cyan"`
	Magenta Color `json:"magenta"`
	Yellow  Color `json:"yellow"`
}

func DefaultAdjustmentConfig() AdjustmentConfig {
	return AdjustmentConfig{
		Leds:      "*",
		Transform: DefaultTransformConfig(),
		White:     New(255, 255, 255),
		Red:       New(255, 0, 0),
		Green:     New(0, 255, 0),
		Blue:      New(0, 0, 255),
		Cyan:      New(0, 255, 255),
		Magenta:   New(255, 0, 255),
		Yellow:    New(255, 255, 0),
	}
}

// adjustmentData is the compiled form of one AdjustmentConfig.
type adjustmentData struct {
	black     channelAdjustment
	white     channelAdjustment
	red       channelAdjustment
	green     channelAdjustment
	blue      channelAdjustment
	cyan      channelAdjustment
	magenta   channelAdjustment
	yellow    channelAdjustment
	transform Transform
}

func compileAdjustment(config AdjustmentConfig) adjustmentData {
	return adjustmentData{
		white:     channelAdjustment{config.White},
		red:       channelAdjustment{config.Red},
		green:     channelAdjustment{config.Green},
		blue:      channelAdjustment{config.Blue},
		cyan:      channelAdjustment{config.Cyan},
		magenta:   channelAdjustment{config.Magenta},
		yellow:    channelAdjustment{config.Yellow},
		transform: NewTransform(config.Transform),
	}
}

// apply runs the transform stage and then decomposes the color into the
// eight channel classes, each scaled by its configured mapping color and
// brightness component, and recombines them.
func (d adjustmentData) apply(in Color) Color {
	t := d.transform.Apply(in)
	bc := d.transform.BrightnessComponents()

	or, og, ob := uint32(t.Red), uint32(t.Green), uint32(t.Blue)

	nrng := (255 - or) * (255 - og)
	rng := or * (255 - og)
	nrg := (255 - or) * og
	rg := or * og

	black := nrng * (255 - ob) / 65025
	red := rng * (255 - ob) / 65025
	green := nrg * (255 - ob) / 65025
	blue := nrng * ob / 65025
	cyan := nrg * ob / 65025
	magenta := rng * ob / 65025
	yellow := rg * (255 - ob) / 65025
	white := rg * ob / 65025

	o := d.black.apply(uint8(black), 255)
	r := d.red.apply(uint8(red), bc.RGB)
	g := d.green.apply(uint8(green), bc.RGB)
	b := d.blue.apply(uint8(blue), bc.RGB)
	c := d.cyan.apply(uint8(cyan), bc.CMY)
	m := d.magenta.apply(uint8(magenta), bc.CMY)
	y := d.yellow.apply(uint8(yellow), bc.CMY)
	w := d.white.apply(uint8(white), bc.W)

	return Color{
		Red:   o.Red + r.Red + g.Red + b.Red + c.Red + m.Red + y.Red + w.Red,
		Green: o.Green + r.Green + g.Green + b.Green + c.Green + m.Green + y.Green + w.Green,
		Blue:  o.Blue + r.Blue + g.Blue + b.Blue + c.Blue + m.Blue + y.Blue + w.Blue,
	}
}
