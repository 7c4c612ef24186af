// Package instance composes the per-instance pipeline: muxer, effect
// runner, reducer, color stage, smoother and device scheduler, all
// owned by one task.
package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/scheerer/ambilightd/internal/blackborder"
	"github.com/scheerer/ambilightd/internal/bus"
	"github.com/scheerer/ambilightd/internal/color"
	"github.com/scheerer/ambilightd/internal/device"
	"github.com/scheerer/ambilightd/internal/effects"
	"github.com/scheerer/ambilightd/internal/logging"
	"github.com/scheerer/ambilightd/internal/muxer"
	"github.com/scheerer/ambilightd/internal/reducer"
	"github.com/scheerer/ambilightd/internal/smoothing"
)

var logger = logging.New("instance")

var ErrNotRunning = errors.New("instance not running")

type commandKind int

const (
	cmdReconfigure commandKind = iota
	cmdAdjust
	cmdPriorities
	cmdComponents
)

type command struct {
	kind     commandKind
	config   Config
	pipeline color.PipelineConfig

	errReply  chan error
	prioReply chan []muxer.PriorityInfo
	compReply chan map[bus.Component]bool
}

// Instance runs one LED pipeline as a single task. All subcomponents
// are owned by the run loop; external callers talk over channels.
type Instance struct {
	config   Config
	bus      *bus.Bus
	registry *effects.Registry

	mux       *muxer.Muxer
	runner    *effects.Runner
	detector  *blackborder.Detector
	reducer   *reducer.Reducer
	pipeline  *color.Pipeline
	smoother  *smoothing.Smoother
	scheduler *device.Scheduler

	pushes       chan bus.InputMessage
	commands     chan command
	deviceStates chan device.State

	ledData []color.Color16

	// metaMu guards the snapshot fields protocol servers read without
	// going through the command channel.
	metaMu       sync.RWMutex
	friendlyName string
	ledCount     int

	// expectedStops counts device stops caused by a reconfigure restart,
	// so they are not mistaken for failures. Only the run loop touches it.
	expectedStops int

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// New builds an instance from its config snapshot. Start must be called
// before it processes anything.
func New(config Config, globalBus *bus.Bus, registry *effects.Registry) (*Instance, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	i := &Instance{
		config:       config,
		bus:          globalBus,
		registry:     registry,
		pushes:       make(chan bus.InputMessage, 64),
		commands:     make(chan command),
		deviceStates: make(chan device.State, 8),
		ledData:      make([]color.Color16, config.LedCount),
	}
	i.setMeta(config)

	i.mux = muxer.New(config.ID, globalBus)
	i.runner = effects.NewRunner(config.ID, registry, globalBus, i.pushEffect, config.LedCount)
	i.mux.OnEffectPreempt(i.runner.StopPriority)
	i.detector = blackborder.NewDetector(config.BlackBorder)
	i.reducer = reducer.New(config.Layout)
	i.pipeline = color.NewPipeline(config.Color, config.LedCount)
	i.smoother = smoothing.New(config.Smoothing, config.LedCount)

	dev, err := device.Build(config.Device)
	if err != nil {
		return nil, err
	}
	i.scheduler, err = device.NewScheduler(config.Device, dev, i.onDeviceState)
	if err != nil {
		return nil, err
	}

	return i, nil
}

func (i *Instance) ID() int32 { return i.config.ID }

// FriendlyName reports the display name from the latest snapshot.
func (i *Instance) FriendlyName() string {
	i.metaMu.RLock()
	defer i.metaMu.RUnlock()
	return i.friendlyName
}

// LedCount reports the logical LED count from the latest snapshot.
func (i *Instance) LedCount() int {
	i.metaMu.RLock()
	defer i.metaMu.RUnlock()
	return i.ledCount
}

func (i *Instance) setMeta(config Config) {
	i.metaMu.Lock()
	i.friendlyName = config.FriendlyName
	i.ledCount = config.LedCount
	i.metaMu.Unlock()
}

// pushEffect feeds effect output back into the run loop. Effects block
// briefly when the instance is busy; frames are never dropped here.
func (i *Instance) pushEffect(msg bus.InputMessage) {
	select {
	case i.pushes <- msg:
	case <-i.done:
	}
}

func (i *Instance) onDeviceState(state device.State) {
	select {
	case i.deviceStates <- state:
	default:
	}
}

// Start spins up the device and the run loop, installs the background
// entry and plays the boot effect.
func (i *Instance) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.done = make(chan struct{})

	subID := fmt.Sprintf("instance-%d", i.config.ID)
	inputs, err := i.bus.SubscribeInput(subID, 256)
	if err != nil {
		cancel()
		return err
	}

	i.scheduler.Start(runCtx)
	go i.run(runCtx, subID, inputs)

	i.bus.PublishEvent(bus.Event{Kind: bus.EventInstanceStarted, Instance: i.config.ID})
	logger.Infow("instance started", "instance", i.config.ID, "name", i.config.FriendlyName)
	return nil
}

// Stop tears the instance down: effects first, then the run loop, then
// the device. It is safe to call more than once; repeated calls return
// the first teardown's result.
func (i *Instance) Stop(reason string) error {
	i.stopOnce.Do(func() {
		if i.cancel == nil {
			return
		}

		i.runner.StopAll()
		i.cancel()
		<-i.done
		i.stopErr = i.scheduler.Stop()

		i.bus.PublishEvent(bus.Event{Kind: bus.EventInstanceStopped, Instance: i.config.ID, Reason: reason})
		logger.Infow("instance stopped", "instance", i.config.ID, "reason", reason)
	})
	return i.stopErr
}

// Reconfigure applies a new snapshot. The device is only restarted when
// its class or connection parameters changed.
func (i *Instance) Reconfigure(config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}

	cmd := command{kind: cmdReconfigure, config: config, errReply: make(chan error, 1)}
	select {
	case i.commands <- cmd:
		return <-cmd.errReply
	case <-i.done:
		return ErrNotRunning
	}
}

// Adjust swaps the color pipeline configuration without touching the
// rest of the snapshot, serving runtime adjustment requests.
func (i *Instance) Adjust(pipeline color.PipelineConfig) error {
	cmd := command{kind: cmdAdjust, pipeline: pipeline, errReply: make(chan error, 1)}
	select {
	case i.commands <- cmd:
		return <-cmd.errReply
	case <-i.done:
		return ErrNotRunning
	}
}

// Priorities snapshots the muxer entries for protocol replies.
func (i *Instance) Priorities() []muxer.PriorityInfo {
	cmd := command{kind: cmdPriorities, prioReply: make(chan []muxer.PriorityInfo, 1)}
	select {
	case i.commands <- cmd:
		return <-cmd.prioReply
	case <-i.done:
		return nil
	}
}

// Components snapshots the component toggles for protocol replies.
func (i *Instance) Components() map[bus.Component]bool {
	cmd := command{kind: cmdComponents, compReply: make(chan map[bus.Component]bool, 1)}
	select {
	case i.commands <- cmd:
		return <-cmd.compReply
	case <-i.done:
		return nil
	}
}

// RunningEffects lists the live effect tasks.
func (i *Instance) RunningEffects() []effects.RunningInfo {
	return i.runner.Running()
}

func (i *Instance) run(ctx context.Context, subID string, inputs <-chan bus.InputEnvelope) {
	defer close(i.done)
	defer i.bus.UnsubscribeInput(subID)

	i.installBackground()
	i.playBootEffect()

	ticker := time.NewTicker(i.config.Smoothing.Period())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case env, ok := <-inputs:
			if !ok {
				return
			}
			if env.Lagged > 0 {
				logger.Warnw("instance lagged behind input stream",
					"instance", i.config.ID, "missed", env.Lagged)
			}
			i.handleInput(env.Message)

		case msg := <-i.pushes:
			i.handleInput(msg)

		case cmd := <-i.commands:
			i.handleCommand(ctx, cmd)

		case state := <-i.deviceStates:
			i.handleDeviceState(state)

		case now := <-ticker.C:
			i.tick(now)
		}
	}
}

func (i *Instance) handleInput(msg bus.InputMessage) {
	if err := i.mux.Push(msg); err != nil {
		logger.Debugw("push rejected",
			"instance", i.config.ID, "source", msg.Source, "kind", msg.Kind, "error", err)
		return
	}

	switch msg.Kind {
	case bus.KindEffect:
		_, err := i.runner.Launch(msg.Priority, msg.EffectName, msg.EffectArgs, msg.Duration)
		if err != nil {
			logger.Errorw("effect launch failed",
				"instance", i.config.ID, "effect", msg.EffectName,
				"priority", msg.Priority, "error", err)
		}
	case bus.KindClear:
		i.runner.StopPriority(msg.Priority)
	case bus.KindClearAll:
		i.stopForegroundEffects()
	}
}

// stopForegroundEffects stops every effect except the background one,
// mirroring the muxer's ClearAll exemption.
func (i *Instance) stopForegroundEffects() {
	for _, info := range i.runner.Running() {
		if info.Priority == muxer.BackgroundPriority {
			continue
		}
		i.runner.Stop(info.Handle)
	}
}

func (i *Instance) handleCommand(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdReconfigure:
		cmd.errReply <- i.applyConfig(ctx, cmd.config)
	case cmdAdjust:
		i.pipeline = color.NewPipeline(cmd.pipeline, i.config.LedCount)
		i.config.Color = cmd.pipeline
		cmd.errReply <- nil
	case cmdPriorities:
		cmd.prioReply <- i.mux.Snapshot()
	case cmdComponents:
		components := map[bus.Component]bool{}
		for _, c := range []bus.Component{
			bus.ComponentAll, bus.ComponentBlackBorder, bus.ComponentSmoothing,
			bus.ComponentLedDevice, bus.ComponentColor, bus.ComponentEffects,
		} {
			components[c] = i.mux.ComponentEnabled(c)
		}
		cmd.compReply <- components
	}
}

// applyConfig swaps subcomponents to the new snapshot. It only rebuilds
// the device when the endpoint changed; everything else is updated in
// place so running entries and filter state survive.
func (i *Instance) applyConfig(ctx context.Context, config Config) error {
	restartDevice := !device.ConnectionEqual(i.config.Device, config.Device)

	if config.LedCount != i.config.LedCount {
		i.ledData = make([]color.Color16, config.LedCount)
		i.smoother = smoothing.New(config.Smoothing, config.LedCount)
	} else {
		i.smoother.Reconfigure(config.Smoothing)
	}

	i.reducer.SetLayout(config.Layout)
	i.detector = blackborder.NewDetector(config.BlackBorder)
	i.pipeline = color.NewPipeline(config.Color, config.LedCount)

	if restartDevice {
		i.expectedStops++
		if err := i.scheduler.Stop(); err != nil {
			logger.Warnw("old device close failed",
				"instance", config.ID, "error", err)
		}
		dev, err := device.Build(config.Device)
		if err != nil {
			return err
		}
		scheduler, err := device.NewScheduler(config.Device, dev, i.onDeviceState)
		if err != nil {
			return err
		}
		i.scheduler = scheduler
		i.scheduler.Start(ctx)
	} else if err := i.scheduler.Reconfigure(config.Device); err != nil {
		return err
	}

	i.config = config
	i.setMeta(config)
	logger.Infow("instance reconfigured",
		"instance", config.ID, "deviceRestarted", restartDevice)
	return nil
}

func (i *Instance) handleDeviceState(state device.State) {
	switch state {
	case device.StateReady:
		i.bus.PublishEvent(bus.Event{Kind: bus.EventInstanceActivated, Instance: i.config.ID})
	case device.StateStopped:
		if i.expectedStops > 0 {
			i.expectedStops--
			return
		}
		// An unannounced stop means the device failed for good; take the
		// whole instance down.
		i.bus.PublishEvent(bus.Event{Kind: bus.EventInstanceDeactivated, Instance: i.config.ID, Reason: "device stopped"})
		go i.Stop("device failed")
	}
}

func (i *Instance) tick(now time.Time) {
	if muxed := i.mux.Tick(now); muxed != nil {
		i.applyMuxed(muxed)
	}

	if i.smoother.Settled() {
		return
	}
	if !i.mux.ComponentEnabled(bus.ComponentLedDevice) {
		return
	}
	i.scheduler.Submit(i.smoother.Tick())
}

// applyMuxed converts the winning payload into the 16-bit LED target
// for the smoother, running images through border detection and the
// reducer first.
func (i *Instance) applyMuxed(muxed *bus.MuxedMessage) {
	switch muxed.Kind {
	case bus.KindSolidColor:
		c := color.To16(muxed.Color)
		for n := range i.ledData {
			i.ledData[n] = c
		}

	case bus.KindLedColors:
		for n := range i.ledData {
			if n < len(muxed.LedColors) {
				i.ledData[n] = color.To16(muxed.LedColors[n])
			} else {
				i.ledData[n] = color.Color16{}
			}
		}

	case bus.KindImage:
		if muxed.Image == nil {
			return
		}
		if i.mux.ComponentEnabled(bus.ComponentBlackBorder) {
			i.detector.Process(muxed.Image)
		}
		i.reducer.Reduce(muxed.Image, i.detector.CurrentBorder(), i.ledData)

	default:
		return
	}

	if i.mux.ComponentEnabled(bus.ComponentColor) {
		i.pipeline.Apply(i.ledData)
	}
	i.smoother.SetTarget(i.ledData)
}

// installBackground pushes the configured always-on entry at the
// background priority.
func (i *Instance) installBackground() {
	if !i.config.Background.Enable {
		return
	}

	origin := fmt.Sprintf("instance/%d/background", i.config.ID)
	source, err := i.bus.RegisterSource("background", origin, bus.AdminPermissions())
	if err != nil {
		logger.Errorw("background source registration failed",
			"instance", i.config.ID, "error", err)
		return
	}

	if i.config.Background.Effect != "" {
		_, err := i.runner.Launch(muxer.BackgroundPriority, i.config.Background.Effect, nil, 0)
		if err != nil {
			logger.Errorw("background effect launch failed",
				"instance", i.config.ID, "effect", i.config.Background.Effect, "error", err)
		}
		return
	}

	msg := bus.NewMessage(bus.KindSolidColor, source)
	msg.Priority = muxer.BackgroundPriority
	msg.Color = i.config.Background.Color
	msg.Background = true
	i.handleInput(msg)
}

// playBootEffect runs the foreground startup effect for its configured
// duration.
func (i *Instance) playBootEffect() {
	be := i.config.BootEffect
	if !be.Enable || be.Effect == "" {
		return
	}

	duration := be.Duration
	if duration <= 0 {
		duration = 3 * time.Second
	}

	_, err := i.runner.Launch(be.Priority, be.Effect, nil, duration)
	if err != nil {
		logger.Errorw("boot effect launch failed",
			"instance", i.config.ID, "effect", be.Effect, "error", err)
	}
}
