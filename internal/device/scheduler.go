package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/scheerer/ambilightd/internal/color"
)

// State is the scheduler's lifecycle phase.
type State string

const (
	StateStopped State = "stopped"
	StateOpening State = "opening"
	StateReady   State = "ready"
	StateIdle    State = "idle"
)

// Scheduler owns a Device and enforces its timing: the rewrite frequency
// cap, the idle policy and the write retry budget. Frames are submitted
// without blocking; between submissions only the newest frame is kept.
type Scheduler struct {
	config Config
	device Device
	order  ColorOrder

	frames  chan []color.Color
	configs chan schedulerConfig

	// onState is notified from the scheduler goroutine on every state
	// transition: Opening, Ready, Idle and Stopped.
	onState func(State)

	cancel context.CancelFunc
	done   chan struct{}

	// closeErr is written by the run goroutine before done closes.
	closeErr error
}

// NewScheduler wires a built device to its timing policy. onState may be
// nil.
func NewScheduler(config Config, dev Device, onState func(State)) (*Scheduler, error) {
	order, err := ParseColorOrder(config.ColorOrder)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		config:  config,
		device:  dev,
		order:   order,
		frames:  make(chan []color.Color, 1),
		configs: make(chan schedulerConfig, 1),
		onState: onState,
	}, nil
}

type schedulerConfig struct {
	config Config
	order  ColorOrder
}

// Reconfigure swaps the timing parameters without restarting the
// device. The caller must have checked ConnectionEqual; a changed
// endpoint needs a full Stop and rebuild instead.
func (s *Scheduler) Reconfigure(config Config) error {
	order, err := ParseColorOrder(config.ColorOrder)
	if err != nil {
		return err
	}

	next := schedulerConfig{config: config, order: order}
	for {
		select {
		case s.configs <- next:
			return nil
		default:
			select {
			case <-s.configs:
			default:
			}
		}
	}
}

// Start opens the device and runs the write loop until Stop or a
// non-recoverable device failure.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)
}

// Stop shuts the write loop down and closes the device, reporting the
// close failure if any. It is safe to call more than once.
func (s *Scheduler) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	return s.closeErr
}

// Submit hands a frame to the scheduler. When the loop has not consumed
// the previous frame yet it is replaced, so a slow device only ever
// sees the newest state. The slice is copied.
func (s *Scheduler) Submit(leds []color.Color) {
	frame := make([]color.Color, len(leds))
	copy(frame, leds)

	for {
		select {
		case s.frames <- frame:
			return
		default:
			select {
			case <-s.frames:
			default:
			}
		}
	}
}

func (s *Scheduler) notify(state State) {
	if s.onState != nil {
		s.onState(state)
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	defer s.notify(StateStopped)

	s.notify(StateOpening)
	if err := s.open(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Errorw("device open failed", "type", s.config.Type, "error", err)
		}
		return
	}
	defer func() {
		if err := s.device.Close(); err != nil {
			s.closeErr = fmt.Errorf("close %s device: %w", s.config.Type, err)
		}
	}()
	s.notify(StateReady)

	if err := s.loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorw("device failed", "type", s.config.Type, "error", err)
	}
}

// open dials the device with exponential backoff capped at one second,
// bounded by MaxAttempts.
func (s *Scheduler) open(ctx context.Context) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 50 * time.Millisecond
	expo.MaxInterval = time.Second

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		openCtx, cancel := context.WithTimeout(ctx, s.openTimeout())
		err := s.device.Open(openCtx)
		cancel()
		if err != nil {
			logger.Warnw("device open attempt failed",
				"type", s.config.Type, "attempt", attempt, "error", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(s.maxAttempts())))
	return err
}

func (s *Scheduler) openTimeout() time.Duration {
	if t := s.config.WriteTimeout; t > 0 {
		// Opening usually involves discovery or a TCP handshake, so it
		// gets a more generous budget than a single frame write.
		return 20 * t
	}
	return 5 * time.Second
}

func (s *Scheduler) maxAttempts() int {
	if s.config.MaxAttempts > 0 {
		return s.config.MaxAttempts
	}
	return 1
}

func (s *Scheduler) period() time.Duration {
	f := s.config.RewriteFrequency
	if f <= 0 {
		f = 25
	}
	return time.Duration(float64(time.Second) / f)
}

func (s *Scheduler) idlePeriod() time.Duration {
	f := s.config.Idle.Rewrite
	if f <= 0 {
		f = 1
	}
	return time.Duration(float64(time.Second) / f)
}

func (s *Scheduler) idleDelay() time.Duration {
	if s.config.Idle.Delay > 0 {
		return s.config.Idle.Delay
	}
	return 5 * time.Second
}

// loop is the scheduler state machine. In Ready it writes at most one
// frame per period; after Idle.Delay without a new frame it enters Idle
// and either goes silent or re-sends the last frame at the idle rate.
func (s *Scheduler) loop(ctx context.Context) error {
	var (
		last      []color.Color
		pending   []color.Color
		idle      bool
		lastWrite time.Time
	)

	gate := time.NewTimer(0)
	defer gate.Stop()
	if !gate.Stop() {
		select {
		case <-gate.C:
		default:
		}
	}

	idleTimer := time.NewTimer(s.idleDelay())
	defer idleTimer.Stop()

	rewriteTimer := time.NewTimer(time.Hour)
	rewriteTimer.Stop()
	defer rewriteTimer.Stop()

	for {
		var rewrite <-chan time.Time
		if idle && !s.config.Idle.Holds && last != nil {
			next := s.idlePeriod() - time.Since(lastWrite)
			if next < 0 {
				next = 0
			}
			if !rewriteTimer.Stop() {
				select {
				case <-rewriteTimer.C:
				default:
				}
			}
			rewriteTimer.Reset(next)
			rewrite = rewriteTimer.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case next := <-s.configs:
			s.config = next.config
			s.order = next.order

		case frame := <-s.frames:
			pending = frame
			if idle {
				idle = false
				s.notify(StateReady)
			}
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(s.idleDelay())

			if wait := s.period() - time.Since(lastWrite); wait > 0 {
				if !gate.Stop() {
					select {
					case <-gate.C:
					default:
					}
				}
				gate.Reset(wait)
				continue
			}
			if err := s.write(ctx, pending); err != nil {
				return err
			}
			last, pending = pending, nil
			lastWrite = time.Now()

		case <-gate.C:
			if pending == nil {
				continue
			}
			if err := s.write(ctx, pending); err != nil {
				return err
			}
			last, pending = pending, nil
			lastWrite = time.Now()

		case <-idleTimer.C:
			if idle {
				idleTimer.Reset(s.idleDelay())
				continue
			}
			idle = true
			s.notify(StateIdle)
			if last != nil {
				retries := s.config.Idle.Retries
				if retries < 1 {
					retries = 1
				}
				for i := 0; i < retries; i++ {
					if err := s.write(ctx, last); err != nil {
						return err
					}
				}
				lastWrite = time.Now()
			}
			idleTimer.Reset(s.idleDelay())

		case <-rewrite:
			if err := s.write(ctx, last); err != nil {
				return err
			}
			lastWrite = time.Now()
		}
	}
}

// write pads or truncates the frame to the hardware LED count, applies
// the color order and writes with per-attempt timeout and retries. Retries
// back off exponentially from 50ms, capped at one second.
func (s *Scheduler) write(ctx context.Context, frame []color.Color) error {
	wire := make([]color.Color, s.hardwareLedCount())
	copy(wire, frame)
	wire = s.order.ApplyAll(wire, wire)

	var lastErr error
	delay := 50 * time.Millisecond
	for attempt := 1; attempt <= s.maxAttempts(); attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = min(2*delay, time.Second)
		}
		writeCtx := ctx
		var cancel context.CancelFunc
		if s.config.WriteTimeout > 0 {
			writeCtx, cancel = context.WithTimeout(ctx, s.config.WriteTimeout)
		}
		err := s.device.WriteLeds(writeCtx, wire)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		logger.Warnw("device write failed",
			"type", s.config.Type, "attempt", attempt, "error", err)
	}
	return fmt.Errorf("write retries exhausted: %w", lastErr)
}

func (s *Scheduler) hardwareLedCount() int {
	if s.config.HardwareLedCount > 0 {
		return s.config.HardwareLedCount
	}
	return 1
}
