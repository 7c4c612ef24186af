package device

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scheerer/ambilightd/internal/color"
)

func TestParseColorOrder(t *testing.T) {
	order, err := ParseColorOrder("")
	require.NoError(t, err)
	assert.Equal(t, ColorOrder{0, 1, 2}, order)

	order, err = ParseColorOrder("bgr")
	require.NoError(t, err)
	assert.Equal(t, ColorOrder{2, 1, 0}, order)

	_, err = ParseColorOrder("rgbw")
	assert.Error(t, err)
}

func TestColorOrderApply(t *testing.T) {
	c := color.New(10, 20, 30)

	tests := []struct {
		order string
		want  color.Color
	}{
		{order: "rgb", want: color.New(10, 20, 30)},
		{order: "rbg", want: color.New(10, 30, 20)},
		{order: "grb", want: color.New(20, 10, 30)},
		{order: "gbr", want: color.New(20, 30, 10)},
		{order: "brg", want: color.New(30, 10, 20)},
		{order: "bgr", want: color.New(30, 20, 10)},
	}

	for _, tt := range tests {
		t.Run(tt.order, func(t *testing.T) {
			order, err := ParseColorOrder(tt.order)
			require.NoError(t, err)
			assert.Equal(t, tt.want, order.Apply(c))
		})
	}
}

func TestColorOrderApplyAllInPlace(t *testing.T) {
	order, err := ParseColorOrder("bgr")
	require.NoError(t, err)

	frame := []color.Color{color.New(1, 2, 3), color.New(4, 5, 6)}
	out := order.ApplyAll(frame, frame)

	assert.Equal(t, []color.Color{color.New(3, 2, 1), color.New(6, 5, 4)}, out)
}

func TestBuild(t *testing.T) {
	dev, err := Build(DefaultConfig())
	require.NoError(t, err)
	assert.IsType(t, &Dummy{}, dev)

	config := DefaultConfig()
	config.Type = "file"
	dev, err = Build(config)
	require.NoError(t, err)
	assert.IsType(t, &File{}, dev)

	config.Type = "teleporter"
	_, err = Build(config)
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestConnectionEqual(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()
	b.RewriteFrequency = 50
	b.HardwareLedCount = 30
	assert.True(t, ConnectionEqual(a, b))

	b.File.Path = "/tmp/out"
	assert.False(t, ConnectionEqual(a, b))

	c := DefaultConfig()
	c.Type = "file"
	assert.False(t, ConnectionEqual(a, c))
}

func TestFileDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leds.txt")

	dev, err := NewFile(FileConfig{Path: path})
	require.NoError(t, err)

	// Writing before Open fails instead of panicking.
	err = dev.WriteLeds(context.Background(), []color.Color{color.New(1, 2, 3)})
	assert.ErrorIs(t, err, ErrUnreachable)

	require.NoError(t, dev.Open(context.Background()))
	require.NoError(t, dev.WriteLeds(context.Background(), []color.Color{
		color.New(1, 2, 3), color.New(4, 5, 6),
	}))
	require.NoError(t, dev.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{1,2,3} {4,5,6}\n", string(data))
}

func TestDummyRecordsFrames(t *testing.T) {
	dev := NewDummy()
	require.NoError(t, dev.Open(context.Background()))

	assert.Nil(t, dev.LastFrame())

	require.NoError(t, dev.WriteLeds(context.Background(), []color.Color{color.New(1, 0, 0)}))
	require.NoError(t, dev.WriteLeds(context.Background(), []color.Color{color.New(2, 0, 0)}))

	assert.Len(t, dev.Frames(), 2)
	assert.Equal(t, []color.Color{color.New(2, 0, 0)}, dev.LastFrame())
	require.NoError(t, dev.Close())
}

// stubDevice fails a configured number of opens and writes, then behaves
// like a Dummy.
type stubDevice struct {
	mu         sync.Mutex
	openFails  int
	writeFails int
	opens      int
	writes     int
	frames     [][]color.Color
}

func (d *stubDevice) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	if d.opens <= d.openFails {
		return errors.New("open refused")
	}
	return nil
}

func (d *stubDevice) WriteLeds(ctx context.Context, leds []color.Color) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes++
	if d.writes <= d.writeFails {
		return errors.New("write refused")
	}
	frame := make([]color.Color, len(leds))
	copy(frame, leds)
	d.frames = append(d.frames, frame)
	return nil
}

func (d *stubDevice) Close() error { return nil }

func (d *stubDevice) frameCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.frames)
}

func (d *stubDevice) lastFrame() []color.Color {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.frames) == 0 {
		return nil
	}
	return d.frames[len(d.frames)-1]
}

func fastConfig() Config {
	config := DefaultConfig()
	config.HardwareLedCount = 2
	config.RewriteFrequency = 1000
	config.MaxAttempts = 3
	config.WriteTimeout = 100 * time.Millisecond
	return config
}

func startScheduler(t *testing.T, config Config, dev Device) (*Scheduler, chan State) {
	t.Helper()

	states := make(chan State, 16)
	s, err := NewScheduler(config, dev, func(state State) { states <- state })
	require.NoError(t, err)

	s.Start(context.Background())
	t.Cleanup(func() { _ = s.Stop() })
	return s, states
}

func waitState(t *testing.T, states chan State, want State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case state := <-states:
			if state == want {
				return
			}
		case <-deadline:
			t.Fatalf("state %s not reached", want)
		}
	}
}

func TestSchedulerWritesSubmittedFrames(t *testing.T) {
	dev := &stubDevice{}
	s, states := startScheduler(t, fastConfig(), dev)
	waitState(t, states, StateReady)

	s.Submit([]color.Color{color.New(255, 0, 0)})

	assert.Eventually(t, func() bool {
		return dev.frameCount() > 0
	}, 2*time.Second, 5*time.Millisecond)

	// The frame is padded to the hardware LED count.
	assert.Equal(t, []color.Color{color.New(255, 0, 0), color.Black}, dev.lastFrame())

	assert.NoError(t, s.Stop())
	waitState(t, states, StateStopped)
}

func TestSchedulerAppliesColorOrder(t *testing.T) {
	config := fastConfig()
	config.ColorOrder = "bgr"

	dev := &stubDevice{}
	s, states := startScheduler(t, config, dev)
	waitState(t, states, StateReady)

	s.Submit([]color.Color{color.New(255, 0, 0), color.New(0, 0, 255)})

	assert.Eventually(t, func() bool {
		return dev.frameCount() > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []color.Color{color.New(0, 0, 255), color.New(255, 0, 0)}, dev.lastFrame())
}

func TestSchedulerRetriesWrites(t *testing.T) {
	dev := &stubDevice{writeFails: 2}
	s, states := startScheduler(t, fastConfig(), dev)
	waitState(t, states, StateReady)

	s.Submit([]color.Color{color.New(9, 9, 9)})

	assert.Eventually(t, func() bool {
		return dev.frameCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerOpenRetriesExhausted(t *testing.T) {
	config := fastConfig()
	config.MaxAttempts = 2

	dev := &stubDevice{openFails: 10}
	_, states := startScheduler(t, config, dev)

	waitState(t, states, StateStopped)
	dev.mu.Lock()
	defer dev.mu.Unlock()
	assert.Equal(t, 2, dev.opens)
	assert.Zero(t, dev.writes)
}

func TestSchedulerIdleRewrites(t *testing.T) {
	config := fastConfig()
	config.Idle.Delay = 50 * time.Millisecond
	config.Idle.Rewrite = 50
	config.Idle.Retries = 1

	dev := &stubDevice{}
	s, states := startScheduler(t, config, dev)
	waitState(t, states, StateReady)

	s.Submit([]color.Color{color.New(1, 2, 3)})
	waitState(t, states, StateIdle)

	// While idle the last frame keeps being re-sent.
	assert.Eventually(t, func() bool {
		return dev.frameCount() >= 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []color.Color{color.New(1, 2, 3), color.Black}, dev.lastFrame())

	// A fresh frame leaves the idle state.
	s.Submit([]color.Color{color.New(7, 7, 7)})
	waitState(t, states, StateReady)
}

func TestSchedulerIdleHolds(t *testing.T) {
	config := fastConfig()
	config.Idle.Delay = 50 * time.Millisecond
	config.Idle.Holds = true

	dev := &stubDevice{}
	s, states := startScheduler(t, config, dev)
	waitState(t, states, StateReady)

	s.Submit([]color.Color{color.New(1, 2, 3)})
	waitState(t, states, StateIdle)

	// Let the idle-entry retry writes drain, then verify silence.
	time.Sleep(100 * time.Millisecond)
	count := dev.frameCount()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, count, dev.frameCount())
}

func TestSchedulerReconfigure(t *testing.T) {
	dev := &stubDevice{}
	s, states := startScheduler(t, fastConfig(), dev)
	waitState(t, states, StateReady)

	config := fastConfig()
	config.HardwareLedCount = 3
	require.NoError(t, s.Reconfigure(config))

	// The new padding width applies to subsequent writes.
	assert.Eventually(t, func() bool {
		s.Submit([]color.Color{color.New(5, 5, 5)})
		frame := dev.lastFrame()
		return len(frame) == 3
	}, 2*time.Second, 10*time.Millisecond)
}
