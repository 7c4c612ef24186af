package effects

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scheerer/ambilightd/internal/bus"
	"github.com/scheerer/ambilightd/internal/color"
)

// drainWindow bounds how long a stopped effect may keep running before
// the runner abandons its task.
const drainWindow = time.Second

// Handle identifies a launched effect for stop requests.
type Handle uint64

// SourceRegistry is the subset of the global bus the runner needs to
// give each effect its own source identity.
type SourceRegistry interface {
	RegisterSource(name, origin string, permissions bus.Permissions) (bus.SourceID, error)
	UnregisterSource(id bus.SourceID)
}

// PushFunc delivers an effect's output into the owning instance.
type PushFunc func(msg bus.InputMessage)

// RunningInfo describes one live effect task.
type RunningInfo struct {
	Handle   Handle
	Priority uint8
	Name     string
}

type task struct {
	handle   Handle
	priority uint8
	name     string
	source   bus.SourceID

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (t *task) signalStop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Runner supervises at most one effect task per priority within an
// instance.
type Runner struct {
	instanceID int32
	registry   *Registry
	sources    SourceRegistry
	push       PushFunc
	ledCount   int

	mu         sync.Mutex
	byPriority map[uint8]*task
	nextHandle Handle
}

func NewRunner(instanceID int32, registry *Registry, sources SourceRegistry, push PushFunc, ledCount int) *Runner {
	return &Runner{
		instanceID: instanceID,
		registry:   registry,
		sources:    sources,
		push:       push,
		ledCount:   ledCount,
		byPriority: make(map[uint8]*task),
	}
}

// Launch starts the named effect at the priority, cancelling any effect
// already running there. A positive duration stops the effect after it
// elapses.
func (r *Runner) Launch(priority uint8, name string, args map[string]any, duration time.Duration) (Handle, error) {
	def, err := r.registry.Lookup(name)
	if err != nil {
		return 0, err
	}

	merged := make(map[string]any, len(def.Args)+len(args))
	for k, v := range def.Args {
		merged[k] = v
	}
	for k, v := range args {
		merged[k] = v
	}

	scriptPath, err := r.registry.scriptPath(def)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadArgs, err)
	}

	origin := fmt.Sprintf("effect/%d/%s/p%d", r.instanceID, name, priority)
	source, err := r.sources.RegisterSource("effect:"+name, origin, bus.Permissions{MaxPriority: 255})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	r.StopPriority(priority)

	r.mu.Lock()
	r.nextHandle++
	t := &task{
		handle:   r.nextHandle,
		priority: priority,
		name:     name,
		source:   source,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	r.byPriority[priority] = t
	r.mu.Unlock()

	h := &host{
		scriptPath: scriptPath,
		args:       merged,
		ledCount:   r.ledCount,
		sink:       &effectSink{runner: r, task: t},
		stop:       t.stop,
	}

	go r.supervise(t, h, duration)

	logger.Infow("effect launched",
		"instance", r.instanceID, "effect", name, "priority", priority, "handle", t.handle)
	return t.handle, nil
}

func (r *Runner) supervise(t *task, h *host, duration time.Duration) {
	defer close(t.done)

	if duration > 0 {
		timer := time.AfterFunc(duration, t.signalStop)
		defer timer.Stop()
	}

	if err := h.run(); err != nil {
		logger.Errorw("effect failed",
			"instance", r.instanceID, "effect", t.name, "priority", t.priority, "error", err)
	}

	r.mu.Lock()
	if r.byPriority[t.priority] == t {
		delete(r.byPriority, t.priority)
	}
	r.mu.Unlock()

	// Drop the effect's muxer entry so the next winner takes over.
	msg := bus.NewMessage(bus.KindClear, t.source)
	msg.Priority = t.priority
	r.push(msg)

	r.sources.UnregisterSource(t.source)
	logger.Infow("effect finished",
		"instance", r.instanceID, "effect", t.name, "priority", t.priority)
}

// Stop cancels the effect identified by the handle if it still runs.
func (r *Runner) Stop(handle Handle) {
	r.mu.Lock()
	var target *task
	for _, t := range r.byPriority {
		if t.handle == handle {
			target = t
			break
		}
	}
	r.mu.Unlock()

	if target != nil {
		r.stopTask(target)
	}
}

// StopPriority cancels whatever effect runs at the priority. The muxer
// calls this before admitting a replacing Effect entry.
func (r *Runner) StopPriority(priority uint8) {
	r.mu.Lock()
	t := r.byPriority[priority]
	r.mu.Unlock()

	if t != nil {
		r.stopTask(t)
	}
}

// StopAll cancels every running effect, typically on instance teardown.
func (r *Runner) StopAll() {
	r.mu.Lock()
	tasks := make([]*task, 0, len(r.byPriority))
	for _, t := range r.byPriority {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	for _, t := range tasks {
		r.stopTask(t)
	}
}

// stopTask signals the task and waits for the drain window. A script
// that does not yield in time is abandoned; its source stays registered
// until it eventually exits.
func (r *Runner) stopTask(t *task) {
	t.signalStop()

	select {
	case <-t.done:
	case <-time.After(drainWindow):
		logger.Warnw("effect did not yield within drain window, abandoning",
			"instance", r.instanceID, "effect", t.name, "priority", t.priority)
		r.mu.Lock()
		if r.byPriority[t.priority] == t {
			delete(r.byPriority, t.priority)
		}
		r.mu.Unlock()
	}
}

// Running lists the live effect tasks ordered by priority.
func (r *Runner) Running() []RunningInfo {
	r.mu.Lock()
	infos := make([]RunningInfo, 0, len(r.byPriority))
	for _, t := range r.byPriority {
		infos = append(infos, RunningInfo{Handle: t.handle, Priority: t.priority, Name: t.name})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Priority < infos[j].Priority })
	return infos
}

// effectSink bridges script output into instance pushes carrying the
// effect's source identity.
type effectSink struct {
	runner *Runner
	task   *task
}

func (s *effectSink) EmitColor(c color.Color) {
	msg := bus.NewMessage(bus.KindSolidColor, s.task.source)
	msg.Priority = s.task.priority
	msg.Color = c
	msg.Background = s.task.priority == 254
	s.runner.push(msg)
}

func (s *effectSink) EmitLedColors(leds []color.Color) {
	msg := bus.NewMessage(bus.KindLedColors, s.task.source)
	msg.Priority = s.task.priority
	msg.LedColors = leds
	msg.Background = s.task.priority == 254
	s.runner.push(msg)
}
