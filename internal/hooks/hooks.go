// Package hooks invokes user-supplied commands on lifecycle
// transitions.
package hooks

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/scheerer/ambilightd/internal/bus"
	"github.com/scheerer/ambilightd/internal/logging"
)

var logger = logging.New("hooks")

// commandTimeout bounds a single hook invocation so a hanging script
// cannot stall the runner.
const commandTimeout = 10 * time.Second

// Config maps event kinds to shell commands. Empty entries are
// skipped.
type Config struct {
	Start               string `json:"start"`
	Stop                string `json:"stop"`
	InstanceStarted     string `json:"instanceStarted"`
	InstanceStopped     string `json:"instanceStopped"`
	InstanceActivated   string `json:"instanceActivated"`
	InstanceDeactivated string `json:"instanceDeactivated"`
}

func (c Config) command(kind bus.EventKind) string {
	switch kind {
	case bus.EventStart:
		return c.Start
	case bus.EventStop:
		return c.Stop
	case bus.EventInstanceStarted:
		return c.InstanceStarted
	case bus.EventInstanceStopped:
		return c.InstanceStopped
	case bus.EventInstanceActivated:
		return c.InstanceActivated
	case bus.EventInstanceDeactivated:
		return c.InstanceDeactivated
	}
	return ""
}

// Runner subscribes to the global event stream and executes the
// configured command for each event. Commands run sequentially in event
// order; a failing command is logged and never affects the pipeline.
type Runner struct {
	config Config
	bus    *bus.Bus
	done   chan struct{}
}

func NewRunner(config Config, globalBus *bus.Bus) *Runner {
	return &Runner{config: config, bus: globalBus}
}

// Start begins consuming events until the context is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	events, err := r.bus.SubscribeEvents("hooks", 64)
	if err != nil {
		return err
	}
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		defer r.bus.UnsubscribeEvents("hooks")

		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-events:
				if !ok {
					return
				}
				if env.Lagged > 0 {
					logger.Warnw("hook runner lagged behind event stream", "missed", env.Lagged)
				}
				r.invoke(ctx, env.Event)
			}
		}
	}()
	return nil
}

// Wait blocks until the runner goroutine exits.
func (r *Runner) Wait() {
	if r.done != nil {
		<-r.done
	}
}

func (r *Runner) invoke(ctx context.Context, event bus.Event) {
	command := r.config.command(event.Kind)
	if command == "" {
		return
	}

	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "/bin/sh", "-c", command)
	cmd.Env = append(cmd.Environ(),
		fmt.Sprintf("AMBILIGHTD_EVENT=%s", event.Kind),
		fmt.Sprintf("AMBILIGHTD_INSTANCE_ID=%d", event.Instance),
		fmt.Sprintf("AMBILIGHTD_REASON=%s", event.Reason),
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.Errorw("hook command failed",
			"event", event.Kind, "instance", event.Instance,
			"error", err, "output", string(output))
		return
	}
	logger.Debugw("hook command completed", "event", event.Kind, "instance", event.Instance)
}
