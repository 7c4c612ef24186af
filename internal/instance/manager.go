package instance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/scheerer/ambilightd/internal/bus"
	"github.com/scheerer/ambilightd/internal/effects"
)

var (
	ErrUnknownInstance = errors.New("unknown instance")
	ErrAlreadyRunning  = errors.New("instance already running")
)

// Manager keeps the table of running instances. Protocol servers
// resolve instance ids through it; instances never reference each
// other.
type Manager struct {
	bus      *bus.Bus
	registry *effects.Registry

	mu        sync.RWMutex
	instances map[int32]*Instance
}

func NewManager(globalBus *bus.Bus, registry *effects.Registry) *Manager {
	return &Manager{
		bus:       globalBus,
		registry:  registry,
		instances: make(map[int32]*Instance),
	}
}

// StartInstance builds and starts an instance from its snapshot.
func (m *Manager) StartInstance(ctx context.Context, config Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[config.ID]; ok {
		return fmt.Errorf("%w: %d", ErrAlreadyRunning, config.ID)
	}

	inst, err := New(config, m.bus, m.registry)
	if err != nil {
		return err
	}
	if err := inst.Start(ctx); err != nil {
		return err
	}

	m.instances[config.ID] = inst
	return nil
}

// StopInstance stops and removes an instance.
func (m *Manager) StopInstance(id int32, reason string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	delete(m.instances, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownInstance, id)
	}
	return inst.Stop(reason)
}

// Instance resolves a running instance by id.
func (m *Manager) Instance(id int32) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownInstance, id)
	}
	return inst, nil
}

// IDs lists the running instance ids in ascending order.
func (m *Manager) IDs() []int32 {
	m.mu.RLock()
	ids := make([]int32, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Reconfigure forwards a new snapshot to the running instance.
func (m *Manager) Reconfigure(config Config) error {
	inst, err := m.Instance(config.ID)
	if err != nil {
		return err
	}
	return inst.Reconfigure(config)
}

// StopAll tears every instance down, typically at process shutdown.
// Teardown continues past failures; the combined error is returned.
func (m *Manager) StopAll(reason string) error {
	m.mu.Lock()
	instances := make([]*Instance, 0, len(m.instances))
	for id, inst := range m.instances {
		instances = append(instances, inst)
		delete(m.instances, id)
	}
	m.mu.Unlock()

	var err error
	for _, inst := range instances {
		if stopErr := inst.Stop(reason); stopErr != nil {
			err = multierr.Append(err, fmt.Errorf("instance %d: %w", inst.ID(), stopErr))
		}
	}
	return err
}
