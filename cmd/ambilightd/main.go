package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/scheerer/ambilightd/internal/auth"
	"github.com/scheerer/ambilightd/internal/bus"
	"github.com/scheerer/ambilightd/internal/config"
	"github.com/scheerer/ambilightd/internal/effects"
	"github.com/scheerer/ambilightd/internal/hooks"
	"github.com/scheerer/ambilightd/internal/instance"
	"github.com/scheerer/ambilightd/internal/logging"
	"github.com/scheerer/ambilightd/internal/servers"
	"github.com/scheerer/ambilightd/internal/store"
)

var logger = logging.New("main")

// defaultPassword protects a fresh installation until the operator sets
// a real one.
const defaultPassword = "ambilightd"

func main() {
	defer logger.Sync()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.With(zap.Error(err)).Fatal("Failed to parse environment variables")
	}
	logging.ApplyLevelSpec(cfg.LogLevels)

	logger.With(zap.Any("config", cfg)).Info("Starting ambilightd")
	logger.Info("Adjust CONFIG_DIR to relocate the database, effects and web assets.")
	logger.Info("Set FLAT_CONFIG to use a single JSON config file instead of the database.")
	logger.Info("Adjust LOG_LEVELS (e.g. muxer=debug,device=warn) to change verbosity.")
	logger.Info("Press Ctrl+C to stop")

	paths, err := config.InitPaths(cfg.ConfigDir)
	if err != nil {
		logger.With(zap.Error(err)).Fatal("Failed to prepare config directory")
	}

	st, err := openStore(cfg, paths)
	if err != nil {
		logger.With(zap.Error(err)).Fatal("Failed to open settings store")
	}

	authManager, err := auth.NewManager(st)
	if err != nil {
		logger.With(zap.Error(err)).Fatal("Failed to initialize auth")
	}
	ensureDefaultUser(authManager, st)

	registry, err := effects.LoadRegistry(paths.EffectsDir)
	if err != nil {
		logger.With(zap.Error(err)).Fatal("Failed to load effect definitions")
	}

	globalBus := bus.New()
	manager := instance.NewManager(globalBus, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hookRunner := hooks.NewRunner(loadHooksConfig(st), globalBus)
	if err := hookRunner.Start(ctx); err != nil {
		logger.With(zap.Error(err)).Fatal("Failed to start hook runner")
	}

	if err := startInstances(ctx, manager, st); err != nil {
		logger.With(zap.Error(err)).Fatal("Failed to start instances")
	}

	deps := servers.Deps{
		Bus:       globalBus,
		Instances: manager,
		Registry:  registry,
		Auth:      authManager,
	}

	running := startServers(ctx, cfg, deps)

	globalBus.PublishEvent(bus.Event{Kind: bus.EventStart})

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown
	logger.Info("Shutting down")

	globalBus.PublishEvent(bus.Event{Kind: bus.EventStop})
	for _, srv := range running {
		srv.Stop()
	}
	shutdownErr := manager.StopAll("shutdown")
	cancel()
	hookRunner.Wait()
	globalBus.Close()
	shutdownErr = multierr.Append(shutdownErr, st.Close())
	if shutdownErr != nil {
		logger.With(zap.Error(shutdownErr)).Warn("Shutdown finished with errors")
	}
}

// openStore selects the flat-file backend when FLAT_CONFIG is set and
// the embedded database otherwise.
func openStore(cfg config.Process, paths config.Paths) (store.Store, error) {
	if cfg.FlatConfig != "" {
		return store.OpenFlat(resolvePath(paths.ConfigDir, cfg.FlatConfig))
	}
	return store.OpenDB(resolvePath(paths.ConfigDir, cfg.Database))
}

func resolvePath(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// ensureDefaultUser creates the administrative account on first start.
func ensureDefaultUser(authManager *auth.Manager, st store.Store) {
	_, err := st.AuthUser(auth.DefaultUser)
	if err == nil {
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		logger.With(zap.Error(err)).Fatal("Failed to read auth table")
	}

	if err := authManager.CreateUser(auth.DefaultUser, defaultPassword); err != nil {
		logger.With(zap.Error(err)).Fatal("Failed to create default user")
	}
	logger.Warn("Created default user with the default password. Change it.")
}

// loadHooksConfig reads the optional global hooks document. A missing
// record simply disables hooks.
func loadHooksConfig(st store.Store) hooks.Config {
	record, err := st.Setting("hooks", 0)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.With(zap.Error(err)).Warn("Failed to read hooks settings")
		}
		return hooks.Config{}
	}

	var cfg hooks.Config
	if err := json.Unmarshal(record.Config, &cfg); err != nil {
		logger.With(zap.Error(err)).Warn("Bad hooks settings document")
		return hooks.Config{}
	}
	return cfg
}

// startInstances boots every enabled instance from the store, seeding a
// first instance when the table is empty.
func startInstances(ctx context.Context, manager *instance.Manager, st store.Store) error {
	records, err := st.Instances()
	if err != nil {
		return err
	}

	if len(records) == 0 {
		record := store.InstanceRecord{Instance: 0, FriendlyName: "First LED device", Enabled: true}
		if err := st.UpsertInstance(record); err != nil {
			return err
		}
		records = append(records, record)
		logger.Info("Seeded first instance")
	}

	started := 0
	for _, record := range records {
		if !record.Enabled {
			continue
		}

		instConfig := loadInstanceConfig(st, record)
		if err := manager.StartInstance(ctx, instConfig); err != nil {
			logger.With(zap.Error(err)).Errorw("Instance failed to start",
				"instance", record.Instance)
			continue
		}
		started++
	}

	if started == 0 {
		return errors.New("no instance could be started")
	}
	return nil
}

// loadInstanceConfig reads the per-instance settings document, writing
// a dummy-device default when none exists yet.
func loadInstanceConfig(st store.Store, record store.InstanceRecord) instance.Config {
	fallback := instance.NewDummyConfig(record.Instance)
	fallback.FriendlyName = record.FriendlyName
	fallback.Enabled = record.Enabled

	setting, err := st.Setting("instance", record.Instance)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.With(zap.Error(err)).Warnw("Failed to read instance settings",
				"instance", record.Instance)
			return fallback
		}

		data, err := json.Marshal(fallback)
		if err == nil {
			err = st.UpsertSetting(store.SettingRecord{
				Type:     "instance",
				Config:   data,
				Instance: record.Instance,
			})
		}
		if err != nil {
			logger.With(zap.Error(err)).Warnw("Failed to persist instance defaults",
				"instance", record.Instance)
		}
		return fallback
	}

	cfg := fallback
	if err := json.Unmarshal(setting.Config, &cfg); err != nil {
		logger.With(zap.Error(err)).Warnw("Bad instance settings document",
			"instance", record.Instance)
		return fallback
	}
	cfg.ID = record.Instance
	return cfg
}

type server interface {
	Stop()
}

// startServers binds the protocol listeners. The framed ports only open
// when a codec for them is linked in.
func startServers(ctx context.Context, cfg config.Process, deps servers.Deps) []server {
	var running []server

	start := func(name string, srv interface {
		Start(context.Context) error
		Stop()
	}) {
		if err := srv.Start(ctx); err != nil {
			logger.With(zap.Error(err)).Fatalf("Failed to start %s server", name)
		}
		running = append(running, srv)
	}

	start("json", servers.NewJSON(servers.Options{
		BindAddress: cfg.BindAddress,
		Port:        cfg.JSONPort,
		IdleTimeout: cfg.ConnIdleTimeout,
	}, deps))

	start("boblight", servers.NewBoblight(servers.Options{
		BindAddress: cfg.BindAddress,
		Port:        cfg.BoblightPort,
		IdleTimeout: cfg.ConnIdleTimeout,
	}, deps))

	if codec, ok := servers.LookupCodec("protobuf"); ok {
		start("protobuf", servers.NewFramed(servers.Options{
			BindAddress: cfg.BindAddress,
			Port:        cfg.ProtoPort,
			IdleTimeout: cfg.ConnIdleTimeout,
		}, deps, codec))
	}
	if codec, ok := servers.LookupCodec("flatbuffers"); ok {
		start("flatbuffers", servers.NewFramed(servers.Options{
			BindAddress: cfg.BindAddress,
			Port:        cfg.FlatPort,
			IdleTimeout: cfg.ConnIdleTimeout,
		}, deps, codec))
	}

	if len(servers.CodecNames()) == 0 {
		logger.Info("No framed codec linked in; protobuf and flatbuffers ports stay closed")
	}

	return running
}
