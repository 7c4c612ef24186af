package config

import (
	"time"

	env "github.com/caarlos0/env/v11"
)

// Process holds the process-level settings parsed from the environment.
// Per-instance settings live in the settings store and are delivered to
// instances as immutable snapshots.
type Process struct {
	ConfigDir       string        `env:"CONFIG_DIR" envDefault:"~/.ambilightd"`
	Database        string        `env:"DATABASE" envDefault:"ambilightd.db"`
	FlatConfig      string        `env:"FLAT_CONFIG" envDefault:""`
	JSONPort        uint16        `env:"JSON_PORT" envDefault:"19444"`
	ProtoPort       uint16        `env:"PROTO_PORT" envDefault:"19445"`
	FlatPort        uint16        `env:"FLAT_PORT" envDefault:"19400"`
	BoblightPort    uint16        `env:"BOBLIGHT_PORT" envDefault:"19333"`
	BindAddress     string        `env:"BIND_ADDRESS" envDefault:"0.0.0.0"`
	ConnIdleTimeout time.Duration `env:"CONN_IDLE_TIMEOUT" envDefault:"120s"`
	LogLevels       string        `env:"LOG_LEVELS" envDefault:""`
}

func FromEnv() (Process, error) {
	c := Process{}
	if err := env.Parse(&c); err != nil {
		return Process{}, err
	}
	return c, nil
}
