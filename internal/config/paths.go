package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Paths is the process-wide location of on-disk assets. It is initialized
// once at startup and immutable afterwards.
type Paths struct {
	ConfigDir  string
	EffectsDir string
	WebDir     string
}

var (
	pathsOnce sync.Once
	paths     Paths
)

// InitPaths resolves and records the global paths. The first call wins;
// subsequent calls are no-ops so tests can call it freely.
func InitPaths(configDir string) (Paths, error) {
	var initErr error

	pathsOnce.Do(func() {
		dir, err := expandHome(configDir)
		if err != nil {
			initErr = err
			return
		}

		paths = Paths{
			ConfigDir:  dir,
			EffectsDir: filepath.Join(dir, "effects"),
			WebDir:     filepath.Join(dir, "webconfig"),
		}

		if err := os.MkdirAll(paths.EffectsDir, 0o755); err != nil {
			initErr = fmt.Errorf("create effects dir: %w", err)
		}
	})

	return paths, initErr
}

// GlobalPaths returns the paths recorded by InitPaths. Calling it before
// InitPaths yields the zero value.
func GlobalPaths() Paths {
	return paths
}

func expandHome(dir string) (string, error) {
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	return filepath.Clean(dir), nil
}
