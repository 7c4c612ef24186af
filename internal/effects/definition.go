// Package effects owns the lifecycle of scripted effects and exposes
// them to the muxer as ordinary priority sources.
package effects

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/scheerer/ambilightd/internal/logging"
)

var logger = logging.New("effects")

var (
	ErrUnknownName = errors.New("unknown effect")
	ErrBadArgs     = errors.New("bad effect arguments")
	ErrSpawnFailed = errors.New("effect spawn failed")
	ErrBusy        = errors.New("effect runner busy")
)

// Definition describes one installed effect: a display name, the script
// file and its default arguments.
type Definition struct {
	Name   string         `json:"name"`
	Script string         `json:"script"`
	Args   map[string]any `json:"args"`
}

// Registry resolves effect names to definitions loaded from a directory
// of JSON definition files.
type Registry struct {
	dir         string
	definitions map[string]Definition
}

// LoadRegistry reads every *.json definition under dir. Invalid files
// are skipped with a log entry so one broken definition does not take
// the rest down.
func LoadRegistry(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read effects dir: %w", err)
	}

	r := &Registry{dir: dir, definitions: make(map[string]Definition)}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warnw("skipping unreadable effect definition", "path", path, "error", err)
			continue
		}

		var def Definition
		if err := json.Unmarshal(data, &def); err != nil {
			logger.Warnw("skipping invalid effect definition", "path", path, "error", err)
			continue
		}
		if def.Name == "" || def.Script == "" {
			logger.Warnw("skipping incomplete effect definition", "path", path)
			continue
		}
		if _, err := r.scriptPath(def); err != nil {
			logger.Warnw("skipping effect with invalid script path",
				"path", path, "script", def.Script, "error", err)
			continue
		}

		r.definitions[def.Name] = def
	}

	logger.Infow("effect definitions loaded", "dir", dir, "count", len(r.definitions))
	return r, nil
}

// Lookup resolves a definition by name.
func (r *Registry) Lookup(name string) (Definition, error) {
	def, ok := r.definitions[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownName, name)
	}
	return def, nil
}

// Names lists the installed effects sorted by name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// scriptPath resolves the definition's script inside the registry dir,
// rejecting paths that escape it.
func (r *Registry) scriptPath(def Definition) (string, error) {
	path := filepath.Join(r.dir, def.Script)

	absDir, err := filepath.Abs(r.dir)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(absPath, absDir+string(filepath.Separator)) {
		return "", fmt.Errorf("script %q escapes effects directory", def.Script)
	}
	return absPath, nil
}
