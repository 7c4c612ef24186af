package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// ApplyLevelSpec parses a LOG_LEVELS style specification of the form
// "muxer=debug,device=warn" and applies each entry to the shared leveler.
// Unknown level names are ignored so a typo never silences a subsystem.
func ApplyLevelSpec(spec string) {
	if spec == "" {
		return
	}

	for _, entry := range strings.Split(spec, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 {
			continue
		}

		var level zapcore.Level
		if err := level.UnmarshalText([]byte(strings.TrimSpace(parts[1]))); err != nil {
			continue
		}

		leveler.SetLevel(strings.TrimSpace(parts[0]), level)
	}
}
