package app

import (
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/neighborly/internal/config"
)

// SetupLogging configures the global go-log core from the log section.
func SetupLogging(c config.Log) error {
	lvl, err := logging.LevelFromString(strings.ToLower(c.Level))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logging.SetupLogging(logging.Config{
		Format: logFormat(c.Format),
		Level:  lvl,
		Stderr: true,
	})
	return ApplyLogLevels(c)
}

// ApplyLogLevels sets the global level, then the per-subsystem overrides.
// It is safe to call again on config reload.
func ApplyLogLevels(c config.Log) error {
	lvl, err := logging.LevelFromString(strings.ToLower(c.Level))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logging.SetAllLoggers(lvl)
	for name, l := range c.Subsystems {
		if err := logging.SetLogLevel(name, strings.ToLower(l)); err != nil {
			return fmt.Errorf("log level for %s: %w", name, err)
		}
	}
	return nil
}

func logFormat(f string) logging.LogFormat {
	switch f {
	case "json":
		return logging.JSONOutput
	case "color":
		return logging.ColorizedOutput
	default:
		return logging.PlaintextOutput
	}
}
