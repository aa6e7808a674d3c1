package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config mirrors the log section of the YAML config. Kept here rather
// than in internal/config to avoid an import cycle.
type Config struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

// New creates a zerolog logger configured from config.
// Supports "trace" | "debug" | "info" | "warn" | "error" levels
// and "json" | "console" formats. Sampling can be enabled to reduce noise in prod.
func New(cfg Config, dev bool) *zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var base zerolog.Logger
	if strings.ToLower(cfg.Format) == "console" || dev {
		out := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		base = zerolog.New(out).With().Timestamp().Logger()
	} else {
		base = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	if cfg.Sampling && !dev {
		sampled := base.Sample(&zerolog.BasicSampler{N: 100})
		return &sampled
	}
	return &base
}

// MaskKey hides an API key for log output. Keys longer than 7 chars
// keep a short prefix/suffix for correlation across log lines.
func MaskKey(key string) string {
	switch {
	case key == "":
		return "N/A_KEY"
	case len(key) > 7:
		return key[:3] + "..." + key[len(key)-4:]
	default:
		return "****"
	}
}
