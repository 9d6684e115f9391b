package config

import (
	"log/slog"
	"reflect"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the top-level sections that changed but only
	// take effect after a restart (e.g., "audio", "transcriber").
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	sections := []struct {
		name     string
		old, new any
	}{
		{"cache_dir", old.CacheDir, new.CacheDir},
		{"server", old.Server, new.Server},
		{"audio", old.Audio, new.Audio},
		{"bus", old.Bus, new.Bus},
		{"framer", old.Framer, new.Framer},
		{"driver", old.Driver, new.Driver},
		{"transcriber", old.Transcriber, new.Transcriber},
		{"fallbacks", old.Fallbacks, new.Fallbacks},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}

// Level converts l to an slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Apply performs the hot-reloadable part of d: the log level is set on lv.
// Sections that need a restart are logged.
func (d ConfigDiff) Apply(lv *slog.LevelVar) {
	if d.LogLevelChanged && lv != nil {
		lv.Set(d.NewLogLevel.Level())
		slog.Info("config: log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config: changes take effect after restart", "sections", d.RestartRequired)
	}
}
