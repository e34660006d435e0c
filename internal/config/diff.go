package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable changes get their own fields; everything else is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	CatalogChanged bool
	NewCatalogPath string

	// TutorChanged is set when turn limits, delay, default mode or greeting
	// changed. New sockets pick the values up; live ones keep theirs.
	TutorChanged bool

	VisualChanged bool

	// RestartRequired names the top-level sections whose change only takes
	// effect after a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Catalog.Path != new.Catalog.Path {
		d.CatalogChanged = true
		d.NewCatalogPath = new.Catalog.Path
	}
	if old.Tutor != new.Tutor {
		d.TutorChanged = true
	}
	if old.Visual != new.Visual {
		d.VisualChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!reflect.DeepEqual(old.Server.TLS, new.Server.TLS) ||
		!reflect.DeepEqual(old.Server.TraceSampleRatio, new.Server.TraceSampleRatio) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	if !reflect.DeepEqual(old.Bus, new.Bus) {
		d.RestartRequired = append(d.RestartRequired, "bus")
	}
	if old.Prefs != new.Prefs {
		d.RestartRequired = append(d.RestartRequired, "prefs")
	}

	return d
}
