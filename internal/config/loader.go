package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"realtime":   {"openai"},
	"evaluation": {"placeholder", "openai"},
}

// ValidHistoryBackends lists the accepted history.backend values.
var ValidHistoryBackends = []string{"memory", "sqlite", "postgres"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.Realtime.Name == "" {
		cfg.Providers.Realtime.Name = DefaultRealtimeName
	}
	if cfg.Providers.Evaluation.Name == "" {
		cfg.Providers.Evaluation.Name = DefaultEvaluationName
	}
	if cfg.Tutor.MaxTurns == 0 {
		cfg.Tutor.MaxTurns = DefaultMaxTurns
	}
	if cfg.Tutor.CompletionDelay == 0 {
		cfg.Tutor.CompletionDelay = DefaultCompletionDelay
	}
	if cfg.Tutor.TurnDetection == "" {
		cfg.Tutor.TurnDetection = TurnDetectionNone
	}
	if cfg.History.Backend == "" {
		cfg.History.Backend = DefaultHistoryBackend
	}
	if cfg.History.Backend == "sqlite" && cfg.History.DSN == "" {
		cfg.History.DSN = DefaultSQLitePath
	}
	if cfg.Prefs.Path == "" {
		cfg.Prefs.Path = DefaultPrefsPath
	}
	if cfg.Visual.FPS == 0 {
		cfg.Visual.FPS = DefaultVisualFPS
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if r := cfg.Server.TraceSampleRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be within [0, 1]", *r))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Providers
	validateProviderName("realtime", cfg.Providers.Realtime.Name)
	validateProviderName("evaluation", cfg.Providers.Evaluation.Name)
	for kind, entry := range map[string]ProviderEntry{
		"realtime":   cfg.Providers.Realtime,
		"evaluation": cfg.Providers.Evaluation,
	} {
		if entry.BaseURL != "" {
			if _, err := url.Parse(entry.BaseURL); err != nil {
				errs = append(errs, fmt.Errorf("providers.%s.base_url %q is invalid: %w", kind, entry.BaseURL, err))
			}
		}
		if entry.Timeout < 0 {
			errs = append(errs, fmt.Errorf("providers.%s.timeout must not be negative", kind))
		}
	}
	if cfg.Providers.Evaluation.Name == "openai" && cfg.Providers.Evaluation.APIKey == "" {
		slog.Warn("providers.evaluation uses openai without an api_key; scoring will fall back to the placeholder")
	}

	// Tutor
	if cfg.Tutor.MaxTurns < 1 {
		errs = append(errs, fmt.Errorf("tutor.max_turns %d must be at least 1", cfg.Tutor.MaxTurns))
	}
	if cfg.Tutor.CompletionDelay < 0 {
		errs = append(errs, errors.New("tutor.completion_delay must not be negative"))
	}
	if cfg.Tutor.TurnDetection != "" && !cfg.Tutor.TurnDetection.IsValid() {
		errs = append(errs, fmt.Errorf("tutor.turn_detection %q is invalid; valid values: none, server_vad", cfg.Tutor.TurnDetection))
	}

	// History
	if cfg.History.Backend != "" && !slices.Contains(ValidHistoryBackends, cfg.History.Backend) {
		errs = append(errs, fmt.Errorf("history.backend %q is invalid; valid values: memory, sqlite, postgres", cfg.History.Backend))
	}
	if cfg.History.Backend == "postgres" && cfg.History.DSN == "" {
		errs = append(errs, errors.New("history.dsn is required when backend is postgres"))
	}

	// Bus
	if len(cfg.Bus.Servers) > 0 && cfg.Bus.ConnectTimeout < 0 {
		errs = append(errs, errors.New("bus.connect_timeout must not be negative"))
	}
	for i, s := range cfg.Bus.Servers {
		if s == "" {
			errs = append(errs, fmt.Errorf("bus.servers[%d] is empty", i))
		}
	}

	// Visual
	if cfg.Visual.FPS < 1 || cfg.Visual.FPS > 240 {
		errs = append(errs, fmt.Errorf("visual.fps %d is out of range [1, 240]", cfg.Visual.FPS))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
