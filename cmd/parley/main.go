// Command parley is the main entry point for the parley conversation
// practice server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/evaluation"
	evalopenai "github.com/MrWong99/parley/internal/evaluation/openai"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/prefs"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/realtime"
	rtopenai "github.com/MrWong99/parley/pkg/realtime/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found, starting from built-in defaults\n", *configPath)
			cfg, err = config.LoadFromReader(strings.NewReader(""))
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
			return 1
		}
		*watch = false
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(level))

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			d := config.Diff(old, new)
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			application.Reload(d, new)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with parley. Used for startup logging.
var builtinProviders = map[string][]string{
	"realtime":   {"openai"},
	"evaluation": {"placeholder", "openai"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Realtime ──────────────────────────────────────────────────────────────

	reg.RegisterRealtime("openai", func(entry config.ProviderEntry) (realtime.Provider, error) {
		if entry.APIKey == "" && entry.BaseURL == "" {
			return nil, errors.New("openai realtime needs an API key or a relay server URL")
		}
		var opts []rtopenai.Option
		if entry.Model != "" {
			opts = append(opts, rtopenai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, rtopenai.WithBaseURL(entry.BaseURL))
		}
		return rtopenai.New(entry.APIKey, opts...), nil
	})

	// ── Evaluation ────────────────────────────────────────────────────────────

	reg.RegisterEvaluator("placeholder", func(config.ProviderEntry) (evaluation.Evaluator, error) {
		return evaluation.Placeholder{}, nil
	})

	reg.RegisterEvaluator("openai", func(entry config.ProviderEntry) (evaluation.Evaluator, error) {
		var opts []evalopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, evalopenai.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, evalopenai.WithTimeout(entry.Timeout))
		}
		if n, ok := optInt(entry.Options, "max_retries"); ok {
			opts = append(opts, evalopenai.WithMaxRetries(n))
		}
		e, err := evalopenai.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		bc := resilience.BreakerConfig{Name: "evaluation/openai"}
		if n, ok := optInt(entry.Options, "breaker_failures"); ok {
			bc.MaxFailures = n
		}
		return resilience.GuardEvaluator(e, bc), nil
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the providers named in cfg. The realtime
// provider is built per socket so saved preferences apply without a restart.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	base := cfg.Providers.Realtime
	ps.Realtime = func(p prefs.Prefs) (realtime.Provider, error) {
		entry := base
		if p.APIKey != "" {
			entry.APIKey = p.APIKey
		}
		if p.RelayServerURL != "" {
			entry.BaseURL = p.RelayServerURL
		}
		return reg.CreateRealtime(entry)
	}

	if name := cfg.Providers.Evaluation.Name; name != "" {
		e, err := reg.CreateEvaluator(cfg.Providers.Evaluation)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("evaluation provider not registered, using placeholder", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create evaluation provider %q: %w", name, err)
		} else {
			ps.Evaluator = e
			slog.Info("provider created", "kind", "evaluation", "name", name)
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          parley — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Realtime", cfg.Providers.Realtime.Name, cfg.Providers.Realtime.Model)
	printProvider("Evaluation", cfg.Providers.Evaluation.Name, cfg.Providers.Evaluation.Model)
	printRow("History", cfg.History.Backend)
	if len(cfg.Bus.Servers) > 0 {
		printRow("NATS", fmt.Sprintf("%d server(s)", len(cfg.Bus.Servers)))
	} else {
		printRow("NATS", "(disabled)")
	}
	if cfg.Catalog.Path != "" {
		printRow("Catalog", cfg.Catalog.Path)
	} else {
		printRow("Catalog", "(built-in)")
	}
	fmt.Printf("║  Max turns       : %-19d ║\n", cfg.Tutor.MaxTurns)
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optInt extracts an integer from a provider Options map[string]any. YAML
// decodes whole numbers as int.
func optInt(opts map[string]any, key string) (int, bool) {
	if opts == nil {
		return 0, false
	}
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
