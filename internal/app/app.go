// Package app wires the parley subsystems into a running server.
//
// The App struct owns the full lifecycle: New opens the catalog, history
// store, event bus and preferences, Run serves HTTP until the context ends,
// and Shutdown tears everything down in order.
//
// For testing, inject implementations via functional options (WithHistory,
// WithPublisher, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/bus"
	"github.com/MrWong99/parley/internal/catalog"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/evaluation"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/prefs"
	"github.com/MrWong99/parley/internal/tutor"
	"github.com/MrWong99/parley/internal/web"
	"github.com/MrWong99/parley/pkg/realtime"
)

const (
	readHeaderTimeout = 10 * time.Second
	socketDrainWindow = 10 * time.Second
)

// Providers holds the external services. Realtime is required; a nil
// Evaluator means the placeholder assessment. Populated by main.go via the
// config registry.
type Providers struct {
	Realtime  web.RealtimeFactory
	Evaluator evaluation.Evaluator
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	catalog   *catalog.Store
	history   history.Store
	publisher tutor.Publisher
	bus       *bus.Client
	prefs     *prefs.FileStore
	metrics   *observe.Metrics
	web       *web.Server
	health    *health.Handler
	handler   http.Handler
	listener  net.Listener

	watchMu        sync.Mutex
	catalogWatcher *config.Watcher[*catalog.Catalog]

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistory injects a history store instead of opening one from config.
// The caller keeps ownership; Shutdown does not close it.
func WithHistory(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithPublisher injects the completion publisher instead of connecting to
// the configured NATS servers.
func WithPublisher(p tutor.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithCatalog injects the catalog store instead of loading one from config.
func WithCatalog(s *catalog.Store) Option {
	return func(a *App) { a.catalog = s }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener makes Run serve on l instead of listening on the configured
// address.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Realtime == nil {
		return nil, errors.New("app: a realtime provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Catalog ───────────────────────────────────────────────────────
	if err := a.initCatalog(); err != nil {
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}

	// ── 2. History ───────────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 3. Event bus ─────────────────────────────────────────────────────
	if err := a.initBus(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init bus: %w", err)
	}

	// ── 4. Preferences ───────────────────────────────────────────────────
	path := cfg.Prefs.Path
	if path == "" {
		path = config.DefaultPrefsPath
	}
	a.prefs = prefs.NewFileStore(path)

	// ── 5. Web server ────────────────────────────────────────────────────
	if err := a.initWeb(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init web: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initCatalog loads the catalog override, if any, and watches it.
func (a *App) initCatalog() error {
	if a.catalog != nil {
		return nil
	}
	a.catalog = catalog.NewStore(catalog.Default())
	if a.cfg.Catalog.Path == "" {
		return nil
	}
	return a.watchCatalog(a.cfg.Catalog.Path)
}

// watchCatalog replaces the current catalog with the one at path and keeps
// it current. A broken edit keeps the last good catalog.
func (a *App) watchCatalog(path string) error {
	parse := func(data []byte) (*catalog.Catalog, error) {
		return catalog.LoadFromReader(bytes.NewReader(data))
	}
	w, err := config.WatchFile(path, parse, func(_, c *catalog.Catalog) {
		a.catalog.Swap(c)
		slog.Info("catalog reloaded", "path", path, "scenarios", len(c.Scenarios()), "voices", len(c.Voices()))
	})
	if err != nil {
		return fmt.Errorf("load catalog %q: %w", path, err)
	}
	a.catalog.Swap(w.Current())

	a.watchMu.Lock()
	prev := a.catalogWatcher
	a.catalogWatcher = w
	a.watchMu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	slog.Info("catalog loaded", "path", path, "scenarios", len(w.Current().Scenarios()))
	return nil
}

// initHistory opens the configured history backend.
func (a *App) initHistory(ctx context.Context) error {
	if a.history != nil {
		return nil
	}
	store, err := history.Open(ctx, a.cfg.History.Backend, a.cfg.History.DSN)
	if err != nil {
		return err
	}
	a.history = store
	a.closers = append(a.closers, store.Close)
	slog.Info("history store opened", "backend", a.cfg.History.Backend)
	return nil
}

// initBus connects to NATS when servers are configured.
func (a *App) initBus(ctx context.Context) error {
	if a.publisher != nil || len(a.cfg.Bus.Servers) == 0 {
		return nil
	}
	c, err := bus.Connect(ctx, a.cfg.Bus)
	if err != nil {
		return err
	}
	a.bus = c
	a.publisher = c
	a.closers = append(a.closers, func() error {
		c.Close()
		return nil
	})
	return nil
}

// initWeb builds the API/socket server and the full route table.
func (a *App) initWeb() error {
	deps := web.Deps{
		Realtime:  a.providers.Realtime,
		Catalog:   a.catalog,
		Prefs:     a.prefs,
		Evaluator: a.providers.Evaluator,
		History:   a.history,
		Publisher: a.publisher,
		Metrics:   a.metrics,
	}
	srv, err := web.New(deps, web.WithSettings(SettingsFrom(a.cfg)))
	if err != nil {
		return err
	}
	a.web = srv

	probes := []health.Option{
		health.WithCheck("history", func(ctx context.Context) error {
			_, err := a.history.List(ctx, 1)
			return err
		}),
		health.WithDetail("active_sessions", func() any { return srv.Active() }),
		health.WithDetail("scenarios", func() any { return len(a.catalog.Current().Scenarios()) }),
	}
	if a.bus != nil {
		probes = append(probes, health.WithCheck("bus", func(context.Context) error {
			if !a.bus.Healthy() {
				return errors.New("nats disconnected")
			}
			return nil
		}))
	}
	a.health = health.New(probes...)

	mux := http.NewServeMux()
	srv.Register(mux)
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.handler = observe.Middleware(a.metrics)(mux)
	return nil
}

// SettingsFrom maps the tutor and visual config onto per-socket settings.
func SettingsFrom(cfg *config.Config) web.Settings {
	s := web.DefaultSettings()
	if cfg.Tutor.MaxTurns > 0 {
		s.MaxTurns = cfg.Tutor.MaxTurns
	}
	if cfg.Tutor.CompletionDelay > 0 {
		s.CompletionDelay = cfg.Tutor.CompletionDelay
	}
	if cfg.Tutor.TurnDetection != "" {
		s.TurnDetection = realtime.TurnDetection(cfg.Tutor.TurnDetection)
	}
	if cfg.Tutor.Greeting != "" {
		s.Greeting = cfg.Tutor.Greeting
	}
	if cfg.Visual.FPS > 0 {
		s.FPS = cfg.Visual.FPS
	}
	return s
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// Catalog returns the live catalog store.
func (a *App) Catalog() *catalog.Store { return a.catalog }

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of a config change. Sockets opened
// afterwards use the new tutor and visual settings; live ones keep theirs.
func (a *App) Reload(d config.ConfigDiff, cfg *config.Config) {
	if d.TutorChanged || d.VisualChanged {
		a.web.SetSettings(SettingsFrom(cfg))
		slog.Info("session settings updated")
	}
	if d.CatalogChanged {
		if d.NewCatalogPath == "" {
			a.stopCatalogWatcher()
			a.catalog.Swap(catalog.Default())
			slog.Info("catalog reset to built-in")
		} else if err := a.watchCatalog(d.NewCatalogPath); err != nil {
			slog.Warn("catalog reload failed, keeping current catalog", "err", err)
		}
	}
	for _, section := range d.RestartRequired {
		slog.Warn("config change needs a restart to apply", "section", section)
	}
	a.cfg = cfg
}

func (a *App) stopCatalogWatcher() {
	a.watchMu.Lock()
	w := a.catalogWatcher
	a.catalogWatcher = nil
	a.watchMu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// On cancellation open sockets are ended before the listener closes, and
// Run returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", srv.Addr)
		if err != nil {
			return fmt.Errorf("app: listen on %s: %w", srv.Addr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.health.SetDraining(true)

		drainCtx, cancel := context.WithTimeout(context.Background(), socketDrainWindow)
		defer cancel()
		// Hijacked sockets are invisible to http.Server.Shutdown.
		if err := a.web.Close(drainCtx); err != nil && !errors.Is(err, web.ErrClosed) {
			slog.Warn("closing sockets", "err", err)
		}
		if err := srv.Shutdown(drainCtx); err != nil {
			slog.Warn("http shutdown", "err", err)
		}
		return nil
	})

	slog.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Sockets first so finished sessions are still written.
		if err := a.web.Close(ctx); err != nil && !errors.Is(err, web.ErrClosed) {
			slog.Warn("closing sockets", "err", err)
		}
		a.stopCatalogWatcher()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases what a failed New managed to open.
func (a *App) closeAll() {
	a.stopCatalogWatcher()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
