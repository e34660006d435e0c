// Package web serves the browser-facing HTTP API and the per-learner session
// WebSocket.
//
// Every WebSocket gets its own lifecycle controller, state machine and
// visualization loop. The browser owns the real microphone and speakers;
// the socket carries JSON control messages, relay requests for the audio
// devices and binary audio frames in both directions.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/catalog"
	"github.com/MrWong99/parley/internal/evaluation"
	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/lifecycle"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/prefs"
	"github.com/MrWong99/parley/internal/tutor"
	"github.com/MrWong99/parley/internal/visual"
	"github.com/MrWong99/parley/pkg/realtime"
)

// RealtimeFactory builds the realtime provider for a new socket from the
// saved preferences, so a changed key or relay URL applies to the next
// conversation without a restart.
type RealtimeFactory func(p prefs.Prefs) (realtime.Provider, error)

// Settings are the per-session tunables. They are read when a socket opens.
type Settings struct {
	MaxTurns        int
	CompletionDelay time.Duration
	TurnDetection   realtime.TurnDetection
	Greeting        string
	FPS             int
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		MaxTurns:        tutor.DefaultMaxTurns,
		CompletionDelay: tutor.DefaultCompletionDelay,
		TurnDetection:   realtime.TurnDetectionNone,
		Greeting:        lifecycle.DefaultGreeting,
		FPS:             visual.DefaultFPS,
	}
}

// Deps are the Server's collaborators. Realtime, Catalog and Prefs are
// required.
type Deps struct {
	Realtime  RealtimeFactory
	Catalog   *catalog.Store
	Prefs     *prefs.FileStore
	Evaluator evaluation.Evaluator
	History   history.Store
	Publisher tutor.Publisher
	Metrics   *observe.Metrics
}

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithSettings sets the initial session settings.
func WithSettings(s Settings) Option {
	return func(srv *Server) { srv.settings.Store(&s) }
}

// WithOriginPatterns allows cross-origin WebSocket connections from hosts
// matching patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(srv *Server) { srv.origins = patterns }
}

// WithCallTimeout bounds how long a device operation waits for the browser.
func WithCallTimeout(d time.Duration) Option {
	return func(srv *Server) { srv.callTimeout = d }
}

// ErrClosed is returned by Close on a closed Server.
var ErrClosed = errors.New("web: server closed")

// Server serves the API routes and session sockets.
type Server struct {
	deps        Deps
	settings    atomic.Pointer[Settings]
	origins     []string
	callTimeout time.Duration

	mu      sync.Mutex
	sockets map[*socket]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Server.
func New(deps Deps, opts ...Option) (*Server, error) {
	var errs []error
	if deps.Realtime == nil {
		errs = append(errs, errors.New("web: realtime factory must not be nil"))
	}
	if deps.Catalog == nil {
		errs = append(errs, errors.New("web: catalog must not be nil"))
	}
	if deps.Prefs == nil {
		errs = append(errs, errors.New("web: prefs store must not be nil"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if deps.Evaluator == nil {
		deps.Evaluator = evaluation.Placeholder{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}

	s := &Server{
		deps:    deps,
		sockets: make(map[*socket]struct{}),
	}
	def := DefaultSettings()
	s.settings.Store(&def)
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Settings returns the settings new sockets start with.
func (s *Server) Settings() Settings { return *s.settings.Load() }

// SetSettings replaces the settings for sockets opened from now on.
func (s *Server) SetSettings(st Settings) { s.settings.Store(&st) }

// Register adds the API and socket routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/scenarios", s.handleScenarios)
	mux.HandleFunc("GET /api/voices", s.handleVoices)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)
	mux.HandleFunc("GET /ws", s.handleSocket)
}

// Active returns the number of open sockets.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

// Close ends every open socket and waits for their teardown or for ctx.
// New sockets are refused afterwards.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	for sk := range s.sockets {
		sk.cancel()
	}
	n := len(s.sockets)
	s.mu.Unlock()

	slog.Info("web: closing sockets", "count", n)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track registers sk. It reports false once the server is closed.
func (s *Server) track(sk *socket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sockets[sk] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sk *socket) {
	s.mu.Lock()
	delete(s.sockets, sk)
	s.mu.Unlock()
	s.wg.Done()
}
