// Package tutor implements the conversation state machine that drives one
// learner through a practice scenario.
//
// The machine has three states. A scenario pick moves it from setup into
// conversation and connects the voice session. Once the learner has
// completed [DefaultMaxTurns] utterances the machine waits a short delay,
// disconnects and enters evaluation, where the transcript is scored. From
// evaluation the learner either restarts the same scenario or returns to
// setup. Stopping a conversation early returns to setup without scoring.
//
// All exported methods are safe for concurrent use.
package tutor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/catalog"
	"github.com/MrWong99/parley/internal/evaluation"
	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/lifecycle"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/realtime"
)

const (
	// DefaultMaxTurns is the number of completed learner utterances after
	// which a conversation ends.
	DefaultMaxTurns = 5

	// DefaultCompletionDelay lets the final response finish before the
	// session is torn down.
	DefaultCompletionDelay = 2 * time.Second

	defaultEvaluationTimeout = 30 * time.Second
	persistTimeout           = 10 * time.Second
)

// State is the current screen of the practice flow.
type State string

const (
	StateSetup        State = "setup"
	StateConversation State = "conversation"
	StateEvaluation   State = "evaluation"
)

// Errors returned for transitions the current state does not allow.
var (
	ErrUnknownScenario   = errors.New("tutor: unknown scenario")
	ErrInvalidTransition = errors.New("tutor: transition not allowed in current state")
)

// ErrConnectFailed wraps a session connect failure. The learner has already
// been alerted when it is returned.
var ErrConnectFailed = errors.New("tutor: connect failed")

// Session is the voice session the machine connects and disconnects. It is
// satisfied by *lifecycle.Controller.
type Session interface {
	Connect(ctx context.Context, instructions string) error
	Disconnect(ctx context.Context) error
}

// Publisher announces finished sessions.
type Publisher interface {
	PublishCompleted(ctx context.Context, s *history.Session) error
}

// Snapshot is the externally visible machine state.
type Snapshot struct {
	State      State                  `json:"state"`
	SessionID  string                 `json:"sessionId,omitempty"`
	Scenario   *catalog.Scenario      `json:"scenario"`
	Turn       int                    `json:"currentTurn"`
	MaxTurns   int                    `json:"maxTurns"`
	Evaluation *evaluation.Evaluation `json:"evaluation"`

	// Scoring is set in evaluation while the transcript is being scored.
	// Evaluation is nil until it clears.
	Scoring bool `json:"scoring,omitempty"`
}

// Config holds the machine's collaborators. Session and Catalog are
// required.
type Config struct {
	Session Session
	Catalog *catalog.Store

	// Evaluator scores finished conversations. Defaults to
	// evaluation.Placeholder.
	Evaluator evaluation.Evaluator

	// History and Publisher receive every finished session. Both are
	// optional.
	History   history.Store
	Publisher Publisher

	// Voice reports the selected voice for the history record. Optional.
	Voice func() string
}

// Option is a functional option for configuring a Machine.
type Option func(*Machine)

// WithMaxTurns overrides DefaultMaxTurns.
func WithMaxTurns(n int) Option {
	return func(m *Machine) { m.maxTurns = n }
}

// WithCompletionDelay overrides DefaultCompletionDelay.
func WithCompletionDelay(d time.Duration) Option {
	return func(m *Machine) { m.delay = d }
}

// WithEvaluationTimeout bounds a single scoring call.
func WithEvaluationTimeout(d time.Duration) Option {
	return func(m *Machine) { m.evalTimeout = d }
}

// WithListener registers a callback that receives a snapshot after every
// change. It is called without internal locks held and must not block.
func WithListener(fn func(Snapshot)) Option {
	return func(m *Machine) { m.listener = fn }
}

// WithAlert registers a callback for messages that need the learner's
// attention, such as a failed connect.
func WithAlert(fn func(msg string)) Option {
	return func(m *Machine) { m.alert = fn }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine is the conversation state machine.
type Machine struct {
	cfg         Config
	maxTurns    int
	delay       time.Duration
	evalTimeout time.Duration
	listener    func(Snapshot)
	alert       func(string)
	metrics     *observe.Metrics
	now         func() time.Time

	// opMu serialises transitions that call into the session.
	opMu sync.Mutex

	mu         sync.Mutex
	state      State
	sessionID  string
	scenario   *catalog.Scenario
	turn       int
	counted    map[string]bool
	order      []string
	messages   map[string]evaluation.Message
	evaluation *evaluation.Evaluation
	scoring    bool
	startedAt  time.Time
	gen        uint64
	timer      *time.Timer
	closed     bool

	wg sync.WaitGroup
}

// New creates a Machine in the setup state.
func New(cfg Config, opts ...Option) (*Machine, error) {
	if cfg.Session == nil {
		return nil, errors.New("tutor: session must not be nil")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("tutor: catalog must not be nil")
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = evaluation.Placeholder{}
	}
	m := &Machine{
		cfg:         cfg,
		maxTurns:    DefaultMaxTurns,
		delay:       DefaultCompletionDelay,
		evalTimeout: defaultEvaluationTimeout,
		now:         time.Now,
		state:       StateSetup,
	}
	for _, o := range opts {
		o(m)
	}
	if m.maxTurns <= 0 {
		return nil, fmt.Errorf("tutor: max turns must be positive, got %d", m.maxTurns)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	m.resetLocked()
	return m, nil
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{
		State:      m.state,
		SessionID:  m.sessionID,
		Scoring:    m.scoring,
		Turn:       m.turn,
		MaxTurns:   m.maxTurns,
		Evaluation: m.evaluation,
	}
	if m.scenario != nil {
		sc := *m.scenario
		s.Scenario = &sc
	}
	return s
}

// ── Transitions ───────────────────────────────────────────────────────────────

// Select picks a scenario and starts a conversation. If the session fails
// to connect the machine returns to setup, raises an alert and returns the
// error.
func (m *Machine) Select(ctx context.Context, scenarioID string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	sc, ok := m.cfg.Catalog.Current().Scenario(scenarioID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownScenario, scenarioID)
	}

	m.mu.Lock()
	if m.state != StateSetup {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: select scenario in %s", ErrInvalidTransition, st)
	}
	m.mu.Unlock()

	return m.startConversation(ctx, sc)
}

// Restart begins a fresh conversation in the scenario just evaluated.
func (m *Machine) Restart(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.state != StateEvaluation || m.scenario == nil {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: restart in %s", ErrInvalidTransition, st)
	}
	sc := *m.scenario
	m.mu.Unlock()

	return m.startConversation(ctx, sc)
}

// NewScenario returns to setup. Called during a conversation it also
// disconnects the session.
func (m *Machine) NewScenario(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.toSetup(ctx); err != nil {
		return fmt.Errorf("tutor: new scenario: %w", err)
	}
	return nil
}

// Stop ends the current conversation early. The pending completion is
// cancelled, the machine returns to setup and the session is disconnected.
// Nothing is scored or saved.
func (m *Machine) Stop(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.state != StateConversation {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: stop in %s", ErrInvalidTransition, st)
	}
	sessionID, turn := m.sessionID, m.turn
	m.mu.Unlock()

	slog.Info("conversation stopped", "session_id", sessionID, "turn", turn)
	if err := m.toSetup(ctx); err != nil {
		return fmt.Errorf("tutor: stop: %w", err)
	}
	return nil
}

// toSetup resets the machine to setup, disconnecting the session when a
// conversation was running. Caller holds opMu.
func (m *Machine) toSetup(ctx context.Context) error {
	m.mu.Lock()
	wasConversation := m.state == StateConversation
	m.gen++
	m.stopTimerLocked()
	m.state = StateSetup
	m.scenario = nil
	m.sessionID = ""
	m.resetLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	var err error
	if wasConversation {
		err = m.cfg.Session.Disconnect(ctx)
	}
	m.publish(snap)
	return err
}

// startConversation enters the conversation state for sc and connects.
// Caller holds opMu.
func (m *Machine) startConversation(ctx context.Context, sc catalog.Scenario) error {
	m.mu.Lock()
	m.gen++
	m.stopTimerLocked()
	m.state = StateConversation
	m.scenario = &sc
	m.sessionID = uuid.NewString()
	m.startedAt = m.now()
	m.resetLocked()
	sessionID := m.sessionID
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.publish(snap)

	slog.Info("conversation starting", "session_id", sessionID, "scenario", sc.ID)

	// The session tags its logs and spans with this conversation's id.
	if err := m.cfg.Session.Connect(observe.WithSession(ctx, sessionID), catalog.Instructions(sc)); err != nil {
		m.mu.Lock()
		m.gen++
		m.state = StateSetup
		m.scenario = nil
		m.sessionID = ""
		m.resetLocked()
		snap := m.snapshotLocked()
		m.mu.Unlock()

		slog.Warn("tutor: connect failed", "session_id", sessionID, "scenario", sc.ID, "err", err)
		m.publish(snap)
		if m.alert != nil {
			m.alert(lifecycle.UserMessage(err))
		}
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	return nil
}

// resetLocked clears turn tracking, transcript and evaluation.
func (m *Machine) resetLocked() {
	m.turn = 0
	m.counted = make(map[string]bool)
	m.order = nil
	m.messages = make(map[string]evaluation.Message)
	m.evaluation = nil
	m.scoring = false
}

func (m *Machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// ── Conversation tracking ─────────────────────────────────────────────────────

// ObserveItem records a conversation item update. Each distinct completed
// learner item counts as one turn; repeated notifications for an item
// already counted do not.
func (m *Machine) ObserveItem(item realtime.Item) {
	m.mu.Lock()
	if m.state != StateConversation || item.ID == "" {
		m.mu.Unlock()
		return
	}

	if item.Role == realtime.RoleUser || item.Role == realtime.RoleAssistant {
		if _, seen := m.messages[item.ID]; !seen {
			m.order = append(m.order, item.ID)
		}
		text := item.Transcript
		if text == "" {
			text = item.Text
		}
		m.messages[item.ID] = evaluation.Message{Role: string(item.Role), Text: text}
	}

	if item.Role != realtime.RoleUser || item.Status != realtime.StatusCompleted || m.counted[item.ID] {
		m.mu.Unlock()
		return
	}
	m.counted[item.ID] = true
	m.turn++
	scenarioID := m.scenario.ID
	if m.turn >= m.maxTurns && m.timer == nil {
		gen := m.gen
		m.timer = time.AfterFunc(m.delay, func() { m.complete(gen) })
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.metrics.RecordTurn(context.Background(), scenarioID)
	m.publish(snap)
}

// complete ends the conversation started in generation gen.
func (m *Machine) complete(gen uint64) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.gen != gen || m.state != StateConversation || m.closed {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	sc := *m.scenario
	transcript := evaluation.Transcript{
		ScenarioID:    sc.ID,
		ScenarioTitle: sc.Title,
		Messages:      m.transcriptLocked(),
	}
	rec := &history.Session{
		ID:            m.sessionID,
		ScenarioID:    sc.ID,
		ScenarioTitle: sc.Title,
		Turns:         m.turn,
		Messages:      transcript.Messages,
		StartedAt:     m.startedAt,
	}
	m.mu.Unlock()

	ctx := context.Background()
	if err := m.cfg.Session.Disconnect(ctx); err != nil {
		slog.Warn("tutor: disconnect on completion", "session_id", rec.ID, "err", err)
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.state = StateEvaluation
	m.scoring = true
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.publish(snap)

	ev := m.evaluate(ctx, transcript, rec.ID)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.scoring = false
	m.evaluation = ev
	snap = m.snapshotLocked()
	m.mu.Unlock()

	m.metrics.RecordConversation(ctx, sc.ID)
	slog.Info("conversation completed", "session_id", rec.ID, "scenario", sc.ID, "overall", ev.OverallScore)
	m.publish(snap)

	rec.Evaluation = ev
	rec.EndedAt = m.now()
	if m.cfg.Voice != nil {
		rec.Voice = m.cfg.Voice()
	}
	m.persist(rec)
}

// evaluate scores the transcript, falling back to the placeholder so an
// evaluation is always produced.
func (m *Machine) evaluate(ctx context.Context, t evaluation.Transcript, sessionID string) *evaluation.Evaluation {
	ctx, cancel := context.WithTimeout(ctx, m.evalTimeout)
	defer cancel()

	start := time.Now()
	ev, err := m.cfg.Evaluator.Evaluate(ctx, t)
	m.metrics.EvaluationDuration.Record(ctx, time.Since(start).Seconds())
	if err == nil && ev != nil {
		return ev
	}
	slog.Warn("tutor: evaluation failed, using placeholder", "session_id", sessionID, "err", err)
	ev, _ = evaluation.Placeholder{}.Evaluate(ctx, t)
	return ev
}

// persist writes rec to history and announces it. Both are best-effort.
func (m *Machine) persist(rec *history.Session) {
	if m.cfg.History == nil && m.cfg.Publisher == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if m.cfg.History != nil {
			if err := m.cfg.History.Save(ctx, rec); err != nil {
				slog.Warn("tutor: save history", "session_id", rec.ID, "err", err)
			}
		}
		if m.cfg.Publisher != nil {
			if err := m.cfg.Publisher.PublishCompleted(ctx, rec); err != nil {
				slog.Warn("tutor: publish completion", "session_id", rec.ID, "err", err)
			}
		}
	}()
}

func (m *Machine) transcriptLocked() []evaluation.Message {
	out := make([]evaluation.Message, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.messages[id])
	}
	return out
}

func (m *Machine) publish(s Snapshot) {
	if m.listener != nil {
		m.listener(s)
	}
}

// Close cancels a pending completion and waits for background writes.
func (m *Machine) Close() {
	m.mu.Lock()
	m.closed = true
	m.gen++
	m.stopTimerLocked()
	m.mu.Unlock()

	// Wait out an in-flight transition.
	m.opMu.Lock()
	m.opMu.Unlock()
	m.wg.Wait()
}
