package tutor_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/catalog"
	"github.com/MrWong99/parley/internal/evaluation"
	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/lifecycle"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/tutor"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/realtime"
)

// fakeSession records connects and disconnects.
type fakeSession struct {
	mu           sync.Mutex
	connectErr   error
	instructions []string
	sessionIDs   []string
	disconnects  int
}

func (f *fakeSession) Connect(ctx context.Context, instructions string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instructions = append(f.instructions, instructions)
	f.sessionIDs = append(f.sessionIDs, observe.SessionID(ctx))
	return f.connectErr
}

func (f *fakeSession) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeSession) counts() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.instructions), f.disconnects
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []*history.Session
}

func (p *fakePublisher) PublishCompleted(_ context.Context, s *history.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, s)
	return nil
}

type failingEvaluator struct{}

func (failingEvaluator) Evaluate(context.Context, evaluation.Transcript) (*evaluation.Evaluation, error) {
	return nil, errors.New("scoring service down")
}

// blockingEvaluator scores only once release is closed.
type blockingEvaluator struct {
	release chan struct{}
}

func (b blockingEvaluator) Evaluate(ctx context.Context, t evaluation.Transcript) (*evaluation.Evaluation, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return evaluation.Placeholder{}.Evaluate(ctx, t)
}

type harness struct {
	m       *tutor.Machine
	session *fakeSession
	history *history.MemoryStore
	pub     *fakePublisher

	mu     sync.Mutex
	snaps  []tutor.Snapshot
	alerts []string
}

func newHarness(t *testing.T, cfg tutor.Config, opts ...tutor.Option) *harness {
	t.Helper()
	h := &harness{
		session: &fakeSession{},
		history: history.NewMemoryStore(),
		pub:     &fakePublisher{},
	}
	if cfg.Session == nil {
		cfg.Session = h.session
	}
	cfg.Catalog = catalog.NewStore(catalog.Default())
	cfg.History = h.history
	cfg.Publisher = h.pub
	opts = append([]tutor.Option{
		tutor.WithCompletionDelay(10 * time.Millisecond),
		tutor.WithListener(func(s tutor.Snapshot) {
			h.mu.Lock()
			h.snaps = append(h.snaps, s)
			h.mu.Unlock()
		}),
		tutor.WithAlert(func(msg string) {
			h.mu.Lock()
			h.alerts = append(h.alerts, msg)
			h.mu.Unlock()
		}),
	}, opts...)
	m, err := tutor.New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)
	h.m = m
	return h
}

func userTurn(id string) realtime.Item {
	return realtime.Item{ID: id, Role: realtime.RoleUser, Status: realtime.StatusCompleted, Transcript: "turn " + id}
}

func waitForState(t *testing.T, m *tutor.Machine, want tutor.State) tutor.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := m.Snapshot()
		if s.State == want {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", s.State, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitForEvaluation waits until scoring has finished.
func waitForEvaluation(t *testing.T, m *tutor.Machine) tutor.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := m.Snapshot()
		if s.State == tutor.StateEvaluation && s.Evaluation != nil {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot = %+v, want a scored evaluation", s)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSelect_EntersConversationWithZeroTurns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, tutor.Config{})
	if err := h.m.Select(context.Background(), "coffee-shop"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	s := h.m.Snapshot()
	if s.State != tutor.StateConversation {
		t.Errorf("state = %s", s.State)
	}
	if s.Scenario == nil || s.Scenario.ID != "coffee-shop" {
		t.Errorf("scenario = %+v", s.Scenario)
	}
	if s.Turn != 0 || s.MaxTurns != tutor.DefaultMaxTurns {
		t.Errorf("turn = %d/%d", s.Turn, s.MaxTurns)
	}
	if s.SessionID == "" {
		t.Error("no session id")
	}
	if got := h.session.instructions[0]; !strings.Contains(got, "barista") || !strings.Contains(got, "English conversation practice session") {
		t.Errorf("instructions = %q", got)
	}
}

func TestSelect_UnknownScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t, tutor.Config{})
	if err := h.m.Select(context.Background(), "moon-base"); !errors.Is(err, tutor.ErrUnknownScenario) {
		t.Errorf("err = %v", err)
	}
	if h.m.Snapshot().State != tutor.StateSetup {
		t.Error("left setup on unknown scenario")
	}
}

func TestSelect_ConnectFailureRevertsToSetup(t *testing.T) {
	t.Parallel()

	h := newHarness(t, tutor.Config{})
	h.session.connectErr = &lifecycle.ConnectError{
		Kind: lifecycle.KindPermissionDenied,
		Err:  &audio.DeviceError{Name: audio.ErrNameNotAllowed},
	}

	err := h.m.Select(context.Background(), "coffee-shop")
	if !errors.Is(err, tutor.ErrConnectFailed) {
		t.Fatalf("err = %v, want ErrConnectFailed", err)
	}
	var ce *lifecycle.ConnectError
	if !errors.As(err, &ce) || ce.Kind != lifecycle.KindPermissionDenied {
		t.Errorf("err does not wrap the connect error: %v", err)
	}
	s := h.m.Snapshot()
	if s.State != tutor.StateSetup || s.Scenario != nil || s.Turn != 0 {
		t.Errorf("snapshot = %+v", s)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.alerts) != 1 || h.alerts[0] != lifecycle.KindPermissionDenied.Message() {
		t.Errorf("alerts = %q", h.alerts)
	}
	if n := len(h.snaps); n < 2 || h.snaps[n-1].State != tutor.StateSetup {
		t.Errorf("last snapshot = %+v", h.snaps)
	}
}

func TestFiveTurnsReachEvaluation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, tutor.Config{})
	if err := h.m.Select(context.Background(), "restaurant"); err != nil {
		t.Fatal(err)
	}
	h.m.ObserveItem(realtime.Item{ID: "a0", Role: realtime.RoleAssistant, Status: realtime.StatusCompleted, Transcript: "Welcome!"})
	for _, id := range []string{"u1", "u2", "u3", "u4"} {
		h.m.ObserveItem(userTurn(id))
	}
	time.Sleep(30 * time.Millisecond)
	if s := h.m.Snapshot(); s.State != tutor.StateConversation || s.Turn != 4 {
		t.Fatalf("after 4 turns = %+v", s)
	}

	h.m.ObserveItem(userTurn("u5"))
	s := waitForEvaluation(t, h.m)
	if s.Scoring {
		t.Error("scoring still set with an evaluation")
	}
	if s.Turn != 5 {
		t.Errorf("turn = %d", s.Turn)
	}
	if _, disconnects := h.session.counts(); disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", disconnects)
	}

	// History and bus receive the session in the background.
	deadline := time.Now().Add(time.Second)
	for {
		list, _ := h.history.List(context.Background(), 0)
		h.pub.mu.Lock()
		published := len(h.pub.sent)
		h.pub.mu.Unlock()
		if len(list) == 1 && published == 1 {
			if list[0].ID != s.SessionID || list[0].Turns != 5 || len(list[0].Messages) != 6 {
				t.Errorf("saved session = %+v", list[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history=%d published=%d", len(list), published)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDisconnectedBeforeEvaluationPublished(t *testing.T) {
	t.Parallel()

	session := &fakeSession{}
	var (
		mu                sync.Mutex
		disconnectsAtEval = -1
	)
	h := newHarness(t, tutor.Config{Session: session}, tutor.WithListener(func(s tutor.Snapshot) {
		if s.State == tutor.StateEvaluation {
			_, d := session.counts()
			mu.Lock()
			disconnectsAtEval = d
			mu.Unlock()
		}
	}))
	if err := h.m.Select(context.Background(), "airport"); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		h.m.ObserveItem(userTurn(id))
	}
	waitForState(t, h.m, tutor.StateEvaluation)

	mu.Lock()
	defer mu.Unlock()
	if disconnectsAtEval != 1 {
		t.Errorf("disconnects when evaluation published = %d, want 1", disconnectsAtEval)
	}
}

func TestScoringSnapshotPublishedBeforeEvaluation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	h := newHarness(t, tutor.Config{Evaluator: blockingEvaluator{release: release}}, tutor.WithMaxTurns(1))
	if err := h.m.Select(context.Background(), "restaurant"); err != nil {
		t.Fatal(err)
	}
	h.m.ObserveItem(userTurn("u1"))

	s := waitForState(t, h.m, tutor.StateEvaluation)
	if !s.Scoring || s.Evaluation != nil {
		t.Errorf("while scoring = %+v", s)
	}
	if _, d := h.session.counts(); d != 1 {
		t.Errorf("disconnects while scoring = %d, want 1", d)
	}

	close(release)
	s = waitForEvaluation(t, h.m)
	if s.Scoring {
		t.Error("scoring still set after evaluation")
	}
	if s.Evaluation.OverallScore != 8 {
		t.Errorf("overall = %d", s.Evaluation.OverallScore)
	}
}

func TestConnectCarriesConversationSessionID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, tutor.Config{}, tutor.WithMaxTurns(1))
	ctx := context.Background()
	if err := h.m.Select(ctx, "hotel-checkin"); err != nil {
		t.Fatal(err)
	}
	first := h.m.Snapshot().SessionID
	h.m.ObserveItem(userTurn("u1"))
	waitForEvaluation(t, h.m)
	if err := h.m.Restart(ctx); err != nil {
		t.Fatal(err)
	}
	second := h.m.Snapshot().SessionID

	h.session.mu.Lock()
	ids := append([]string(nil), h.session.sessionIDs...)
	h.session.mu.Unlock()
	if len(ids) != 2 || ids[0] != first || ids[1] != second {
		t.Errorf("connect session ids = %q, want [%s %s]", ids, first, second)
	}

	list, _ := h.history.List(ctx, 0)
	if len(list) == 1 && list[0].ID != first {
		t.Errorf("history id = %s, want %s", list[0].ID, first)
	}
}

func TestStop_ReturnsToSetupWithoutScoring(t *testing.T) {
	t.Parallel()

	h := newHarness(t, tutor.Config{}, tutor.WithMaxTurns(1), tutor.WithCompletionDelay(50*time.Millisecond))
	ctx := context.Background()
	if err := h.m.Select(ctx, "airport"); err != nil {
		t.Fatal(err)
	}
	h.m.ObserveItem(userTurn("u1"))
	if err := h.m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	s := h.m.Snapshot()
	if s.State != tutor.StateSetup || s.Scenario != nil || s.SessionID != "" || s.Turn != 0 {
		t.Errorf("after stop = %+v", s)
	}
	if _, d := h.session.counts(); d != 1 {
		t.Errorf("disconnects = %d, want 1", d)
	}
	h.mu.Lock()
	last := h.snaps[len(h.snaps)-1]
	h.mu.Unlock()
	if last.State != tutor.StateSetup {
		t.Errorf("last published = %s, want setup", last.State)
	}

	time.Sleep(100 * time.Millisecond)
	if s := h.m.Snapshot(); s.State != tutor.StateSetup {
		t.Errorf("completion fired after stop: state = %s", s.State)
	}
	if list, _ := h.history.List(ctx, 0); len(list) != 0 {
		t.Errorf("stopped conversation saved: %+v", list)
	}
}

func TestStop_OutsideConversation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, tutor.Config{})
	if err := h.m.Stop(context.Background()); !errors.Is(err, tutor.ErrInvalidTransition) {
		t.Errorf("stop in setup err = %v", err)
	}
	if _, d := h.session.counts(); d != 0 {
		t.Errorf("disconnects = %d, want 0", d)
	}
}

func TestObserveItem_CountsDistinctCompletedUserItems(t *testing.T) {
	t.Parallel()

	h := newHarness(t, tutor.Config{})
	if err := h.m.Select(context.Background(), "shopping"); err != nil {
		t.Fatal(err)
	}

	inProgress := userTurn("u1")
	inProgress.Status = realtime.StatusInProgress
	h.m.ObserveItem(inProgress)
	h.m.ObserveItem(userTurn("u1"))
	h.m.ObserveItem(userTurn("u1"))
	h.m.ObserveItem(userTurn("u1"))
	h.m.ObserveItem(realtime.Item{ID: "a1", Role: realtime.RoleAssistant, Status: realtime.StatusCompleted})

	if got := h.m.Snapshot().Turn; got != 1 {
		t.Errorf("turn = %d, want 1", got)
	}
}

func TestObserveItem_IgnoredOutsideConversation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, tutor.Config{})
	h.m.ObserveItem(userTurn("u1"))
	if got := h.m.Snapshot().Turn; got != 0 {
		t.Errorf("turn in setup = %d", got)
	}
}

func TestRestartSameScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t, tutor.Config{}, tutor.WithMaxTurns(1))
	ctx := context.Background()
	if err := h.m.Select(ctx, "hotel-checkin"); err != nil {
		t.Fatal(err)
	}
	first := h.m.Snapshot().SessionID
	h.m.ObserveItem(userTurn("u1"))
	waitForState(t, h.m, tutor.StateEvaluation)

	if err := h.m.Restart(ctx); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	s := h.m.Snapshot()
	if s.State != tutor.StateConversation || s.Turn != 0 || s.Evaluation != nil {
		t.Errorf("after restart = %+v", s)
	}
	if s.Scenario == nil || s.Scenario.ID != "hotel-checkin" {
		t.Errorf("scenario = %+v", s.Scenario)
	}
	if s.SessionID == first {
		t.Error("session id reused")
	}
	if connects, _ := h.session.counts(); connects != 2 {
		t.Errorf("connects = %d, want 2", connects)
	}

	// The previous transcript is gone: u1 counts again in the new conversation.
	h.m.ObserveItem(userTurn("u1"))
	waitForState(t, h.m, tutor.StateEvaluation)
}

func TestNewScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t, tutor.Config{}, tutor.WithMaxTurns(1))
	ctx := context.Background()
	if err := h.m.Select(ctx, "tourist-info"); err != nil {
		t.Fatal(err)
	}
	h.m.ObserveItem(userTurn("u1"))
	waitForState(t, h.m, tutor.StateEvaluation)

	if err := h.m.NewScenario(ctx); err != nil {
		t.Fatal(err)
	}
	s := h.m.Snapshot()
	if s.State != tutor.StateSetup || s.Scenario != nil || s.Evaluation != nil || s.Turn != 0 {
		t.Errorf("after new scenario = %+v", s)
	}
	if connects, _ := h.session.counts(); connects != 1 {
		t.Errorf("connects = %d, want 1", connects)
	}
}

func TestNewScenario_DuringConversationCancelsCompletion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, tutor.Config{}, tutor.WithMaxTurns(1), tutor.WithCompletionDelay(50*time.Millisecond))
	ctx := context.Background()
	if err := h.m.Select(ctx, "airport"); err != nil {
		t.Fatal(err)
	}
	h.m.ObserveItem(userTurn("u1"))
	if err := h.m.NewScenario(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if s := h.m.Snapshot(); s.State != tutor.StateSetup {
		t.Errorf("state = %s, want setup", s.State)
	}
	if _, d := h.session.counts(); d != 1 {
		t.Errorf("disconnects = %d, want 1", d)
	}
}

func TestInvalidTransitions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, tutor.Config{})
	ctx := context.Background()
	if err := h.m.Restart(ctx); !errors.Is(err, tutor.ErrInvalidTransition) {
		t.Errorf("restart in setup err = %v", err)
	}
	if err := h.m.Select(ctx, "airport"); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Select(ctx, "shopping"); !errors.Is(err, tutor.ErrInvalidTransition) {
		t.Errorf("select in conversation err = %v", err)
	}
}

func TestEvaluatorFailureFallsBackToPlaceholder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, tutor.Config{Evaluator: failingEvaluator{}}, tutor.WithMaxTurns(1))
	if err := h.m.Select(context.Background(), "coffee-shop"); err != nil {
		t.Fatal(err)
	}
	h.m.ObserveItem(userTurn("u1"))
	s := waitForEvaluation(t, h.m)

	want, _ := evaluation.Placeholder{}.Evaluate(context.Background(), evaluation.Transcript{})
	if s.Evaluation == nil || s.Evaluation.OverallScore != want.OverallScore || s.Evaluation.Feedback != want.Feedback {
		t.Errorf("evaluation = %+v", s.Evaluation)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := tutor.New(tutor.Config{}); err == nil {
		t.Error("nil session accepted")
	}
	_, err := tutor.New(tutor.Config{Session: &fakeSession{}, Catalog: catalog.NewStore(catalog.Default())}, tutor.WithMaxTurns(0))
	if err == nil {
		t.Error("zero max turns accepted")
	}
}
