// Package lifecycle owns the resources of one voice conversation: the
// realtime session client, the microphone recorder and the stream player.
//
// A [Controller] connects them in a fixed order, rolls every acquired
// resource back when a step fails, and tears them down on disconnect. It
// subscribes to the client's notifications once, at construction, and feeds
// them through a single handler that keeps the transcript and event log
// current and drives playback.
//
// Lifecycle operations (Connect, Disconnect, push-to-talk, mode and voice
// changes) are serialised; notifications are handled concurrently with them.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/realtime"
)

const (
	// DefaultGreeting is sent as the first user message after connecting so
	// the assistant opens the conversation.
	DefaultGreeting = "Hello!"

	// DefaultTranscriptionModel recognises the learner's speech so user
	// transcripts come back.
	DefaultTranscriptionModel = "whisper-1"

	cleanupTimeout = 5 * time.Second
)

// UpdateKind tells what changed in an [Update].
type UpdateKind int

const (
	// UpdateState means connection, recording, mode or voice changed.
	UpdateState UpdateKind = iota

	// UpdateItem means a conversation item was created or changed.
	UpdateItem

	// UpdateLog means the event log changed.
	UpdateLog
)

// Update is a change notification from the Controller.
type Update struct {
	Kind UpdateKind

	// Item and Delta are set for UpdateItem.
	Item  *realtime.Item
	Delta *realtime.Delta
}

// Listener receives Controller updates. It may be called from several
// goroutines and must not block.
type Listener func(Update)

// State is a snapshot of the Controller.
type State struct {
	Connected     bool                   `json:"connected"`
	Recording     bool                   `json:"recording"`
	TurnDetection realtime.TurnDetection `json:"turnDetection"`
	CanPushToTalk bool                   `json:"canPushToTalk"`
	Voice         string                 `json:"voice"`
	Items         []realtime.Item        `json:"-"`
	Events        []LogEntry             `json:"events"`
}

// Option is a functional option for configuring a Controller.
type Option func(*Controller)

// WithListener registers the update listener.
func WithListener(l Listener) Option {
	return func(c *Controller) { c.listener = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithGreeting overrides the opening user message.
func WithGreeting(text string) Option {
	return func(c *Controller) { c.greeting = text }
}

// WithVoice sets the initial voice.
func WithVoice(code string) Option {
	return func(c *Controller) { c.voice = code }
}

// WithTurnDetection sets the initial turn-detection mode.
func WithTurnDetection(mode realtime.TurnDetection) Option {
	return func(c *Controller) { c.mode = mode }
}

// WithTranscriptionModel sets the model that transcribes user speech.
func WithTranscriptionModel(model string) Option {
	return func(c *Controller) { c.transcription = model }
}

// WithSessionID tags log lines with id until a Connect context carries a
// session id of its own.
func WithSessionID(id string) Option {
	return func(c *Controller) { c.sessionID = id }
}

// Controller manages one conversation's realtime client, recorder and
// player. Construct with [New]; release with [Controller.Close].
type Controller struct {
	client   realtime.Client
	device   audio.Device
	recorder audio.Recorder
	player   audio.Player

	listener      Listener
	metrics       *observe.Metrics
	greeting      string
	transcription string
	sessionID     string

	sub  *realtime.Subscription
	done chan struct{}

	// opMu serialises lifecycle operations.
	opMu sync.Mutex

	mu        sync.Mutex
	active    bool
	connected bool
	recording bool
	mode      realtime.TurnDetection
	voice     string
	convID    string
	items     []realtime.Item
	log       []LogEntry
	closed    bool
}

// New creates a Controller and subscribes to client's notifications.
func New(client realtime.Client, device audio.Device, recorder audio.Recorder, player audio.Player, opts ...Option) *Controller {
	c := &Controller{
		client:        client,
		device:        device,
		recorder:      recorder,
		player:        player,
		greeting:      DefaultGreeting,
		transcription: DefaultTranscriptionModel,
		mode:          realtime.TurnDetectionNone,
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.sub = client.Subscribe()
	go c.run()
	return c
}

// Close disconnects and stops handling notifications. Idempotent.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.Disconnect(ctx)
	c.sub.Close()
	<-c.done
	return err
}

// State returns a snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make([]realtime.Item, len(c.items))
	for i, it := range c.items {
		items[i] = it.Clone()
	}
	return State{
		Connected:     c.connected,
		Recording:     c.recording,
		TurnDetection: c.mode,
		CanPushToTalk: c.mode == realtime.TurnDetectionNone,
		Voice:         c.voice,
		Items:         items,
		Events:        append([]LogEntry(nil), c.log...),
	}
}

// IsConnected reports whether the last Connect succeeded and no Disconnect
// followed.
func (c *Controller) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ── Connect / Disconnect ──────────────────────────────────────────────────────

// Connect configures the session with instructions and brings every
// resource up in order: microphone permission, live-track check, recorder,
// player, realtime session, greeting, and continuous recording when the
// remote side detects turns. On failure everything acquired so far is
// released and a *ConnectError is returned.
func (c *Controller) Connect(ctx context.Context, instructions string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.active = true
	c.items = nil
	c.log = nil
	c.recording = false
	c.convID = observe.SessionID(ctx)
	voice, mode := c.voice, c.mode
	c.mu.Unlock()
	c.notify(Update{Kind: UpdateState})

	if observe.SessionID(ctx) == "" {
		ctx = observe.WithSession(ctx, c.sessionID)
	}
	ctx, span := observe.StartSpan(ctx, "lifecycle.Connect")
	defer span.End()
	start := time.Now()

	var track audio.Track
	fail := func(kind Kind, err error) error {
		c.rollback(ctx, track)
		c.metrics.RecordConnect(ctx, "error", string(kind))
		span.RecordError(err)
		return &ConnectError{Kind: kind, Err: err}
	}

	update := realtime.SessionUpdate{
		Instructions:            &instructions,
		TurnDetection:           &mode,
		InputAudioTranscription: &realtime.Transcription{Model: c.transcription},
	}
	if voice != "" {
		update.Voice = &voice
	}
	if err := c.client.UpdateSession(ctx, update); err != nil {
		return fail(KindRemoteUnknown, err)
	}

	var err error
	if track, err = c.device.Acquire(ctx); err != nil {
		return fail(classifyDevice(err), err)
	}
	if !track.Live() {
		return fail(KindCaptureUnknown, ErrTrackNotLive)
	}
	if err := c.recorder.Begin(ctx); err != nil {
		return fail(KindRecorderInit, err)
	}
	if err := c.player.Connect(ctx); err != nil {
		return fail(KindPlayerInit, err)
	}
	if err := c.client.Connect(ctx); err != nil {
		return fail(classifyRemote(err), err)
	}
	if err := c.client.SendUserMessageContent(ctx, []realtime.Content{realtime.InputText(c.greeting)}); err != nil {
		return fail(classifyRemote(err), err)
	}
	if c.client.TurnDetectionType() == realtime.TurnDetectionServerVAD {
		if err := c.recorder.Record(ctx, c.forwardAudio); err != nil {
			return fail(KindRecorderInit, err)
		}
	}
	track.Stop()

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	c.metrics.RecordConnect(ctx, "ok", "")
	c.metrics.ActiveSessions.Add(ctx, 1)
	observe.Logger(ctx).Info("session connected", "mode", mode, "voice", voice)
	c.notify(Update{Kind: UpdateState})
	return nil
}

// rollback releases whatever a failed Connect acquired. Every step runs
// regardless of earlier failures; cleanup errors are logged only.
func (c *Controller) rollback(ctx context.Context, track audio.Track) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if track != nil {
		track.Stop()
	}
	if c.client.IsConnected() {
		if err := c.client.Disconnect(); err != nil {
			observe.Logger(ctx).Warn("lifecycle: rollback: disconnect session", "err", err)
		}
	}
	if c.recorder.Status() != audio.StatusEnded {
		if err := c.recorder.End(ctx); err != nil {
			observe.Logger(ctx).Warn("lifecycle: rollback: end recorder", "err", err)
		}
	}
	if _, err := c.player.Interrupt(ctx); err != nil {
		observe.Logger(ctx).Warn("lifecycle: rollback: interrupt player", "err", err)
	}

	c.mu.Lock()
	c.active = false
	c.recording = false
	c.items = nil
	c.log = nil
	c.mu.Unlock()
	c.notify(Update{Kind: UpdateState})
}

// Disconnect clears the transient state and releases all resources. Safe to
// call when already disconnected.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	wasConnected := c.connected
	id := c.idLocked()
	c.connected = false
	c.active = false
	c.recording = false
	c.items = nil
	c.log = nil
	c.mu.Unlock()

	var errs []error
	if err := c.client.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("disconnect session: %w", err))
	}
	if err := c.recorder.End(ctx); err != nil {
		errs = append(errs, fmt.Errorf("end recorder: %w", err))
	}
	if _, err := c.player.Interrupt(ctx); err != nil {
		errs = append(errs, fmt.Errorf("interrupt player: %w", err))
	}

	if wasConnected {
		c.metrics.ActiveSessions.Add(ctx, -1)
		slog.Info("session disconnected", "session_id", id)
	}
	c.notify(Update{Kind: UpdateState})

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("lifecycle: disconnect: %w", err)
	}
	return nil
}

// ── Push-to-talk / settings ───────────────────────────────────────────────────

// StartPushToTalk interrupts playback, cancels the response the learner is
// talking over at the position they heard, and starts streaming microphone
// audio to the session.
func (c *Controller) StartPushToTalk(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	switch {
	case !c.connected:
		c.mu.Unlock()
		return ErrNotConnected
	case c.mode != realtime.TurnDetectionNone:
		c.mu.Unlock()
		return ErrPushToTalkDisabled
	}
	c.recording = true
	c.mu.Unlock()
	c.notify(Update{Kind: UpdateState})

	c.bargeIn(ctx)

	if c.recorder.Status() == audio.StatusRecording {
		return nil
	}
	if err := c.recorder.Record(ctx, c.forwardAudio); err != nil {
		c.mu.Lock()
		c.recording = false
		c.mu.Unlock()
		c.notify(Update{Kind: UpdateState})
		return fmt.Errorf("lifecycle: start push-to-talk: %w", err)
	}
	return nil
}

// StopPushToTalk pauses the recorder and asks the session to respond.
func (c *Controller) StopPushToTalk(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	c.recording = false
	c.mu.Unlock()
	c.notify(Update{Kind: UpdateState})

	if c.recorder.Status() == audio.StatusRecording {
		if err := c.recorder.Pause(ctx); err != nil {
			return fmt.Errorf("lifecycle: stop push-to-talk: %w", err)
		}
	}
	if !c.client.IsConnected() {
		return ErrNotConnected
	}
	if err := c.client.CreateResponse(ctx); err != nil {
		return fmt.Errorf("lifecycle: stop push-to-talk: %w", err)
	}
	return nil
}

// SetTurnDetectionMode switches between push-to-talk (none) and server-side
// voice activity detection. Switching to none pauses an active recording
// first; switching to server_vad while connected starts continuous
// recording.
func (c *Controller) SetTurnDetectionMode(ctx context.Context, mode realtime.TurnDetection) error {
	if !mode.IsValid() {
		return fmt.Errorf("lifecycle: unknown turn detection mode %q", mode)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if mode == realtime.TurnDetectionNone && c.recorder.Status() == audio.StatusRecording {
		if err := c.recorder.Pause(ctx); err != nil {
			return fmt.Errorf("lifecycle: set turn detection: pause recorder: %w", err)
		}
	}
	if err := c.client.UpdateSession(ctx, realtime.SessionUpdate{TurnDetection: &mode}); err != nil {
		return fmt.Errorf("lifecycle: set turn detection: %w", err)
	}
	if mode == realtime.TurnDetectionServerVAD && c.client.IsConnected() && c.recorder.Status() != audio.StatusRecording {
		if err := c.recorder.Record(ctx, c.forwardAudio); err != nil {
			return fmt.Errorf("lifecycle: set turn detection: record: %w", err)
		}
	}

	c.mu.Lock()
	c.mode = mode
	c.recording = false
	c.mu.Unlock()
	c.notify(Update{Kind: UpdateState})
	return nil
}

// SetVoice selects the synthesised voice. It reaches the live session only
// when connected; otherwise it applies on the next Connect.
func (c *Controller) SetVoice(ctx context.Context, code string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	c.voice = code
	connected := c.connected
	c.mu.Unlock()
	c.notify(Update{Kind: UpdateState})

	if !connected {
		return nil
	}
	if err := c.client.UpdateSession(ctx, realtime.SessionUpdate{Voice: &code}); err != nil {
		return fmt.Errorf("lifecycle: set voice: %w", err)
	}
	return nil
}

// DeleteItem asks the session to remove a conversation item.
func (c *Controller) DeleteItem(ctx context.Context, id string) error {
	if err := c.client.DeleteItem(ctx, id); err != nil {
		return fmt.Errorf("lifecycle: delete item %q: %w", id, err)
	}
	return nil
}

// ── Notifications ─────────────────────────────────────────────────────────────

func (c *Controller) run() {
	defer close(c.done)
	for ev := range c.sub.Events() {
		c.handle(context.Background(), ev)
	}
}

// handle is the single entry point for client notifications.
func (c *Controller) handle(ctx context.Context, ev realtime.Event) {
	switch ev.Kind {
	case realtime.EventRealtime:
		c.mu.Lock()
		if !c.active {
			c.mu.Unlock()
			return
		}
		c.log = FoldEvent(c.log, ev)
		c.mu.Unlock()
		c.notify(Update{Kind: UpdateLog})

	case realtime.EventError:
		c.metrics.RecordSessionError(ctx)
		slog.Warn("session error", "session_id", c.logID(), "err", ev.Err)

	case realtime.EventInterrupted:
		c.bargeIn(ctx)

	case realtime.EventUpdated:
		if ev.Item == nil {
			return
		}
		if ev.Delta != nil && len(ev.Delta.Audio) > 0 {
			if err := c.player.Add16BitPCM(ev.Delta.Audio, ev.Item.ID); err != nil {
				slog.Debug("lifecycle: queue playback", "session_id", c.logID(), "item", ev.Item.ID, "err", err)
			}
		}
		items := c.client.Items()
		c.mu.Lock()
		if !c.active {
			c.mu.Unlock()
			return
		}
		c.items = items
		c.mu.Unlock()
		c.notify(Update{Kind: UpdateItem, Item: ev.Item, Delta: ev.Delta})
	}
}

// bargeIn stops playback and truncates the interrupted response at the
// offset the learner actually heard.
func (c *Controller) bargeIn(ctx context.Context) {
	off, err := c.player.Interrupt(ctx)
	if err != nil {
		slog.Warn("lifecycle: interrupt playback", "session_id", c.logID(), "err", err)
	}
	if off == nil || off.TrackID == "" {
		return
	}
	if err := c.client.CancelResponse(ctx, off.TrackID, off.Offset); err != nil {
		slog.Warn("lifecycle: cancel response", "session_id", c.logID(), "item", off.TrackID, "err", err)
	}
}

func (c *Controller) forwardAudio(samples []int16) {
	if err := c.client.AppendInputAudio(context.Background(), samples); err != nil {
		slog.Debug("lifecycle: append input audio", "session_id", c.logID(), "err", err)
	}
}

// logID is the session id for log lines: the id of the conversation being
// connected, or the controller's own tag.
func (c *Controller) logID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idLocked()
}

func (c *Controller) idLocked() string {
	if c.convID != "" {
		return c.convID
	}
	return c.sessionID
}

func (c *Controller) notify(u Update) {
	if c.listener != nil {
		c.listener(u)
	}
}
