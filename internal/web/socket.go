package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/evaluation"
	"github.com/MrWong99/parley/internal/lifecycle"
	"github.com/MrWong99/parley/internal/tutor"
	"github.com/MrWong99/parley/internal/visual"
	"github.com/MrWong99/parley/pkg/audio/relay"
	"github.com/MrWong99/parley/pkg/realtime"
)

const (
	// maxMessageSize bounds a single inbound frame. Microphone chunks are a
	// few KiB; control messages far less.
	maxMessageSize = 1 << 20

	outboundQueue = 256
	commandQueue  = 32

	teardownTimeout = 10 * time.Second
)

// ErrUnknownVoice is returned for a voice.set naming no catalog voice.
var ErrUnknownVoice = errors.New("web: unknown voice")

// outbound is one encoded frame waiting to be written.
type outbound struct {
	binary bool
	data   []byte
}

// socket is one browser connection and the conversation it drives.
type socket struct {
	srv  *Server
	conn *websocket.Conn
	id   string

	ctx    context.Context
	cancel context.CancelFunc

	out  chan outbound
	cmds chan inbound

	inputSize  atomic.Pointer[visual.Size]
	outputSize atomic.Pointer[visual.Size]

	link     *relay.Link
	recorder *relay.Recorder
	ctrl     *lifecycle.Controller
	machine  *tutor.Machine
	loop     *visual.Loop
}

var _ relay.Sender = (*socket)(nil)

// GET /ws
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Prefs.Load()
	if err != nil {
		slog.Warn("web: load prefs for socket, using defaults", "err", err)
	}
	provider, err := s.deps.Realtime(p)
	if err != nil {
		slog.Warn("web: build realtime provider", "err", err)
		writeError(w, http.StatusServiceUnavailable, "speech service is not configured")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Warn("web: accept websocket", "err", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	sk := &socket{
		srv:    s,
		conn:   conn,
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan outbound, outboundQueue),
		cmds:   make(chan inbound, commandQueue),
	}
	if !s.track(sk) {
		cancel()
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.untrack(sk)

	if err := sk.build(provider.NewClient()); err != nil {
		slog.Error("web: set up socket session", "socket_id", sk.id, "err", err)
		cancel()
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}
	sk.serve()
}

// build wires the audio relay, lifecycle controller, state machine and
// visualization loop for this socket.
func (sk *socket) build(client realtime.Client) error {
	settings := sk.srv.Settings()
	deps := sk.srv.deps

	var linkOpts []relay.LinkOption
	if sk.srv.callTimeout > 0 {
		linkOpts = append(linkOpts, relay.WithCallTimeout(sk.srv.callTimeout))
	}
	sk.link = relay.NewLink(sk, linkOpts...)
	sk.recorder = relay.NewRecorder(sk.link)
	player := relay.NewPlayer(sk.link)

	ctrlOpts := []lifecycle.Option{
		lifecycle.WithListener(sk.onUpdate),
		lifecycle.WithMetrics(deps.Metrics),
		lifecycle.WithVoice(deps.Catalog.Current().DefaultVoice().Code),
		lifecycle.WithSessionID(sk.id),
	}
	if settings.Greeting != "" {
		ctrlOpts = append(ctrlOpts, lifecycle.WithGreeting(settings.Greeting))
	}
	if settings.TurnDetection.IsValid() {
		ctrlOpts = append(ctrlOpts, lifecycle.WithTurnDetection(settings.TurnDetection))
	}
	sk.ctrl = lifecycle.New(client, relay.NewDevice(sk.link), sk.recorder, player, ctrlOpts...)

	machine, err := tutor.New(tutor.Config{
		Session:   sk.ctrl,
		Catalog:   deps.Catalog,
		Evaluator: deps.Evaluator,
		History:   deps.History,
		Publisher: deps.Publisher,
		Voice:     func() string { return sk.ctrl.State().Voice },
	},
		tutor.WithMaxTurns(settings.MaxTurns),
		tutor.WithCompletionDelay(settings.CompletionDelay),
		tutor.WithListener(sk.onSnapshot),
		tutor.WithAlert(sk.alert),
		tutor.WithMetrics(deps.Metrics),
	)
	if err != nil {
		sk.link.Close()
		_ = sk.ctrl.Close(context.Background())
		return err
	}
	sk.machine = machine

	sk.loop = visual.New(sk.recorder, player, sk.onFrame,
		visual.WithFPS(settings.FPS),
		visual.WithSizes(sizeOf(&sk.inputSize), sizeOf(&sk.outputSize)),
	)
	return nil
}

func sizeOf(p *atomic.Pointer[visual.Size]) visual.SizeFunc {
	return func() visual.Size {
		if s := p.Load(); s != nil {
			return *s
		}
		return visual.Size{}
	}
}

// serve runs the socket until the browser leaves or the server closes it,
// then tears the session down.
func (sk *socket) serve() {
	metrics := sk.srv.deps.Metrics
	metrics.ActiveClients.Add(sk.ctx, 1)
	defer metrics.ActiveClients.Add(context.Background(), -1)

	slog.Info("web: socket opened", "socket_id", sk.id)

	g, ctx := errgroup.WithContext(sk.ctx)
	g.Go(func() error { return sk.writeLoop(ctx) })
	g.Go(func() error {
		defer sk.cancel()
		return sk.readLoop(ctx)
	})
	g.Go(func() error { return sk.commandLoop(ctx) })
	g.Go(func() error { return sk.loop.Run(ctx) })

	sk.pushState(sk.machine.Snapshot())

	err := g.Wait()
	sk.teardown()

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		slog.Info("web: socket closed", "socket_id", sk.id)
	default:
		slog.Info("web: socket closed", "socket_id", sk.id, "err", err)
	}
}

// teardown releases everything the socket created. Pending device calls
// fail first so in-flight transitions return promptly.
func (sk *socket) teardown() {
	sk.cancel()
	sk.loop.Stop()
	sk.link.Close()
	sk.machine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := sk.ctrl.Close(ctx); err != nil {
		slog.Debug("web: close controller", "socket_id", sk.id, "err", err)
	}
	sk.conn.Close(websocket.StatusNormalClosure, "")
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func (sk *socket) readLoop(ctx context.Context) error {
	for {
		typ, data, err := sk.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("web: read: %w", err)
		}

		if typ == websocket.MessageBinary {
			sk.recorder.HandleFrame(data)
			continue
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			sk.sendError("decode", fmt.Errorf("invalid message: %w", err))
			continue
		}
		sk.route(msg)
	}
}

// route handles replies and size reports inline and queues everything else
// for the command loop, so a command waiting on the browser never blocks
// the reply it waits for.
func (sk *socket) route(msg inbound) {
	switch msg.Type {
	case relay.TypeReply:
		if !sk.link.Resolve(msg.reply()) {
			slog.Debug("web: reply without pending call", "socket_id", sk.id, "id", msg.ID)
		}
	case MsgVisualSize:
		if msg.Input != nil {
			sz := *msg.Input
			sk.inputSize.Store(&sz)
		}
		if msg.Output != nil {
			sz := *msg.Output
			sk.outputSize.Store(&sz)
		}
	case MsgScenarioSelect, MsgConversationRestart, MsgScenarioNew, MsgConversationStop,
		MsgPushToTalkStart, MsgPushToTalkStop, MsgTurnDetectionSet, MsgVoiceSet, MsgItemDelete:
		select {
		case sk.cmds <- msg:
		default:
			sk.sendError(msg.Type, errors.New("too many pending commands"))
		}
	default:
		sk.sendError(msg.Type, fmt.Errorf("unknown message type %q", msg.Type))
	}
}

func (sk *socket) commandLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-sk.cmds:
			err := sk.exec(ctx, msg)
			if err != nil && ctx.Err() == nil && !errors.Is(err, tutor.ErrConnectFailed) {
				slog.Debug("web: command failed", "socket_id", sk.id, "type", msg.Type, "err", err)
				sk.sendError(msg.Type, err)
			}
			sk.pushState(sk.machine.Snapshot())
		}
	}
}

func (sk *socket) exec(ctx context.Context, msg inbound) error {
	switch msg.Type {
	case MsgScenarioSelect:
		return sk.machine.Select(ctx, msg.ScenarioID)
	case MsgConversationRestart:
		return sk.machine.Restart(ctx)
	case MsgScenarioNew:
		return sk.machine.NewScenario(ctx)
	case MsgConversationStop:
		return sk.machine.Stop(ctx)
	case MsgPushToTalkStart:
		return sk.ctrl.StartPushToTalk(ctx)
	case MsgPushToTalkStop:
		return sk.ctrl.StopPushToTalk(ctx)
	case MsgTurnDetectionSet:
		return sk.ctrl.SetTurnDetectionMode(ctx, msg.Mode)
	case MsgVoiceSet:
		if _, ok := sk.srv.deps.Catalog.Current().Voice(msg.Voice); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownVoice, msg.Voice)
		}
		return sk.ctrl.SetVoice(ctx, msg.Voice)
	case MsgItemDelete:
		return sk.ctrl.DeleteItem(ctx, msg.ItemID)
	}
	return fmt.Errorf("web: unhandled message type %q", msg.Type)
}

// ── Outbound ──────────────────────────────────────────────────────────────────

func (sk *socket) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-sk.out:
			typ := websocket.MessageText
			if o.binary {
				typ = websocket.MessageBinary
			}
			if err := sk.conn.Write(ctx, typ, o.data); err != nil {
				return fmt.Errorf("web: write: %w", err)
			}
		}
	}
}

// SendJSON implements [relay.Sender]. It waits for queue space.
func (sk *socket) SendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("web: marshal: %w", err)
	}
	return sk.enqueue(ctx, outbound{data: data})
}

// SendBinary implements [relay.Sender]. It waits for queue space.
func (sk *socket) SendBinary(ctx context.Context, data []byte) error {
	return sk.enqueue(ctx, outbound{binary: true, data: data})
}

func (sk *socket) enqueue(ctx context.Context, o outbound) error {
	select {
	case sk.out <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-sk.ctx.Done():
		return relay.ErrClosed
	}
}

// post queues v without waiting. Views are dropped when the browser cannot
// keep up; the next state message supersedes them.
func (sk *socket) post(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("web: marshal message", "socket_id", sk.id, "err", err)
		return
	}
	select {
	case sk.out <- outbound{data: data}:
	default:
		slog.Debug("web: outbound queue full, dropping message", "socket_id", sk.id)
	}
}

func (sk *socket) pushState(snap tutor.Snapshot) {
	st := sk.ctrl.State()
	items := make([]itemView, 0, len(st.Items))
	for _, it := range st.Items {
		items = append(items, newItemView(it))
	}
	sk.post(stateMessage{
		Type:      MsgState,
		Tutor:     snap,
		Scorecard: evaluation.NewScorecard(snap.Evaluation),
		Session:   st,
		Items:     items,
	})
}

func (sk *socket) alert(msg string) {
	sk.post(alertMessage{Type: MsgAlert, Message: msg})
}

func (sk *socket) sendError(op string, err error) {
	sk.post(errorMessage{Type: MsgError, Op: op, Message: err.Error()})
}

// ── Listeners ─────────────────────────────────────────────────────────────────

func (sk *socket) onUpdate(u lifecycle.Update) {
	if sk.machine == nil {
		return
	}
	switch u.Kind {
	case lifecycle.UpdateItem:
		if u.Item == nil {
			return
		}
		sk.machine.ObserveItem(*u.Item)
		msg := itemMessage{Type: MsgItem, Item: newItemView(*u.Item)}
		if u.Delta != nil {
			msg.Delta = u.Delta.Transcript + u.Delta.Text
		}
		sk.post(msg)
	default:
		sk.pushState(sk.machine.Snapshot())
	}
}

func (sk *socket) onSnapshot(snap tutor.Snapshot) {
	sk.pushState(snap)
}

func (sk *socket) onFrame(f visual.Frame) {
	sk.post(frameMessage{Type: MsgVisualFrame, Frame: f})
}
