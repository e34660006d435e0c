package lifecycle_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/lifecycle"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/realtime"
	realtimemock "github.com/MrWong99/parley/pkg/realtime/mock"
)

type fixture struct {
	client   *realtimemock.Client
	device   *audiomock.Device
	recorder *audiomock.Recorder
	player   *audiomock.Player
}

func newFixture() *fixture {
	return &fixture{
		client:   &realtimemock.Client{},
		device:   &audiomock.Device{},
		recorder: &audiomock.Recorder{},
		player:   &audiomock.Player{},
	}
}

func (f *fixture) controller(t *testing.T, opts ...lifecycle.Option) *lifecycle.Controller {
	t.Helper()
	c := lifecycle.New(f.client, f.device, f.recorder, f.player, opts...)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnect_Success(t *testing.T) {
	t.Parallel()

	f := newFixture()
	c := f.controller(t, lifecycle.WithVoice("echo"))

	if err := c.Connect(context.Background(), "You are a barista."); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !c.IsConnected() {
		t.Fatal("not connected after Connect")
	}

	calls := f.client.CallLog()
	want := []string{"UpdateSession", "Connect", "SendUserMessageContent"}
	if !slices.Equal(calls, want) {
		t.Errorf("client calls = %v, want %v", calls, want)
	}

	up := f.client.SessionUpdates[0]
	if up.Instructions == nil || *up.Instructions != "You are a barista." {
		t.Errorf("instructions = %v", up.Instructions)
	}
	if up.Voice == nil || *up.Voice != "echo" {
		t.Errorf("voice = %v", up.Voice)
	}
	if up.InputAudioTranscription == nil || up.InputAudioTranscription.Model != lifecycle.DefaultTranscriptionModel {
		t.Errorf("transcription = %+v", up.InputAudioTranscription)
	}

	sent := f.client.SentContent
	if len(sent) != 1 || sent[0][0].Text != lifecycle.DefaultGreeting {
		t.Errorf("greeting = %+v", sent)
	}
	if got := f.recorder.Status(); got != audio.StatusPaused {
		t.Errorf("recorder status = %q, want paused", got)
	}
	if f.device.Track.Stops() != 1 {
		t.Errorf("test track stops = %d, want 1", f.device.Track.Stops())
	}

	if err := c.Connect(context.Background(), "again"); !errors.Is(err, lifecycle.ErrAlreadyConnected) {
		t.Errorf("second Connect err = %v, want ErrAlreadyConnected", err)
	}
}

func TestConnect_LogsTagConversationSession(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	f := newFixture()
	c := f.controller(t, lifecycle.WithSessionID("socket-1"))
	ctx := context.Background()

	if err := c.Connect(observe.WithSession(ctx, "conv-1"), "x"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	out := buf.String()
	for _, msg := range []string{"session connected", "session disconnected"} {
		if !strings.Contains(out, `msg="`+msg+`"`) {
			t.Errorf("missing %q in %q", msg, out)
		}
	}
	if n := strings.Count(out, "session_id=conv-1"); n != 2 {
		t.Errorf("conv-1 tagged %d lines, want 2: %q", n, out)
	}
	if strings.Contains(out, "socket-1") {
		t.Errorf("conversation logs carry the controller tag: %q", out)
	}

	// Without a session on the context the controller's own tag is used.
	buf.Reset()
	if err := c.Connect(ctx, "x"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = c.Disconnect(ctx)
	if n := strings.Count(buf.String(), "session_id=socket-1"); n != 2 {
		t.Errorf("socket-1 tagged %d lines, want 2: %q", n, buf.String())
	}
}

func TestConnect_ServerVADStartsRecording(t *testing.T) {
	t.Parallel()

	f := newFixture()
	c := f.controller(t, lifecycle.WithTurnDetection(realtime.TurnDetectionServerVAD))

	if err := c.Connect(context.Background(), "x"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := f.recorder.Status(); got != audio.StatusRecording {
		t.Fatalf("recorder status = %q, want recording", got)
	}
	if c.State().CanPushToTalk {
		t.Error("push-to-talk allowed under server_vad")
	}

	if !f.recorder.Feed([]int16{1, 2, 3}) {
		t.Fatal("no chunk callback registered")
	}
	if got := f.client.AppendedAudio; len(got) != 1 || !slices.Equal(got[0], []int16{1, 2, 3}) {
		t.Errorf("appended audio = %v", got)
	}
}

func TestConnect_PermissionDenied(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.device.AcquireErr = &audio.DeviceError{Name: audio.ErrNameNotAllowed, Message: "denied"}
	c := f.controller(t)

	err := c.Connect(context.Background(), "x")
	var ce *lifecycle.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ConnectError", err)
	}
	if ce.Kind != lifecycle.KindPermissionDenied {
		t.Errorf("kind = %q, want %q", ce.Kind, lifecycle.KindPermissionDenied)
	}
	if c.IsConnected() {
		t.Error("connected after failure")
	}
	if got := f.recorder.Status(); got != audio.StatusEnded {
		t.Errorf("recorder status = %q, want ended", got)
	}
	if got := lifecycle.UserMessage(err); got != lifecycle.KindPermissionDenied.Message() {
		t.Errorf("message = %q", got)
	}
}

func TestConnect_DeadTrack(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.device.Track = &audiomock.Track{Dead: true}
	c := f.controller(t)

	err := c.Connect(context.Background(), "x")
	if !errors.Is(err, lifecycle.ErrTrackNotLive) {
		t.Fatalf("err = %v, want ErrTrackNotLive", err)
	}
	var ce *lifecycle.ConnectError
	if errors.As(err, &ce) && ce.Kind != lifecycle.KindCaptureUnknown {
		t.Errorf("kind = %q", ce.Kind)
	}
	if f.device.Track.Stops() != 1 {
		t.Errorf("track stops = %d, want 1", f.device.Track.Stops())
	}
}

func TestConnect_RollbackOnPlayerFailure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.player.ConnectErr = errors.New("no output")
	c := f.controller(t)

	err := c.Connect(context.Background(), "x")
	var ce *lifecycle.ConnectError
	if !errors.As(err, &ce) || ce.Kind != lifecycle.KindPlayerInit {
		t.Fatalf("err = %v, want player-init", err)
	}

	if got := f.recorder.CallLog(); !slices.Equal(got, []string{"Begin", "End"}) {
		t.Errorf("recorder calls = %v, want [Begin End]", got)
	}
	if f.device.Track.Stops() != 1 {
		t.Errorf("track stops = %d, want 1", f.device.Track.Stops())
	}
	if f.player.Interrupts() != 1 {
		t.Errorf("player interrupts = %d, want 1", f.player.Interrupts())
	}
	if slices.Contains(f.client.CallLog(), "Connect") {
		t.Error("session connected despite player failure")
	}
}

func TestConnect_RemoteFailureClassified(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want lifecycle.Kind
	}{
		{"unauthorized", realtime.ErrUnauthorized, lifecycle.KindAuth},
		{"rate limited", realtime.ErrRateLimited, lifecycle.KindRateLimited},
		{"network", realtime.ErrNetwork, lifecycle.KindNetwork},
		{"other", errors.New("boom"), lifecycle.KindRemoteUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture()
			f.client.ConnectErr = tt.err
			c := f.controller(t)

			err := c.Connect(context.Background(), "x")
			var ce *lifecycle.ConnectError
			if !errors.As(err, &ce) || ce.Kind != tt.want {
				t.Fatalf("err = %v, want kind %q", err, tt.want)
			}
			if got := f.recorder.Status(); got != audio.StatusEnded {
				t.Errorf("recorder status = %q, want ended", got)
			}
		})
	}
}

func TestConnect_GreetingFailureDisconnects(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.client.SendErr = realtime.ErrNetwork
	c := f.controller(t)

	if err := c.Connect(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
	if f.client.IsConnected() {
		t.Error("session left open after failed greeting")
	}
	if !slices.Contains(f.client.CallLog(), "Disconnect") {
		t.Error("Disconnect not called during rollback")
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFixture()
	c := f.controller(t)
	ctx := context.Background()

	if err := c.Connect(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("first Disconnect: %v", err)
	}
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	st := c.State()
	if st.Connected || st.Recording || len(st.Items) != 0 || len(st.Events) != 0 {
		t.Errorf("state after disconnect = %+v", st)
	}
	if got := f.recorder.Status(); got != audio.StatusEnded {
		t.Errorf("recorder status = %q", got)
	}
}

func TestDisconnect_JoinsErrors(t *testing.T) {
	t.Parallel()

	f := newFixture()
	c := f.controller(t)
	f.client.DisconnectErr = errors.New("socket")
	f.recorder.EndErr = errors.New("mic")

	err := c.Disconnect(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, f.client.DisconnectErr) || !errors.Is(err, f.recorder.EndErr) {
		t.Errorf("err = %v, want both causes", err)
	}
}

func TestPushToTalk(t *testing.T) {
	t.Parallel()

	f := newFixture()
	c := f.controller(t)
	ctx := context.Background()

	if err := c.StartPushToTalk(ctx); !errors.Is(err, lifecycle.ErrNotConnected) {
		t.Errorf("StartPushToTalk before connect err = %v", err)
	}
	if err := c.Connect(ctx, "x"); err != nil {
		t.Fatal(err)
	}

	f.player.SetInterruptResult(&audio.TrackOffset{TrackID: "item_1", Offset: 4800})
	if err := c.StartPushToTalk(ctx); err != nil {
		t.Fatalf("StartPushToTalk: %v", err)
	}
	if !c.State().Recording {
		t.Error("state not recording")
	}
	if got := f.recorder.Status(); got != audio.StatusRecording {
		t.Errorf("recorder status = %q", got)
	}
	if got := f.client.CancelCalls; len(got) != 1 || got[0].ItemID != "item_1" || got[0].SampleCount != 4800 {
		t.Errorf("cancel calls = %+v", got)
	}

	if err := c.StopPushToTalk(ctx); err != nil {
		t.Fatalf("StopPushToTalk: %v", err)
	}
	if got := f.recorder.Status(); got != audio.StatusPaused {
		t.Errorf("recorder status = %q, want paused", got)
	}
	if f.client.CreateResponseCalls != 1 {
		t.Errorf("CreateResponse calls = %d", f.client.CreateResponseCalls)
	}
	if c.State().Recording {
		t.Error("state still recording")
	}
}

func TestPushToTalk_DisabledUnderServerVAD(t *testing.T) {
	t.Parallel()

	f := newFixture()
	c := f.controller(t, lifecycle.WithTurnDetection(realtime.TurnDetectionServerVAD))
	if err := c.Connect(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	if err := c.StartPushToTalk(context.Background()); !errors.Is(err, lifecycle.ErrPushToTalkDisabled) {
		t.Errorf("err = %v, want ErrPushToTalkDisabled", err)
	}
}

func TestSetTurnDetectionMode(t *testing.T) {
	t.Parallel()

	f := newFixture()
	c := f.controller(t, lifecycle.WithTurnDetection(realtime.TurnDetectionServerVAD))
	ctx := context.Background()
	if err := c.Connect(ctx, "x"); err != nil {
		t.Fatal(err)
	}

	if err := c.SetTurnDetectionMode(ctx, realtime.TurnDetectionNone); err != nil {
		t.Fatalf("to none: %v", err)
	}
	if got := f.recorder.Status(); got != audio.StatusPaused {
		t.Errorf("recorder status = %q, want paused", got)
	}
	st := c.State()
	if !st.CanPushToTalk || st.TurnDetection != realtime.TurnDetectionNone {
		t.Errorf("state = %+v", st)
	}

	if err := c.SetTurnDetectionMode(ctx, realtime.TurnDetectionServerVAD); err != nil {
		t.Fatalf("to server_vad: %v", err)
	}
	if got := f.recorder.Status(); got != audio.StatusRecording {
		t.Errorf("recorder status = %q, want recording", got)
	}
	if c.State().CanPushToTalk {
		t.Error("push-to-talk still allowed")
	}

	if err := c.SetTurnDetectionMode(ctx, "semantic"); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestSetVoice(t *testing.T) {
	t.Parallel()

	f := newFixture()
	c := f.controller(t)
	ctx := context.Background()

	if err := c.SetVoice(ctx, "shimmer"); err != nil {
		t.Fatal(err)
	}
	if len(f.client.SessionUpdates) != 0 {
		t.Error("voice sent while disconnected")
	}
	if err := c.Connect(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	if v := f.client.SessionUpdates[0].Voice; v == nil || *v != "shimmer" {
		t.Errorf("connect voice = %v", v)
	}

	if err := c.SetVoice(ctx, "echo"); err != nil {
		t.Fatal(err)
	}
	last := f.client.SessionUpdates[len(f.client.SessionUpdates)-1]
	if last.Voice == nil || *last.Voice != "echo" {
		t.Errorf("live voice update = %+v", last)
	}
	if c.State().Voice != "echo" {
		t.Errorf("state voice = %q", c.State().Voice)
	}
}

func TestHandle_AudioDeltaQueuedForPlayback(t *testing.T) {
	t.Parallel()

	f := newFixture()
	var (
		mu      sync.Mutex
		updates []lifecycle.Update
	)
	c := f.controller(t, lifecycle.WithListener(func(u lifecycle.Update) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	}))
	if err := c.Connect(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}

	item := realtime.Item{ID: "item_a", Role: realtime.RoleAssistant, Transcript: "Hi"}
	f.client.SetItems([]realtime.Item{item})
	f.client.Emit(realtime.Event{
		Kind:  realtime.EventUpdated,
		Item:  &item,
		Delta: &realtime.Delta{Audio: []int16{5, 6}},
	})

	waitFor(t, "playback", func() bool { return len(f.player.AddCalls()) == 1 })
	add := f.player.AddCalls()[0]
	if add.TrackID != "item_a" || !slices.Equal(add.Samples, []int16{5, 6}) {
		t.Errorf("add call = %+v", add)
	}
	waitFor(t, "items", func() bool { return len(c.State().Items) == 1 })

	mu.Lock()
	defer mu.Unlock()
	var sawItem bool
	for _, u := range updates {
		if u.Kind == lifecycle.UpdateItem && u.Item != nil && u.Item.ID == "item_a" {
			sawItem = true
		}
	}
	if !sawItem {
		t.Error("no item update delivered")
	}
}

func TestHandle_InterruptCancelsAtPlayedOffset(t *testing.T) {
	t.Parallel()

	f := newFixture()
	c := f.controller(t, lifecycle.WithTurnDetection(realtime.TurnDetectionServerVAD))
	if err := c.Connect(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}

	f.player.SetInterruptResult(&audio.TrackOffset{TrackID: "item_b", Offset: 12000})
	f.client.Emit(realtime.Event{Kind: realtime.EventInterrupted})

	waitFor(t, "cancel", func() bool {
		for _, call := range f.client.CallLog() {
			if call == "CancelResponse" {
				return true
			}
		}
		return false
	})
	got := f.client.CancelCalls[0]
	if got.ItemID != "item_b" || got.SampleCount != 12000 {
		t.Errorf("cancel = %+v", got)
	}
}

func TestHandle_InterruptWithoutPlaybackDoesNotCancel(t *testing.T) {
	t.Parallel()

	f := newFixture()
	c := f.controller(t)
	if err := c.Connect(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	f.client.Emit(realtime.Event{Kind: realtime.EventInterrupted})
	waitFor(t, "interrupt", func() bool { return f.player.Interrupts() == 1 })
	time.Sleep(20 * time.Millisecond)
	if slices.Contains(f.client.CallLog(), "CancelResponse") {
		t.Error("cancel sent with nothing playing")
	}
}

func TestHandle_EventLogOnlyWhileActive(t *testing.T) {
	t.Parallel()

	f := newFixture()
	c := f.controller(t)

	f.client.Emit(realtime.Event{Kind: realtime.EventRealtime, Type: "session.created", Source: realtime.SourceServer})
	time.Sleep(20 * time.Millisecond)
	if n := len(c.State().Events); n != 0 {
		t.Fatalf("events before connect = %d, want 0", n)
	}

	if err := c.Connect(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		f.client.Emit(realtime.Event{Kind: realtime.EventRealtime, Type: "response.audio.delta", Source: realtime.SourceServer})
	}
	f.client.Emit(realtime.Event{Kind: realtime.EventRealtime, Type: "response.done", Source: realtime.SourceServer})

	waitFor(t, "log", func() bool { return len(c.State().Events) == 2 })
	ev := c.State().Events
	if ev[0].Type != "response.audio.delta" || ev[0].Count != 3 {
		t.Errorf("first entry = %+v", ev[0])
	}
	if ev[1].Type != "response.done" || ev[1].Count != 1 {
		t.Errorf("second entry = %+v", ev[1])
	}
}
