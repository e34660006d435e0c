// Package openai implements realtime.Client for OpenAI's Realtime API.
//
// It opens a WebSocket to the Realtime endpoint (or a relay server speaking
// the same protocol) and exchanges JSON events. Audio travels as
// base64-encoded PCM16 at 24 kHz. The client keeps its own copy of the
// conversation, applies server events to it, and publishes every raw event
// plus every item change on its [realtime.Hub].
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/realtime"
)

// Compile-time assertions.
var (
	_ realtime.Provider = (*Provider)(nil)
	_ realtime.Client   = (*Client)(nil)
)

const (
	defaultModel   = "gpt-4o-realtime-preview-2024-10-01"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultVoice   = "alloy"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Used for relay servers and in
// tests to point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider creates OpenAI Realtime clients sharing one credential.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates a Provider. An empty apiKey is allowed when baseURL points at a
// relay server that injects credentials itself.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// NewClient returns a disconnected client with default session settings.
func (p *Provider) NewClient() realtime.Client {
	return &Client{
		provider: p,
		settings: sessionSettings{
			voice:         defaultVoice,
			turnDetection: realtime.TurnDetectionNone,
		},
	}
}

// ── Client ─────────────────────────────────────────────────────────────────────

// sessionSettings is the client-side copy of the session configuration.
type sessionSettings struct {
	instructions  string
	voice         string
	turnDetection realtime.TurnDetection
	transcription *realtime.Transcription
}

// Client implements realtime.Client.
type Client struct {
	provider *Provider
	hub      realtime.Hub

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc
	loopDone  chan struct{}
	settings  sessionSettings
	conv      conversation

	// pendingInput reports that audio was appended since the last commit.
	pendingInput bool
}

// Subscribe implements realtime.Client.
func (c *Client) Subscribe() *realtime.Subscription { return c.hub.Subscribe() }

// IsConnected implements realtime.Client.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// TurnDetectionType implements realtime.Client.
func (c *Client) TurnDetectionType() realtime.TurnDetection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.turnDetection
}

// Items implements realtime.Client.
func (c *Client) Items() []realtime.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv.snapshot()
}

// Connect implements realtime.Client.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return realtime.ErrAlreadyConnected
	}
	c.mu.Unlock()

	p := c.provider
	header := http.Header{"OpenAI-Beta": []string{"realtime=v1"}}
	if p.apiKey != "" {
		header.Set("Authorization", "Bearer "+p.apiKey)
	}
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: p.httpClient,
	})
	if err != nil {
		return classifyDialError(resp, err)
	}
	conn.SetReadLimit(8 << 20)

	sessCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.cancel = cancel
	c.loopDone = done
	c.pendingInput = false
	c.conv.clear()
	settings := c.settings
	c.mu.Unlock()

	go c.receiveLoop(sessCtx, conn, done)

	if err := c.send(ctx, sessionUpdateEvent(settings)); err != nil {
		_ = c.Disconnect()
		return fmt.Errorf("openai: session update: %w: %w", realtime.ErrNetwork, err)
	}
	return nil
}

// classifyDialError maps handshake failures onto the realtime sentinels.
func classifyDialError(resp *http.Response, err error) error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("openai: dial: %w: %w", realtime.ErrUnauthorized, err)
		case http.StatusTooManyRequests:
			return fmt.Errorf("openai: dial: %w: %w", realtime.ErrRateLimited, err)
		}
		return fmt.Errorf("openai: dial: status %d: %w", resp.StatusCode, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("openai: dial: %w", err)
	}
	return fmt.Errorf("openai: dial: %w: %w", realtime.ErrNetwork, err)
}

// Disconnect implements realtime.Client.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	conn, cancel, done := c.conn, c.cancel, c.loopDone
	c.connected = false
	c.conn = nil
	c.cancel = nil
	c.pendingInput = false
	c.conv.clear()
	c.mu.Unlock()

	cancel()
	conn.Close(websocket.StatusNormalClosure, "session closed")
	<-done
	return nil
}

// SendUserMessageContent implements realtime.Client.
func (c *Client) SendUserMessageContent(ctx context.Context, content []realtime.Content) error {
	parts := make([]contentPart, 0, len(content))
	for _, ct := range content {
		parts = append(parts, contentPart{Type: ct.Type, Text: ct.Text})
	}
	if err := c.send(ctx, clientEvent{
		"type": "conversation.item.create",
		"item": itemPayload{Type: "message", Role: string(realtime.RoleUser), Content: parts},
	}); err != nil {
		return err
	}
	return c.CreateResponse(ctx)
}

// AppendInputAudio implements realtime.Client.
func (c *Client) AppendInputAudio(ctx context.Context, samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	encoded := base64.StdEncoding.EncodeToString(audio.EncodePCM16(samples))
	if err := c.send(ctx, clientEvent{"type": "input_audio_buffer.append", "audio": encoded}); err != nil {
		return err
	}
	c.mu.Lock()
	c.pendingInput = true
	c.mu.Unlock()
	return nil
}

// CreateResponse implements realtime.Client.
func (c *Client) CreateResponse(ctx context.Context) error {
	c.mu.Lock()
	commit := c.settings.turnDetection == realtime.TurnDetectionNone && c.pendingInput
	c.pendingInput = false
	c.mu.Unlock()

	if commit {
		if err := c.send(ctx, clientEvent{"type": "input_audio_buffer.commit"}); err != nil {
			return err
		}
	}
	return c.send(ctx, clientEvent{"type": "response.create"})
}

// CancelResponse implements realtime.Client.
func (c *Client) CancelResponse(ctx context.Context, itemID string, sampleCount int) error {
	if itemID == "" {
		return c.send(ctx, clientEvent{"type": "response.cancel"})
	}

	c.mu.Lock()
	it, ok := c.conv.get(itemID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("openai: cancel response: item %q not found", itemID)
	}
	if it.Type != "message" || it.Role != realtime.RoleAssistant {
		return fmt.Errorf("openai: cancel response: item %q is not an assistant message", itemID)
	}

	if err := c.send(ctx, clientEvent{"type": "response.cancel"}); err != nil {
		return err
	}
	endMs := int64(sampleCount) * 1000 / realtime.SampleRate
	return c.send(ctx, clientEvent{
		"type":          "conversation.item.truncate",
		"item_id":       itemID,
		"content_index": 0,
		"audio_end_ms":  endMs,
	})
}

// DeleteItem implements realtime.Client.
func (c *Client) DeleteItem(ctx context.Context, id string) error {
	return c.send(ctx, clientEvent{"type": "conversation.item.delete", "item_id": id})
}

// UpdateSession implements realtime.Client.
func (c *Client) UpdateSession(ctx context.Context, update realtime.SessionUpdate) error {
	c.mu.Lock()
	if update.Instructions != nil {
		c.settings.instructions = *update.Instructions
	}
	if update.Voice != nil {
		c.settings.voice = *update.Voice
	}
	if update.TurnDetection != nil {
		c.settings.turnDetection = *update.TurnDetection
	}
	if update.InputAudioTranscription != nil {
		tr := *update.InputAudioTranscription
		c.settings.transcription = &tr
	}
	settings := c.settings
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.send(ctx, sessionUpdateEvent(settings))
}

// send marshals ev, writes it to the socket and publishes it as a client
// realtime event.
func (c *Client) send(ctx context.Context, ev clientEvent) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return realtime.ErrNotConnected
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("openai: write %v: %w", ev["type"], err)
	}

	typ, _ := ev["type"].(string)
	c.hub.Publish(realtime.Event{
		Kind:    realtime.EventRealtime,
		Time:    time.Now(),
		Source:  realtime.SourceClient,
		Type:    typ,
		Payload: data,
	})
	return nil
}

// receiveLoop reads server events until the socket fails or ctx ends.
func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			if c.conn == conn {
				c.connected = false
				c.conn = nil
				c.conv.clear()
			}
			c.mu.Unlock()
			c.hub.Publish(realtime.Event{
				Kind: realtime.EventError,
				Time: time.Now(),
				Err:  fmt.Errorf("openai: read: %w: %w", realtime.ErrNetwork, err),
			})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		c.hub.Publish(realtime.Event{
			Kind:    realtime.EventRealtime,
			Time:    time.Now(),
			Source:  realtime.SourceServer,
			Type:    evt.Type,
			Payload: data,
		})
		c.handleServerEvent(&evt)
	}
}

func (c *Client) handleServerEvent(evt *serverEvent) {
	now := time.Now()

	switch evt.Type {
	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		c.hub.Publish(realtime.Event{Kind: realtime.EventError, Time: now, Err: fmt.Errorf("openai: %s", msg)})
		return

	case "input_audio_buffer.speech_started":
		c.hub.Publish(realtime.Event{Kind: realtime.EventInterrupted, Time: now})
		return
	}

	c.mu.Lock()
	item, delta, ok := c.conv.apply(evt)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.hub.Publish(realtime.Event{Kind: realtime.EventUpdated, Time: now, Item: &item, Delta: delta})
}
