// Package relay implements the audio capabilities on top of a browser that
// owns the real microphone and speakers.
//
// The server and the browser share one WebSocket. Control operations
// (acquire the device, begin recording, interrupt playback, ...) are JSON
// requests correlated with replies through a [Link]. Microphone audio arrives
// as binary frames handed to [Recorder.HandleFrame]; playback audio leaves as
// binary frames built by [EncodePlaybackFrame].
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Message types on the shared socket.
const (
	TypeRequest = "relay.request"
	TypeReply   = "relay.reply"
)

// Operation names sent to the browser.
const (
	OpDeviceAcquire   = "device.acquire"
	OpTrackStop       = "track.stop"
	OpRecorderBegin   = "recorder.begin"
	OpRecorderRecord  = "recorder.record"
	OpRecorderPause   = "recorder.pause"
	OpRecorderEnd     = "recorder.end"
	OpPlayerConnect   = "player.connect"
	OpPlayerInterrupt = "player.interrupt"
)

const defaultCallTimeout = 30 * time.Second

// ErrClosed is returned by calls on a closed Link.
var ErrClosed = errors.New("relay: link closed")

// Sender writes frames to the browser. Implementations must be safe for
// concurrent use.
type Sender interface {
	SendJSON(ctx context.Context, v any) error
	SendBinary(ctx context.Context, data []byte) error
}

// Request is a server-to-browser operation.
type Request struct {
	Type string          `json:"type"`
	ID   uint64          `json:"id,omitempty"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ReplyError is the failure a browser reports for a request. Name is a
// DOMException name where one applies.
type ReplyError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Reply is a browser-to-server answer to a Request.
type Reply struct {
	Type   string          `json:"type"`
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ReplyError     `json:"error,omitempty"`
}

// LinkOption configures a Link.
type LinkOption func(*Link)

// WithCallTimeout bounds how long Call waits for a reply when ctx has no
// earlier deadline.
func WithCallTimeout(d time.Duration) LinkOption {
	return func(l *Link) { l.timeout = d }
}

// Link correlates requests sent to the browser with their replies.
type Link struct {
	sender  Sender
	timeout time.Duration

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Reply
	closed  bool
}

// NewLink returns a Link writing through s.
func NewLink(s Sender, opts ...LinkOption) *Link {
	l := &Link{
		sender:  s,
		timeout: defaultCallTimeout,
		pending: make(map[uint64]chan Reply),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Call sends op with args and waits for the reply. A reply error is returned
// as *audio.DeviceError. If result is non-nil, the reply result is decoded
// into it.
func (l *Link) Call(ctx context.Context, op string, args, result any) error {
	req, err := newRequest(op, args)
	if err != nil {
		return err
	}

	ch := make(chan Reply, 1)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.nextID++
	req.ID = l.nextID
	l.pending[req.ID] = ch
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.pending, req.ID)
		l.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.sender.SendJSON(ctx, req); err != nil {
		return fmt.Errorf("relay: %s: send: %w", op, err)
	}

	select {
	case rep, ok := <-ch:
		if !ok {
			return fmt.Errorf("relay: %s: %w", op, ErrClosed)
		}
		if rep.Error != nil {
			return &audio.DeviceError{Name: rep.Error.Name, Message: rep.Error.Message}
		}
		if result != nil && len(rep.Result) > 0 {
			if err := json.Unmarshal(rep.Result, result); err != nil {
				return fmt.Errorf("relay: %s: decode result: %w", op, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay: %s: %w", op, ctx.Err())
	}
}

// Notify sends op without waiting for a reply.
func (l *Link) Notify(ctx context.Context, op string, args any) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	req, err := newRequest(op, args)
	if err != nil {
		return err
	}
	if err := l.sender.SendJSON(ctx, req); err != nil {
		return fmt.Errorf("relay: %s: send: %w", op, err)
	}
	return nil
}

// SendBinary forwards a binary frame to the browser.
func (l *Link) SendBinary(ctx context.Context, data []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return l.sender.SendBinary(ctx, data)
}

// Resolve delivers a reply to the waiting Call. It reports whether a call
// was waiting for it.
func (l *Link) Resolve(rep Reply) bool {
	l.mu.Lock()
	ch, ok := l.pending[rep.ID]
	if ok {
		delete(l.pending, rep.ID)
	}
	l.mu.Unlock()
	if !ok {
		return false
	}
	ch <- rep
	return true
}

// Close fails every pending call with ErrClosed. Later calls fail
// immediately. Idempotent.
func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for id, ch := range l.pending {
		close(ch)
		delete(l.pending, id)
	}
}

func newRequest(op string, args any) (Request, error) {
	req := Request{Type: TypeRequest, Op: op}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return Request{}, fmt.Errorf("relay: %s: marshal args: %w", op, err)
		}
		req.Args = raw
	}
	return req, nil
}
