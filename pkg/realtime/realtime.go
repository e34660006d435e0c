// Package realtime defines the Client interface for a realtime
// speech-to-speech session.
//
// A realtime session is a persistent bidirectional connection to a remote
// conversational voice model. The client accepts microphone audio and text,
// and streams back synthesised audio and transcripts as conversation items
// change. Session settings (instructions, voice, turn detection) may be
// changed before and during a connection; settings made while disconnected
// are applied on the next Connect.
//
// Change notifications are delivered through a [Subscription] obtained from
// [Client.Subscribe]. Every notification is an [Event]; the consumer owns the
// subscription and must Close it when done.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// SampleRate is the PCM16 sample rate (Hz) used for both input and output
// audio on a realtime session.
const SampleRate = 24000

// Sentinel errors returned (wrapped) by Client implementations. Callers use
// errors.Is to tell failure modes apart.
var (
	// ErrUnauthorized reports that the remote service rejected the credential.
	ErrUnauthorized = errors.New("realtime: unauthorized")

	// ErrRateLimited reports that the remote service refused the session
	// because of quota or rate limits.
	ErrRateLimited = errors.New("realtime: rate limited")

	// ErrNetwork reports a transport-level failure reaching the service.
	ErrNetwork = errors.New("realtime: network failure")

	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrAlreadyConnected is returned by Connect on a connected client.
	ErrAlreadyConnected = errors.New("realtime: already connected")
)

// TurnDetection selects who decides that the user has finished speaking.
type TurnDetection string

const (
	// TurnDetectionNone disables automatic turn taking. The caller commits
	// audio and requests responses explicitly (push-to-talk).
	TurnDetectionNone TurnDetection = "none"

	// TurnDetectionServerVAD lets the remote service detect end of speech.
	TurnDetectionServerVAD TurnDetection = "server_vad"
)

// IsValid reports whether t is a recognised turn-detection mode.
func (t TurnDetection) IsValid() bool {
	return t == TurnDetectionNone || t == TurnDetectionServerVAD
}

// Role is the speaker of a conversation item.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ItemStatus is the completion status of a conversation item.
type ItemStatus string

const (
	StatusInProgress ItemStatus = "in_progress"
	StatusCompleted  ItemStatus = "completed"
	StatusIncomplete ItemStatus = "incomplete"
)

// Item is one entry of the conversation held by the client. Items are owned
// by the client; values returned to callers are copies.
type Item struct {
	// ID is the server-assigned item identifier.
	ID string

	// Type is the protocol item type ("message", "function_call",
	// "function_call_output").
	Type string

	Role   Role
	Status ItemStatus

	// Transcript is the spoken text, either recognised user speech or the
	// transcript of synthesised assistant audio.
	Transcript string

	// Text is typed text content.
	Text string

	// Audio is the accumulated PCM16 audio of the item.
	Audio []int16
}

// Clone returns a deep copy of it.
func (it Item) Clone() Item {
	if it.Audio != nil {
		it.Audio = append([]int16(nil), it.Audio...)
	}
	return it
}

// Delta is the incremental change carried by a conversation update.
type Delta struct {
	Audio      []int16
	Transcript string
	Text       string
}

// EventKind identifies the kind of notification delivered on a Subscription.
type EventKind string

const (
	// EventRealtime wraps every raw protocol event sent or received.
	EventRealtime EventKind = "realtime.event"

	// EventError reports a non-fatal error from the session.
	EventError EventKind = "error"

	// EventInterrupted reports that the user started speaking while the
	// assistant was responding.
	EventInterrupted EventKind = "conversation.interrupted"

	// EventUpdated reports that a conversation item was created or changed.
	EventUpdated EventKind = "conversation.updated"
)

// Source tells whether a raw protocol event was sent or received.
type Source string

const (
	SourceClient Source = "client"
	SourceServer Source = "server"
)

// Event is a single notification from a Client.
type Event struct {
	Kind EventKind
	Time time.Time

	// Source, Type and Payload are set for EventRealtime.
	Source  Source
	Type    string
	Payload json.RawMessage

	// Err is set for EventError.
	Err error

	// Item and Delta are set for EventUpdated. Delta may be nil.
	Item  *Item
	Delta *Delta
}

// Content is one part of a user message sent with SendUserMessageContent.
type Content struct {
	// Type is "input_text" or "input_audio".
	Type string
	Text string
}

// InputText returns a text content part.
func InputText(text string) Content {
	return Content{Type: "input_text", Text: text}
}

// Transcription configures recognition of the user's input audio.
type Transcription struct {
	Model string
}

// SessionUpdate carries the session settings to change. Nil fields are left
// untouched.
type SessionUpdate struct {
	Instructions            *string
	Voice                   *string
	TurnDetection           *TurnDetection
	InputAudioTranscription *Transcription
}

// Client is a realtime session client.
type Client interface {
	// Connect opens the session and applies the cached settings. Returns an
	// error wrapping ErrUnauthorized, ErrRateLimited or ErrNetwork where the
	// failure can be identified.
	Connect(ctx context.Context) error

	// Disconnect closes the session and clears the conversation. Calling it
	// on a disconnected client is a no-op.
	Disconnect() error

	// IsConnected reports whether the session is open.
	IsConnected() bool

	// SendUserMessageContent adds a user message and requests a response.
	SendUserMessageContent(ctx context.Context, content []Content) error

	// AppendInputAudio streams microphone samples into the input buffer.
	AppendInputAudio(ctx context.Context, samples []int16) error

	// CreateResponse asks the model to respond. With turn detection
	// disabled, pending input audio is committed first.
	CreateResponse(ctx context.Context) error

	// CancelResponse stops the in-flight response. When itemID names an
	// assistant item, its audio is truncated at sampleCount samples so the
	// server transcript matches what the user actually heard.
	CancelResponse(ctx context.Context, itemID string, sampleCount int) error

	// DeleteItem asks the server to remove an item from the conversation.
	DeleteItem(ctx context.Context, id string) error

	// UpdateSession changes session settings. Applied immediately when
	// connected and cached for the next Connect otherwise.
	UpdateSession(ctx context.Context, update SessionUpdate) error

	// TurnDetectionType returns the current turn-detection mode.
	TurnDetectionType() TurnDetection

	// Items returns a snapshot of the conversation in order.
	Items() []Item

	// Subscribe opens a new notification stream.
	Subscribe() *Subscription
}

// Provider creates realtime clients. One client serves one conversation.
type Provider interface {
	NewClient() Client
}
