// Package audio defines the microphone and playback capabilities a voice
// session needs: a capture [Device], a [Recorder] that streams PCM16 chunks,
// and a [Player] that queues synthesised audio per track and can be
// interrupted mid-stream.
//
// All audio is mono little-endian PCM16. Implementations must be safe for
// concurrent use.
package audio

import (
	"context"
	"fmt"
	"time"
)

// DefaultSampleRate is the sample rate (Hz) of recorder output and player
// input.
const DefaultSampleRate = 24000

// Status is the state of a [Recorder].
type Status string

const (
	// StatusEnded means no capture session is open. Begin starts one.
	StatusEnded Status = "ended"

	// StatusPaused means a capture session is open but chunks are not
	// being delivered.
	StatusPaused Status = "paused"

	// StatusRecording means chunks are being delivered to the ChunkFunc.
	StatusRecording Status = "recording"
)

// ChunkFunc receives one chunk of captured mono PCM16 audio. It is called
// from the recorder's delivery goroutine and must not block for long.
type ChunkFunc func(samples []int16)

// Recorder captures microphone audio.
type Recorder interface {
	// Begin opens a capture session. Status moves from ended to paused.
	Begin(ctx context.Context) error

	// Record starts delivering chunks to fn. Returns an error if the
	// recorder has not begun or is already recording.
	Record(ctx context.Context, fn ChunkFunc) error

	// Pause stops chunk delivery without closing the capture session.
	Pause(ctx context.Context) error

	// End closes the capture session and releases the device. Calling End
	// on an ended recorder is a no-op.
	End(ctx context.Context) error

	// Status reports the current recorder state.
	Status() Status

	// Frequencies returns a spectrum of the most recent input audio.
	Frequencies(kind FrequencyKind) Frequencies
}

// TrackOffset reports how far playback of a track had progressed when the
// player was interrupted.
type TrackOffset struct {
	TrackID string

	// Offset is the number of samples of the track that were played.
	Offset int

	// CurrentTime is Offset expressed as a duration.
	CurrentTime time.Duration
}

// Player plays queued PCM16 audio tracks.
type Player interface {
	// Connect prepares the output device.
	Connect(ctx context.Context) error

	// Add16BitPCM queues samples for playback under trackID. Tracks play in
	// the order they were first added.
	Add16BitPCM(samples []int16, trackID string) error

	// Interrupt stops playback and discards queued audio. It returns the
	// offset reached in the track that was playing, or nil if nothing was
	// playing.
	Interrupt(ctx context.Context) (*TrackOffset, error)

	// Frequencies returns a spectrum of the audio currently playing.
	Frequencies(kind FrequencyKind) Frequencies

	// HasAnalyser reports whether the output path is connected and can be
	// analysed.
	HasAnalyser() bool
}

// Track is a live capture track returned by [Device.Acquire].
type Track interface {
	// Live reports whether the track is producing audio.
	Live() bool

	// Stop releases the track. Idempotent.
	Stop()
}

// Device grants access to a microphone.
type Device interface {
	// Acquire asks for microphone permission and returns a test track.
	// Failures are returned as *DeviceError where the cause is known.
	Acquire(ctx context.Context) (Track, error)
}

// Capture failure names. They follow the DOMException names browsers use for
// media capture so errors reported by a browser map onto them directly.
const (
	ErrNameNotSupported   = "NotSupportedError"
	ErrNameInsecure       = "SecurityError"
	ErrNameNotAllowed     = "NotAllowedError"
	ErrNameNotFound       = "NotFoundError"
	ErrNameNotReadable    = "NotReadableError"
	ErrNameOverconstraint = "OverconstrainedError"
	ErrNameAbort          = "AbortError"
)

// DeviceError is a microphone capture failure.
type DeviceError struct {
	// Name is the failure name, one of the ErrName constants or any other
	// name the capture backend reports.
	Name string

	// Message is the human-readable detail from the backend.
	Message string
}

func (e *DeviceError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("audio: device: %s", e.Name)
	}
	return fmt.Sprintf("audio: device: %s: %s", e.Name, e.Message)
}
