package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

var _ audio.Recorder = (*Recorder)(nil)

// Recorder errors for calls made in the wrong state.
var (
	ErrNotBegun         = errors.New("relay: recorder not begun")
	ErrAlreadyBegun     = errors.New("relay: recorder already begun")
	ErrAlreadyRecording = errors.New("relay: recorder already recording")
)

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithSourceRate declares the sample rate of the browser's microphone frames.
// Frames are resampled to [audio.DefaultSampleRate].
func WithSourceRate(hz int) RecorderOption {
	return func(r *Recorder) { r.conv.SourceRate = hz }
}

// Recorder is an [audio.Recorder] whose capture runs in the browser.
type Recorder struct {
	link     *Link
	conv     audio.InputConverter
	analyser *audio.Analyser

	mu     sync.Mutex
	status audio.Status
	fn     audio.ChunkFunc
}

// NewRecorder returns an ended Recorder using link.
func NewRecorder(link *Link, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		link:     link,
		analyser: audio.NewAnalyser(audio.DefaultSampleRate),
		status:   audio.StatusEnded,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Begin implements [audio.Recorder].
func (r *Recorder) Begin(ctx context.Context) error {
	r.mu.Lock()
	if r.status != audio.StatusEnded {
		r.mu.Unlock()
		return ErrAlreadyBegun
	}
	r.mu.Unlock()

	if err := r.link.Call(ctx, OpRecorderBegin, nil, nil); err != nil {
		return fmt.Errorf("relay: recorder begin: %w", err)
	}

	r.mu.Lock()
	r.status = audio.StatusPaused
	r.mu.Unlock()
	return nil
}

// Record implements [audio.Recorder].
func (r *Recorder) Record(ctx context.Context, fn audio.ChunkFunc) error {
	r.mu.Lock()
	switch r.status {
	case audio.StatusEnded:
		r.mu.Unlock()
		return ErrNotBegun
	case audio.StatusRecording:
		r.mu.Unlock()
		return ErrAlreadyRecording
	}
	r.mu.Unlock()

	if err := r.link.Call(ctx, OpRecorderRecord, nil, nil); err != nil {
		return fmt.Errorf("relay: recorder record: %w", err)
	}

	r.mu.Lock()
	r.status = audio.StatusRecording
	r.fn = fn
	r.mu.Unlock()
	return nil
}

// Pause implements [audio.Recorder]. Chunk delivery stops before the browser
// is told, so no chunk reaches fn after Pause returns.
func (r *Recorder) Pause(ctx context.Context) error {
	r.mu.Lock()
	if r.status == audio.StatusEnded {
		r.mu.Unlock()
		return ErrNotBegun
	}
	r.status = audio.StatusPaused
	r.fn = nil
	r.mu.Unlock()

	if err := r.link.Call(ctx, OpRecorderPause, nil, nil); err != nil {
		return fmt.Errorf("relay: recorder pause: %w", err)
	}
	return nil
}

// End implements [audio.Recorder]. The local state is ended even if the
// browser cannot be reached.
func (r *Recorder) End(ctx context.Context) error {
	r.mu.Lock()
	if r.status == audio.StatusEnded {
		r.mu.Unlock()
		return nil
	}
	r.status = audio.StatusEnded
	r.fn = nil
	r.mu.Unlock()
	r.analyser.Reset()

	if err := r.link.Call(ctx, OpRecorderEnd, nil, nil); err != nil {
		return fmt.Errorf("relay: recorder end: %w", err)
	}
	return nil
}

// Status implements [audio.Recorder].
func (r *Recorder) Status() audio.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Frequencies implements [audio.Recorder].
func (r *Recorder) Frequencies(kind audio.FrequencyKind) audio.Frequencies {
	return r.analyser.Frequencies(kind)
}

// HandleFrame accepts one binary microphone frame from the browser. Frames
// feed the analyser while a capture session is open and reach the ChunkFunc
// only while recording.
func (r *Recorder) HandleFrame(frame []byte) {
	samples := r.conv.Convert(frame)
	if len(samples) == 0 {
		return
	}

	r.mu.Lock()
	status, fn := r.status, r.fn
	r.mu.Unlock()

	if status == audio.StatusEnded {
		return
	}
	r.analyser.Write(samples)
	if status == audio.StatusRecording && fn != nil {
		fn(samples)
	}
}
