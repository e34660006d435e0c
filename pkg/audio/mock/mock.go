// Package mock provides in-memory mock implementations of the [audio.Device],
// [audio.Track], [audio.Recorder], and [audio.Player] interfaces for use in
// unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	dev := &mock.Device{AcquireErr: &audio.DeviceError{Name: audio.ErrNameNotAllowed}}
//	rec := &mock.Recorder{}
//	player := &mock.Player{InterruptResult: &audio.TrackOffset{TrackID: "a1", Offset: 480}}
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// Compile-time assertions.
var (
	_ audio.Device   = (*Device)(nil)
	_ audio.Track    = (*Track)(nil)
	_ audio.Recorder = (*Recorder)(nil)
	_ audio.Player   = (*Player)(nil)
)

// ─── Device / Track ───────────────────────────────────────────────────────────

// Track is a mock implementation of [audio.Track].
type Track struct {
	mu sync.Mutex

	// Dead makes Live report false.
	Dead bool

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// Live reports !Dead.
func (t *Track) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.Dead
}

// Stop records the call.
func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountStop++
}

// Stops returns CallCountStop.
func (t *Track) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CallCountStop
}

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// Track is returned by Acquire. If nil, a new live Track is created and
	// stored here on the first call.
	Track *Track

	// AcquireErr, if non-nil, is returned by Acquire.
	AcquireErr error

	// CallCountAcquire records how many times Acquire was called.
	CallCountAcquire int
}

// Acquire implements [audio.Device].
func (d *Device) Acquire(_ context.Context) (audio.Track, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountAcquire++
	if d.AcquireErr != nil {
		return nil, d.AcquireErr
	}
	if d.Track == nil {
		d.Track = &Track{}
	}
	return d.Track, nil
}

// ─── Recorder ─────────────────────────────────────────────────────────────────

// Recorder is a mock implementation of [audio.Recorder]. It follows the real
// status transitions so tests can assert on Status after each call.
type Recorder struct {
	mu sync.Mutex

	status audio.Status
	chunk  audio.ChunkFunc

	// BeginErr, RecordErr, PauseErr and EndErr are returned by the matching
	// method. A failing call does not change status.
	BeginErr  error
	RecordErr error
	PauseErr  error
	EndErr    error

	// FrequenciesResult is returned by Frequencies. Zero value means silence.
	FrequenciesResult audio.Frequencies

	// Calls records method names in invocation order.
	Calls []string
}

// Begin implements [audio.Recorder].
func (r *Recorder) Begin(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, "Begin")
	if r.BeginErr != nil {
		return r.BeginErr
	}
	if r.statusLocked() != audio.StatusEnded {
		return errors.New("mock recorder: already begun")
	}
	r.status = audio.StatusPaused
	return nil
}

// Record implements [audio.Recorder].
func (r *Recorder) Record(_ context.Context, fn audio.ChunkFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, "Record")
	if r.RecordErr != nil {
		return r.RecordErr
	}
	switch r.statusLocked() {
	case audio.StatusEnded:
		return errors.New("mock recorder: not begun")
	case audio.StatusRecording:
		return errors.New("mock recorder: already recording")
	}
	r.status = audio.StatusRecording
	r.chunk = fn
	return nil
}

// Pause implements [audio.Recorder].
func (r *Recorder) Pause(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, "Pause")
	if r.PauseErr != nil {
		return r.PauseErr
	}
	if r.statusLocked() == audio.StatusEnded {
		return errors.New("mock recorder: not begun")
	}
	r.status = audio.StatusPaused
	r.chunk = nil
	return nil
}

// End implements [audio.Recorder].
func (r *Recorder) End(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, "End")
	if r.EndErr != nil {
		return r.EndErr
	}
	r.status = audio.StatusEnded
	r.chunk = nil
	return nil
}

// Status implements [audio.Recorder].
func (r *Recorder) Status() audio.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

func (r *Recorder) statusLocked() audio.Status {
	if r.status == "" {
		return audio.StatusEnded
	}
	return r.status
}

// SetStatus forces the recorder into status s.
func (r *Recorder) SetStatus(s audio.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

// Frequencies implements [audio.Recorder].
func (r *Recorder) Frequencies(_ audio.FrequencyKind) audio.Frequencies {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FrequenciesResult.Values == nil {
		return audio.Silence()
	}
	return r.FrequenciesResult
}

// Feed delivers samples to the active ChunkFunc. It reports whether a
// callback was registered.
func (r *Recorder) Feed(samples []int16) bool {
	r.mu.Lock()
	fn := r.chunk
	r.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(samples)
	return true
}

// CallLog returns a copy of Calls.
func (r *Recorder) CallLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Calls...)
}

// ─── Player ───────────────────────────────────────────────────────────────────

// AddCall records the arguments of a single [Player.Add16BitPCM] invocation.
type AddCall struct {
	Samples []int16
	TrackID string
}

// Player is a mock implementation of [audio.Player].
type Player struct {
	mu sync.Mutex

	// ConnectErr is returned by Connect. On success HasAnalyser reports true.
	ConnectErr error

	// AddErr is returned by Add16BitPCM.
	AddErr error

	// InterruptResult and InterruptErr are returned by Interrupt. The result
	// is returned once and then cleared, like a real player whose queue was
	// discarded.
	InterruptResult *audio.TrackOffset
	InterruptErr    error

	// FrequenciesResult is returned by Frequencies.
	FrequenciesResult audio.Frequencies

	connected bool

	// Added records every Add16BitPCM call.
	Added []AddCall

	// CallCountConnect records how many times Connect was called.
	CallCountConnect int

	// CallCountInterrupt records how many times Interrupt was called.
	CallCountInterrupt int
}

// Connect implements [audio.Player].
func (p *Player) Connect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountConnect++
	if p.ConnectErr != nil {
		return p.ConnectErr
	}
	p.connected = true
	return nil
}

// Add16BitPCM implements [audio.Player].
func (p *Player) Add16BitPCM(samples []int16, trackID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Added = append(p.Added, AddCall{Samples: append([]int16(nil), samples...), TrackID: trackID})
	return p.AddErr
}

// Interrupt implements [audio.Player].
func (p *Player) Interrupt(_ context.Context) (*audio.TrackOffset, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountInterrupt++
	if p.InterruptErr != nil {
		return nil, p.InterruptErr
	}
	off := p.InterruptResult
	p.InterruptResult = nil
	return off, nil
}

// Frequencies implements [audio.Player].
func (p *Player) Frequencies(_ audio.FrequencyKind) audio.Frequencies {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FrequenciesResult.Values == nil {
		return audio.Silence()
	}
	return p.FrequenciesResult
}

// HasAnalyser implements [audio.Player].
func (p *Player) HasAnalyser() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// SetInterruptResult sets the offset returned by the next Interrupt.
func (p *Player) SetInterruptResult(off *audio.TrackOffset) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.InterruptResult = off
}

// Interrupts returns CallCountInterrupt.
func (p *Player) Interrupts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCountInterrupt
}

// AddCalls returns a copy of Added.
func (p *Player) AddCalls() []AddCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]AddCall(nil), p.Added...)
}
