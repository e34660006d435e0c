package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

var _ audio.Player = (*Player)(nil)

// ErrPlayerNotConnected is returned by Add16BitPCM before Connect.
var ErrPlayerNotConnected = errors.New("relay: player not connected")

const analysisWindow = 1024

// EncodePlaybackFrame builds a binary playback frame: a big-endian uint16
// track-id length, the track id, then little-endian PCM16 samples.
func EncodePlaybackFrame(trackID string, samples []int16) []byte {
	frame := make([]byte, 2+len(trackID)+len(samples)*2)
	binary.BigEndian.PutUint16(frame, uint16(len(trackID)))
	copy(frame[2:], trackID)
	pcm := frame[2+len(trackID):]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return frame
}

// DecodePlaybackFrame is the inverse of EncodePlaybackFrame.
func DecodePlaybackFrame(frame []byte) (trackID string, samples []int16, err error) {
	if len(frame) < 2 {
		return "", nil, errors.New("relay: playback frame too short")
	}
	n := int(binary.BigEndian.Uint16(frame))
	if len(frame) < 2+n {
		return "", nil, errors.New("relay: playback frame track id truncated")
	}
	return string(frame[2 : 2+n]), audio.DecodePCM16(frame[2+n:]), nil
}

type segment struct {
	trackID string
	start   int
	length  int
}

// PlayerOption configures a Player.
type PlayerOption func(*Player)

// WithClock replaces time.Now for playback position tracking.
func WithClock(now func() time.Time) PlayerOption {
	return func(p *Player) { p.now = now }
}

// Player is an [audio.Player] that streams audio to the browser. The browser
// plays frames back to back as they arrive, so the playback position is
// derived from the wall clock since the current run started.
type Player struct {
	link *Link
	now  func() time.Time

	mu        sync.Mutex
	connected bool
	startedAt time.Time
	buf       []int16
	segments  []segment
}

// NewPlayer returns a Player using link.
func NewPlayer(link *Link, opts ...PlayerOption) *Player {
	p := &Player{link: link, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect implements [audio.Player].
func (p *Player) Connect(ctx context.Context) error {
	if err := p.link.Call(ctx, OpPlayerConnect, map[string]int{"sample_rate": audio.DefaultSampleRate}, nil); err != nil {
		return fmt.Errorf("relay: player connect: %w", err)
	}
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	return nil
}

// Add16BitPCM implements [audio.Player].
func (p *Player) Add16BitPCM(samples []int16, trackID string) error {
	if len(samples) == 0 {
		return nil
	}

	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return ErrPlayerNotConnected
	}
	now := p.now()
	if p.playedLocked(now) >= len(p.buf) {
		p.resetLocked()
		p.startedAt = now
	}
	if n := len(p.segments); n > 0 && p.segments[n-1].trackID == trackID {
		p.segments[n-1].length += len(samples)
	} else {
		p.segments = append(p.segments, segment{trackID: trackID, start: len(p.buf), length: len(samples)})
	}
	p.buf = append(p.buf, samples...)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.link.SendBinary(ctx, EncodePlaybackFrame(trackID, samples)); err != nil {
		return fmt.Errorf("relay: player add: %w", err)
	}
	return nil
}

// Interrupt implements [audio.Player]. It tells the browser to drop its
// queue and reports how many samples of the playing track were heard, or
// nil when playback had already finished.
func (p *Player) Interrupt(ctx context.Context) (*audio.TrackOffset, error) {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil, nil
	}
	played := p.playedLocked(p.now())
	var off *audio.TrackOffset
	if played < len(p.buf) {
		for _, seg := range p.segments {
			if played < seg.start+seg.length {
				n := played - seg.start
				off = &audio.TrackOffset{
					TrackID:     seg.trackID,
					Offset:      n,
					CurrentTime: time.Duration(n) * time.Second / audio.DefaultSampleRate,
				}
				break
			}
		}
	}
	p.resetLocked()
	p.mu.Unlock()

	// The browser may lag the clock estimate, so its queue is dropped even
	// when nothing should still be playing.
	if err := p.link.Call(ctx, OpPlayerInterrupt, nil, nil); err != nil {
		return off, fmt.Errorf("relay: player interrupt: %w", err)
	}
	return off, nil
}

// Frequencies implements [audio.Player]. The spectrum is taken from the
// samples around the current playback position.
func (p *Player) Frequencies(kind audio.FrequencyKind) audio.Frequencies {
	p.mu.Lock()
	played := p.playedLocked(p.now())
	if played >= len(p.buf) || played == 0 {
		p.mu.Unlock()
		return audio.Silence()
	}
	from := max(0, played-analysisWindow)
	window := append([]int16(nil), p.buf[from:played]...)
	p.mu.Unlock()
	return audio.Analyse(window, audio.DefaultSampleRate, kind)
}

// HasAnalyser implements [audio.Player].
func (p *Player) HasAnalyser() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Player) playedLocked(now time.Time) int {
	if p.startedAt.IsZero() {
		return len(p.buf)
	}
	n := int(now.Sub(p.startedAt) * audio.DefaultSampleRate / time.Second)
	return min(max(n, 0), len(p.buf))
}

func (p *Player) resetLocked() {
	p.buf = p.buf[:0]
	p.segments = p.segments[:0]
	p.startedAt = time.Time{}
}
