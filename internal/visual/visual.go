// Package visual produces the two level meters shown during a conversation:
// microphone input and assistant output.
//
// A [Loop] samples the recorder and player spectra on a ticker, turns them
// into bar geometry and hands each [Frame] to a sink. It runs whether or not
// a session is connected and stops the moment its context is cancelled or
// Stop is called; no frame is delivered after that.
package visual

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

const (
	// DefaultFPS matches a typical display refresh rate.
	DefaultFPS = 60

	// DefaultPoints is the number of bars per graph.
	DefaultPoints = 10

	// DefaultSpacing is the gap between bars in pixels.
	DefaultSpacing = 8.0

	InputColor  = "#0099ff"
	OutputColor = "#009900"
)

// Size is a canvas size in pixels. The zero value means not yet known.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SizeFunc reports the rendered size of a canvas.
type SizeFunc func() Size

// Graph is one rendered bar graph.
type Graph struct {
	Color  string `json:"color"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Bars   []Bar  `json:"bars"`
}

// Frame is one tick of both graphs. A graph whose canvas has no size yet is
// nil.
type Frame struct {
	Seq    uint64 `json:"seq"`
	Input  *Graph `json:"input,omitempty"`
	Output *Graph `json:"output,omitempty"`
}

// Option is a functional option for configuring a Loop.
type Option func(*Loop)

// WithFPS sets the frame rate.
func WithFPS(fps int) Option {
	return func(l *Loop) {
		if fps > 0 {
			l.interval = time.Second / time.Duration(fps)
		}
	}
}

// WithSizes sets the functions that report the input and output canvas
// sizes. Each is consulted until it returns a non-zero size; after that the
// canvas keeps that size.
func WithSizes(input, output SizeFunc) Option {
	return func(l *Loop) {
		l.input.sizeFn = input
		l.output.sizeFn = output
	}
}

// WithPoints overrides DefaultPoints.
func WithPoints(n int) Option {
	return func(l *Loop) { l.points = n }
}

// WithSpacing overrides DefaultSpacing.
func WithSpacing(px float64) Option {
	return func(l *Loop) { l.spacing = px }
}

type canvas struct {
	sizeFn SizeFunc
	size   Size
}

// sized returns the canvas size, querying sizeFn only until it is known.
func (c *canvas) sized() (Size, bool) {
	if c.size.Width > 0 && c.size.Height > 0 {
		return c.size, true
	}
	if c.sizeFn == nil {
		return Size{}, false
	}
	c.size = c.sizeFn()
	return c.size, c.size.Width > 0 && c.size.Height > 0
}

// Loop renders level meters. Create with [New]; run with [Loop.Run].
type Loop struct {
	recorder audio.Recorder
	player   audio.Player
	sink     func(Frame)

	interval time.Duration
	points   int
	spacing  float64

	input  canvas
	output canvas
	seq    uint64

	// mu makes Stop and frame delivery mutually exclusive.
	mu      sync.Mutex
	stopped bool
	stop    chan struct{}
	once    sync.Once
}

// New creates a Loop that delivers frames to sink.
func New(recorder audio.Recorder, player audio.Player, sink func(Frame), opts ...Option) *Loop {
	l := &Loop{
		recorder: recorder,
		player:   player,
		sink:     sink,
		interval: time.Second / DefaultFPS,
		points:   DefaultPoints,
		spacing:  DefaultSpacing,
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run renders frames until ctx is cancelled or Stop is called. It returns
// ctx.Err() on cancellation and nil after Stop.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	defer l.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.tick()
		}
	}
}

// Stop halts the loop. Once Stop returns no further frame is delivered.
// Safe to call more than once and from any goroutine except the sink.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.mu.Lock()
		l.stopped = true
		close(l.stop)
		l.mu.Unlock()
	})
}

// tick renders and delivers one frame.
func (l *Loop) tick() {
	f := l.Render()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.sink(f)
}

// Render builds the next frame without delivering it. Only the loop
// goroutine may call it while Run is active.
func (l *Loop) Render() Frame {
	l.seq++
	f := Frame{Seq: l.seq}

	if size, ok := l.input.sized(); ok {
		values := audio.Silence().Values
		if l.recorder != nil && l.recorder.Status() == audio.StatusRecording {
			values = l.recorder.Frequencies(audio.FrequencyVoice).Values
		}
		f.Input = l.graph(values, size, InputColor)
	}
	if size, ok := l.output.sized(); ok {
		values := audio.Silence().Values
		if l.player != nil && l.player.HasAnalyser() {
			values = l.player.Frequencies(audio.FrequencyVoice).Values
		}
		f.Output = l.graph(values, size, OutputColor)
	}
	return f
}

func (l *Loop) graph(values []float64, size Size, color string) *Graph {
	return &Graph{
		Color:  color,
		Width:  size.Width,
		Height: size.Height,
		Bars:   Layout(values, size.Width, size.Height, l.points, l.spacing),
	}
}
