package audio

import (
	"math"
	"math/cmplx"
	"sync"
)

// FrequencyKind selects which frequency bins a spectrum reports.
type FrequencyKind string

const (
	// FrequencyRaw reports every FFT bin up to the Nyquist frequency.
	FrequencyRaw FrequencyKind = "frequency"

	// FrequencyMusic reports one bin per musical note from C1 to B8.
	FrequencyMusic FrequencyKind = "music"

	// FrequencyVoice reports the note bins within the human voice range.
	FrequencyVoice FrequencyKind = "voice"
)

// Spectrum defaults.
const (
	analysisWindow = 1024
	minDecibels    = -100.0
	maxDecibels    = -30.0
	voiceMinHz     = 32.0
	voiceMaxHz     = 2000.0
)

// Frequencies is a normalised spectrum. Values are in [0, 1] and
// Frequencies[i] is the centre frequency (Hz) of Values[i].
type Frequencies struct {
	Values      []float64
	Frequencies []float64
}

// Silence is the spectrum reported when nothing can be analysed.
func Silence() Frequencies {
	return Frequencies{Values: []float64{0}, Frequencies: []float64{0}}
}

// noteFrequencies lists the equal-tempered note frequencies C1..B8.
var noteFrequencies = func() []float64 {
	notes := make([]float64, 0, 96)
	// C1 is 45 semitones below A4.
	for n := -45; n < 51; n++ {
		notes = append(notes, 440*math.Pow(2, float64(n)/12))
	}
	return notes
}()

// Analyser keeps the most recent samples of a stream and computes spectra
// from them. Safe for concurrent use.
type Analyser struct {
	sampleRate int

	mu  sync.Mutex
	buf []int16
}

// NewAnalyser returns an Analyser for audio at sampleRate Hz.
func NewAnalyser(sampleRate int) *Analyser {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Analyser{sampleRate: sampleRate}
}

// Write appends samples, keeping only the last analysis window.
func (a *Analyser) Write(samples []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = append(a.buf, samples...)
	if over := len(a.buf) - analysisWindow; over > 0 {
		a.buf = append(a.buf[:0], a.buf[over:]...)
	}
}

// Reset discards buffered samples.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = a.buf[:0]
}

// Frequencies returns the spectrum of the buffered samples.
func (a *Analyser) Frequencies(kind FrequencyKind) Frequencies {
	a.mu.Lock()
	window := make([]int16, len(a.buf))
	copy(window, a.buf)
	a.mu.Unlock()
	return Analyse(window, a.sampleRate, kind)
}

// Analyse computes a normalised spectrum of samples. The last power-of-two
// sized window (at most 1024 samples) is Hann-windowed and transformed; bin
// magnitudes are converted to decibels and mapped from [-100, -30] dB onto
// [0, 1]. For the music and voice kinds, each note takes the loudest FFT bin
// that falls closest to it.
func Analyse(samples []int16, sampleRate int, kind FrequencyKind) Frequencies {
	n := 1
	for n*2 <= len(samples) && n*2 <= analysisWindow {
		n *= 2
	}
	if n < 32 || sampleRate <= 0 {
		return Silence()
	}
	samples = samples[len(samples)-n:]

	x := make([]complex128, n)
	for i, s := range samples {
		w := 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
		x[i] = complex(float64(s)/32768*w, 0)
	}
	fft(x)

	bins := n / 2
	binHz := float64(sampleRate) / float64(n)
	levels := make([]float64, bins)
	for i := range levels {
		mag := cmplx.Abs(x[i]) * 2 / float64(n)
		levels[i] = normalise(20 * math.Log10(mag+1e-12))
	}

	if kind == FrequencyRaw || kind == "" {
		freqs := make([]float64, bins)
		for i := range freqs {
			freqs[i] = float64(i) * binHz
		}
		return Frequencies{Values: levels, Frequencies: freqs}
	}

	nyquist := float64(sampleRate) / 2
	var out Frequencies
	for _, f := range noteFrequencies {
		if f >= nyquist {
			break
		}
		if kind == FrequencyVoice && (f < voiceMinHz || f > voiceMaxHz) {
			continue
		}
		out.Frequencies = append(out.Frequencies, f)
		out.Values = append(out.Values, 0)
	}
	if len(out.Frequencies) == 0 {
		return Silence()
	}
	for i, level := range levels {
		hz := float64(i) * binHz
		j := nearest(out.Frequencies, hz)
		if math.Abs(out.Frequencies[j]-hz) > binHz && j != 0 && j != len(out.Frequencies)-1 {
			continue
		}
		if level > out.Values[j] {
			out.Values[j] = level
		}
	}
	return out
}

func normalise(db float64) float64 {
	v := (db - minDecibels) / (maxDecibels - minDecibels)
	return math.Max(0, math.Min(1, v))
}

// nearest returns the index of the element of sorted closest to v.
func nearest(sorted []float64, v float64) int {
	lo, hi := 0, len(sorted)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if sorted[mid] < v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo > 0 && math.Abs(sorted[lo-1]-v) < math.Abs(sorted[lo]-v) {
		return lo - 1
	}
	return lo
}

// fft is an in-place iterative radix-2 Cooley-Tukey transform. len(x) must
// be a power of two.
func fft(x []complex128) {
	n := len(x)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}
	for size := 2; size <= n; size <<= 1 {
		step := cmplx.Exp(complex(0, -2*math.Pi/float64(size)))
		for start := 0; start < n; start += size {
			w := complex(1, 0)
			for k := 0; k < size/2; k++ {
				a := x[start+k]
				b := x[start+k+size/2] * w
				x[start+k] = a + b
				x[start+k+size/2] = a - b
				w *= step
			}
		}
	}
}
