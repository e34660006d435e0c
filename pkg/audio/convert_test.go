package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestDecodePCM16(t *testing.T) {
	got := audio.DecodePCM16(samplesToBytes([]int16{1, -1, 32767, -32768}))
	want := []int16{1, -1, 32767, -32768}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDecodePCM16_OddByteIgnored(t *testing.T) {
	got := audio.DecodePCM16([]byte{1, 0, 7})
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("got %v, want [1]", got)
	}
}

func TestEncodePCM16_RoundTrip(t *testing.T) {
	in := []int16{0, 100, -100, 12345}
	out := audio.DecodePCM16(audio.EncodePCM16(in))
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, out[i], in[i])
		}
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	in := []int16{1, 2, 3}
	out := audio.ResampleMono16(in, 24000, 24000)
	if &out[0] != &in[0] {
		t.Error("expected input returned unchanged")
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	in := make([]int16, 480)
	for i := range in {
		in[i] = int16(i)
	}
	out := audio.ResampleMono16(in, 48000, 24000)
	if len(out) != 240 {
		t.Fatalf("len = %d, want 240", len(out))
	}
	if out[10] != 20 {
		t.Errorf("out[10] = %d, want 20", out[10])
	}
}

func TestResampleMono16_InvalidRates(t *testing.T) {
	in := []int16{1, 2}
	if out := audio.ResampleMono16(in, 0, 24000); len(out) != 2 {
		t.Errorf("expected passthrough on invalid rate, got %v", out)
	}
}

func TestInputConverter_DropsOddFrames(t *testing.T) {
	c := audio.InputConverter{}
	if got := c.Convert([]byte{1, 2, 3}); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestInputConverter_Resamples(t *testing.T) {
	c := audio.InputConverter{SourceRate: 48000}
	got := c.Convert(samplesToBytes(make([]int16, 960)))
	if len(got) != 480 {
		t.Errorf("len = %d, want 480", len(got))
	}
}
