package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// DecodePCM16 converts little-endian PCM16 bytes to samples. A trailing odd
// byte is ignored.
func DecodePCM16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// EncodePCM16 converts samples to little-endian PCM16 bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// ResampleMono16 resamples mono samples from srcRate to dstRate using linear
// interpolation. If the rates match, the input is returned unchanged.
func ResampleMono16(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstSamples := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]int16, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// InputConverter normalises incoming microphone frames to
// [DefaultSampleRate]. It logs a warning on the first rate mismatch and on
// the first corrupt frame. Create one per stream.
type InputConverter struct {
	SourceRate int

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert decodes a PCM16 frame and resamples it. Frames with an odd byte
// count are dropped (nil result).
func (c *InputConverter) Convert(frame []byte) []int16 {
	if len(frame)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio input converter: odd byte count in PCM data, dropping frame",
				"bytes", len(frame),
			)
		})
		return nil
	}
	samples := DecodePCM16(frame)
	if c.SourceRate == 0 || c.SourceRate == DefaultSampleRate {
		return samples
	}
	c.warnedMismatch.Do(func() {
		slog.Warn("audio sample rate mismatch: converting",
			"from", c.SourceRate,
			"to", DefaultSampleRate,
		)
	})
	return ResampleMono16(samples, c.SourceRate, DefaultSampleRate)
}
