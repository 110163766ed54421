package audio

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
)

// Samples decodes 16-bit little-endian PCM into samples. A trailing odd byte
// is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Bytes encodes samples as 16-bit little-endian PCM.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// clamp16 saturates v to the int16 range.
func clamp16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// MixInto adds src scaled by gain onto dst in place, saturating at the int16
// range. Only min(len(dst), len(src)) samples are touched.
func MixInto(dst []float64, src []int16, gain float64) {
	n := min(len(dst), len(src))
	for i := range n {
		dst[i] += float64(src[i]) * gain
	}
}

// Quantize converts an accumulation buffer back to saturated int16 samples.
func Quantize(acc []float64) []int16 {
	out := make([]int16, len(acc))
	for i, v := range acc {
		out[i] = clamp16(v)
	}
	return out
}

// Downmix averages interleaved channels into mono.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int32
		for c := range channels {
			sum += int32(samples[i*channels+c])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. The input is returned unchanged when the rates match or
// either rate is invalid.
func Resample(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	out := make([]int16, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := float64(samples[idx])
		s1 := s0
		if idx+1 < len(samples) {
			s1 = float64(samples[idx+1])
		}
		out[i] = clamp16(s0*(1-frac) + s1*frac)
	}
	return out
}

// MonoConverter normalises frames from one source to mono samples at a
// fixed rate. It logs once on the first format mismatch.
// Create one per source; not designed for shared use across goroutines.
type MonoConverter struct {
	SampleRate int

	warnedMismatch sync.Once
}

// Convert returns frame's audio as mono samples at c.SampleRate.
func (c *MonoConverter) Convert(frame AudioFrame) []int16 {
	samples := Samples(frame.Data)
	if frame.Channels <= 1 && frame.SampleRate == c.SampleRate {
		return samples
	}
	c.warnedMismatch.Do(func() {
		slog.Debug("audio: converting capture format",
			"from_rate", frame.SampleRate,
			"from_channels", frame.Channels,
			"to_rate", c.SampleRate,
		)
	})
	return Resample(Downmix(samples, frame.Channels), frame.SampleRate, c.SampleRate)
}
