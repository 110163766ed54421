package audio

import "time"

// AudioFrame represents a single chunk of captured audio flowing from a
// capture source through the mixer to the transcription session.
type AudioFrame struct {
	// Data is interleaved 16-bit little-endian PCM.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for system loopback, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the byte rate of 16-bit PCM in this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// FrameBytes returns the size in bytes of a frame of duration d.
func (f Format) FrameBytes(d time.Duration) int {
	n := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return n * f.Channels * 2
}
