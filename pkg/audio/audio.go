// Package audio defines the audio frame model shared by the telephony media
// bridge and the provider adapters.
//
// All call audio in voiceline is G.711 µ-law at 8 kHz mono, carried in 20 ms
// frames of 160 bytes each, the format negotiated on the provider's media
// stream. Frames move through the pipeline as opaque µ-law payloads; the
// [EncodeULaw] and [DecodeULaw] helpers exist for the offline filler tooling
// and for providers that speak linear PCM.
package audio

import "time"

const (
	// SampleRate is the telephony sample rate in Hz.
	SampleRate = 8000

	// FrameDuration is the wall-clock length of one media frame.
	FrameDuration = 20 * time.Millisecond

	// FrameBytes is the µ-law payload size of one frame:
	// 8000 Hz × 0.020 s × 1 byte/sample.
	FrameBytes = 160
)

// Frame is a single 20 ms chunk of µ-law call audio.
type Frame struct {
	// Payload is the raw µ-law bytes. Normally [FrameBytes] long; the final
	// frame of a clip may be shorter.
	Payload []byte

	// Timestamp marks when the frame was received or queued, relative to
	// stream start.
	Timestamp time.Duration
}

// FramesFor returns the number of whole frames needed to carry n payload bytes.
func FramesFor(n int) int {
	return (n + FrameBytes - 1) / FrameBytes
}

// PlaybackDuration returns the wall-clock time it takes to play n µ-law bytes.
func PlaybackDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}

// Silence returns a µ-law frame payload of n bytes of digital silence.
// In µ-law, silence is 0xFF (the encoding of linear zero).
func Silence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}
