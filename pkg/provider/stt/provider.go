// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service and exposes a
// uniform streaming interface. Once opened, a session accepts raw µ-law
// telephony audio and emits two streams of Transcript values: low-latency
// partials for observability and authoritative finals that drive the
// conversation.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Transcript represents a speech-to-text result. Both partial (interim) and
// final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// provider does not report confidence.
	Confidence float64

	// Language is the BCP-47 code the provider identified mid-stream
	// (e.g., "en", "de", "hi"). Empty when detection is off or undecided.
	Language string
}

// StreamConfig describes the audio format and recognition hints for a new
// STT session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Telephony streams use 8000.
	SampleRate int

	// Encoding names the wire encoding of the audio ("mulaw" for telephony).
	Encoding string

	// Language is the BCP-47 language hint. Empty enables provider-side
	// language identification, which the pipeline relies on for mixed
	// English/German/Hindi callers.
	Language string
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed; failing to do
// so leaks goroutines and network connections inside the provider. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw audio bytes to the provider. The chunk
	// must match the encoding and sample rate agreed in StreamConfig.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel emitting interim transcripts.
	// The channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel emitting committed transcripts.
	// The channel is closed when the session ends.
	Finals() <-chan Transcript

	// Close terminates the session, flushes pending audio, and releases all
	// resources. Close is idempotent.
	Close() error
}

// Provider is the abstraction over any STT backend. Multiple sessions may be
// open simultaneously (one per live call).
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately. The caller owns the
	// handle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
