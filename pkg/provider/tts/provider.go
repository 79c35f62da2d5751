// Package tts defines the Provider interface for streaming Text-to-Speech
// backends.
//
// A TTS provider wraps a synthesis service and emits audio as a stream of
// telephony-ready µ-law 8 kHz byte chunks, so the media bridge can inject them
// into the outbound frame queue without transcoding. The same provider is used
// offline by the filler generation tooling.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text to speech in the given language (BCP-47 code,
	// e.g. "en", "de", "hi") and returns a channel emitting µ-law 8 kHz audio
	// chunks as they are produced.
	//
	// The returned channel is closed by the implementation when synthesis
	// completes or ctx is cancelled. The caller must drain the channel to
	// avoid blocking the provider's internal goroutines. Cancelling ctx is
	// the supported way to abort synthesis mid-stream (barge-in).
	//
	// Returns a non-nil error only if the stream cannot be started.
	Synthesize(ctx context.Context, text string, language string) (<-chan []byte, error)
}
