// Package media owns the full-duplex audio path of one call: inbound frames
// are forwarded to the STT session, outbound frames are paced onto the
// telephony stream at the 20 ms telephony cadence. Synthesized speech and
// pre-recorded filler clips share one outbound queue so ordering is a
// property of the queue, not of the callers.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alihamza79/voiceline/pkg/audio"
	"github.com/alihamza79/voiceline/pkg/provider/stt"
	"github.com/alihamza79/voiceline/pkg/provider/tts"
)

// ErrBadCodec is returned when the provider negotiated anything but µ-law.
var ErrBadCodec = errors.New("media: stream codec is not mulaw/8000")

// ErrSynthesisStalled is returned when the TTS stream goes idle mid-utterance.
var ErrSynthesisStalled = errors.New("media: tts stream stalled")

// chunkIdleDeadline is the longest gap tolerated between TTS chunks.
const chunkIdleDeadline = 5 * time.Second

// inboundDepth buffers the telephony read loop against a slow STT socket.
// At 20 ms per frame this is about 1.3 s of audio.
const inboundDepth = 64

// Priority orders outbound playback.
type Priority int

const (
	// PriorityNormal appends after everything already queued.
	PriorityNormal Priority = iota

	// PriorityInterrupt drains queued normal audio and plays immediately.
	PriorityInterrupt
)

// Transport is the outbound half of the telephony media stream.
type Transport interface {
	// WriteMedia sends one µ-law frame to the caller.
	WriteMedia(payload []byte) error

	// Close ends the media stream.
	Close(reason string) error
}

// Option is a functional option for Bridge.
type Option func(*Bridge)

// WithFirstAudioFunc installs an observer for the first-audio-byte latency of
// each Speak call.
func WithFirstAudioFunc(fn func(delay time.Duration)) Option {
	return func(b *Bridge) { b.onFirstAudio = fn }
}

// Bridge is the media path of one call. Create with Open, release with Close.
type Bridge struct {
	streamID   string
	transport  Transport
	sttSession stt.SessionHandle
	tts        tts.Provider
	language   string

	onFirstAudio func(delay time.Duration)

	inbound chan []byte

	mu          sync.Mutex
	queue       [][]byte
	generation  int
	speakCancel context.CancelFunc
	closed      bool

	wake chan struct{}
	done chan struct{}
}

// Open validates the negotiated codec and starts the frame pumps. language is
// the BCP-47 code handed to TTS synthesis.
func Open(streamID, codec string, transport Transport, sttSession stt.SessionHandle, synth tts.Provider, language string, opts ...Option) (*Bridge, error) {
	if !codecIsULaw(codec) {
		return nil, fmt.Errorf("%w: negotiated %q", ErrBadCodec, codec)
	}
	b := &Bridge{
		streamID:   streamID,
		transport:  transport,
		sttSession: sttSession,
		tts:        synth,
		language:   language,
		inbound:    make(chan []byte, inboundDepth),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	go b.inboundPump()
	go b.outboundPump()
	return b, nil
}

func codecIsULaw(codec string) bool {
	switch codec {
	case "audio/x-mulaw", "mulaw", "PCMU", "pcmu":
		return true
	}
	return false
}

// FeedInbound hands one telephony frame to the STT side. Never blocks the
// caller: when the buffer is full the frame is dropped, which the STT absorbs
// far better than the telephony socket absorbs backpressure.
func (b *Bridge) FeedInbound(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case b.inbound <- cp:
	default:
		slog.Warn("Inbound audio buffer full, dropping frame", "stream_id", b.streamID)
	}
}

func (b *Bridge) inboundPump() {
	for {
		select {
		case frame := <-b.inbound:
			if err := b.sttSession.SendAudio(frame); err != nil {
				slog.Debug("STT send failed", "stream_id", b.streamID, "error", err)
			}
		case <-b.done:
			return
		}
	}
}

// PlayBytes enqueues pre-encoded µ-law bytes. Interrupt priority drains any
// queued lower-priority audio first.
func (b *Bridge) PlayBytes(clip []byte, pri Priority) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("media: bridge is closed")
	}
	if pri == PriorityInterrupt {
		b.queue = b.queue[:0]
	}
	b.queue = append(b.queue, frames(clip)...)
	b.mu.Unlock()
	b.kick()
	return nil
}

// PlayClip implements session.Media.
func (b *Bridge) PlayClip(clip []byte) error {
	return b.PlayBytes(clip, PriorityNormal)
}

// Speak synthesizes text and streams it into the outbound queue as chunks
// arrive. Returns once the synthesis stream ends, the stream stalls, or ctx is
// cancelled (barge-in). Chunks queued before a StopSpeaking stay cancelled;
// chunks arriving after it are discarded via the queue generation.
func (b *Bridge) Speak(ctx context.Context, text string) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("media: bridge is closed")
	}
	b.speakCancel = cancel
	gen := b.generation
	b.mu.Unlock()

	chunks, err := b.tts.Synthesize(sctx, text, b.language)
	if err != nil {
		return fmt.Errorf("media: synthesize: %w", err)
	}

	start := time.Now()
	first := true
	idle := time.NewTimer(chunkIdleDeadline)
	defer idle.Stop()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if first {
				first = false
				if b.onFirstAudio != nil {
					b.onFirstAudio(time.Since(start))
				}
			}
			b.enqueue(chunk, gen)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(chunkIdleDeadline)

		case <-idle.C:
			return ErrSynthesisStalled

		case <-sctx.Done():
			return sctx.Err()
		}
	}
}

// enqueue appends a chunk unless a StopSpeaking invalidated this speak.
func (b *Bridge) enqueue(chunk []byte, gen int) {
	b.mu.Lock()
	if !b.closed && gen == b.generation {
		b.queue = append(b.queue, frames(chunk)...)
	}
	b.mu.Unlock()
	b.kick()
}

// StopSpeaking drains the outbound queue and cancels in-flight synthesis.
func (b *Bridge) StopSpeaking() {
	b.mu.Lock()
	b.generation++
	b.queue = b.queue[:0]
	cancel := b.speakCancel
	b.speakCancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// QueuedDuration reports how much audio is waiting to play. The termination
// grace period polls this to let the farewell finish.
func (b *Bridge) QueuedDuration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, f := range b.queue {
		n += len(f)
	}
	return audio.PlaybackDuration(n)
}

// Close stops the pumps, closes the STT session, and closes the transport.
// Idempotent.
func (b *Bridge) Close(reason string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.queue = nil
	cancel := b.speakCancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	close(b.done)

	var errs []error
	if b.sttSession != nil {
		if err := b.sttSession.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.transport.Close(reason); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// kick wakes the outbound pump without blocking.
func (b *Bridge) kick() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// outboundPump writes one frame per 20 ms tick while audio is queued.
func (b *Bridge) outboundPump() {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			frame, ok := b.pop()
			if !ok {
				// Idle; block until new audio or shutdown.
				select {
				case <-b.wake:
				case <-b.done:
					return
				}
				continue
			}
			if err := b.transport.WriteMedia(frame); err != nil {
				slog.Debug("Outbound media write failed", "stream_id", b.streamID, "error", err)
			}
		}
	}
}

func (b *Bridge) pop() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil, false
	}
	f := b.queue[0]
	b.queue = b.queue[1:]
	return f, true
}

// frames slices a chunk into 20 ms telephony frames. The final short frame is
// padded with µ-law silence so the wire cadence stays constant.
func frames(chunk []byte) [][]byte {
	if len(chunk) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(chunk)+audio.FrameBytes-1)/audio.FrameBytes)
	for off := 0; off < len(chunk); off += audio.FrameBytes {
		end := off + audio.FrameBytes
		if end > len(chunk) {
			f := make([]byte, audio.FrameBytes)
			n := copy(f, chunk[off:])
			copy(f[n:], audio.Silence(audio.FrameBytes-n))
			out = append(out, f)
			break
		}
		f := make([]byte, audio.FrameBytes)
		copy(f, chunk[off:end])
		out = append(out, f)
	}
	return out
}
