package media

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alihamza79/voiceline/pkg/audio"
	sttmock "github.com/alihamza79/voiceline/pkg/provider/stt/mock"
	ttsmock "github.com/alihamza79/voiceline/pkg/provider/tts/mock"
)

// memTransport records outbound frames.
type memTransport struct {
	mu     sync.Mutex
	frames [][]byte
	reason string
	closed bool
}

func (t *memTransport) WriteMedia(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	t.frames = append(t.frames, cp)
	return nil
}

func (t *memTransport) Close(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.reason = reason
	return nil
}

func (t *memTransport) frameCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}

func (t *memTransport) written() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []byte
	for _, f := range t.frames {
		out = append(out, f...)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func openTestBridge(t *testing.T, synth *ttsmock.Provider) (*Bridge, *memTransport, *sttmock.Session) {
	t.Helper()
	transport := &memTransport{}
	sess := sttmock.NewSession()
	if synth == nil {
		synth = &ttsmock.Provider{}
	}
	b, err := Open("MZ1", "audio/x-mulaw", transport, sess, synth, "en")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close("test") })
	return b, transport, sess
}

func TestOpenRejectsBadCodec(t *testing.T) {
	t.Parallel()

	_, err := Open("MZ1", "audio/opus", &memTransport{}, sttmock.NewSession(), &ttsmock.Provider{}, "en")
	if !errors.Is(err, ErrBadCodec) {
		t.Fatalf("want ErrBadCodec, got %v", err)
	}
}

func TestFeedInboundForwardsToSTT(t *testing.T) {
	t.Parallel()

	b, _, sess := openTestBridge(t, nil)
	frame := bytes.Repeat([]byte{0x7F}, audio.FrameBytes)
	b.FeedInbound(frame)

	waitFor(t, func() bool { return sess.AudioBytes() == audio.FrameBytes },
		"STT session never received the frame")
}

func TestPlayBytesPacedOutbound(t *testing.T) {
	t.Parallel()

	b, transport, _ := openTestBridge(t, nil)
	clip := bytes.Repeat([]byte{0x01}, 3*audio.FrameBytes)
	if err := b.PlayBytes(clip, PriorityNormal); err != nil {
		t.Fatalf("PlayBytes: %v", err)
	}

	waitFor(t, func() bool { return transport.frameCount() >= 3 },
		"outbound frames never arrived")
	written := transport.written()
	if !bytes.Equal(written[:len(clip)], clip) {
		t.Error("outbound bytes do not match the clip")
	}
}

func TestInterruptDrainsQueuedAudio(t *testing.T) {
	t.Parallel()

	b, transport, _ := openTestBridge(t, nil)

	// A long normal clip, then an interrupt before it can finish playing.
	normal := bytes.Repeat([]byte{0x01}, 50*audio.FrameBytes)
	urgent := bytes.Repeat([]byte{0x02}, audio.FrameBytes)
	b.PlayBytes(normal, PriorityNormal)
	b.PlayBytes(urgent, PriorityInterrupt)

	waitFor(t, func() bool {
		return bytes.Contains(transport.written(), urgent)
	}, "interrupt audio never played")

	// After the interrupt frame, no remnants of the drained clip follow.
	written := transport.written()
	idx := bytes.Index(written, urgent)
	if tail := written[idx+len(urgent):]; bytes.Contains(tail, []byte{0x01}) {
		t.Error("drained normal audio played after the interrupt")
	}
}

func TestSpeakPipesChunksAndReportsFirstAudio(t *testing.T) {
	t.Parallel()

	synth := &ttsmock.Provider{Chunks: [][]byte{
		bytes.Repeat([]byte{0x03}, audio.FrameBytes),
		bytes.Repeat([]byte{0x04}, audio.FrameBytes/2), // short tail gets padded
	}}

	transport := &memTransport{}
	sess := sttmock.NewSession()
	var mu sync.Mutex
	var firstAudio time.Duration
	b, err := Open("MZ1", "mulaw", transport, sess, synth, "de",
		WithFirstAudioFunc(func(d time.Duration) {
			mu.Lock()
			firstAudio = d
			mu.Unlock()
		}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close("test")

	if err := b.Speak(context.Background(), "Guten Tag"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if got := synth.LastCall(); got.Text != "Guten Tag" || got.Language != "de" {
		t.Errorf("Synthesize called with %+v", got)
	}

	waitFor(t, func() bool { return transport.frameCount() >= 2 }, "speech frames never played")
	mu.Lock()
	defer mu.Unlock()
	if firstAudio <= 0 {
		t.Error("first-audio-byte latency not reported")
	}
	// The padded tail frame is full-length on the wire.
	if n := len(transport.written()); n%audio.FrameBytes != 0 {
		t.Errorf("wire bytes = %d, want a multiple of %d", n, audio.FrameBytes)
	}
}

func TestStopSpeakingCancelsInFlightSynthesis(t *testing.T) {
	t.Parallel()

	synth := &ttsmock.Provider{
		Chunks:     [][]byte{bytes.Repeat([]byte{0x05}, audio.FrameBytes)},
		ChunkDelay: 300 * time.Millisecond,
	}
	b, _, _ := openTestBridge(t, synth)

	errCh := make(chan error, 1)
	go func() { errCh <- b.Speak(context.Background(), "a long sentence") }()

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	b.StopSpeaking()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Speak returned %v, want context.Canceled", err)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Speak did not return within 200 ms of StopSpeaking")
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("barge-in took %v, want under 200 ms", elapsed)
	}
	if d := b.QueuedDuration(); d != 0 {
		t.Errorf("QueuedDuration = %v after StopSpeaking, want 0", d)
	}
}

func TestCloseIsIdempotentAndClosesCollaborators(t *testing.T) {
	t.Parallel()

	transport := &memTransport{}
	sess := sttmock.NewSession()
	b, err := Open("MZ1", "PCMU", transport, sess, &ttsmock.Provider{}, "en")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := b.Close("normal"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close("again"); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if !transport.closed || transport.reason != "normal" {
		t.Errorf("transport closed=%v reason=%q", transport.closed, transport.reason)
	}
	if err := sess.SendAudio([]byte{0x00}); err == nil {
		t.Error("STT session still open after bridge close")
	}
}
