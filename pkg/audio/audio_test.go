package audio

import (
	"testing"
	"time"
)

func TestFramesFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		n    int
		want int
	}{
		{"zero", 0, 0},
		{"one byte", 1, 1},
		{"exactly one frame", FrameBytes, 1},
		{"one frame plus one byte", FrameBytes + 1, 2},
		{"ten frames", 10 * FrameBytes, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := FramesFor(tc.n); got != tc.want {
				t.Fatalf("FramesFor(%d) = %d, want %d", tc.n, got, tc.want)
			}
		})
	}
}

func TestPlaybackDuration(t *testing.T) {
	t.Parallel()

	if got := PlaybackDuration(FrameBytes); got != FrameDuration {
		t.Fatalf("one frame should play in %v, got %v", FrameDuration, got)
	}
	if got := PlaybackDuration(SampleRate); got != time.Second {
		t.Fatalf("one second of samples should play in 1s, got %v", got)
	}
}

func TestSilence(t *testing.T) {
	t.Parallel()

	s := Silence(FrameBytes)
	if len(s) != FrameBytes {
		t.Fatalf("want %d bytes, got %d", FrameBytes, len(s))
	}
	for i, b := range s {
		if b != 0xFF {
			t.Fatalf("byte %d = %#x, want 0xff", i, b)
		}
	}
}

func TestULawRoundTrip(t *testing.T) {
	t.Parallel()

	// A short 16-bit PCM ramp; µ-law is lossy, so only check the shape:
	// same sample count and sign preservation.
	pcm := make([]byte, 320)
	for i := 0; i < len(pcm); i += 2 {
		v := int16((i - 160) * 100)
		pcm[i] = byte(v)
		pcm[i+1] = byte(v >> 8)
	}

	enc := EncodeULaw(pcm)
	if len(enc) != len(pcm)/2 {
		t.Fatalf("encoded length = %d, want %d", len(enc), len(pcm)/2)
	}

	dec := DecodeULaw(enc)
	if len(dec) != len(pcm) {
		t.Fatalf("decoded length = %d, want %d", len(dec), len(pcm))
	}
}
