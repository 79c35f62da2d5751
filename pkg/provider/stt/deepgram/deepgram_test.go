package deepgram

import (
	"strings"
	"testing"

	"github.com/alihamza79/voiceline/pkg/provider/stt"
)

func TestBuildURL(t *testing.T) {
	t.Parallel()

	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t.Run("telephony defaults", func(t *testing.T) {
		t.Parallel()
		u, err := p.buildURL(stt.StreamConfig{})
		if err != nil {
			t.Fatalf("buildURL: %v", err)
		}
		for _, want := range []string{
			"encoding=mulaw",
			"sample_rate=8000",
			"channels=1",
			"interim_results=true",
			"detect_language=true",
		} {
			if !strings.Contains(u, want) {
				t.Errorf("URL %q missing %q", u, want)
			}
		}
	})

	t.Run("explicit language disables detection", func(t *testing.T) {
		t.Parallel()
		u, err := p.buildURL(stt.StreamConfig{Language: "de"})
		if err != nil {
			t.Fatalf("buildURL: %v", err)
		}
		if !strings.Contains(u, "language=de") {
			t.Errorf("URL %q missing language=de", u)
		}
		if strings.Contains(u, "detect_language") {
			t.Errorf("URL %q should not request language detection", u)
		}
	})
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	t.Run("final result with detected language", func(t *testing.T) {
		t.Parallel()
		msg := []byte(`{
			"type": "Results",
			"is_final": true,
			"channel": {
				"detected_language": "de",
				"alternatives": [{"transcript": "ich möchte meinen Termin verschieben", "confidence": 0.97}]
			}
		}`)
		tr, ok := parseResponse(msg)
		if !ok {
			t.Fatal("expected message to parse")
		}
		if !tr.IsFinal {
			t.Error("expected final transcript")
		}
		if tr.Language != "de" {
			t.Errorf("language = %q, want de", tr.Language)
		}
		if tr.Confidence != 0.97 {
			t.Errorf("confidence = %v, want 0.97", tr.Confidence)
		}
	})

	t.Run("non-results message ignored", func(t *testing.T) {
		t.Parallel()
		if _, ok := parseResponse([]byte(`{"type":"Metadata"}`)); ok {
			t.Fatal("metadata message should be ignored")
		}
	})

	t.Run("malformed JSON ignored", func(t *testing.T) {
		t.Parallel()
		if _, ok := parseResponse([]byte(`{{{`)); ok {
			t.Fatal("malformed message should be ignored")
		}
	})

	t.Run("empty alternatives ignored", func(t *testing.T) {
		t.Parallel()
		if _, ok := parseResponse([]byte(`{"type":"Results","channel":{"alternatives":[]}}`)); ok {
			t.Fatal("message without alternatives should be ignored")
		}
	})
}
