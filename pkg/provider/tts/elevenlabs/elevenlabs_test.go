package elevenlabs

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New("", WithDefaultVoice("v1")); err == nil {
		t.Error("New accepted an empty API key")
	}
	if _, err := New("key"); err == nil {
		t.Error("New accepted a config without a default voice")
	}

	p, err := New("key", WithDefaultVoice("v1"), WithModel("eleven_turbo_v2"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_turbo_v2" {
		t.Errorf("model = %q", p.model)
	}
	if p.outputFormat != "ulaw_8000" {
		t.Errorf("outputFormat = %q, the telephony queue needs raw mu-law", p.outputFormat)
	}
}

func TestVoiceFor(t *testing.T) {
	t.Parallel()

	p, err := New("key",
		WithDefaultVoice("default-voice"),
		WithVoice("de", "german-voice"),
		WithVoice("hi", "hindi-voice"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		language string
		want     string
	}{
		{"de", "german-voice"},
		{"hi", "hindi-voice"},
		{"en", "default-voice"},
		{"", "default-voice"},
	}
	for _, tt := range tests {
		if got := p.voiceFor(tt.language); got != tt.want {
			t.Errorf("voiceFor(%q) = %q, want %q", tt.language, got, tt.want)
		}
	}
}

func TestBOIMessageShape(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(boiMessage{
		Text:          " ",
		VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
		XiAPIKey:      "key",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, field := range []string{"text", "voice_settings", "xi_api_key"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("handshake is missing %q: %s", field, data)
		}
	}
}

func TestTextMessageShape(t *testing.T) {
	t.Parallel()

	t.Run("flush message carries the flag", func(t *testing.T) {
		data, _ := json.Marshal(textMessage{Text: "Hello ", Flush: true})
		if !strings.Contains(string(data), `"flush":true`) {
			t.Errorf("message = %s", data)
		}
	})

	t.Run("end of stream is the bare empty text", func(t *testing.T) {
		data, _ := json.Marshal(textMessage{Text: ""})
		if string(data) != `{"text":""}` {
			t.Errorf("EOS message = %s", data)
		}
	})
}

func TestAudioResponseDecoding(t *testing.T) {
	t.Parallel()

	var resp audioResponse
	err := json.Unmarshal([]byte(`{"audio": "AAEC", "isFinal": true}`), &resp)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Audio != "AAEC" || !resp.IsFinal {
		t.Errorf("response = %+v", resp)
	}
}
