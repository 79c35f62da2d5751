// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider
// interface, requesting µ-law 8 kHz output so chunks can be injected into the
// telephony frame queue directly.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coder/websocket"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "ulaw_8000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithVoice maps a language code to an ElevenLabs voice ID. Languages without
// a mapping fall back to the default voice.
func WithVoice(language, voiceID string) Option {
	return func(p *Provider) {
		p.voices[language] = voiceID
	}
}

// WithDefaultVoice sets the voice used for languages without an explicit
// mapping.
func WithDefaultVoice(voiceID string) Option {
	return func(p *Provider) {
		p.defaultVoice = voiceID
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	defaultVoice string
	voices       map[string]string // language code → voice ID
}

// New creates a new ElevenLabs Provider. apiKey and defaultVoice must be
// configured; without a voice there is nothing to synthesize with.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		voices:       make(map[string]string),
	}
	for _, o := range opts {
		o(p)
	}
	if p.defaultVoice == "" {
		return nil, errors.New("elevenlabs: a default voice is required (WithDefaultVoice)")
	}
	return p, nil
}

// voiceFor resolves the voice ID for a language, falling back to the default
// voice when the language has no mapping.
func (p *Provider) voiceFor(language string) string {
	if id := p.voices[language]; id != "" {
		return id
	}
	return p.defaultVoice
}

// ---- WebSocket message types ----

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// boiMessage is the initial "begin of input" handshake: authentication plus
// stream configuration.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// textMessage is the JSON payload sent for each text fragment.
type textMessage struct {
	Text string `json:"text"`
	// Flush forces synthesis of all buffered text.
	Flush bool `json:"flush,omitempty"`
}

// audioResponse is the JSON message received over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded µ-law
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// Synthesize implements tts.Provider. It opens a WebSocket to ElevenLabs,
// sends the full text, and returns a channel of µ-law chunks as they arrive.
func (p *Provider) Synthesize(ctx context.Context, text string, language string) (<-chan []byte, error) {
	wsURL := fmt.Sprintf(wsEndpointFmt, p.voiceFor(language), p.model, p.outputFormat)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	// ElevenLabs requires a non-empty first text value on the BOI message.
	boi := boiMessage{
		Text: " ",
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
		XiAPIKey: p.apiKey,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	txt, _ := json.Marshal(textMessage{Text: text + " ", Flush: true})
	if err := conn.Write(ctx, websocket.MessageText, txt); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send text")
		return nil, fmt.Errorf("elevenlabs: send text: %w", err)
	}
	// Empty text marks end of input.
	eos, _ := json.Marshal(textMessage{Text: ""})
	if err := conn.Write(ctx, websocket.MessageText, eos); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send EOS")
		return nil, fmt.Errorf("elevenlabs: send EOS: %w", err)
	}

	audioCh := make(chan []byte, 256)

	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var resp audioResponse
			if err := json.Unmarshal(msg, &resp); err != nil {
				continue
			}
			if resp.Audio != "" {
				chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
				if err == nil && len(chunk) > 0 {
					select {
					case audioCh <- chunk:
					case <-ctx.Done():
						return
					}
				}
			}
			if resp.IsFinal {
				return
			}
		}
	}()

	return audioCh, nil
}
