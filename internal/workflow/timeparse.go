package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alihamza79/voiceline/pkg/provider/llm"
)

// Rejection windows for parsed appointment times.
var (
	ErrTimeTooFar = errors.New("workflow: requested time is more than a year away")
	ErrTimeInPast = errors.New("workflow: requested time is in the past")
)

// TimeResult is the outcome of parsing a spoken date/time.
type TimeResult struct {
	// When is the parsed instant in UTC. Valid only when both HasDate and
	// HasTime are true.
	When time.Time

	// HasDate and HasTime track which halves the caller supplied. A partial
	// result sends the machine into its missing-info clarification.
	HasDate bool
	HasTime bool

	// Unclear means the utterance carried no usable date or time.
	Unclear bool

	// DateText / TimeText are the raw fragments for re-parsing in a later
	// turn ("October 6" + "2 PM").
	DateText string
	TimeText string
}

// Complete reports whether the result names a full instant.
func (r TimeResult) Complete() bool { return r.HasDate && r.HasTime && !r.Unclear }

// parseWire is the JSON shape the parsing prompt demands.
type parseWire struct {
	Datetime string `json:"datetime,omitempty"`
	Date     string `json:"date,omitempty"`
	Time     string `json:"time,omitempty"`
	Unclear  bool   `json:"unclear,omitempty"`
}

// ParseSpokenTime extracts a datetime from the transcript, using the
// conversation history so fragments given across turns combine ("October 6"
// then "2 PM"). The LLM resolves relative phrases against the caller's
// wall clock; its datetime output is UTC.
func ParseSpokenTime(ctx context.Context, env *Env, transcript string) (TimeResult, error) {
	if env.LLM == nil {
		return TimeResult{Unclear: true}, errors.New("workflow: no llm provider configured")
	}

	now := env.now().In(env.location())
	system := fmt.Sprintf(`You extract the date and time a caller wants for an appointment.
Current wall-clock time for the caller: %s (%s, %s).
Resolve relative phrases like "tomorrow" or "next Monday" against that clock.
Reply with strict JSON, nothing else, in exactly one of these forms:
{"datetime":"<RFC3339 UTC instant>"} when both a date and a time were given (possibly across earlier turns),
{"date":"YYYY-MM-DD"} when only a date was given,
{"time":"HH:MM"} when only a time of day was given,
{"unclear":true} when neither can be determined.`,
		now.Format(time.RFC3339), now.Weekday(), env.location())

	msgs := historyMessages(env.history())
	msgs = append(msgs, llm.Message{Role: "user", Content: transcript})

	cctx, cancel := context.WithTimeout(ctx, llmDeadline)
	defer cancel()
	resp, err := env.LLM.Complete(cctx, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     msgs,
		Temperature:  0,
		MaxTokens:    50,
	})
	if err != nil {
		return TimeResult{Unclear: true}, fmt.Errorf("workflow: parse time: %w", err)
	}

	var wire parseWire
	raw := stripFences(resp.Content)
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return TimeResult{Unclear: true}, fmt.Errorf("workflow: parse time reply %q: %w", resp.Content, err)
	}

	switch {
	case wire.Datetime != "":
		when, err := time.Parse(time.RFC3339, wire.Datetime)
		if err != nil {
			return TimeResult{Unclear: true}, fmt.Errorf("workflow: bad datetime %q: %w", wire.Datetime, err)
		}
		return TimeResult{When: when.UTC(), HasDate: true, HasTime: true}, nil
	case wire.Date != "":
		return TimeResult{HasDate: true, DateText: wire.Date}, nil
	case wire.Time != "":
		return TimeResult{HasTime: true, TimeText: wire.Time}, nil
	default:
		return TimeResult{Unclear: true}, nil
	}
}

// ValidateTime enforces the acceptance window: not more than a year out, not
// more than an hour in the past.
func ValidateTime(env *Env, when time.Time) error {
	now := env.now()
	if when.After(now.AddDate(1, 0, 0)) {
		return ErrTimeTooFar
	}
	if when.Before(now.Add(-time.Hour)) {
		return ErrTimeInPast
	}
	return nil
}

// stripFences removes a markdown code fence if the model wrapped its JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

// SpeakTime renders an instant for synthesis in the caller's zone, spelled
// out so the TTS reads it naturally.
func SpeakTime(env *Env, when time.Time) string {
	local := when.In(env.location())
	return local.Format("Monday, January 2 at 3:04 PM")
}
