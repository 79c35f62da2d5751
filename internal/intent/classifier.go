package intent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/alihamza79/voiceline/internal/audit"
	"github.com/alihamza79/voiceline/internal/session"
	"github.com/alihamza79/voiceline/pkg/provider/llm"
)

const (
	// llmDeadline bounds one classification call; exceeding it falls back to
	// the heuristic, it never aborts the turn.
	llmDeadline = 10 * time.Second

	// classifyMaxTokens caps the LLM reply; a category token never needs more.
	classifyMaxTokens = 20

	// fuzzyThreshold is the Jaro-Winkler score above which a transcript token
	// counts as a keyword hit. Absorbs STT garbling ("cancle", "reshedule").
	fuzzyThreshold = 0.92
)

// Classifier assigns intents to utterances. Safe for concurrent use.
type Classifier struct {
	llm   llm.Provider
	audit *audit.Logger
}

// NewClassifier creates a Classifier. audit may be nil in tests.
func NewClassifier(provider llm.Provider, auditLog *audit.Logger) *Classifier {
	return &Classifier{llm: provider, audit: auditLog}
}

// Classify assigns one intent from set to transcript. The conversation history
// gives the LLM context for elliptical follow-ups ("and the other one too").
// Classification never fails: any LLM error degrades to the keyword heuristic
// and finally to NoIntentDetected.
func (c *Classifier) Classify(ctx context.Context, sessionID string, set Set, transcript string, history []session.Turn) Intent {
	raw, err := c.askLLM(ctx, set, transcript, history)
	if err != nil {
		slog.Warn("Intent LLM call failed, using heuristic",
			"session_id", sessionID, "set", set.Name, "error", err)
	}

	result := normalize(raw, set)
	if result == NoIntentDetected {
		result = heuristic(transcript, set)
	}

	if c.audit != nil {
		c.audit.Emit(sessionID, audit.KindIntent, map[string]any{
			"set":        set.Name,
			"intent":     string(result),
			"raw":        raw,
			"transcript": transcript,
		})
	}
	return result
}

func (c *Classifier) askLLM(ctx context.Context, set Set, transcript string, history []session.Turn) (string, error) {
	if c.llm == nil {
		return "", fmt.Errorf("intent: no llm provider configured")
	}

	ctx, cancel := context.WithTimeout(ctx, llmDeadline)
	defer cancel()

	msgs := make([]llm.Message, 0, len(history)+1)
	for _, t := range history {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: transcript})

	resp, err := c.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt(set),
		Messages:     msgs,
		Temperature:  0,
		MaxTokens:    classifyMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("intent: classify: %w", err)
	}
	return resp.Content, nil
}

func systemPrompt(set Set) string {
	var b strings.Builder
	b.WriteString("You classify a caller's utterance into exactly one category.\n")
	b.WriteString("Reply with only the category token, lowercase, nothing else.\n")
	b.WriteString("Categories:\n")
	for _, i := range set.Intents {
		b.WriteString("- ")
		b.WriteString(string(i))
		b.WriteByte('\n')
	}
	b.WriteString("- ")
	b.WriteString(string(NoIntentDetected))
	b.WriteByte('\n')
	return b.String()
}

// normalize maps the raw LLM reply to a set member: exact match first, then
// substring in either direction. Anything else is NoIntentDetected.
func normalize(raw string, set Set) Intent {
	token := strings.ToLower(strings.TrimSpace(raw))
	token = strings.Trim(token, `"'.`)
	if token == "" {
		return NoIntentDetected
	}
	if set.Contains(Intent(token)) {
		return Intent(token)
	}
	for _, i := range set.Intents {
		if strings.Contains(token, string(i)) || strings.Contains(string(i), token) {
			return i
		}
	}
	return NoIntentDetected
}

// heuristic scans the transcript for per-intent keywords. Multi-word keywords
// match by substring; single words match exactly or by fuzzy token similarity.
// The intent with the most hits wins.
func heuristic(transcript string, set Set) Intent {
	text := strings.ToLower(transcript)
	tokens := strings.Fields(text)

	best := NoIntentDetected
	bestHits := 0
	for _, i := range set.Intents {
		hits := 0
		for _, kw := range set.keywords[i] {
			if keywordHit(text, tokens, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = i, hits
		}
	}
	return best
}

func keywordHit(text string, tokens []string, keyword string) bool {
	if strings.Contains(keyword, " ") {
		return strings.Contains(text, keyword)
	}
	for _, tok := range tokens {
		if tok == keyword {
			return true
		}
		if len(keyword) >= 4 && matchr.JaroWinkler(tok, keyword, false) >= fuzzyThreshold {
			return true
		}
	}
	return false
}
