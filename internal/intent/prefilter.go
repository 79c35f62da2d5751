package intent

import (
	"context"
	"strings"

	"github.com/alihamza79/voiceline/internal/session"
	"github.com/alihamza79/voiceline/pkg/provider/llm"
)

// Verdict is the pre-filter's decision about an utterance.
type Verdict int

const (
	// Process means the utterance should go to the classifier.
	Process Verdict = iota

	// Greeting means the utterance is a bare greeting or acknowledgement.
	Greeting

	// CommCheck means the caller is testing the line ("can you hear me?").
	CommCheck

	// TooShort means the utterance is under three characters.
	TooShort

	// SmallTalk means the intent-strength score is below the classify floor.
	SmallTalk
)

// greetings covers bare greetings and acknowledgements in the four supported
// languages. Matched against the whole trimmed utterance.
var greetings = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "ok": {}, "okay": {}, "thanks": {},
	"thank you": {}, "good morning": {}, "good afternoon": {},
	"hallo": {}, "guten tag": {}, "guten morgen": {}, "danke": {},
	"namaste": {}, "namaskar": {}, "dhanyavad": {}, "shukriya": {}, "accha": {},
	"theek hai": {}, "thik hai": {},
}

// farewells are words that end a call. A greeting reply to "bye" would trap
// the caller in a loop, so these are kept out of the greetings map and
// checked on every turn via IsFarewell.
var farewells = map[string]struct{}{
	"bye": {}, "goodbye": {}, "good bye": {}, "bye bye": {}, "see you": {},
	"tschüss": {}, "auf wiederhören": {}, "auf wiedersehen": {},
	"alvida": {}, "phir milenge": {},
}

// commChecks are line-test phrases. Matched by substring.
var commChecks = []string{
	"can you hear me", "are you there", "is this working", "hello hello",
	"kannst du mich hören", "können sie mich hören", "hörst du mich", "sind sie da",
	"sun sakte ho", "sun sakte hain", "awaaz aa rahi", "sunai de raha",
	"mujhe sun", "kya aap sun",
}

// strengthKeywords are domain words that raise the intent-strength score.
var strengthKeywords = []string{
	"appointment", "schedule", "cancel", "shift", "reschedule", "move", "delay",
	"late", "invoice", "bill", "meeting", "book", "time", "tomorrow", "monday",
	"confirm", "change",
	"termin", "verschieben", "absagen", "rechnung", "verspätung", "morgen",
	"uhr", "buchen",
	"badalna", "milna", "baje", "kal", "der",
}

const (
	// Below smallTalkFloor the utterance is treated as small talk outright.
	smallTalkFloor = 0.2

	// Between the floor and classifyCeiling the filter may consult the LLM.
	classifyCeiling = 0.6
)

// Prefilter discards trivial utterances before they cost an LLM call.
type Prefilter struct {
	llm llm.Provider
}

// NewPrefilter creates a Prefilter. provider may be nil; ambiguous utterances
// are then always forwarded to the classifier.
func NewPrefilter(provider llm.Provider) *Prefilter {
	return &Prefilter{llm: provider}
}

// Applies reports whether the pre-filter runs for this utterance at all. Only
// customers are filtered; teammates and unknown callers skip it on their first
// turn so an opening statement is never mistaken for small talk.
func Applies(role session.Role, turnCount int) bool {
	if role == session.RoleCustomer {
		return true
	}
	return turnCount > 1
}

// IsFarewell reports whether the utterance is the caller saying goodbye. It
// matches a bare farewell and a farewell tail like "okay thanks, bye".
func IsFarewell(text string) bool {
	trimmed := normalizeUtterance(text)
	if _, ok := farewells[trimmed]; ok {
		return true
	}
	for phrase := range farewells {
		if strings.HasSuffix(trimmed, " "+phrase) {
			return true
		}
	}
	return false
}

// Check classifies the utterance as trivial or worth processing.
func (p *Prefilter) Check(ctx context.Context, text string) Verdict {
	trimmed := normalizeUtterance(text)

	if len([]rune(trimmed)) < 3 {
		return TooShort
	}
	if _, ok := greetings[trimmed]; ok {
		return Greeting
	}
	for _, phrase := range commChecks {
		if strings.Contains(trimmed, phrase) {
			return CommCheck
		}
	}

	score := Strength(trimmed)
	switch {
	case score < smallTalkFloor:
		return SmallTalk
	case score < classifyCeiling:
		if p.shouldClassify(ctx, text) {
			return Process
		}
		return SmallTalk
	default:
		return Process
	}
}

// normalizeUtterance lowercases an utterance and strips surrounding whitespace
// and terminal punctuation, the shape the phrase tables are written in.
func normalizeUtterance(text string) string {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	return strings.Trim(trimmed, ".,!?")
}

// Strength scores how intent-laden an utterance looks: the fraction of tokens
// that are domain keywords, with a bonus for any hit so short requests like
// "cancel it" clear the floor.
func Strength(text string) float64 {
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return 0
	}
	hits := 0
	for _, tok := range tokens {
		tok = strings.Trim(tok, ".,!?")
		for _, kw := range strengthKeywords {
			if tok == kw {
				hits++
				break
			}
		}
	}
	if hits == 0 {
		return 0
	}
	score := float64(hits)/float64(len(tokens)) + 0.2
	if score > 1 {
		score = 1
	}
	return score
}

// shouldClassify asks the LLM for a yes/no on ambiguous utterances. Errors or
// a missing provider default to yes so real requests are never dropped.
func (p *Prefilter) shouldClassify(ctx context.Context, text string) bool {
	if p.llm == nil {
		return true
	}
	resp, err := p.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: "Does the caller's utterance contain an actionable request for a scheduling assistant? Reply with only yes or no.",
		Messages:     []llm.Message{{Role: "user", Content: text}},
		Temperature:  0,
		MaxTokens:    5,
	})
	if err != nil {
		return true
	}
	return !strings.HasPrefix(strings.ToLower(strings.TrimSpace(resp.Content)), "no")
}
