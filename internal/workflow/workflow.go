// Package workflow hosts the per-call state machines: customer appointment
// rescheduling, teammate delay notification, and outbound customer
// verification. A machine consumes one utterance per turn, mutates its memory,
// and returns the assistant's next line plus any side requests (an outbound
// dispatch order) for the orchestrator to execute.
//
// Machines never cache the Session object; they reach shared state through
// the environment handed to them at construction.
package workflow

import (
	"context"
	"strings"
	"time"

	"github.com/alihamza79/voiceline/internal/audit"
	"github.com/alihamza79/voiceline/internal/filler"
	"github.com/alihamza79/voiceline/internal/session"
	"github.com/alihamza79/voiceline/pkg/provider/calendar"
	"github.com/alihamza79/voiceline/pkg/provider/llm"
)

// Kind names of the three machines.
const (
	KindCustomerReschedule = "customer_reschedule"
	KindTeammateDelay      = "teammate_delay"
	KindOutboundVerify     = "outbound_verify"
)

// llmDeadline bounds every workflow LLM call.
const llmDeadline = 10 * time.Second

// maxClarifications is how often a machine re-asks before switching to
// progressive assistance wording.
const maxClarifications = 2

// Action is what a machine wants the orchestrator to do after one turn.
type Action struct {
	// Say is the assistant line to synthesize. Empty means stay silent.
	Say string

	// Dispatch, when non-nil, orders an outbound verification call.
	Dispatch *DispatchOrder
}

// DispatchOrder carries everything the dispatcher needs to place the
// verification call.
type DispatchOrder struct {
	CustomerPhone   string
	CustomerName    string
	Appointment     calendar.Appointment
	DelayMinutes    int
	AlternativeTime string
	NewStart        time.Time
	ParentStreamID  string
}

// Machine is one workflow instance. Implementations also satisfy
// session.Workflow so the session can hold them without importing this
// package's concrete types.
type Machine interface {
	session.Workflow

	// Start produces the machine's opening move (listing appointments,
	// greeting the called customer). Machines driven purely by utterances
	// return an empty Action.
	Start(ctx context.Context) Action

	// HandleUtterance advances the machine by one user turn.
	HandleUtterance(ctx context.Context, text string) Action
}

// Env is the collaborator bundle shared by all machines of one session.
type Env struct {
	LLM      llm.Provider
	Calendar calendar.Provider
	Audit    *audit.Logger

	// Fill plays a filler clip for the given category before a slow
	// operation. The orchestrator wires it to the media bridge with the
	// per-turn dedup flag; a nil Fill is a no-op.
	Fill func(cat filler.Category)

	// Now is the clock, replaceable in tests.
	Now func() time.Time

	// Location resolves wall-clock phrases ("tomorrow", "2 PM"). Falls back
	// to UTC when nil.
	Location *time.Location

	// History returns the session conversation so far, for LLM context.
	History func() []session.Turn

	SessionID string
	Language  session.Language
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Env) location() *time.Location {
	if e.Location != nil {
		return e.Location
	}
	return time.UTC
}

func (e *Env) fill(cat filler.Category) {
	if e.Fill != nil {
		e.Fill(cat)
	}
}

func (e *Env) history() []session.Turn {
	if e.History != nil {
		return e.History()
	}
	return nil
}

func (e *Env) emit(kind audit.Kind, payload map[string]any) {
	if e.Audit != nil {
		e.Audit.Emit(e.SessionID, kind, payload)
	}
}

// historyMessages converts the conversation into LLM messages.
func historyMessages(turns []session.Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	return msgs
}

// yesNo asks the LLM for a yes/no reading of the reply, with a keyword
// fallback. Returns (answer, ok); ok is false when the reply is unclear.
func yesNo(ctx context.Context, env *Env, reply string) (bool, bool) {
	if env.LLM != nil {
		cctx, cancel := context.WithTimeout(ctx, llmDeadline)
		resp, err := env.LLM.Complete(cctx, llm.CompletionRequest{
			SystemPrompt: "The assistant asked the caller a yes/no question. Decide what the caller's reply means. Answer with only yes, no, or unclear.",
			Messages:     []llm.Message{{Role: "user", Content: reply}},
			Temperature:  0,
			MaxTokens:    5,
		})
		cancel()
		if err == nil {
			switch strings.ToLower(strings.TrimSpace(resp.Content)) {
			case "yes":
				return true, true
			case "no":
				return false, true
			}
		}
	}
	return yesNoKeywords(reply)
}

var yesWords = []string{
	"yes", "yeah", "yep", "sure", "correct", "right", "exactly", "sounds good", "okay", "ok",
	"ja", "genau", "richtig", "passt", "stimmt",
	"haan", "han", "theek", "sahi", "bilkul",
}

var noWords = []string{
	"no", "nope", "wrong", "not", "don't", "cancel",
	"nein", "nicht", "falsch",
	"nahi", "nahin", "mat",
}

func yesNoKeywords(reply string) (bool, bool) {
	text := strings.ToLower(reply)
	tokens := strings.Fields(text)
	hit := func(words []string) bool {
		for _, tok := range tokens {
			tok = strings.Trim(tok, ".,!?")
			for _, w := range words {
				if tok == w {
					return true
				}
			}
		}
		return false
	}
	yes, no := hit(yesWords), hit(noWords)
	switch {
	case yes && !no:
		return true, true
	case no && !yes:
		return false, true
	default:
		return false, false
	}
}
