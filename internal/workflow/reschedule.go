package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alihamza79/voiceline/internal/audit"
	"github.com/alihamza79/voiceline/internal/filler"
	"github.com/alihamza79/voiceline/internal/session"
	"github.com/alihamza79/voiceline/pkg/provider/calendar"
	"github.com/alihamza79/voiceline/pkg/provider/llm"
)

// Reschedule states.
const (
	rsIdle            = "idle"
	rsPreload         = "preload"
	rsAwaitSelection  = "awaiting_selection"
	rsAwaitNewTime    = "awaiting_new_time"
	rsAwaitMissing    = "awaiting_missing_info"
	rsAwaitConfirm    = "awaiting_confirmation"
	rsPostUpdate      = "post_update"
	rsDone            = "done"
)

const calendarDeadline = 15 * time.Second

// Reschedule moves one of the customer's upcoming appointments to a new time.
type Reschedule struct {
	env     *Env
	preload *session.Preload

	mu             sync.Mutex
	state          string
	appointments   []calendar.Appointment
	selected       *calendar.Appointment
	newStart       time.Time
	partial        TimeResult
	clarifications int
	callEnd        bool
}

var _ Machine = (*Reschedule)(nil)

// NewReschedule creates the machine. preload may be nil; appointments are then
// fetched synchronously on Start.
func NewReschedule(env *Env, preload *session.Preload) *Reschedule {
	return &Reschedule{env: env, preload: preload, state: rsIdle}
}

func (r *Reschedule) Kind() string { return KindCustomerReschedule }

func (r *Reschedule) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == rsDone
}

func (r *Reschedule) CallEnd() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callEnd
}

// Idle reports whether the machine finished a round and is parked. The
// orchestrator restarts it on a fresh reschedule intent.
func (r *Reschedule) Idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == rsIdle
}

func (r *Reschedule) transition(to string) {
	r.env.emit(audit.KindWorkflowTransition, map[string]any{
		"workflow": KindCustomerReschedule,
		"from":     r.state,
		"to":       to,
	})
	r.state = to
	r.clarifications = 0
}

// Start fetches the appointment list and asks the caller to pick one.
func (r *Reschedule) Start(ctx context.Context) Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transition(rsPreload)

	r.env.fill(filler.CategoryCalendarFetch)
	appts, err := r.fetchAppointments(ctx)
	if err != nil {
		r.transition(rsDone)
		r.callEnd = true
		return Action{Say: "I'm sorry, I can't reach the calendar right now. Please try again later."}
	}
	if len(appts) == 0 {
		r.transition(rsIdle)
		return Action{Say: "You don't have any upcoming appointments."}
	}

	r.appointments = appts
	r.transition(rsAwaitSelection)
	return Action{Say: r.listAppointments()}
}

func (r *Reschedule) fetchAppointments(ctx context.Context) ([]calendar.Appointment, error) {
	ctx, cancel := context.WithTimeout(ctx, calendarDeadline)
	defer cancel()
	if r.preload != nil {
		return r.preload.Await(ctx)
	}
	if r.env.Calendar == nil {
		return nil, errors.New("workflow: no calendar provider configured")
	}
	return r.env.Calendar.ListAppointments(ctx, "")
}

func (r *Reschedule) listAppointments() string {
	var b strings.Builder
	b.WriteString("You have ")
	if len(r.appointments) == 1 {
		b.WriteString("one upcoming appointment: ")
	} else {
		fmt.Fprintf(&b, "%d upcoming appointments: ", len(r.appointments))
	}
	for i, a := range r.appointments {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d, %s on %s", i+1, a.Summary, SpeakTime(r.env, a.Start.DateTime))
	}
	b.WriteString(". Which one would you like to move?")
	return b.String()
}

// HandleUtterance advances the machine by one turn.
func (r *Reschedule) HandleUtterance(ctx context.Context, text string) Action {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case rsAwaitSelection:
		return r.handleSelection(ctx, text)
	case rsAwaitNewTime:
		return r.handleNewTime(ctx, text)
	case rsAwaitMissing:
		return r.handleMissingInfo(ctx, text)
	case rsAwaitConfirm:
		return r.handleConfirmation(ctx, text)
	case rsPostUpdate:
		return r.handlePostUpdate(ctx, text)
	default:
		return Action{}
	}
}

func (r *Reschedule) handleSelection(ctx context.Context, text string) Action {
	idx, ok := r.selectAppointment(ctx, text)
	if !ok {
		r.clarifications++
		if r.clarifications > maxClarifications {
			return Action{Say: "You can just say the number. " + r.listAppointments()}
		}
		return Action{Say: "Sorry, which appointment did you mean? " + r.listAppointments()}
	}
	r.selected = &r.appointments[idx]

	// A time mentioned in the same breath is parsed in the same turn.
	if hasTimeWords(text) {
		r.env.fill(filler.CategoryGeneric)
		if res, err := ParseSpokenTime(ctx, r.env, text); err == nil && !res.Unclear {
			return r.acceptTimeResult(res)
		}
	}

	r.transition(rsAwaitNewTime)
	return Action{Say: fmt.Sprintf("Alright, the %s. What new time works for you?", r.selected.Summary)}
}

func (r *Reschedule) handleNewTime(ctx context.Context, text string) Action {
	r.env.fill(filler.CategoryGeneric)
	res, err := ParseSpokenTime(ctx, r.env, text)
	if err != nil || res.Unclear {
		r.clarifications++
		if r.clarifications > maxClarifications {
			return Action{Say: "You can say something like: next Monday at 2 PM. When should I move it to?"}
		}
		return Action{Say: "Sorry, I didn't catch the time. When would you like the appointment?"}
	}
	return r.acceptTimeResult(res)
}

func (r *Reschedule) handleMissingInfo(ctx context.Context, text string) Action {
	res, err := ParseSpokenTime(ctx, r.env, text)
	if err != nil || res.Unclear {
		// One clarification per missing field; give up to manual wording after.
		r.clarifications++
		if r.clarifications > 1 {
			r.transition(rsAwaitNewTime)
			return Action{Say: "Let's try again. Please tell me the full date and time you'd like."}
		}
		if r.partial.HasDate {
			return Action{Say: "And what time of day?"}
		}
		return Action{Say: "And on which date?"}
	}

	merged := mergeTimeResults(r.env, r.partial, res)
	return r.acceptTimeResult(merged)
}

// acceptTimeResult routes a parse outcome: full instant to confirmation,
// partial to the missing-info clarification.
func (r *Reschedule) acceptTimeResult(res TimeResult) Action {
	if !res.Complete() {
		if res.HasDate || res.HasTime {
			merged := mergeTimeResults(r.env, r.partial, res)
			if merged.Complete() {
				return r.acceptTimeResult(merged)
			}
			r.partial = merged
			r.transition(rsAwaitMissing)
			if merged.HasDate {
				return Action{Say: "Got it. And what time of day?"}
			}
			return Action{Say: "Got it. And on which date?"}
		}
		r.transition(rsAwaitNewTime)
		return Action{Say: "Sorry, I didn't catch the time. When would you like the appointment?"}
	}

	when := res.When
	if err := ValidateTime(r.env, when); err != nil {
		r.transition(rsAwaitNewTime)
		switch {
		case errors.Is(err, ErrTimeTooFar):
			return Action{Say: "That's more than a year away. Could you pick a closer date?"}
		default:
			return Action{Say: "That time has already passed. Could you pick a future time?"}
		}
	}

	r.newStart = when
	r.partial = TimeResult{}
	r.transition(rsAwaitConfirm)
	return Action{Say: fmt.Sprintf(
		"Just to confirm, you want to move your %s to %s. Is that correct?",
		r.selected.Summary, SpeakTime(r.env, when))}
}

func (r *Reschedule) handleConfirmation(ctx context.Context, text string) Action {
	answer, ok := yesNo(ctx, r.env, text)
	if !ok {
		r.clarifications++
		if r.clarifications > maxClarifications {
			r.transition(rsAwaitNewTime)
			return Action{Say: "Let's start over with the time. When would you like the appointment?"}
		}
		return Action{Say: fmt.Sprintf(
			"Sorry, was that a yes? Should I move your %s to %s?",
			r.selected.Summary, SpeakTime(r.env, r.newStart))}
	}
	if !answer {
		r.transition(rsAwaitNewTime)
		return Action{Say: "Okay, what time would suit you instead?"}
	}
	return r.applyUpdate(ctx)
}

func (r *Reschedule) applyUpdate(ctx context.Context) Action {
	r.env.fill(filler.CategoryCalendarUpdate)

	oldStart := r.selected.Start.DateTime
	oldEnd := r.selected.End.DateTime
	duration := oldEnd.Sub(oldStart)
	if duration <= 0 {
		duration = time.Hour
	}
	newEnd := r.newStart.Add(duration)

	cctx, cancel := context.WithTimeout(ctx, calendarDeadline)
	err := r.env.Calendar.UpdateAppointment(cctx, r.selected.ID, calendar.Update{
		Start: calendar.EventTime{DateTime: r.newStart.UTC(), TimeZone: "UTC"},
		End:   calendar.EventTime{DateTime: newEnd.UTC(), TimeZone: "UTC"},
	})
	cancel()

	if err != nil {
		r.transition(rsDone)
		r.callEnd = true
		return Action{Say: "I'm sorry, I couldn't update the appointment. Please call back later or reach us another way."}
	}

	r.env.emit(audit.KindCalendarUpdate, map[string]any{
		"appointment_id": r.selected.ID,
		"summary":        r.selected.Summary,
		"before":         oldStart.UTC().Format(time.RFC3339),
		"after":          r.newStart.UTC().Format(time.RFC3339),
	})

	say := fmt.Sprintf("Done, your %s is now on %s. Do you need help with anything else?",
		r.selected.Summary, SpeakTime(r.env, r.newStart))
	r.transition(rsPostUpdate)
	return Action{Say: say}
}

func (r *Reschedule) handlePostUpdate(ctx context.Context, text string) Action {
	answer, ok := yesNo(ctx, r.env, text)
	if ok && !answer {
		r.transition(rsDone)
		r.callEnd = true
		return Action{Say: "Great, thanks for calling. Goodbye!"}
	}
	if ok && answer {
		r.selected = nil
		r.newStart = time.Time{}
		r.transition(rsIdle)
		return Action{Say: "Sure, what else can I help you with?"}
	}
	r.clarifications++
	if r.clarifications > maxClarifications {
		r.transition(rsDone)
		r.callEnd = true
		return Action{Say: "Thanks for calling. Goodbye!"}
	}
	return Action{Say: "Is there anything else I can help you with?"}
}

// selectAppointment asks the LLM which listed appointment the caller means.
// Returns a zero-based index.
func (r *Reschedule) selectAppointment(ctx context.Context, text string) (int, bool) {
	if r.env.LLM == nil {
		return 0, len(r.appointments) == 1
	}

	var b strings.Builder
	b.WriteString("The assistant listed these appointments:\n")
	for i, a := range r.appointments {
		fmt.Fprintf(&b, "%d. %s on %s\n", i+1, a.Summary, a.Start.DateTime.Format(time.RFC3339))
	}
	b.WriteString("Which one does the caller mean? Reply with only the number, or the word unclear.")

	cctx, cancel := context.WithTimeout(ctx, llmDeadline)
	defer cancel()
	resp, err := r.env.LLM.Complete(cctx, llm.CompletionRequest{
		SystemPrompt: b.String(),
		Messages:     append(historyMessages(r.env.history()), llm.Message{Role: "user", Content: text}),
		Temperature:  0,
		MaxTokens:    5,
	})
	if err != nil {
		return 0, false
	}

	token := strings.TrimSpace(strings.ToLower(resp.Content))
	var idx int
	if _, err := fmt.Sscanf(token, "%d", &idx); err != nil {
		return 0, false
	}
	if idx < 1 || idx > len(r.appointments) {
		return 0, false
	}
	return idx - 1, true
}

// mergeTimeResults folds a later partial parse into an earlier one and, when
// both halves are present, resolves them into an instant in the caller's zone.
func mergeTimeResults(env *Env, prev, next TimeResult) TimeResult {
	if next.Complete() {
		return next
	}
	out := prev
	out.Unclear = false
	if next.HasDate {
		out.HasDate = true
		out.DateText = next.DateText
	}
	if next.HasTime {
		out.HasTime = true
		out.TimeText = next.TimeText
	}
	if out.HasDate && out.HasTime && out.When.IsZero() {
		when, err := time.ParseInLocation("2006-01-02 15:04", out.DateText+" "+out.TimeText, env.location())
		if err != nil {
			return TimeResult{Unclear: true}
		}
		out.When = when.UTC()
	}
	return out
}

// timeWords flag utterances that mention a time so selection turns can parse
// it immediately.
var timeWords = []string{
	"am", "pm", "o'clock", "oclock", "noon", "midnight", "morning", "afternoon", "evening",
	"tomorrow", "today", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
	"uhr", "morgen", "montag", "dienstag", "mittwoch", "donnerstag", "freitag", "samstag", "sonntag",
	"baje", "kal", "subah", "shaam",
}

func hasTimeWords(text string) bool {
	lower := strings.ToLower(text)
	for _, tok := range strings.Fields(lower) {
		tok = strings.Trim(tok, ".,!?")
		if tok == "" {
			continue
		}
		if tok[0] >= '0' && tok[0] <= '9' {
			return true
		}
		for _, w := range timeWords {
			if tok == w {
				return true
			}
		}
	}
	return false
}
