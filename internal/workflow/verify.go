package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alihamza79/voiceline/internal/audit"
	"github.com/alihamza79/voiceline/internal/filler"
	"github.com/alihamza79/voiceline/internal/intent"
	"github.com/alihamza79/voiceline/internal/session"
	"github.com/alihamza79/voiceline/pkg/provider/calendar"
)

// Verify states.
const (
	vfGreeting     = "greeting"
	vfAwaitChoice  = "awaiting_choice"
	vfApplyOutcome = "applying_outcome"
	vfFarewell     = "farewell"
)

// Outcome is the result of the verification call, recorded in the audit trail
// and texted to the teammate.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomePending   Outcome = "pending_manual_followup"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeNone      Outcome = ""
)

// VerifyParams seeds the machine with the state shared from the parent
// teammate session.
type VerifyParams struct {
	Appointment     calendar.Appointment
	NewStart        time.Time
	DelayMinutes    int
	AlternativeTime string
	CustomerName    string
	ParentStreamID  string
}

/// Verify runs on the outbound child session: it greets the called customer,
// reads their choice, applies the outcome, and says goodbye.
type Verify struct {
	env        *Env
	params     VerifyParams
	classifier *intent.Classifier

	mu             sync.Mutex
	state          string
	outcome        Outcome
	clarifications int
	ended          bool
}

var _ Machine = (*Verify)(nil)

// NewVerify creates the machine pre-populated with the parent's state.
func NewVerify(env *Env, classifier *intent.Classifier, params VerifyParams) *Verify {
	return &Verify{env: env, classifier: classifier, params: params, state: vfGreeting}
}

func (v *Verify) Kind() string { return KindOutboundVerify }

func (v *Verify) Done() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ended
}

// CallEnd is always true once the machine finishes; a verification call has
// no free-form chat to fall back to.
func (v *Verify) CallEnd() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ended
}

// Outcome returns the recorded result, OutcomeNone while the call is running.
func (v *Verify) Outcome() Outcome {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.outcome
}

// ParentStreamID identifies the teammate session that ordered this call.
func (v *Verify) ParentStreamID() string { return v.params.ParentStreamID }

// CustomerName returns the called customer's name for the outcome SMS.
func (v *Verify) CustomerName() string { return v.params.CustomerName }

// NewStart returns the proposed replacement time.
func (v *Verify) NewStart() time.Time { return v.params.NewStart }

func (v *Verify) transition(to string) {
	v.env.emit(audit.KindWorkflowTransition, map[string]any{
		"workflow": KindOutboundVerify,
		"from":     v.state,
		"to":       to,
	})
	v.state = to
}

// Start speaks the fixed greeting script.
func (v *Verify) Start(context.Context) Action {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.transition(vfAwaitChoice)
	name := v.params.CustomerName
	if name == "" {
		name = "there"
	}
	return Action{Say: fmt.Sprintf(
		"Hello %s, I'm calling about your %s on %s. "+
			"Unfortunately we're running about %d minutes behind. "+
			"Would %s work for you instead?",
		name, v.params.Appointment.Summary,
		SpeakTime(v.env, v.params.Appointment.Start.DateTime),
		v.params.DelayMinutes,
		SpeakTime(v.env, v.params.NewStart))}
}

func (v *Verify) HandleUtterance(ctx context.Context, text string) Action {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != vfAwaitChoice {
		return Action{}
	}

	var label intent.Intent
	if v.classifier != nil {
		label = v.classifier.Classify(ctx, v.env.SessionID,
			intent.SetFor(session.RoleCustomer, session.DirectionOutbound), text, v.env.history())
	} else {
		label = intent.NoIntentDetected
	}

	switch label {
	case intent.AppointmentConfirmed:
		return v.applyConfirmed(ctx)
	case intent.AppointmentRescheduled:
		return v.finish(OutcomePending,
			"No problem. Someone from the team will call you to arrange a new time. Goodbye!")
	case intent.AppointmentDeclined:
		return v.finish(OutcomeCancelled,
			"Understood, we'll cancel the appointment. Sorry for the inconvenience, goodbye!")
	default:
		v.clarifications++
		if v.clarifications > 1 {
			return v.finish(OutcomePending,
				"No worries, someone from the team will call you back to sort this out. Goodbye!")
		}
		return Action{Say: fmt.Sprintf(
			"Sorry, I didn't catch that. Does %s work for you, yes or no?",
			SpeakTime(v.env, v.params.NewStart))}
	}
}

func (v *Verify) applyConfirmed(ctx context.Context) Action {
	v.transition(vfApplyOutcome)
	v.env.fill(filler.CategoryCalendarUpdate)

	appt := v.params.Appointment
	duration := appt.End.DateTime.Sub(appt.Start.DateTime)
	if duration <= 0 {
		duration = time.Hour
	}

	cctx, cancel := context.WithTimeout(ctx, calendarDeadline)
	err := v.env.Calendar.UpdateAppointment(cctx, appt.ID, calendar.Update{
		Start: calendar.EventTime{DateTime: v.params.NewStart.UTC(), TimeZone: "UTC"},
		End:   calendar.EventTime{DateTime: v.params.NewStart.Add(duration).UTC(), TimeZone: "UTC"},
	})
	cancel()
	if err != nil {
		return v.finish(OutcomePending,
			"I couldn't update the calendar just now, but we've noted your answer. Someone will confirm with you shortly. Goodbye!")
	}

	v.env.emit(audit.KindCalendarUpdate, map[string]any{
		"appointment_id": appt.ID,
		"summary":        appt.Summary,
		"before":         appt.Start.DateTime.UTC().Format(time.RFC3339),
		"after":          v.params.NewStart.UTC().Format(time.RFC3339),
	})

	return v.finish(OutcomeConfirmed, fmt.Sprintf(
		"Great, you're booked for %s. See you then, goodbye!",
		SpeakTime(v.env, v.params.NewStart)))
}

// finish records the outcome and parks the machine in Farewell; the
// orchestrator schedules termination once it sees Done.
func (v *Verify) finish(outcome Outcome, say string) Action {
	v.outcome = outcome
	v.env.emit(audit.KindCustomerResponse, map[string]any{
		"status":         string(outcome),
		"appointment_id": v.params.Appointment.ID,
		"parent_stream":  v.params.ParentStreamID,
	})
	v.transition(vfFarewell)
	v.ended = true
	return Action{Say: say}
}
