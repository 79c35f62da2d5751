package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alihamza79/voiceline/internal/audit"
	"github.com/alihamza79/voiceline/internal/filler"
	"github.com/alihamza79/voiceline/pkg/provider/calendar"
	"github.com/alihamza79/voiceline/pkg/provider/llm"
)

// Delay states.
const (
	dlGathering   = "gathering"
	dlLookup      = "lookup"
	dlConfirming  = "confirming"
	dlDispatching = "dispatching"
	dlEnding      = "ending"
)

// maxToolRounds bounds the extraction loop so a looping model cannot hold the
// turn forever.
const maxToolRounds = 4

// PhoneLookup resolves a customer name to an E.164 number.
type PhoneLookup func(name string) (string, bool)

// Delay handles a teammate reporting they are running late: it extracts the
// details, finds the affected appointment, and orders the outbound
// verification call to the customer.
type Delay struct {
	env         *Env
	lookupPhone PhoneLookup

	mu              sync.Mutex
	state           string
	delayMinutes    int
	customerName    string
	alternativeTime string
	extracted       bool
	customerPhone   string
	appointment     *calendar.Appointment
	clarifications  int
	callEnd         bool
	ended           bool
}

var _ Machine = (*Delay)(nil)

// NewDelay creates the machine.
func NewDelay(env *Env, lookupPhone PhoneLookup) *Delay {
	return &Delay{env: env, lookupPhone: lookupPhone, state: dlGathering}
}

func (d *Delay) Kind() string { return KindTeammateDelay }

func (d *Delay) Done() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ended
}

func (d *Delay) CallEnd() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.callEnd
}

// Start is a no-op; the machine is driven by the teammate's utterances,
// beginning with the one that carried the delay intent.
func (d *Delay) Start(context.Context) Action { return Action{} }

func (d *Delay) transition(to string) {
	d.env.emit(audit.KindWorkflowTransition, map[string]any{
		"workflow": KindTeammateDelay,
		"from":     d.state,
		"to":       to,
	})
	d.state = to
	d.clarifications = 0
}

func (d *Delay) HandleUtterance(ctx context.Context, text string) Action {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case dlGathering:
		return d.handleGathering(ctx, text)
	case dlConfirming:
		return d.handleConfirming(ctx, text)
	default:
		return Action{}
	}
}

func (d *Delay) handleGathering(ctx context.Context, text string) Action {
	d.env.fill(filler.CategoryGeneric)
	if err := d.extract(ctx, text); err != nil {
		d.clarifications++
		if d.clarifications > maxClarifications {
			d.ended = true
			d.callEnd = true
			return Action{Say: "I'm having trouble, please try again later."}
		}
		return Action{Say: "Sorry, I didn't get that. Who is the appointment with, and how late will you be?"}
	}

	if missing := d.missingFields(); len(missing) > 0 {
		return Action{Say: "Got it so far. " + askFor(missing)}
	}
	return d.lookupAppointment(ctx)
}

func (d *Delay) lookupAppointment(ctx context.Context) Action {
	d.transition(dlLookup)
	d.env.fill(filler.CategoryDelayLookup)

	if d.lookupPhone != nil {
		if phone, ok := d.lookupPhone(d.customerName); ok {
			d.customerPhone = phone
		}
	}
	if d.customerPhone == "" {
		d.transition(dlGathering)
		return Action{Say: fmt.Sprintf("I don't have a number for %s. Could you check the name?", d.customerName)}
	}

	cctx, cancel := context.WithTimeout(ctx, calendarDeadline)
	appts, err := d.env.Calendar.ListAppointments(cctx, d.customerName)
	cancel()
	if err != nil {
		d.ended = true
		d.callEnd = true
		return Action{Say: "I'm sorry, I can't reach the calendar right now. Please try again later."}
	}

	appt := matchAppointment(appts, d.customerName)
	if appt == nil {
		d.transition(dlGathering)
		return Action{Say: fmt.Sprintf("I couldn't find an upcoming appointment for %s. Could you check the name?", d.customerName)}
	}
	d.appointment = appt

	d.transition(dlConfirming)
	offer := fmt.Sprintf("wait %d minutes", d.delayMinutes)
	if d.alternativeTime != "" {
		offer += fmt.Sprintf(" or move to %s", d.alternativeTime)
	}
	return Action{Say: fmt.Sprintf("Found %s on %s. Will call %s with: %s. Proceed?",
		appt.Summary, SpeakTime(d.env, appt.Start.DateTime), d.customerName, offer)}
}

func (d *Delay) handleConfirming(ctx context.Context, text string) Action {
	answer, ok := yesNo(ctx, d.env, text)
	if !ok {
		d.clarifications++
		if d.clarifications > maxClarifications {
			d.ended = true
			return Action{Say: "Okay, I won't call them. Goodbye!"}
		}
		return Action{Say: "Should I call them now? Yes or no."}
	}
	if !answer {
		d.ended = true
		return Action{Say: "Okay, I won't call them."}
	}

	d.transition(dlDispatching)
	order := &DispatchOrder{
		CustomerPhone:   d.customerPhone,
		CustomerName:    d.customerName,
		Appointment:     *d.appointment,
		DelayMinutes:    d.delayMinutes,
		AlternativeTime: d.alternativeTime,
		NewStart:        d.proposedStart(),
		ParentStreamID:  d.env.SessionID,
	}

	d.transition(dlEnding)
	d.ended = true
	d.callEnd = true
	return Action{
		Say:      fmt.Sprintf("I'll call %s in a moment and text you their choice.", d.customerName),
		Dispatch: order,
	}
}

// proposedStart is the new time offered to the customer: the stated
// alternative when given, otherwise the original start shifted by the delay.
func (d *Delay) proposedStart() time.Time {
	start := d.appointment.Start.DateTime
	if d.alternativeTime != "" {
		if t, err := time.Parse("15:04", d.alternativeTime); err == nil {
			local := start.In(d.env.location())
			moved := time.Date(local.Year(), local.Month(), local.Day(),
				t.Hour(), t.Minute(), 0, 0, d.env.location())
			return moved.UTC()
		}
	}
	return start.Add(time.Duration(d.delayMinutes) * time.Minute)
}

var recordDelayTool = llm.ToolDefinition{
	Name:        "record_delay_details",
	Description: "Record the delay details the teammate has stated so far. Call it whenever the utterance contains any of the fields.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"delay_minutes": map[string]any{
				"type":        "integer",
				"description": "How many minutes late the teammate will be.",
			},
			"customer_name": map[string]any{
				"type":        "string",
				"description": "Name of the customer whose appointment is affected.",
			},
			"alternative_time": map[string]any{
				"type":        "string",
				"description": "Alternative time of day offered, 24h HH:MM. Empty if none was offered.",
			},
		},
	},
}

type delayArgs struct {
	DelayMinutes    int    `json:"delay_minutes"`
	CustomerName    string `json:"customer_name"`
	AlternativeTime string `json:"alternative_time"`
}

// extract runs the tool-calling loop: generate, execute tool calls, append
// results, regenerate. The loop stops once the model emits no further tool
// calls; the recording tool must have fired at least once across the
// conversation before the machine moves on.
func (d *Delay) extract(ctx context.Context, text string) error {
	if d.env.LLM == nil {
		return fmt.Errorf("workflow: no llm provider configured")
	}

	system := "A teammate is reporting a delay to an assistant. Extract the delay details " +
		"by calling record_delay_details with every field the teammate has stated, across " +
		"all turns so far. After recording, reply with a short acknowledgement."

	msgs := append(historyMessages(d.env.history()), llm.Message{Role: "user", Content: text})

	for round := 0; round < maxToolRounds; round++ {
		cctx, cancel := context.WithTimeout(ctx, llmDeadline)
		resp, err := d.env.LLM.Complete(cctx, llm.CompletionRequest{
			SystemPrompt: system,
			Messages:     msgs,
			Tools:        []llm.ToolDefinition{recordDelayTool},
			Temperature:  0,
			MaxTokens:    150,
		})
		cancel()
		if err != nil {
			return fmt.Errorf("workflow: extract delay details: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			if !d.extracted {
				return fmt.Errorf("workflow: model recorded no delay details")
			}
			return nil
		}

		msgs = append(msgs, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			result := d.applyToolCall(call)
			msgs = append(msgs, llm.Message{Role: "tool", Content: result, ToolCallID: call.ID})
		}
	}
	if !d.extracted {
		return fmt.Errorf("workflow: extraction did not converge")
	}
	return nil
}

func (d *Delay) applyToolCall(call llm.ToolCall) string {
	if call.Name != recordDelayTool.Name {
		return fmt.Sprintf("unknown tool %q", call.Name)
	}
	var args delayArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return fmt.Sprintf("bad arguments: %v", err)
	}
	if args.DelayMinutes > 0 {
		d.delayMinutes = args.DelayMinutes
	}
	if args.CustomerName != "" {
		d.customerName = args.CustomerName
	}
	if args.AlternativeTime != "" {
		d.alternativeTime = args.AlternativeTime
	}
	d.extracted = true
	return "recorded"
}

func (d *Delay) missingFields() []string {
	var missing []string
	if d.customerName == "" {
		missing = append(missing, "the customer's name")
	}
	if d.delayMinutes == 0 {
		missing = append(missing, "how many minutes late you'll be")
	}
	return missing
}

func askFor(missing []string) string {
	return "Could you tell me " + strings.Join(missing, " and ") + "?"
}

// matchAppointment picks the appointment whose summary mentions the customer,
// falling back to the first upcoming one.
func matchAppointment(appts []calendar.Appointment, customerName string) *calendar.Appointment {
	name := strings.ToLower(customerName)
	for i := range appts {
		if strings.Contains(strings.ToLower(appts[i].Summary), name) {
			return &appts[i]
		}
	}
	if len(appts) > 0 {
		return &appts[0]
	}
	return nil
}
