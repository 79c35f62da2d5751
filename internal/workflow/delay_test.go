package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/alihamza79/voiceline/pkg/provider/calendar"
	calmock "github.com/alihamza79/voiceline/pkg/provider/calendar/mock"
	"github.com/alihamza79/voiceline/pkg/provider/llm"
	llmmock "github.com/alihamza79/voiceline/pkg/provider/llm/mock"
)

// delayLLM scripts the extraction loop: tool-bearing requests get one
// record_delay_details call then a plain acknowledgement; yes/no requests get
// the canned answer.
func delayLLM(args, yesno string) *llmmock.Provider {
	recorded := false
	p := &llmmock.Provider{}
	p.CompleteFn = func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if len(req.Tools) > 0 {
			if recorded {
				return &llm.CompletionResponse{Content: "Recorded."}, nil
			}
			recorded = true
			return &llm.CompletionResponse{ToolCalls: []llm.ToolCall{
				{ID: "t1", Name: "record_delay_details", Arguments: args},
			}}, nil
		}
		return &llm.CompletionResponse{Content: yesno}, nil
	}
	return p
}

func delayCalendar(t *testing.T) *calmock.Provider {
	t.Helper()
	return &calmock.Provider{Appointments: []calendar.Appointment{
		{
			ID: "B1", Summary: "Consultation with James",
			Start: calendar.EventTime{DateTime: mustTime(t, "2025-10-14T12:00:00Z"), TimeZone: "UTC"},
			End:   calendar.EventTime{DateTime: mustTime(t, "2025-10-14T13:00:00Z"), TimeZone: "UTC"},
		},
	}}
}

func TestDelayHappyPath(t *testing.T) {
	t.Parallel()

	provider := delayLLM(`{"delay_minutes":30,"customer_name":"James","alternative_time":"18:00"}`, "yes")
	env := testEnv(t, nil, delayCalendar(t))
	env.LLM = provider
	env.SessionID = "parent-1"

	d := NewDelay(env, func(name string) (string, bool) {
		if name == "James" {
			return "+4915112345678", true
		}
		return "", false
	})
	ctx := context.Background()

	act := d.HandleUtterance(ctx, "I'm running 30 minutes late for James, or we can do 6 PM")
	if !strings.Contains(act.Say, "Found Consultation with James") {
		t.Fatalf("expected lookup confirmation, got %q", act.Say)
	}
	if !strings.Contains(act.Say, "wait 30 minutes") || !strings.Contains(act.Say, "18:00") {
		t.Fatalf("confirmation missing offer details: %q", act.Say)
	}

	act = d.HandleUtterance(ctx, "proceed")
	if act.Dispatch == nil {
		t.Fatal("expected a dispatch order")
	}
	if act.Dispatch.CustomerPhone != "+4915112345678" {
		t.Errorf("CustomerPhone = %q", act.Dispatch.CustomerPhone)
	}
	if act.Dispatch.ParentStreamID != "parent-1" {
		t.Errorf("ParentStreamID = %q", act.Dispatch.ParentStreamID)
	}
	if act.Dispatch.DelayMinutes != 30 {
		t.Errorf("DelayMinutes = %d", act.Dispatch.DelayMinutes)
	}
	// Alternative 18:00 on the appointment's day, UTC test zone.
	if want := mustTime(t, "2025-10-14T18:00:00Z"); !act.Dispatch.NewStart.Equal(want) {
		t.Errorf("NewStart = %v, want %v", act.Dispatch.NewStart, want)
	}
	if !strings.Contains(act.Say, "text you their choice") {
		t.Errorf("Say = %q", act.Say)
	}
	if !d.Done() || !d.CallEnd() {
		t.Fatal("dispatching should end the teammate call")
	}
}

func TestDelayMissingFieldsReRequested(t *testing.T) {
	t.Parallel()

	provider := delayLLM(`{"delay_minutes":0,"customer_name":"James"}`, "yes")
	env := testEnv(t, nil, delayCalendar(t))
	env.LLM = provider

	d := NewDelay(env, func(string) (string, bool) { return "+4915112345678", true })
	act := d.HandleUtterance(context.Background(), "I'm running late for James")
	if !strings.Contains(act.Say, "how many minutes") {
		t.Fatalf("expected re-request of delay minutes, got %q", act.Say)
	}
	if d.Done() {
		t.Fatal("machine must keep gathering")
	}
}

func TestDelayNoAlternativeShiftsByDelay(t *testing.T) {
	t.Parallel()

	provider := delayLLM(`{"delay_minutes":45,"customer_name":"James"}`, "yes")
	env := testEnv(t, nil, delayCalendar(t))
	env.LLM = provider

	d := NewDelay(env, func(string) (string, bool) { return "+4915112345678", true })
	ctx := context.Background()
	d.HandleUtterance(ctx, "running 45 minutes behind for James")
	act := d.HandleUtterance(ctx, "yes go ahead")

	if act.Dispatch == nil {
		t.Fatal("expected dispatch order")
	}
	if want := mustTime(t, "2025-10-14T12:45:00Z"); !act.Dispatch.NewStart.Equal(want) {
		t.Errorf("NewStart = %v, want %v", act.Dispatch.NewStart, want)
	}
}

func TestDelayUnknownCustomer(t *testing.T) {
	t.Parallel()

	provider := delayLLM(`{"delay_minutes":30,"customer_name":"Nobody"}`, "yes")
	env := testEnv(t, nil, delayCalendar(t))
	env.LLM = provider

	d := NewDelay(env, func(string) (string, bool) { return "", false })
	act := d.HandleUtterance(context.Background(), "running late for Nobody")
	if !strings.Contains(act.Say, "don't have a number") {
		t.Fatalf("Say = %q", act.Say)
	}
	if d.Done() {
		t.Fatal("machine should return to gathering, not end")
	}
}

func TestDelayDeclinedConfirmation(t *testing.T) {
	t.Parallel()

	provider := delayLLM(`{"delay_minutes":30,"customer_name":"James"}`, "no")
	env := testEnv(t, nil, delayCalendar(t))
	env.LLM = provider

	d := NewDelay(env, func(string) (string, bool) { return "+4915112345678", true })
	ctx := context.Background()
	d.HandleUtterance(ctx, "running 30 minutes late for James")
	act := d.HandleUtterance(ctx, "no, don't call")

	if act.Dispatch != nil {
		t.Fatal("declined confirmation must not dispatch")
	}
	if !d.Done() {
		t.Fatal("machine should finish after decline")
	}
	if d.CallEnd() {
		t.Fatal("decline should hand back to chat, not end the call")
	}
}
