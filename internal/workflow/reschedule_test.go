package workflow

import (
	"context"
	"strings"
	"testing"
	"time"

	calmock "github.com/alihamza79/voiceline/pkg/provider/calendar/mock"
	"github.com/alihamza79/voiceline/pkg/provider/calendar"
	"github.com/alihamza79/voiceline/pkg/provider/llm"
	llmmock "github.com/alihamza79/voiceline/pkg/provider/llm/mock"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func testAppointments(t *testing.T) []calendar.Appointment {
	t.Helper()
	return []calendar.Appointment{
		{
			ID: "A1", Summary: "Eye checkup",
			Start: calendar.EventTime{DateTime: mustTime(t, "2025-10-12T09:00:00Z"), TimeZone: "Europe/Berlin"},
			End:   calendar.EventTime{DateTime: mustTime(t, "2025-10-12T09:30:00Z"), TimeZone: "Europe/Berlin"},
		},
		{
			ID: "A2", Summary: "Head checkup",
			Start: calendar.EventTime{DateTime: mustTime(t, "2025-10-14T12:00:00Z"), TimeZone: "Europe/Berlin"},
			End:   calendar.EventTime{DateTime: mustTime(t, "2025-10-14T13:00:00Z"), TimeZone: "Europe/Berlin"},
		},
	}
}

func testEnv(t *testing.T, provider *llmmock.Provider, cal *calmock.Provider) *Env {
	t.Helper()
	return &Env{
		LLM:       provider,
		Calendar:  cal,
		Now:       func() time.Time { return mustTime(t, "2025-10-10T10:00:00Z") },
		SessionID: "MZtest",
	}
}

func TestRescheduleHappyPath(t *testing.T) {
	t.Parallel()

	cal := &calmock.Provider{Appointments: testAppointments(t)}
	provider := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		{Content: "1"},                                    // selection
		{Content: `{"datetime":"2025-10-13T13:00:00Z"}`}, // time parse, same turn
		{Content: "yes"},                                  // confirmation
		{Content: "no"},                                   // post-update
	}}
	r := NewReschedule(testEnv(t, provider, cal), nil)
	ctx := context.Background()

	act := r.Start(ctx)
	if !strings.Contains(act.Say, "Eye checkup") || !strings.Contains(act.Say, "Head checkup") {
		t.Fatalf("Start did not list appointments: %q", act.Say)
	}

	act = r.HandleUtterance(ctx, "the eye checkup to Monday at 2 PM")
	if !strings.Contains(act.Say, "Just to confirm") {
		t.Fatalf("expected confirmation question, got %q", act.Say)
	}

	act = r.HandleUtterance(ctx, "yes")
	if !strings.Contains(act.Say, "anything else") {
		t.Fatalf("expected post-update question, got %q", act.Say)
	}
	if cal.UpdateCount() != 1 {
		t.Fatalf("UpdateCount = %d, want 1", cal.UpdateCount())
	}
	upd := cal.Updates[0]
	if upd.ID != "A1" {
		t.Errorf("updated %s, want A1", upd.ID)
	}
	if got := upd.Update.Start.DateTime; !got.Equal(mustTime(t, "2025-10-13T13:00:00Z")) {
		t.Errorf("new start = %v", got)
	}
	// Duration preserved: 30 minutes.
	if got := upd.Update.End.DateTime; !got.Equal(mustTime(t, "2025-10-13T13:30:00Z")) {
		t.Errorf("new end = %v", got)
	}

	act = r.HandleUtterance(ctx, "no")
	if !r.Done() || !r.CallEnd() {
		t.Fatal("workflow should be done with callEnd after declining further help")
	}
	if !strings.Contains(act.Say, "Goodbye") {
		t.Errorf("farewell = %q", act.Say)
	}
}

func TestRescheduleNoAppointments(t *testing.T) {
	t.Parallel()

	cal := &calmock.Provider{}
	r := NewReschedule(testEnv(t, &llmmock.Provider{}, cal), nil)

	act := r.Start(context.Background())
	if !strings.Contains(act.Say, "don't have any upcoming appointments") {
		t.Fatalf("Say = %q", act.Say)
	}
	if r.Done() || r.CallEnd() {
		t.Fatal("empty calendar should not end the call by itself")
	}
	if !r.Idle() {
		t.Fatal("machine should park in idle")
	}
}

func TestRescheduleTwoTurnClarification(t *testing.T) {
	t.Parallel()

	cal := &calmock.Provider{Appointments: testAppointments(t)}
	provider := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		{Content: "1"},                    // selection
		{Content: `{"date":"2025-10-06"}`}, // date only
		{Content: `{"time":"14:00"}`},      // time fills the gap
	}}
	env := testEnv(t, provider, cal)
	env.Now = func() time.Time { return mustTime(t, "2025-10-01T10:00:00Z") }
	r := NewReschedule(env, nil)
	ctx := context.Background()

	r.Start(ctx)
	act := r.HandleUtterance(ctx, "shift the eye checkup to October 6")
	if !strings.Contains(act.Say, "what time") {
		t.Fatalf("expected missing-time question, got %q", act.Say)
	}

	act = r.HandleUtterance(ctx, "2 PM")
	if !strings.Contains(act.Say, "Just to confirm") {
		t.Fatalf("expected confirmation, got %q", act.Say)
	}
	if want := mustTime(t, "2025-10-06T14:00:00Z"); !r.newStart.Equal(want) {
		t.Errorf("newStart = %v, want %v", r.newStart, want)
	}
}

func TestRescheduleRejectsOutOfWindowTimes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		datetime string
		wantSay  string
	}{
		{"too far ahead", "2027-01-01T10:00:00Z", "more than a year"},
		{"in the past", "2025-10-09T10:00:00Z", "already passed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cal := &calmock.Provider{Appointments: testAppointments(t)}
			provider := &llmmock.Provider{Responses: []*llm.CompletionResponse{
				{Content: "1"},
				{Content: `{"datetime":"` + tc.datetime + `"}`},
			}}
			r := NewReschedule(testEnv(t, provider, cal), nil)
			ctx := context.Background()

			r.Start(ctx)
			r.HandleUtterance(ctx, "the eye checkup")
			act := r.HandleUtterance(ctx, "move it please")
			if !strings.Contains(act.Say, tc.wantSay) {
				t.Fatalf("Say = %q, want mention of %q", act.Say, tc.wantSay)
			}
			if cal.UpdateCount() != 0 {
				t.Fatal("rejected time must not reach the calendar")
			}
		})
	}
}

func TestRescheduleUpdateFailureEndsCall(t *testing.T) {
	t.Parallel()

	cal := &calmock.Provider{
		Appointments: testAppointments(t),
		UpdateErr:    context.DeadlineExceeded,
	}
	provider := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		{Content: "2"},
		{Content: `{"datetime":"2025-10-20T09:00:00Z"}`},
		{Content: "yes"},
	}}
	r := NewReschedule(testEnv(t, provider, cal), nil)
	ctx := context.Background()

	r.Start(ctx)
	r.HandleUtterance(ctx, "the head checkup")
	r.HandleUtterance(ctx, "the twentieth at 9")
	act := r.HandleUtterance(ctx, "yes")

	if !r.Done() || !r.CallEnd() {
		t.Fatal("update failure should end the workflow and the call")
	}
	if !strings.Contains(act.Say, "sorry") && !strings.Contains(act.Say, "Sorry") &&
		!strings.Contains(act.Say, "couldn't") {
		t.Errorf("expected apology, got %q", act.Say)
	}
}

func TestHasTimeWords(t *testing.T) {
	t.Parallel()

	yes := []string{"Monday at 2 PM", "tomorrow morning", "um 14 Uhr", "kal subah", "at 3"}
	no := []string{"the eye checkup", "yes please", "the first one"}
	for _, s := range yes {
		if !hasTimeWords(s) {
			t.Errorf("hasTimeWords(%q) = false, want true", s)
		}
	}
	for _, s := range no {
		if hasTimeWords(s) {
			t.Errorf("hasTimeWords(%q) = true, want false", s)
		}
	}
}
