package orchestrator

import (
	"strings"
	"testing"

	"github.com/alihamza79/voiceline/internal/intent"
	"github.com/alihamza79/voiceline/internal/session"
)

func TestGreetingFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		peer session.Peer
		want string
	}{
		{
			name: "customer first name only",
			peer: session.Peer{Name: "Anna Schmidt", Role: session.RoleCustomer, Language: session.LangEnglish},
			want: "Hello Anna!",
		},
		{
			name: "german customer",
			peer: session.Peer{Name: "Anna", Role: session.RoleCustomer, Language: session.LangGerman},
			want: "Hallo Anna!",
		},
		{
			name: "teammate informal",
			peer: session.Peer{Name: "Max Weber", Role: session.RoleTeammate, Language: session.LangEnglish},
			want: "Hi Max,",
		},
		{
			name: "customer without name",
			peer: session.Peer{Role: session.RoleCustomer, Language: session.LangEnglish},
			want: "Hello there!",
		},
		{
			name: "unknown caller has no name slot",
			peer: session.Peer{Role: session.RoleUnknown, Language: session.LangEnglish},
			want: "You've reached the scheduling assistant",
		},
		{
			name: "hindi falls back per role map",
			peer: session.Peer{Name: "Priya", Role: session.RoleCustomer, Language: session.LangHindi},
			want: "Namaste Priya!",
		},
		{
			name: "unknown language falls back to english",
			peer: session.Peer{Name: "Anna", Role: session.RoleCustomer, Language: session.Language("klingon")},
			want: "Hello Anna!",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := greetingFor(tt.peer)
			if !strings.Contains(got, tt.want) {
				t.Errorf("greetingFor(%+v) = %q, want it to contain %q", tt.peer, got, tt.want)
			}
			if strings.Contains(got, "%s") {
				t.Errorf("unfilled template: %q", got)
			}
		})
	}
}

func TestCannedIntentReply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		label intent.Intent
		want  string
	}{
		{intent.InvoicingQuestion, "invoices"},
		{intent.AppointmentInfo, "colleague confirm"},
		{intent.AdditionalDemands, "noted that down"},
		{intent.ScheduleMeeting, "book new appointments"},
		{intent.AppointmentRequest, "book new appointments"},
		{intent.CheckSchedule, "schedule sent"},
		{intent.TeamCoordination, "pass that on"},
		{intent.FreeCapacityInquiry, "call you back"},
		{intent.ServiceInquiry, "call you back"},
	}
	for _, tt := range tests {
		t.Run(string(tt.label), func(t *testing.T) {
			act := cannedIntentReply(tt.label, session.LangEnglish)
			if !strings.Contains(act.Say, tt.want) {
				t.Errorf("reply for %s = %q, want it to contain %q", tt.label, act.Say, tt.want)
			}
			if act.Dispatch != nil {
				t.Errorf("canned reply for %s requests a dispatch", tt.label)
			}
		})
	}

	t.Run("fallback is small talk in the session language", func(t *testing.T) {
		act := cannedIntentReply(intent.NoIntentDetected, session.LangGerman)
		if act.Say != smallTalkReplies[session.LangGerman] {
			t.Errorf("fallback = %q", act.Say)
		}
	})
}
