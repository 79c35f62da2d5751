// Package intent assigns a categorical intent to each user utterance. Each
// caller role has its own closed category set; the classifier first asks the
// LLM collaborator, normalises its answer against the set, and falls back to
// keyword heuristics when the LLM is unavailable or off-script.
package intent

import (
	"github.com/alihamza79/voiceline/internal/session"
)

// Intent is a categorical label drawn from a fixed per-role set.
type Intent string

const (
	// Customer inbound.
	ShiftCancelAppointment Intent = "shift_cancel_appointment"
	InvoicingQuestion      Intent = "invoicing_question"
	AppointmentInfo        Intent = "appointment_info"
	AdditionalDemands      Intent = "additional_demands"

	// Teammate inbound.
	DelayNotification Intent = "delay_notification"
	ScheduleMeeting   Intent = "schedule_meeting"
	CheckSchedule     Intent = "check_schedule"
	TeamCoordination  Intent = "team_coordination"

	// Unknown / potential client inbound.
	FreeCapacityInquiry Intent = "free_capacity_inquiry"
	ServiceInquiry      Intent = "service_inquiry"
	AppointmentRequest  Intent = "appointment_request"

	// Outbound verification.
	AppointmentConfirmed   Intent = "appointment_confirmed"
	AppointmentRescheduled Intent = "appointment_rescheduled"
	AppointmentDeclined    Intent = "appointment_declined"
	UnclearResponse        Intent = "unclear_response"

	// Shared fallback.
	NoIntentDetected Intent = "no_intent_detected"
)

// Set is the closed category set for one classification context.
type Set struct {
	// Name labels the set in prompts and audit records.
	Name string

	// Intents are the admissible categories, NoIntentDetected excluded.
	Intents []Intent

	// keywords drive the heuristic fallback. Keywords are checked against the
	// transcript by substring and fuzzy token match, in four languages.
	keywords map[Intent][]string
}

// Contains reports whether i belongs to the set (NoIntentDetected always does).
func (s Set) Contains(i Intent) bool {
	if i == NoIntentDetected {
		return true
	}
	for _, in := range s.Intents {
		if in == i {
			return true
		}
	}
	return false
}

var customerSet = Set{
	Name: "customer",
	Intents: []Intent{
		ShiftCancelAppointment, InvoicingQuestion, AppointmentInfo, AdditionalDemands,
	},
	keywords: map[Intent][]string{
		ShiftCancelAppointment: {
			"shift", "cancel", "reschedule", "move", "postpone", "change",
			"verschieben", "absagen", "umbuchen", "ändern",
			"badalna", "cancel karna", "hatana",
		},
		InvoicingQuestion: {
			"invoice", "bill", "payment", "charge", "cost", "price",
			"rechnung", "bezahlen", "kosten",
			"bill bhejo", "paisa",
		},
		AppointmentInfo: {
			"when is my appointment", "what time", "appointment details", "confirm my appointment",
			"wann ist mein termin", "uhrzeit",
			"kab hai", "kitne baje",
		},
		AdditionalDemands: {
			"also need", "one more thing", "additionally", "extra",
			"außerdem", "noch etwas",
			"aur bhi", "ek aur",
		},
	},
}

var teammateSet = Set{
	Name: "teammate",
	Intents: []Intent{
		DelayNotification, ScheduleMeeting, CheckSchedule, TeamCoordination,
	},
	keywords: map[Intent][]string{
		DelayNotification: {
			"running late", "delayed", "delay", "stuck in traffic", "minutes late",
			"verspätung", "komme später", "stau",
			"der ho raha", "late ho",
		},
		ScheduleMeeting: {
			"schedule a meeting", "set up a meeting", "book a meeting",
			"meeting ansetzen", "besprechung",
			"meeting rakho",
		},
		CheckSchedule: {
			"my schedule", "what's next", "appointments today", "calendar",
			"mein kalender", "was steht an",
			"aaj ka schedule",
		},
		TeamCoordination: {
			"tell the team", "coordinate", "cover for me", "swap shifts",
			"team bescheid", "vertretung",
			"team ko batao",
		},
	},
}

var unknownSet = Set{
	Name: "unknown",
	Intents: []Intent{
		FreeCapacityInquiry, ServiceInquiry, AppointmentRequest,
	},
	keywords: map[Intent][]string{
		FreeCapacityInquiry: {
			"free slot", "availability", "available", "capacity", "openings",
			"freie termine", "kapazität",
			"khali time", "jagah hai",
		},
		ServiceInquiry: {
			"what services", "do you offer", "how does it work", "information about",
			"welche leistungen", "bieten sie",
			"kya karte ho", "service kya",
		},
		AppointmentRequest: {
			"book an appointment", "make an appointment", "new appointment", "appointment please",
			"termin vereinbaren", "termin buchen",
			"appointment chahiye", "time dila do",
		},
	},
}

var outboundSet = Set{
	Name: "outbound_verification",
	Intents: []Intent{
		AppointmentConfirmed, AppointmentRescheduled, AppointmentDeclined, UnclearResponse,
	},
	keywords: map[Intent][]string{
		AppointmentConfirmed: {
			"yes", "sure", "sounds good", "works for me", "that's fine", "okay",
			"ja", "passt", "in ordnung", "einverstanden",
			"haan", "theek hai", "chalega",
		},
		AppointmentRescheduled: {
			"different time", "another day", "how about", "instead", "rather",
			"anderer termin", "lieber",
			"dusra time", "koi aur din",
		},
		AppointmentDeclined: {
			"no", "can't make it", "cancel", "not coming", "won't work",
			"nein", "kann nicht", "absagen",
			"nahi", "nahin aa", "cancel kar",
		},
		UnclearResponse: {},
	},
}

// SetFor selects the category set for a session. Outbound sessions always use
// the verification set; inbound sessions use the role set.
func SetFor(role session.Role, dir session.Direction) Set {
	if dir == session.DirectionOutbound {
		return outboundSet
	}
	switch role {
	case session.RoleTeammate:
		return teammateSet
	case session.RoleCustomer:
		return customerSet
	default:
		return unknownSet
	}
}
