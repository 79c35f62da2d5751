package orchestrator

import (
	"fmt"

	"github.com/alihamza79/voiceline/internal/intent"
	"github.com/alihamza79/voiceline/internal/session"
	"github.com/alihamza79/voiceline/internal/workflow"
)

// Greetings and canned replies are pre-rendered so the first audio of a call
// never waits on an LLM. Languages without a variant fall back to English.

var greetingByRole = map[session.Role]map[session.Language]string{
	session.RoleCustomer: {
		session.LangEnglish:    "Hello %s! This is the scheduling assistant. How can I help you today?",
		session.LangGerman:     "Hallo %s! Hier ist der Terminassistent. Wie kann ich Ihnen helfen?",
		session.LangHindi:      "Namaste %s! Main scheduling assistant hoon. Main aapki kaise madad kar sakti hoon?",
		session.LangHindiMixed: "Namaste %s! Main scheduling assistant hoon. Aaj kaise help kar sakti hoon?",
	},
	session.RoleTeammate: {
		session.LangEnglish: "Hi %s, what can I do for you?",
		session.LangGerman:  "Hallo %s, was kann ich für dich tun?",
		session.LangHindi:   "Namaste %s, boliye kya karna hai?",
	},
	session.RoleUnknown: {
		session.LangEnglish: "Hello! You've reached the scheduling assistant. How can I help you?",
		session.LangGerman:  "Hallo! Hier ist der Terminassistent. Wie kann ich Ihnen helfen?",
	},
}

var greetingReplies = map[session.Language]string{
	session.LangEnglish:    "Hello! How can I help you?",
	session.LangGerman:     "Hallo! Wie kann ich Ihnen helfen?",
	session.LangHindi:      "Namaste! Main aapki kaise madad karoon?",
	session.LangHindiMixed: "Namaste! Kaise help kar sakti hoon?",
}

var commCheckReplies = map[session.Language]string{
	session.LangEnglish: "Yes, I can hear you clearly. How can I help?",
	session.LangGerman:  "Ja, ich kann Sie gut hören. Wie kann ich helfen?",
	session.LangHindi:   "Haan, main aapko sun sakti hoon. Boliye?",
}

var farewellReplies = map[session.Language]string{
	session.LangEnglish:    "Alright, goodbye! Have a great day.",
	session.LangGerman:     "Alles klar, auf Wiederhören!",
	session.LangHindi:      "Theek hai, namaste! Aapka din accha rahe.",
	session.LangHindiMixed: "Theek hai, bye! Aapka din accha rahe.",
}

var smallTalkReplies = map[session.Language]string{
	session.LangEnglish: "I'm here to help with appointments and scheduling. What do you need?",
	session.LangGerman:  "Ich helfe Ihnen gerne mit Terminen. Was brauchen Sie?",
	session.LangHindi:   "Main appointments mein madad kar sakti hoon. Kya chahiye aapko?",
}

// differentWayReply replaces an assistant line that would repeat the previous
// one verbatim.
const differentWayReply = "Let me help you in a different way. Could you tell me again what you need?"

func pick(m map[session.Language]string, lang session.Language) string {
	if s, ok := m[lang]; ok {
		return s
	}
	return m[session.LangEnglish]
}

// greetingFor renders the opening line for a freshly connected inbound call.
func greetingFor(peer session.Peer) string {
	byLang, ok := greetingByRole[peer.Role]
	if !ok {
		byLang = greetingByRole[session.RoleUnknown]
	}
	tmpl := pick(byLang, peer.Language)
	if peer.Name == "" {
		switch peer.Role {
		case session.RoleUnknown:
			return tmpl
		default:
			return fmt.Sprintf(tmpl, "there")
		}
	}
	if peer.Role == session.RoleUnknown {
		return tmpl
	}
	first := peer.Name
	for i, r := range first {
		if r == ' ' {
			first = first[:i]
			break
		}
	}
	return fmt.Sprintf(tmpl, first)
}

// cannedIntentReply answers intents that carry no workflow: the caller is
// pointed at a human or told what the line can do.
func cannedIntentReply(label intent.Intent, lang session.Language) workflow.Action {
	switch label {
	case intent.InvoicingQuestion:
		return workflow.Action{Say: "I can't look into invoices on this line, but I'll pass your question on to the team and someone will get back to you."}
	case intent.AppointmentInfo:
		return workflow.Action{Say: "Let me have a colleague confirm the details of your appointment. Is there anything you'd like to change about it?"}
	case intent.AdditionalDemands:
		return workflow.Action{Say: "I've noted that down for the team. Anything else I can help with?"}
	case intent.ScheduleMeeting, intent.AppointmentRequest:
		return workflow.Action{Say: "I can't book new appointments yet, but I'll flag your request so someone calls you back shortly."}
	case intent.CheckSchedule:
		return workflow.Action{Say: "I'll have your schedule sent to you. Is there an appointment you'd like to move?"}
	case intent.TeamCoordination:
		return workflow.Action{Say: "Got it, I'll pass that on to the team."}
	case intent.FreeCapacityInquiry, intent.ServiceInquiry:
		return workflow.Action{Say: "Thanks for your interest! Someone from the team will call you back with the details."}
	default:
		return workflow.Action{Say: pick(smallTalkReplies, lang)}
	}
}
