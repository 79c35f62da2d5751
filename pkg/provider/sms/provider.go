// Package sms defines the Provider interface for the outbound text-message
// collaborator. The agent uses it to report an outbound call's outcome back
// to the teammate who requested it.
package sms

import "context"

// Provider is the abstraction over any SMS backend.
type Provider interface {
	// Send delivers body to the E.164 number to. Returns an error if the
	// backend rejects the message or ctx is cancelled first.
	Send(ctx context.Context, to, body string) error
}
