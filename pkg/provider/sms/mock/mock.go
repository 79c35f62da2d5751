// Package mock provides a test double for the sms.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/alihamza79/voiceline/pkg/provider/sms"
)

// Message records a single Send invocation.
type Message struct {
	To   string
	Body string
}

// Provider is a mock sms.Provider recording every message.
type Provider struct {
	mu sync.Mutex

	// Err, if non-nil, is returned from Send.
	Err error

	// Sent records every Send invocation in order.
	Sent []Message
}

var _ sms.Provider = (*Provider)(nil)

// Send implements sms.Provider.
func (p *Provider) Send(_ context.Context, to, body string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Sent = append(p.Sent, Message{To: to, Body: body})
	return nil
}

// SentCount returns the number of successfully recorded messages.
func (p *Provider) SentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Sent)
}

// Last returns the most recent message, or a zero Message.
func (p *Provider) Last() Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sent) == 0 {
		return Message{}
	}
	return p.Sent[len(p.Sent)-1]
}
