// Package mock provides a test double for the tts.Provider interface.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/alihamza79/voiceline/pkg/provider/tts"
)

// Call records a single invocation of Synthesize.
type Call struct {
	Text     string
	Language string
}

// Provider is a mock tts.Provider. Each Synthesize call emits the configured
// Chunks on the returned channel, honouring ctx cancellation between chunks.
type Provider struct {
	mu sync.Mutex

	// Chunks is the audio emitted per Synthesize call. Defaults to a single
	// 160-byte chunk when nil.
	Chunks [][]byte

	// ChunkDelay, when non-zero, is slept before each chunk. Use it in tests
	// that need an in-flight synthesis to cancel.
	ChunkDelay time.Duration

	// Err, if non-nil, is returned from Synthesize.
	Err error

	// Calls records every invocation in order.
	Calls []Call
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, language string) (<-chan []byte, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, Call{Text: text, Language: language})
	chunks := p.Chunks
	delay := p.ChunkDelay
	err := p.Err
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if chunks == nil {
		chunks = [][]byte{make([]byte, 160)}
	}

	ch := make(chan []byte, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// CallCount returns the number of Synthesize invocations recorded so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Snapshot returns a copy of every recorded call.
func (p *Provider) Snapshot() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.Calls))
	copy(out, p.Calls)
	return out
}

// LastCall returns the most recent recorded call, or a zero Call.
func (p *Provider) LastCall() Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return Call{}
	}
	return p.Calls[len(p.Calls)-1]
}
