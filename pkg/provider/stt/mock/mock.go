// Package mock provides test doubles for the stt.Provider and
// stt.SessionHandle interfaces.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/alihamza79/voiceline/pkg/provider/stt"
)

// Session is a mock stt.SessionHandle. Tests drive the transcript channels
// directly via EmitPartial and EmitFinal.
type Session struct {
	mu       sync.Mutex
	partials chan stt.Transcript
	finals   chan stt.Transcript
	closed   bool

	// Audio records every chunk passed to SendAudio.
	Audio [][]byte

	// SendErr, if non-nil, is returned from SendAudio.
	SendErr error
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession creates a mock session with buffered transcript channels.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
	}
}

// SendAudio implements stt.SessionHandle.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock: session is closed")
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Audio = append(s.Audio, cp)
	return nil
}

// Partials implements stt.SessionHandle.
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals implements stt.SessionHandle.
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// Close implements stt.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.partials)
	close(s.finals)
	return nil
}

// EmitPartial pushes an interim transcript to the Partials channel.
func (s *Session) EmitPartial(text string) {
	s.partials <- stt.Transcript{Text: text}
}

// EmitFinal pushes a committed transcript to the Finals channel.
func (s *Session) EmitFinal(text string) {
	s.finals <- stt.Transcript{Text: text, IsFinal: true, Confidence: 1.0}
}

// AudioBytes returns the total number of audio bytes received.
func (s *Session) AudioBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Audio {
		n += len(c)
	}
	return n
}

// Provider is a mock stt.Provider that hands out pre-created sessions.
type Provider struct {
	mu sync.Mutex

	// Sessions is the queue of sessions returned by successive StartStream
	// calls. When empty, StartStream creates a fresh Session.
	Sessions []*Session

	// StartErr, if non-nil, is returned from StartStream.
	StartErr error

	// Configs records the StreamConfig of every StartStream call.
	Configs []stt.StreamConfig
}

var _ stt.Provider = (*Provider)(nil)

// StartStream implements stt.Provider.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Configs = append(p.Configs, cfg)
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	if len(p.Sessions) > 0 {
		s := p.Sessions[0]
		p.Sessions = p.Sessions[1:]
		return s, nil
	}
	return NewSession(), nil
}
