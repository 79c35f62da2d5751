package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/alihamza79/voiceline/pkg/provider/calendar"
	"github.com/alihamza79/voiceline/pkg/provider/llm"
	"github.com/alihamza79/voiceline/pkg/provider/sms"
	"github.com/alihamza79/voiceline/pkg/provider/stt"
	"github.com/alihamza79/voiceline/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// collaborator type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	llm      map[string]func(ProviderEntry) (llm.Provider, error)
	stt      map[string]func(ProviderEntry) (stt.Provider, error)
	tts      map[string]func(ProviderEntry) (tts.Provider, error)
	calendar map[string]func(ProviderEntry) (calendar.Provider, error)
	sms      map[string]func(TelephonyConfig, ProviderEntry) (sms.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:      make(map[string]func(ProviderEntry) (llm.Provider, error)),
		stt:      make(map[string]func(ProviderEntry) (stt.Provider, error)),
		tts:      make(map[string]func(ProviderEntry) (tts.Provider, error)),
		calendar: make(map[string]func(ProviderEntry) (calendar.Provider, error)),
		sms:      make(map[string]func(TelephonyConfig, ProviderEntry) (sms.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterCalendar registers a calendar provider factory under name.
func (r *Registry) RegisterCalendar(name string, factory func(ProviderEntry) (calendar.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calendar[name] = factory
}

// RegisterSMS registers an SMS provider factory under name. SMS providers
// additionally receive the telephony credentials because outcome texts come
// from the agent's own number.
func (r *Registry) RegisterSMS(name string, factory func(TelephonyConfig, ProviderEntry) (sms.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sms[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateCalendar instantiates a calendar provider using the factory registered under entry.Name.
func (r *Registry) CreateCalendar(entry ProviderEntry) (calendar.Provider, error) {
	r.mu.RLock()
	factory, ok := r.calendar[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: calendar/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSMS instantiates an SMS provider using the factory registered under entry.Name.
func (r *Registry) CreateSMS(tel TelephonyConfig, entry ProviderEntry) (sms.Provider, error) {
	r.mu.RLock()
	factory, ok := r.sms[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sms/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(tel, entry)
}
