// Package session defines the per-call Session model and the process-wide
// Store that owns all live sessions.
//
// A Session is created when the telephony provider opens a media stream and
// destroyed after termination. The Store is the only place cross-session
// state lives; in particular the parent/child linkage between a teammate's
// inbound call and the outbound verification call it spawns goes through the
// Store, never through shared pointers.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/alihamza79/voiceline/pkg/provider/calendar"
)

// Role classifies a caller by their relationship to the business.
type Role string

const (
	RoleTeammate Role = "teammate"
	RoleCustomer Role = "customer"
	RoleUnknown  Role = "unknown"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleTeammate, RoleCustomer, RoleUnknown:
		return true
	}
	return false
}

// Language is the caller's conversation language.
type Language string

const (
	LangEnglish    Language = "english"
	LangGerman     Language = "german"
	LangHindi      Language = "hindi"
	LangHindiMixed Language = "hindi_mixed"
)

// Code returns the BCP-47 primary code used by the STT/TTS collaborators.
func (l Language) Code() string {
	switch l {
	case LangGerman:
		return "de"
	case LangHindi, LangHindiMixed:
		return "hi"
	default:
		return "en"
	}
}

// FromCode maps a detected BCP-47 code back to a Language. Unknown codes
// default to English.
func FromCode(code string) Language {
	switch code {
	case "de", "de-DE":
		return LangGerman
	case "hi", "hi-IN":
		return LangHindi
	default:
		return LangEnglish
	}
}

// Direction distinguishes who initiated the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Peer identifies the remote party on a call.
type Peer struct {
	// PhoneNumber is the E.164 number of the remote party.
	PhoneNumber string

	// Name is the display name from the phonebook, empty for unknown callers.
	Name string

	// Role classifies the caller.
	Role Role

	// Email is the calendar attendee key, when known.
	Email string

	// Language is the conversation language.
	Language Language
}

// TurnKind labels a conversation entry for the audit trail.
type TurnKind string

const (
	TurnSpeech TurnKind = "speech"
	TurnFiller TurnKind = "filler"
	TurnCanned TurnKind = "canned"
)

// Turn is one entry in the per-session conversation history.
type Turn struct {
	// Role is "user" or "assistant".
	Role string

	// Content is the utterance or response text.
	Content string

	// At is when the turn was recorded.
	At time.Time

	// Kind labels how the content was produced.
	Kind TurnKind
}

// Workflow is the narrow view of a workflow instance the session layer needs.
// The concrete machines live in internal/workflow; keeping this an interface
// avoids a dependency cycle and stops the session layer from reaching into
// workflow memory.
type Workflow interface {
	// Kind names the workflow ("customer_reschedule", "teammate_delay",
	// "outbound_verify").
	Kind() string

	// Done reports whether the workflow has finished.
	Done() bool

	// CallEnd reports whether the finished workflow wants the call ended
	// rather than handed back to free-form chat.
	CallEnd() bool
}

// Media is the session's handle on its media bridge. Implemented by
// internal/media.Bridge; declared here so the store and the termination path
// need not import the bridge.
type Media interface {
	// Speak synthesizes text and plays it to the caller.
	Speak(ctx context.Context, text string) error

	// PlayClip enqueues pre-encoded µ-law bytes for playback.
	PlayClip(clip []byte) error

	// StopSpeaking drains the outbound queue and cancels in-flight synthesis.
	StopSpeaking()

	// Close flushes and closes the media stream.
	Close(reason string) error
}

// Preload is the future of a background calendar fetch kicked off at session
// start. Await blocks until the fetch completes or ctx is cancelled.
type Preload struct {
	done  chan struct{}
	appts []calendar.Appointment
	err   error
}

// NewPreload creates an unresolved Preload.
func NewPreload() *Preload {
	return &Preload{done: make(chan struct{})}
}

// Resolve completes the preload. Resolve must be called exactly once.
func (p *Preload) Resolve(appts []calendar.Appointment, err error) {
	p.appts = appts
	p.err = err
	close(p.done)
}

// Await returns the fetched appointments, blocking until the fetch resolves
// or ctx is cancelled.
func (p *Preload) Await(ctx context.Context) ([]calendar.Appointment, error) {
	select {
	case <-p.done:
		return p.appts, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolved reports whether the preload has completed, without blocking.
func (p *Preload) Resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Session is the state of one live call. Fields set at creation (StreamID,
// CallID, Direction, Peer) are immutable; mutable state is guarded by mu and
// accessed through methods.
type Session struct {
	StreamID  string
	CallID    string
	Direction Direction
	Peer      Peer

	mu             sync.Mutex
	media          Media
	conversation   []Turn
	lastAssistant  string
	turnCount      int
	workflow       Workflow
	preload        *Preload
	fillerSent     bool
	parentStreamID string
	childStreamID  string
	endRequested   bool
	createdAt      time.Time

	// cancel tears down all tasks belonging to this session.
	cancel context.CancelFunc
}

// New creates a Session for the given stream.
func New(streamID, callID string, dir Direction, peer Peer) *Session {
	return &Session{
		StreamID:  streamID,
		CallID:    callID,
		Direction: dir,
		Peer:      peer,
		createdAt: time.Now(),
	}
}

// BindCancel stores the cancel function covering this session's tasks.
func (s *Session) BindCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

// Cancel aborts all tasks belonging to this session. Safe to call when no
// cancel function is bound.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// AppendTurn records a conversation turn and returns the new turn count.
func (s *Session) AppendTurn(role, content string, kind TurnKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversation = append(s.conversation, Turn{
		Role:    role,
		Content: content,
		At:      time.Now(),
		Kind:    kind,
	})
	if role == "user" {
		s.turnCount++
	}
	return s.turnCount
}

// Conversation returns a copy of the conversation history.
func (s *Session) Conversation() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.conversation))
	copy(out, s.conversation)
	return out
}

// TurnCount returns the number of user turns so far.
func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCount
}

// SetMedia attaches the media bridge once the stream is open.
func (s *Session) SetMedia(m Media) {
	s.mu.Lock()
	s.media = m
	s.mu.Unlock()
}

// Media returns the attached media bridge, or nil while the stream has not
// connected yet. Outbound sessions exist before their stream does.
func (s *Session) Media() Media {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media
}

// SetLastAssistant records the text most recently sent to synthesis.
func (s *Session) SetLastAssistant(text string) {
	s.mu.Lock()
	s.lastAssistant = text
	s.mu.Unlock()
}

// LastAssistant returns the text most recently sent to synthesis.
func (s *Session) LastAssistant() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAssistant
}

// SetWorkflow attaches a workflow instance. A session carries at most one
// workflow for its lifetime; attaching over an existing one is a no-op and
// returns false.
func (s *Session) SetWorkflow(w Workflow) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workflow != nil {
		return false
	}
	s.workflow = w
	return true
}

// Workflow returns the attached workflow instance, or nil.
func (s *Session) Workflow() Workflow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workflow
}

// SetPreload attaches the background calendar fetch future.
func (s *Session) SetPreload(p *Preload) {
	s.mu.Lock()
	s.preload = p
	s.mu.Unlock()
}

// PreloadFuture returns the calendar fetch future, or nil when no preload was
// started (unknown callers).
func (s *Session) PreloadFuture() *Preload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preload
}

// MarkFillerSent sets the per-turn filler flag. Returns false when a filler
// was already sent this turn, preventing double playback.
func (s *Session) MarkFillerSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fillerSent {
		return false
	}
	s.fillerSent = true
	return true
}

// ResetFillerSent clears the filler flag at the start of a new turn.
func (s *Session) ResetFillerSent() {
	s.mu.Lock()
	s.fillerSent = false
	s.mu.Unlock()
}

// RequestEnd marks the session for termination. Returns false if termination
// was already requested, making the termination path idempotent.
func (s *Session) RequestEnd() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endRequested {
		return false
	}
	s.endRequested = true
	return true
}

// EndRequested reports whether termination has been requested.
func (s *Session) EndRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endRequested
}

// ParentStreamID returns the stream ID of the session that spawned this one,
// or "" for inbound sessions.
func (s *Session) ParentStreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parentStreamID
}

// ChildStreamID returns the stream ID of the outbound session this one
// spawned, or "".
func (s *Session) ChildStreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.childStreamID
}

// Age returns how long the session has been alive.
func (s *Session) Age() time.Duration {
	return time.Since(s.createdAt)
}
