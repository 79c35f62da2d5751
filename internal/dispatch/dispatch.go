// Package dispatch places the outbound verification call a teammate delay
// workflow requests. It pre-creates the child session so the answering media
// stream finds its workflow already attached, links it to the parent, dials
// after a cool-down so the teammate's own leg has torn down, and
// garbage-collects children whose call never produced a media stream.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alihamza79/voiceline/internal/audit"
	"github.com/alihamza79/voiceline/internal/phonebook"
	"github.com/alihamza79/voiceline/internal/session"
	"github.com/alihamza79/voiceline/pkg/provider/sms"
)

// ErrInvalidNumber is returned when the destination is not E.164.
var ErrInvalidNumber = errors.New("dispatch: destination is not a valid E.164 number")

const (
	// defaultDialDelay is the cool-down between the workflow ordering the
	// call and the customer's phone ringing. The teammate usually hangs up
	// within this window, so the provider is never asked to dial while the
	// requesting leg is still tearing down.
	defaultDialDelay = 20 * time.Second

	// noMediaDeadline is how long a placed call may exist without its media
	// stream connecting before the child session is reaped.
	noMediaDeadline = 30 * time.Second

	// placeDeadline bounds the telephony provider's HTTP call.
	placeDeadline = 20 * time.Second
)

// Caller places calls through the telephony provider. Implemented by
// telephony.Caller.
type Caller interface {
	Place(ctx context.Context, to, streamID string) (string, error)
}

// Request describes one outbound verification call.
type Request struct {
	// To is the customer's E.164 number.
	To string

	// Name is the customer's display name for the greeting and audit trail.
	Name string

	// Language the child call is conducted in.
	Language session.Language

	// ParentStreamID is the teammate session that requested the call.
	ParentStreamID string
}

// Option is a functional option for Dispatcher.
type Option func(*Dispatcher)

// WithDialDelay overrides the pre-dial cool-down.
func WithDialDelay(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.dialDelay = d }
}

// WithNoMediaDeadline overrides the no-media reap deadline. Used in tests.
func WithNoMediaDeadline(dl time.Duration) Option {
	return func(d *Dispatcher) { d.noMedia = dl }
}

// WithSMS installs the provider used to text the teammate when the outbound
// call fails or is never answered.
func WithSMS(p sms.Provider) Option {
	return func(d *Dispatcher) { d.sms = p }
}

// Dispatcher owns the outbound call path.
type Dispatcher struct {
	store     *session.Store
	caller    Caller
	auditLog  *audit.Logger
	sms       sms.Provider
	dialDelay time.Duration
	noMedia   time.Duration
}

// NewDispatcher creates a Dispatcher backed by the given store and caller.
func NewDispatcher(store *session.Store, caller Caller, auditLog *audit.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		caller:    caller,
		auditLog:  auditLog,
		dialDelay: defaultDialDelay,
		noMedia:   noMediaDeadline,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch schedules the outbound call described by req and returns the child
// stream ID. build constructs the verification workflow for the allocated
// child stream ID; the workflow is attached before the call is placed so the
// answering stream never races an empty session.
//
// The call itself is dialled in the background after the cool-down. The
// teammate's parent session is usually gone by then, so everything the
// background path needs from it is captured here.
func (d *Dispatcher) Dispatch(_ context.Context, req Request, build func(childStreamID string) session.Workflow) (string, error) {
	if !phonebook.ValidNumber(req.To) {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, req.To)
	}

	streamID := "out-" + uuid.NewString()
	child := session.New(streamID, "", session.DirectionOutbound, session.Peer{
		PhoneNumber: req.To,
		Name:        req.Name,
		Role:        session.RoleCustomer,
		Language:    req.Language,
	})
	child.SetWorkflow(build(streamID))

	if err := d.store.Add(child); err != nil {
		return "", fmt.Errorf("dispatch: register child session: %w", err)
	}
	if err := d.store.Link(req.ParentStreamID, streamID); err != nil {
		d.store.Remove(streamID)
		return "", fmt.Errorf("dispatch: link to parent: %w", err)
	}

	teammatePhone := ""
	if parent, err := d.store.Get(req.ParentStreamID); err == nil {
		teammatePhone = parent.Peer.PhoneNumber
	}

	d.emit(req.ParentStreamID, map[string]any{
		"status":          "scheduled",
		"to":              req.To,
		"customer_name":   req.Name,
		"child_stream_id": streamID,
		"dial_delay":      d.dialDelay.String(),
	})
	slog.Info("Outbound call scheduled",
		"parent_stream_id", req.ParentStreamID,
		"child_stream_id", streamID,
		"dial_delay", d.dialDelay)

	go d.place(req, streamID, teammatePhone)
	return streamID, nil
}

// place dials the customer after the cool-down, then watches for the media
// stream. Runs detached from the parent's request context; a teammate hanging
// up must not cancel the customer call they asked for.
func (d *Dispatcher) place(req Request, streamID, teammatePhone string) {
	time.Sleep(d.dialDelay)

	// The child disappears before the dial only on shutdown.
	child, err := d.store.Get(streamID)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), placeDeadline)
	defer cancel()
	callID, err := d.caller.Place(ctx, req.To, streamID)
	if err != nil {
		child.Cancel()
		d.store.Remove(streamID)
		d.emit(req.ParentStreamID, map[string]any{
			"status":          "failed",
			"to":              req.To,
			"child_stream_id": streamID,
			"error":           err.Error(),
		})
		slog.Error("Outbound call failed",
			"parent_stream_id", req.ParentStreamID,
			"child_stream_id", streamID,
			"error", err)
		d.textTeammate(teammatePhone, fmt.Sprintf(
			"The verification call to %s could not be placed. Please follow up with them directly.", req.Name))
		return
	}

	d.emit(req.ParentStreamID, map[string]any{
		"status":          "placed",
		"to":              req.To,
		"customer_name":   req.Name,
		"call_id":         callID,
		"child_stream_id": streamID,
	})
	slog.Info("Outbound call placed",
		"parent_stream_id", req.ParentStreamID,
		"child_stream_id", streamID,
		"call_id", callID)

	d.reapIfNoMedia(streamID, req.ParentStreamID, teammatePhone)
}

// reapIfNoMedia removes the child session if its media stream never connected
// within the deadline, so an unanswered or misrouted call cannot leak a
// session forever.
func (d *Dispatcher) reapIfNoMedia(streamID, parentStreamID, teammatePhone string) {
	time.Sleep(d.noMedia)

	child, err := d.store.Get(streamID)
	if err != nil {
		return
	}
	if child.Media() != nil {
		return
	}

	child.Cancel()
	d.store.Remove(streamID)
	d.emit(parentStreamID, map[string]any{
		"status":          "no_media",
		"to":              child.Peer.PhoneNumber,
		"child_stream_id": streamID,
	})
	slog.Warn("Outbound call never produced media, session reaped",
		"child_stream_id", streamID,
		"parent_stream_id", parentStreamID)

	// The teammate is waiting on an answer that will never come; text them.
	d.textTeammate(teammatePhone, fmt.Sprintf(
		"%s didn't answer the verification call. Please follow up with them directly.", child.Peer.Name))
}

// textTeammate sends the fallback SMS to the number captured at dispatch
// time; the parent session itself has normally terminated long before the
// outcome is known.
func (d *Dispatcher) textTeammate(phone, body string) {
	if d.sms == nil || phone == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.sms.Send(ctx, phone, body); err != nil {
		slog.Error("Teammate fallback SMS failed", "to", phone, "error", err)
	}
}

func (d *Dispatcher) emit(sessionID string, payload map[string]any) {
	if d.auditLog == nil {
		return
	}
	d.auditLog.Emit(sessionID, audit.KindOutboundCall, payload)
}
