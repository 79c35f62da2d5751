// Package calendar defines the Provider interface for the appointment
// calendar collaborator.
//
// The agent reads a caller's upcoming appointments and rewrites their start
// and end times when a reschedule is confirmed. Timezones are stored
// explicitly on each appointment; the workflow layer converts the caller's
// spoken wall-clock times to UTC before calling UpdateAppointment.
//
// Implementations must be safe for concurrent use.
package calendar

import (
	"context"
	"time"
)

// EventTime pairs an instant with the timezone it should be rendered in.
type EventTime struct {
	// DateTime is the absolute instant (UTC internally).
	DateTime time.Time

	// TimeZone is the IANA zone name the appointment is anchored to
	// (e.g., "Europe/Berlin").
	TimeZone string
}

// Appointment is one calendar entry belonging to a caller.
type Appointment struct {
	// ID is the calendar-assigned identifier.
	ID string

	// Summary is the human-readable title (e.g., "Eye checkup").
	Summary string

	// Start and End bound the appointment.
	Start EventTime
	End   EventTime

	// Status is the calendar's status string ("confirmed", "cancelled", ...).
	Status string
}

// Update carries the fields of an appointment to rewrite. Zero-value fields
// are left unchanged.
type Update struct {
	Start  EventTime
	End    EventTime
	Status string
}

// Provider is the abstraction over the calendar backend.
type Provider interface {
	// ListAppointments returns the upcoming appointments for the given
	// attendee (keyed by email, falling back to phone number).
	ListAppointments(ctx context.Context, attendee string) ([]Appointment, error)

	// UpdateAppointment rewrites the given appointment. Returns an error if
	// the appointment does not exist or the backend rejects the change.
	UpdateAppointment(ctx context.Context, id string, upd Update) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}
