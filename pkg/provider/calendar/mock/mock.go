// Package mock provides a test double for the calendar.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/alihamza79/voiceline/pkg/provider/calendar"
)

// UpdateCall records a single invocation of UpdateAppointment.
type UpdateCall struct {
	ID     string
	Update calendar.Update
}

// Provider is a mock calendar.Provider backed by an in-memory appointment list.
type Provider struct {
	mu sync.Mutex

	// Appointments is returned by ListAppointments.
	Appointments []calendar.Appointment

	// ListErr, if non-nil, is returned from ListAppointments.
	ListErr error

	// UpdateErr, if non-nil, is returned from UpdateAppointment.
	UpdateErr error

	// HealthErr, if non-nil, is returned from HealthCheck.
	HealthErr error

	// ListDelay blocks ListAppointments on the given channel when non-nil;
	// tests use it to hold a preload in flight.
	ListDelay chan struct{}

	// Updates records every UpdateAppointment invocation in order.
	Updates []UpdateCall

	// ListCalls counts ListAppointments invocations.
	ListCalls int
}

var _ calendar.Provider = (*Provider)(nil)

// ListAppointments implements calendar.Provider.
func (p *Provider) ListAppointments(ctx context.Context, _ string) ([]calendar.Appointment, error) {
	p.mu.Lock()
	p.ListCalls++
	delay := p.ListDelay
	err := p.ListErr
	appts := make([]calendar.Appointment, len(p.Appointments))
	copy(appts, p.Appointments)
	p.mu.Unlock()

	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return appts, nil
}

// UpdateAppointment implements calendar.Provider. Successful updates are
// applied to the in-memory list so follow-up reads observe them.
func (p *Provider) UpdateAppointment(_ context.Context, id string, upd calendar.Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Updates = append(p.Updates, UpdateCall{ID: id, Update: upd})
	if p.UpdateErr != nil {
		return p.UpdateErr
	}
	for i := range p.Appointments {
		if p.Appointments[i].ID != id {
			continue
		}
		if !upd.Start.DateTime.IsZero() {
			p.Appointments[i].Start = upd.Start
		}
		if !upd.End.DateTime.IsZero() {
			p.Appointments[i].End = upd.End
		}
		if upd.Status != "" {
			p.Appointments[i].Status = upd.Status
		}
	}
	return nil
}

// HealthCheck implements calendar.Provider.
func (p *Provider) HealthCheck(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.HealthErr
}

// UpdateCount returns the number of recorded updates.
func (p *Provider) UpdateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Updates)
}
