// Package rest provides a calendar.Provider backed by a plain JSON/REST
// calendar service.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/alihamza79/voiceline/internal/resilience"
	"github.com/alihamza79/voiceline/pkg/provider/calendar"
)

const defaultTimeout = 15 * time.Second

// Option is a functional option for Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Used in tests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithRetryPolicy overrides the per-call retry policy. Used in tests.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(cl *Client) { cl.retry = p }
}

// Client implements calendar.Provider against a REST calendar API:
//
//	GET    {base}/appointments?attendee={attendee}
//	PATCH  {base}/appointments/{id}
//	GET    {base}/health
// Every call retries transient failures with backoff before it surfaces an
// error; callers see a [*resilience.CollaboratorUnavailable] once the
// attempts are spent.
type Client struct {
	base  string
	token string
	http  *http.Client
	retry resilience.RetryPolicy
}

var _ calendar.Provider = (*Client)(nil)

// New creates a calendar REST client. baseURL must be non-empty; token is
// sent as a bearer token when set.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("calendar: baseURL must not be empty")
	}
	c := &Client{
		base:  baseURL,
		token: token,
		http:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// wireTime is the JSON shape of an event time.
type wireTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone,omitempty"`
}

// wireAppointment is the JSON shape of an appointment.
type wireAppointment struct {
	ID      string   `json:"id"`
	Summary string   `json:"summary"`
	Start   wireTime `json:"start"`
	End     wireTime `json:"end"`
	Status  string   `json:"status"`
}

// ListAppointments implements calendar.Provider.
func (c *Client) ListAppointments(ctx context.Context, attendee string) ([]calendar.Appointment, error) {
	var out []calendar.Appointment
	err := resilience.Retry(ctx, "calendar", c.retry, func(ctx context.Context) error {
		u := fmt.Sprintf("%s/appointments?attendee=%s", c.base, url.QueryEscape(attendee))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("calendar: build request: %w", err)
		}
		c.auth(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("calendar: list appointments: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("calendar: list appointments: unexpected status %d", resp.StatusCode)
		}

		var wire []wireAppointment
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return fmt.Errorf("calendar: decode response: %w", err)
		}

		out = make([]calendar.Appointment, 0, len(wire))
		for _, w := range wire {
			appt, err := fromWire(w)
			if err != nil {
				return fmt.Errorf("calendar: appointment %q: %w", w.ID, err)
			}
			out = append(out, appt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateAppointment implements calendar.Provider.
func (c *Client) UpdateAppointment(ctx context.Context, id string, upd calendar.Update) error {
	body := map[string]any{}
	if !upd.Start.DateTime.IsZero() {
		body["start"] = toWire(upd.Start)
	}
	if !upd.End.DateTime.IsZero() {
		body["end"] = toWire(upd.End)
	}
	if upd.Status != "" {
		body["status"] = upd.Status
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("calendar: marshal update: %w", err)
	}

	// PATCH with a changed start time is idempotent, so a retry after a
	// half-applied attempt is safe.
	return resilience.Retry(ctx, "calendar", c.retry, func(ctx context.Context) error {
		u := fmt.Sprintf("%s/appointments/%s", c.base, url.PathEscape(id))
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("calendar: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		c.auth(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("calendar: update appointment: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
			return fmt.Errorf("calendar: update appointment %q: unexpected status %d", id, resp.StatusCode)
		}
		return nil
	})
}

// HealthCheck implements calendar.Provider. Not retried: the probe's caller
// wants the current answer, not a flattering one.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return fmt.Errorf("calendar: build request: %w", err)
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calendar: health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("calendar: health check: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func toWire(t calendar.EventTime) wireTime {
	return wireTime{
		DateTime: t.DateTime.Format(time.RFC3339),
		TimeZone: t.TimeZone,
	}
}

func fromWire(w wireAppointment) (calendar.Appointment, error) {
	start, err := parseWireTime(w.Start)
	if err != nil {
		return calendar.Appointment{}, fmt.Errorf("start: %w", err)
	}
	end, err := parseWireTime(w.End)
	if err != nil {
		return calendar.Appointment{}, fmt.Errorf("end: %w", err)
	}
	return calendar.Appointment{
		ID:      w.ID,
		Summary: w.Summary,
		Start:   start,
		End:     end,
		Status:  w.Status,
	}, nil
}

func parseWireTime(w wireTime) (calendar.EventTime, error) {
	t, err := time.Parse(time.RFC3339, w.DateTime)
	if err != nil {
		return calendar.EventTime{}, fmt.Errorf("parse %q: %w", w.DateTime, err)
	}
	return calendar.EventTime{DateTime: t, TimeZone: w.TimeZone}, nil
}
