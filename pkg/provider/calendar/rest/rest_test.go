package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alihamza79/voiceline/internal/resilience"
	"github.com/alihamza79/voiceline/pkg/provider/calendar"
)

// fastRetry keeps the backoff sleeps out of the test runtime.
func fastRetry(attempts int) Option {
	return WithRetryPolicy(resilience.RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := New("", "token"); err == nil {
		t.Fatal("New accepted an empty base URL")
	}
}

func TestListAppointments(t *testing.T) {
	t.Parallel()

	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[
			{
				"id": "appt-1",
				"summary": "Kitchen consultation",
				"start": {"dateTime": "2026-09-01T10:00:00+02:00", "timeZone": "Europe/Berlin"},
				"end":   {"dateTime": "2026-09-01T11:00:00+02:00", "timeZone": "Europe/Berlin"},
				"status": "confirmed"
			}
		]`)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	appts, err := c.ListAppointments(context.Background(), "anna@example.com")
	if err != nil {
		t.Fatalf("ListAppointments: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotQuery != "attendee=anna%40example.com" {
		t.Errorf("query = %q", gotQuery)
	}
	if len(appts) != 1 {
		t.Fatalf("got %d appointments", len(appts))
	}
	a := appts[0]
	if a.ID != "appt-1" || a.Summary != "Kitchen consultation" || a.Status != "confirmed" {
		t.Errorf("appointment = %+v", a)
	}
	wantStart := time.Date(2026, 9, 1, 10, 0, 0, 0, time.FixedZone("", 2*3600))
	if !a.Start.DateTime.Equal(wantStart) {
		t.Errorf("start = %v, want %v", a.Start.DateTime, wantStart)
	}
	if a.Start.TimeZone != "Europe/Berlin" {
		t.Errorf("time zone = %q", a.Start.TimeZone)
	}
}

func TestListAppointmentsBadStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "", fastRetry(2))
	_, err := c.ListAppointments(context.Background(), "anna")
	if err == nil {
		t.Fatal("a 502 response produced no error")
	}
	var unavailable *resilience.CollaboratorUnavailable
	if !errors.As(err, &unavailable) || unavailable.Collaborator != "calendar" {
		t.Errorf("error = %v, want a calendar CollaboratorUnavailable", err)
	}
}

func TestListAppointmentsRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "", fastRetry(3))
	appts, err := c.ListAppointments(context.Background(), "anna")
	if err != nil {
		t.Fatalf("ListAppointments after transient failures: %v", err)
	}
	if appts == nil || len(appts) != 0 {
		t.Errorf("appointments = %v", appts)
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("requests = %d, want 2 failures and 1 success", got)
	}
}

func TestListAppointmentsRejectsBadTime(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `[{"id": "x", "start": {"dateTime": "tomorrow"}, "end": {"dateTime": "later"}}]`)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "", fastRetry(1))
	if _, err := c.ListAppointments(context.Background(), "anna"); err == nil {
		t.Fatal("an unparseable dateTime produced no error")
	}
}

func TestUpdateAppointment(t *testing.T) {
	t.Parallel()

	var gotMethod, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "")
	start := time.Date(2026, 9, 2, 14, 0, 0, 0, time.UTC)
	err := c.UpdateAppointment(context.Background(), "appt-1", calendar.Update{
		Start:  calendar.EventTime{DateTime: start, TimeZone: "UTC"},
		Status: "confirmed",
	})
	if err != nil {
		t.Fatalf("UpdateAppointment: %v", err)
	}
	if gotMethod != http.MethodPatch || gotPath != "/appointments/appt-1" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
	if gotBody["status"] != "confirmed" {
		t.Errorf("body = %v", gotBody)
	}
	startWire, ok := gotBody["start"].(map[string]any)
	if !ok || startWire["dateTime"] != "2026-09-02T14:00:00Z" {
		t.Errorf("start wire = %v", gotBody["start"])
	}
	// An update with no end time must not send an end field at all.
	if _, present := gotBody["end"]; present {
		t.Error("zero end time was serialised")
	}
}

func TestUpdateAppointmentRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, body)
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "", fastRetry(3))
	err := c.UpdateAppointment(context.Background(), "appt-1", calendar.Update{Status: "confirmed"})
	if err != nil {
		t.Fatalf("UpdateAppointment after a transient failure: %v", err)
	}
	if got := requests.Load(); got != 2 {
		t.Fatalf("requests = %d, want a failure and a success", got)
	}
	// The retried request must carry the same payload as the first.
	if string(bodies[0]) != string(bodies[1]) {
		t.Errorf("retry body %s differs from first attempt %s", bodies[1], bodies[0])
	}
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "")
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}

	status = http.StatusServiceUnavailable
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Fatal("a 503 health response produced no error")
	}
}
