package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// dialDeadline bounds one place-call API request.
const dialDeadline = 20 * time.Second

// CallerOption is a functional option for Caller.
type CallerOption func(*Caller)

// WithCallerHTTPClient overrides the HTTP client. Used in tests.
func WithCallerHTTPClient(c *http.Client) CallerOption {
	return func(cl *Caller) { cl.http = c }
}

// WithCallerBaseURL overrides the provider API base URL. Used in tests.
func WithCallerBaseURL(u string) CallerOption {
	return func(cl *Caller) { cl.base = u }
}

// Caller places outbound calls through the telephony provider's REST API.
// Each placed call is answered by the agent's own webhook with the child
// stream ID in the query string, so the resulting media stream attaches to
// the pre-created session.
type Caller struct {
	accountSID string
	authToken  string
	from       string
	webhookURL string
	base       string
	http       *http.Client
}

// NewCaller creates a Caller. webhookURL is the public voice webhook of this
// agent, without query parameters.
func NewCaller(accountSID, authToken, from, webhookURL string, opts ...CallerOption) (*Caller, error) {
	if accountSID == "" || authToken == "" {
		return nil, errors.New("telephony: accountSID and authToken must not be empty")
	}
	if from == "" {
		return nil, errors.New("telephony: from number must not be empty")
	}
	if webhookURL == "" {
		return nil, errors.New("telephony: webhook URL must not be empty")
	}
	c := &Caller{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		webhookURL: webhookURL,
		base:       "https://api.twilio.com",
		http:       &http.Client{Timeout: dialDeadline},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Place dials the given E.164 number and returns the provider call ID. The
// call's webhook callback carries streamID so the answering media stream can
// be matched to its pre-created session.
func (c *Caller) Place(ctx context.Context, to, streamID string) (string, error) {
	callback, err := url.Parse(c.webhookURL)
	if err != nil {
		return "", fmt.Errorf("telephony: webhook URL: %w", err)
	}
	q := callback.Query()
	q.Set("stream", streamID)
	callback.RawQuery = q.Encode()

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.from)
	form.Set("Url", callback.String())

	ctx, cancel := context.WithTimeout(ctx, dialDeadline)
	defer cancel()

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", c.base, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("telephony: build place-call request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("telephony: place call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("telephony: place call to %s: status %d: %s", to, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var body struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("telephony: decode place-call response: %w", err)
	}
	return body.SID, nil
}
