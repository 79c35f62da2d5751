// Package twilio provides an sms.Provider backed by the Twilio Messages API.
// It shares credentials with the telephony transport, so outcome texts come
// from the same number the agent calls from.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alihamza79/voiceline/pkg/provider/sms"
)

const defaultTimeout = 10 * time.Second

// Option is a functional option for Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Used in tests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithBaseURL overrides the Twilio API base URL. Used in tests.
func WithBaseURL(u string) Option {
	return func(cl *Client) { cl.base = u }
}

// Client implements sms.Provider against the Twilio REST API.
type Client struct {
	accountSID string
	authToken  string
	from       string
	base       string
	http       *http.Client
}

var _ sms.Provider = (*Client)(nil)

// New creates a Twilio SMS client. All three credentials are required.
func New(accountSID, authToken, from string, opts ...Option) (*Client, error) {
	if accountSID == "" || authToken == "" {
		return nil, errors.New("twilio: accountSID and authToken must not be empty")
	}
	if from == "" {
		return nil, errors.New("twilio: from number must not be empty")
	}
	c := &Client{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		base:       "https://api.twilio.com",
		http:       &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Send implements sms.Provider.
func (c *Client) Send(ctx context.Context, to, body string) error {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.from)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.base, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("twilio: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("twilio: send sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("twilio: send sms to %s: status %d: %s", to, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
