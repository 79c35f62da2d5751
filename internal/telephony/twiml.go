// Package telephony implements the wire contract with the telephony provider:
// the inbound webhook that hands calls off to a media stream, the JSON
// media-stream protocol itself, and the REST client that places outbound
// calls.
package telephony

import (
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
)

// twiml is the XML document returned from the webhook, directing the provider
// to open a bidirectional media stream.
type twiml struct {
	XMLName xml.Name `xml:"Response"`
	Connect struct {
		Stream struct {
			URL        string       `xml:"url,attr"`
			Parameters []twimlParam `xml:"Parameter"`
		} `xml:"Stream"`
	} `xml:"Connect"`
}

type twimlParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// renderTwiML builds the stream hand-off document with the given stream
// parameters, which the provider echoes back on the stream's start event.
func renderTwiML(wsURL string, params map[string]string) ([]byte, error) {
	var doc twiml
	doc.Connect.Stream.URL = wsURL
	for name, value := range params {
		doc.Connect.Stream.Parameters = append(doc.Connect.Stream.Parameters, twimlParam{Name: name, Value: value})
	}
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("telephony: render twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// WebhookHandler answers the provider's call webhooks with a TwiML stream
// hand-off. Inbound calls carry the caller's identity as stream parameters;
// outbound child calls additionally carry the pre-allocated stream ID from
// the dispatcher's callback URL.
type WebhookHandler struct {
	// WebsocketURL is the public WSS endpoint of the media stream server.
	WebsocketURL string
}

// ServeHTTP implements http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form body", http.StatusBadRequest)
		return
	}

	params := map[string]string{
		"From":       r.PostFormValue("From"),
		"CallSid":    r.PostFormValue("CallSid"),
		"AccountSid": r.PostFormValue("AccountSid"),
	}
	// Outbound legs identify their pre-created session. The To number is the
	// peer on an outbound call; From is the agent's own number there.
	if streamID := r.URL.Query().Get("stream"); streamID != "" {
		params["StreamId"] = streamID
		params["Direction"] = "outbound"
		params["To"] = r.PostFormValue("To")
	}

	body, err := renderTwiML(h.WebsocketURL, params)
	if err != nil {
		slog.Error("TwiML rendering failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		slog.Debug("Webhook response write failed", "error", err)
	}
}
