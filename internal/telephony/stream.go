package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// maxMalformedFrames is how many consecutive unparseable frames the server
// tolerates before closing the stream with a protocol error.
const maxMalformedFrames = 10

// CloseReasonProtocolError is passed to Conn.Close after repeated malformed
// frames.
const CloseReasonProtocolError = "ProtocolError"

// streamFrame is the JSON control frame of the media-stream protocol.
type streamFrame struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid,omitempty"`
	Start     *startFrame `json:"start,omitempty"`
	Media     *mediaFrame `json:"media,omitempty"`
}

type startFrame struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid"`
	MediaFormat      mediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaFrame struct {
	Payload string `json:"payload"`
}

// StartInfo is the parsed start event of one media stream.
type StartInfo struct {
	// StreamSID is the provider-assigned stream identifier.
	StreamSID string

	// CallSID is the provider-assigned call identifier.
	CallSID string

	// AccountSID is the provider account the call runs under.
	AccountSID string

	// From is the remote party's E.164 number (the caller on inbound legs).
	From string

	// To is the called number on outbound legs.
	To string

	// Codec is the negotiated media encoding (e.g. "audio/x-mulaw").
	Codec string

	// ChildStreamID is the pre-allocated session ID on outbound legs, empty
	// on inbound calls.
	ChildStreamID string

	// Outbound reports whether this stream belongs to a dispatched call.
	Outbound bool
}

// FrameReceiver accepts decoded inbound µ-law frames.
type FrameReceiver interface {
	FeedInbound(frame []byte)
}

// MediaConn is the outbound half of a media stream as the handler sees it.
// *Conn implements it; tests substitute fakes.
type MediaConn interface {
	WriteMedia(payload []byte) error
	Close(reason string) error
}

// SessionHandler is implemented by the orchestrator. StreamStarted runs once
// per stream after the start event; the returned receiver gets every media
// frame until the stream stops.
type SessionHandler interface {
	StreamStarted(ctx context.Context, conn MediaConn, info StartInfo) (FrameReceiver, error)
	StreamStopped(streamSID string)
}

// Conn is the outbound half of one media stream. It satisfies the media
// bridge's Transport.
type Conn struct {
	ws        *websocket.Conn
	streamSID string

	mu     sync.Mutex
	closed bool
}

// StreamSID returns the provider's stream identifier.
func (c *Conn) StreamSID() string { return c.streamSID }

// WriteMedia sends one µ-law payload to the caller as a media frame.
func (c *Conn) WriteMedia(payload []byte) error {
	frame := streamFrame{
		Event:     "media",
		StreamSID: c.streamSID,
		Media:     &mediaFrame{Payload: base64.StdEncoding.EncodeToString(payload)},
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("telephony: marshal media frame: %w", err)
	}
	if err := c.ws.Write(context.Background(), websocket.MessageText, raw); err != nil {
		return fmt.Errorf("telephony: write media frame: %w", err)
	}
	return nil
}

// Close ends the media stream. Idempotent.
func (c *Conn) Close(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

// MediaServer accepts provider media-stream connections and pumps their
// events into the session handler.
type MediaServer struct {
	handler SessionHandler
}

// NewMediaServer creates a MediaServer dispatching to handler.
func NewMediaServer(handler SessionHandler) *MediaServer {
	return &MediaServer{handler: handler}
}

// ServeHTTP upgrades the request and runs the stream until it stops or errors.
func (s *MediaServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The provider sets no browser origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("Media stream accept failed", "error", err)
		return
	}

	if err := s.run(r.Context(), ws); err != nil {
		slog.Warn("Media stream ended with error", "error", err)
		ws.Close(websocket.StatusInternalError, "stream error")
		return
	}
	ws.Close(websocket.StatusNormalClosure, "stream ended")
}

func (s *MediaServer) run(ctx context.Context, ws *websocket.Conn) error {
	var (
		conn     *Conn
		receiver FrameReceiver
		info     StartInfo
		bad      int
	)
	defer func() {
		if conn != nil {
			s.handler.StreamStopped(info.StreamSID)
		}
	}()

	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("telephony: read stream: %w", err)
		}

		var frame streamFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			bad++
			slog.Debug("Malformed media frame dropped", "consecutive", bad, "error", err)
			if bad >= maxMalformedFrames {
				if conn != nil {
					conn.Close(CloseReasonProtocolError)
				}
				return fmt.Errorf("telephony: %d consecutive malformed frames", bad)
			}
			continue
		}
		bad = 0

		switch frame.Event {
		case "connected":
			// Handshake preamble, nothing to do.

		case "start":
			if frame.Start == nil {
				continue
			}
			info = parseStart(frame)
			conn = &Conn{ws: ws, streamSID: info.StreamSID}
			receiver, err = s.handler.StreamStarted(ctx, conn, info)
			if err != nil {
				return fmt.Errorf("telephony: start stream %s: %w", info.StreamSID, err)
			}

		case "media":
			if receiver == nil || frame.Media == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
			if err != nil {
				bad++
				if bad >= maxMalformedFrames {
					conn.Close(CloseReasonProtocolError)
					return fmt.Errorf("telephony: %d consecutive malformed frames", bad)
				}
				continue
			}
			receiver.FeedInbound(payload)

		case "stop":
			return nil

		default:
			slog.Debug("Unknown stream event", "event", frame.Event)
		}
	}
}

func parseStart(frame streamFrame) StartInfo {
	st := frame.Start
	params := st.CustomParameters
	info := StartInfo{
		StreamSID:  st.StreamSID,
		CallSID:    st.CallSID,
		AccountSID: st.AccountSID,
		From:       params["From"],
		To:         params["To"],
		Codec:      st.MediaFormat.Encoding,
	}
	if info.StreamSID == "" {
		info.StreamSID = frame.StreamSID
	}
	if info.CallSID == "" {
		info.CallSID = params["CallSid"]
	}
	if info.AccountSID == "" {
		info.AccountSID = params["AccountSid"]
	}
	if id := params["StreamId"]; id != "" {
		info.ChildStreamID = id
		info.Outbound = params["Direction"] == "outbound"
	}
	return info
}
