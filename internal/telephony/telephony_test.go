package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestWebhookRendersStreamHandoff(t *testing.T) {
	t.Parallel()

	h := &WebhookHandler{WebsocketURL: "wss://agent.example.com/stream"}

	form := url.Values{}
	form.Set("From", "+4915112345678")
	form.Set("CallSid", "CA100")
	form.Set("AccountSid", "AC1")
	req := httptest.NewRequest(http.MethodPost, "/voice", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/xml" {
		t.Errorf("Content-Type = %q", ct)
	}

	var doc twiml
	if err := xml.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if doc.Connect.Stream.URL != "wss://agent.example.com/stream" {
		t.Errorf("stream url = %q", doc.Connect.Stream.URL)
	}
	params := map[string]string{}
	for _, p := range doc.Connect.Stream.Parameters {
		params[p.Name] = p.Value
	}
	if params["From"] != "+4915112345678" || params["CallSid"] != "CA100" {
		t.Errorf("params = %v", params)
	}
	if _, ok := params["StreamId"]; ok {
		t.Error("inbound call carries a StreamId parameter")
	}
}

func TestWebhookMarksOutboundLeg(t *testing.T) {
	t.Parallel()

	h := &WebhookHandler{WebsocketURL: "wss://agent.example.com/stream"}

	form := url.Values{}
	form.Set("From", "+4930999")
	form.Set("To", "+4915112345678")
	form.Set("CallSid", "CA200")
	req := httptest.NewRequest(http.MethodPost, "/voice?stream=child-1", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var doc twiml
	if err := xml.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	params := map[string]string{}
	for _, p := range doc.Connect.Stream.Parameters {
		params[p.Name] = p.Value
	}
	if params["StreamId"] != "child-1" || params["Direction"] != "outbound" || params["To"] != "+4915112345678" {
		t.Errorf("params = %v", params)
	}
}

// capturingHandler records stream lifecycle calls for the media server tests.
type capturingHandler struct {
	mu      sync.Mutex
	info    StartInfo
	conn    MediaConn
	frames  [][]byte
	stopped []string

	started chan struct{}
}

func newCapturingHandler() *capturingHandler {
	return &capturingHandler{started: make(chan struct{})}
}

func (h *capturingHandler) StreamStarted(_ context.Context, conn MediaConn, info StartInfo) (FrameReceiver, error) {
	h.mu.Lock()
	h.info = info
	h.conn = conn
	h.mu.Unlock()
	close(h.started)
	return h, nil
}

func (h *capturingHandler) StreamStopped(streamSID string) {
	h.mu.Lock()
	h.stopped = append(h.stopped, streamSID)
	h.mu.Unlock()
}

func (h *capturingHandler) FeedInbound(frame []byte) {
	h.mu.Lock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	h.frames = append(h.frames, cp)
	h.mu.Unlock()
}

func dialTestServer(t *testing.T, handler SessionHandler) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewMediaServer(handler))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return ws
}

func sendJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func startFrameFor(params map[string]string) streamFrame {
	return streamFrame{
		Event:     "start",
		StreamSID: "MZ42",
		Start: &startFrame{
			StreamSID:        "MZ42",
			CallSID:          "CA42",
			AccountSID:       "AC1",
			MediaFormat:      mediaFormat{Encoding: "audio/x-mulaw", SampleRate: 8000, Channels: 1},
			CustomParameters: params,
		},
	}
}

func TestMediaServerLifecycle(t *testing.T) {
	t.Parallel()

	handler := newCapturingHandler()
	ws := dialTestServer(t, handler)

	sendJSON(t, ws, streamFrame{Event: "connected"})
	sendJSON(t, ws, startFrameFor(map[string]string{
		"From":      "+4915112345678",
		"StreamId":  "child-7",
		"Direction": "outbound",
		"To":        "+4915100000000",
	}))

	select {
	case <-handler.started:
	case <-time.After(2 * time.Second):
		t.Fatal("StreamStarted never ran")
	}

	handler.mu.Lock()
	info := handler.info
	handler.mu.Unlock()
	if info.StreamSID != "MZ42" || info.CallSID != "CA42" {
		t.Errorf("info = %+v", info)
	}
	if info.From != "+4915112345678" || !info.Outbound || info.ChildStreamID != "child-7" {
		t.Errorf("info = %+v", info)
	}
	if info.Codec != "audio/x-mulaw" {
		t.Errorf("codec = %q", info.Codec)
	}

	payload := []byte{0x7F, 0x7F, 0x00, 0xFF}
	sendJSON(t, ws, streamFrame{
		Event:     "media",
		StreamSID: "MZ42",
		Media:     &mediaFrame{Payload: base64.StdEncoding.EncodeToString(payload)},
	})
	sendJSON(t, ws, streamFrame{Event: "stop", StreamSID: "MZ42"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		done := len(handler.stopped) == 1
		handler.mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.frames) != 1 || string(handler.frames[0]) != string(payload) {
		t.Errorf("frames = %v", handler.frames)
	}
	if len(handler.stopped) != 1 || handler.stopped[0] != "MZ42" {
		t.Errorf("stopped = %v", handler.stopped)
	}
}

func TestMediaServerClosesAfterRepeatedMalformedFrames(t *testing.T) {
	t.Parallel()

	handler := newCapturingHandler()
	ws := dialTestServer(t, handler)

	sendJSON(t, ws, startFrameFor(map[string]string{"From": "+4915112345678"}))
	select {
	case <-handler.started:
	case <-time.After(2 * time.Second):
		t.Fatal("StreamStarted never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < maxMalformedFrames; i++ {
		if err := ws.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
			t.Fatalf("write malformed frame %d: %v", i, err)
		}
	}

	// The server closes its side; the next read observes the closure.
	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	if _, _, err := ws.Read(readCtx); err == nil {
		t.Fatal("connection still open after repeated malformed frames")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		done := len(handler.stopped) == 1
		handler.mu.Unlock()
		if done {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("StreamStopped never ran")
}

func TestConnWriteMedia(t *testing.T) {
	t.Parallel()

	handler := newCapturingHandler()
	ws := dialTestServer(t, handler)

	sendJSON(t, ws, startFrameFor(map[string]string{"From": "+4915112345678"}))
	select {
	case <-handler.started:
	case <-time.After(2 * time.Second):
		t.Fatal("StreamStarted never ran")
	}

	payload := []byte{0x01, 0x02, 0x03}
	handler.mu.Lock()
	conn := handler.conn
	handler.mu.Unlock()
	if err := conn.WriteMedia(payload); err != nil {
		t.Fatalf("WriteMedia: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, raw, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame streamFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Event != "media" || frame.StreamSID != "MZ42" {
		t.Errorf("frame = %+v", frame)
	}
	got, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
	if err != nil || string(got) != string(payload) {
		t.Errorf("payload = %v err = %v", got, err)
	}

	if err := conn.Close("done"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close("again"); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestCallerPlace(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		gotForm  url.Values
		gotPath  string
		gotUser  string
		gotPass  string
		authOK   bool
		respCode = http.StatusCreated
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		mu.Lock()
		gotForm = r.PostForm
		gotPath = r.URL.Path
		gotUser, gotPass, authOK = r.BasicAuth()
		code := respCode
		mu.Unlock()
		w.WriteHeader(code)
		w.Write([]byte(`{"sid":"CA777"}`))
	}))
	t.Cleanup(srv.Close)

	caller, err := NewCaller("AC1", "secret", "+4930999", "https://agent.example.com/voice", WithCallerBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewCaller: %v", err)
	}

	sid, err := caller.Place(context.Background(), "+4915112345678", "child-9")
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if sid != "CA777" {
		t.Errorf("sid = %q", sid)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/2010-04-01/Accounts/AC1/Calls.json" {
		t.Errorf("path = %q", gotPath)
	}
	if !authOK || gotUser != "AC1" || gotPass != "secret" {
		t.Errorf("auth = %q/%q ok=%v", gotUser, gotPass, authOK)
	}
	if gotForm.Get("To") != "+4915112345678" || gotForm.Get("From") != "+4930999" {
		t.Errorf("form = %v", gotForm)
	}
	cb, err := url.Parse(gotForm.Get("Url"))
	if err != nil {
		t.Fatalf("callback url: %v", err)
	}
	if cb.Query().Get("stream") != "child-9" {
		t.Errorf("callback = %q", gotForm.Get("Url"))
	}
}

func TestCallerPlaceAPIFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"invalid number"}`, http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	caller, err := NewCaller("AC1", "secret", "+4930999", "https://agent.example.com/voice", WithCallerBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewCaller: %v", err)
	}
	if _, err := caller.Place(context.Background(), "+4915112345678", "child-9"); err == nil {
		t.Fatal("expected error on API failure")
	}
}
