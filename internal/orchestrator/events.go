package orchestrator

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// EventType labels a monitor feed event.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventSessionEnded   EventType = "session_ended"
	EventUtterance      EventType = "utterance"
	EventPartial        EventType = "partial"
	EventFiller         EventType = "filler"
)

// Event is one entry on the monitor feed.
type Event struct {
	Type     EventType      `json:"type"`
	StreamID string         `json:"stream_id"`
	At       time.Time      `json:"at"`
	Data     map[string]any `json:"data,omitempty"`
}

// subscriberDepth buffers each subscriber against slow readers. A full buffer
// drops events for that subscriber rather than stalling a live call.
const subscriberDepth = 64

// Feed fans session lifecycle and transcript events out to SSE subscribers.
// Publishing never blocks.
type Feed struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewFeed creates an empty Feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[chan Event]struct{})}
}

// Publish delivers ev to every subscriber, dropping it for subscribers whose
// buffer is full.
func (f *Feed) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called to release it; the channel is closed on cancel.
func (f *Feed) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberDepth)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, ch)
			f.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// ServeHTTP streams events as server-sent events until the client disconnects.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Subscribe before the headers go out so no event published after the
	// client sees the response can be missed.
	events, cancel := f.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: " + string(ev.Type) + "\ndata: ")); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
