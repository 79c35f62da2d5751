package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestFeedPublishSubscribe(t *testing.T) {
	t.Parallel()

	feed := NewFeed()
	events, cancel := feed.Subscribe()
	defer cancel()

	feed.Publish(Event{Type: EventUtterance, StreamID: "s1", Data: map[string]any{"text": "hi"}})

	select {
	case ev := <-events:
		if ev.Type != EventUtterance || ev.StreamID != "s1" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestFeedCancelledSubscriberIgnored(t *testing.T) {
	t.Parallel()

	feed := NewFeed()
	events, cancel := feed.Subscribe()
	cancel()
	cancel() // idempotent

	// Publishing after cancel must not panic on the closed channel.
	feed.Publish(Event{Type: EventSessionEnded, StreamID: "s1"})

	if _, ok := <-events; ok {
		t.Error("cancelled subscriber still receives events")
	}
}

func TestFeedSlowSubscriberDropsNotBlocks(t *testing.T) {
	t.Parallel()

	feed := NewFeed()
	_, cancel := feed.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Nobody reads; the buffer fills and the rest is dropped.
		for i := 0; i < subscriberDepth*2; i++ {
			feed.Publish(Event{Type: EventPartial, StreamID: "s1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestFeedServeHTTPStreamsSSE(t *testing.T) {
	t.Parallel()

	feed := NewFeed()
	srv := httptest.NewServer(feed)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// The subscriber is registered before the handler writes the header, so
	// publishing after the response arrived is safe.
	feed.Publish(Event{
		Type:     EventSessionStarted,
		StreamID: "MZ1",
		At:       time.Now(),
		Data:     map[string]any{"direction": "inbound"},
	})

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read event line: %v", err)
	}
	if strings.TrimSpace(line) != "event: session_started" {
		t.Errorf("event line = %q", line)
	}

	line, err = r.ReadString('\n')
	if err != nil {
		t.Fatalf("read data line: %v", err)
	}
	payload := strings.TrimPrefix(strings.TrimSpace(line), "data: ")
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		t.Fatalf("unmarshal %q: %v", payload, err)
	}
	if ev.StreamID != "MZ1" || ev.Data["direction"] != "inbound" {
		t.Errorf("event = %+v", ev)
	}
}
