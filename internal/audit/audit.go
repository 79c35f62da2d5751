// Package audit emits append-only records of everything the agent decides:
// classified intents, workflow transitions, calendar writes, outbound calls
// and customer responses. The core never reads these records back.
//
// Writers are the per-session tasks; a single drainer goroutine moves records
// from a bounded queue into the sink so collaborator calls never wait on the
// database.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Kind classifies an audit record.
type Kind string

const (
	KindIntent             Kind = "intent"
	KindWorkflowTransition Kind = "workflow_transition"
	KindCalendarUpdate     Kind = "calendar_update"
	KindOutboundCall       Kind = "outbound_call"
	KindCustomerResponse   Kind = "customer_response"
)

// Record is one audit entry. Payload must be JSON-marshalable.
type Record struct {
	SessionID string
	Kind      Kind
	Timestamp time.Time
	Payload   map[string]any
}

// Sink is the destination for drained records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// Discard is a Sink that drops every record. Used when no AUDIT_DB_URI is
// configured.
type Discard struct{}

func (Discard) Write(context.Context, Record) error { return nil }

const defaultQueueSize = 1024

// Logger accepts records from many writers and drains them into a Sink from a
// single goroutine. A full queue drops the record with a warning rather than
// blocking a live call.
type Logger struct {
	sink  Sink
	queue chan Record

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewLogger creates a Logger draining into sink and starts the drainer.
func NewLogger(sink Sink) *Logger {
	l := &Logger{
		sink:  sink,
		queue: make(chan Record, defaultQueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.drain()
	return l
}

// Emit enqueues a record. Never blocks; the timestamp is stamped here so
// callers cannot forget it.
func (l *Logger) Emit(sessionID string, kind Kind, payload map[string]any) {
	rec := Record{
		SessionID: sessionID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	select {
	case l.queue <- rec:
	default:
		slog.Warn("Audit queue full, dropping record", "session_id", sessionID, "kind", kind)
	}
}

// Close drains remaining records and stops the drainer.
func (l *Logger) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

func (l *Logger) drain() {
	defer close(l.done)
	for {
		select {
		case rec := <-l.queue:
			l.write(rec)
		case <-l.stop:
			for {
				select {
				case rec := <-l.queue:
					l.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.sink.Write(ctx, rec); err != nil {
		slog.Error("Audit write failed", "session_id", rec.SessionID, "kind", rec.Kind, "error", err)
	}
}

// marshalPayload renders the payload as JSON for storage, mapping nil to "{}".
func marshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal payload: %w", err)
	}
	return raw, nil
}
