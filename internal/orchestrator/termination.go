package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alihamza79/voiceline/internal/audit"
	"github.com/alihamza79/voiceline/internal/session"
	"github.com/alihamza79/voiceline/internal/workflow"
)

// drainable is satisfied by the media bridge. Termination waits on it so a
// queued farewell is not cut off.
type drainable interface {
	QueuedDuration() time.Duration
}

// drainPoll is how often the termination controller re-checks the outbound
// queue during the grace period.
const drainPoll = 100 * time.Millisecond

// scheduleTermination marks the session ended and starts the asynchronous
// teardown. Safe to call more than once; only the first call wins.
func (o *Orchestrator) scheduleTermination(sess *session.Session, reason string) {
	if !sess.RequestEnd() {
		return
	}
	slog.Info("Session ending", "stream_id", sess.StreamID, "reason", reason)
	go o.terminate(sess, reason)
}

// terminate waits for queued audio to drain, closes the bridge, releases the
// session, and notifies the parent when a verification outcome exists.
func (o *Orchestrator) terminate(sess *session.Session, reason string) {
	m := sess.Media()

	if d, ok := m.(drainable); ok {
		deadline := time.Now().Add(o.grace)
		for time.Now().Before(deadline) && d.QueuedDuration() > 0 {
			time.Sleep(drainPoll)
		}
	}
	if m != nil {
		if err := m.Close("session ended"); err != nil {
			slog.Debug("Bridge close", "stream_id", sess.StreamID, "error", err)
		}
	}

	if o.auditLog != nil {
		o.auditLog.Emit(sess.StreamID, audit.KindWorkflowTransition, map[string]any{
			"state":  "ended",
			"reason": reason,
		})
	}

	// Resolve the teammate's number while the child is still linked in the
	// store; Remove severs the linkage.
	smsTo := o.teammateNumber(sess)

	o.store.Remove(sess.StreamID)
	o.metrics.ActiveSessions.Add(context.Background(), -1)
	o.publish(EventSessionEnded, sess.StreamID, map[string]any{"reason": reason})
	slog.Info("Session ended", "stream_id", sess.StreamID, "reason", reason)

	o.notifyParent(sess, smsTo)
	sess.Cancel()
}

// teammateNumber resolves who gets the outcome SMS for a child session.
func (o *Orchestrator) teammateNumber(sess *session.Session) string {
	o.mu.Lock()
	to := o.parentPhone[sess.StreamID]
	delete(o.parentPhone, sess.StreamID)
	o.mu.Unlock()
	if to == "" {
		if parent, err := o.store.Parent(sess.StreamID); err == nil {
			to = parent.Peer.PhoneNumber
		}
	}
	return to
}

// notifyParent texts the verification outcome to the teammate who requested
// the outbound call. A pending outcome (customer never answered the question)
// sends nothing.
func (o *Orchestrator) notifyParent(sess *session.Session, to string) {
	vf, ok := sess.Workflow().(*workflow.Verify)
	if !ok || o.sms == nil {
		return
	}

	var body string
	switch vf.Outcome() {
	case workflow.OutcomeConfirmed:
		body = fmt.Sprintf("%s confirmed the new appointment time (%s).",
			vf.CustomerName(), vf.NewStart().In(o.location).Format("Mon 2 Jan, 15:04"))
	case workflow.OutcomeCancelled:
		body = fmt.Sprintf("%s declined the new time and asked to cancel. Please follow up.",
			vf.CustomerName())
	default:
		return
	}

	if to == "" {
		slog.Warn("No teammate number for outcome SMS", "stream_id", sess.StreamID)
		return
	}

	// Give the provider a beat to finish tearing the call down before the
	// text lands.
	time.Sleep(o.smsDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.sms.Send(ctx, to, body); err != nil {
		slog.Error("Outcome SMS failed", "stream_id", sess.StreamID, "to", to, "error", err)
		o.metrics.RecordProviderError(ctx, "sms", "sms")
		return
	}
	slog.Info("Outcome SMS sent", "stream_id", sess.StreamID, "to", to, "outcome", vf.Outcome())
}
