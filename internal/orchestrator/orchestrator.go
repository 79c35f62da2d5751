// Package orchestrator is the per-call supervisor. It accepts freshly opened
// media streams from the telephony layer, builds the session's media bridge
// and transcript pipeline, drives the utterance loop against the intent
// classifier and the workflow machines, and schedules deterministic
// termination once a workflow declares the call finished.
//
// One Orchestrator serves the whole process; everything per-call hangs off the
// Session and is cancelled together when the session ends.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alihamza79/voiceline/internal/audit"
	"github.com/alihamza79/voiceline/internal/dispatch"
	"github.com/alihamza79/voiceline/internal/filler"
	"github.com/alihamza79/voiceline/internal/intent"
	"github.com/alihamza79/voiceline/internal/media"
	"github.com/alihamza79/voiceline/internal/observe"
	"github.com/alihamza79/voiceline/internal/phonebook"
	"github.com/alihamza79/voiceline/internal/session"
	"github.com/alihamza79/voiceline/internal/telephony"
	"github.com/alihamza79/voiceline/internal/transcribe"
	"github.com/alihamza79/voiceline/internal/workflow"
	"github.com/alihamza79/voiceline/pkg/audio"
	"github.com/alihamza79/voiceline/pkg/provider/calendar"
	"github.com/alihamza79/voiceline/pkg/provider/llm"
	"github.com/alihamza79/voiceline/pkg/provider/sms"
	"github.com/alihamza79/voiceline/pkg/provider/stt"
	"github.com/alihamza79/voiceline/pkg/provider/tts"
)

const (
	// terminationGrace is how long the termination controller waits for the
	// outbound queue to drain before closing the bridge.
	terminationGrace = 3 * time.Second

	// smsDelay is the pause between a child session's termination and the
	// outcome SMS to the teammate.
	smsDelay = time.Second

	// calendarDeadline bounds the preload fetch.
	calendarDeadline = 15 * time.Second
)

// Deps bundles the process-wide collaborators the orchestrator wires into
// every session.
type Deps struct {
	Store      *session.Store
	Book       *phonebook.Book
	Fillers    *filler.Library
	Dispatcher *dispatch.Dispatcher
	Audit      *audit.Logger

	STT      stt.Provider
	TTS      tts.Provider
	LLM      llm.Provider
	Calendar calendar.Provider
	SMS      sms.Provider
}

// Option is a functional option for Orchestrator.
type Option func(*Orchestrator)

// WithGrace overrides the termination grace period. Used in tests.
func WithGrace(d time.Duration) Option {
	return func(o *Orchestrator) { o.grace = d }
}

// WithSMSDelay overrides the outcome-SMS delay. Used in tests.
func WithSMSDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.smsDelay = d }
}

// WithLocation sets the timezone wall-clock phrases resolve in.
func WithLocation(loc *time.Location) Option {
	return func(o *Orchestrator) { o.location = loc }
}

// WithClock overrides the clock. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithMetrics installs a non-default metrics instance. Used in tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithEvents attaches the monitor feed.
func WithEvents(f *Feed) Option {
	return func(o *Orchestrator) { o.events = f }
}

// Orchestrator supervises all live calls. It implements
// [telephony.SessionHandler].
type Orchestrator struct {
	store      *session.Store
	book       *phonebook.Book
	fillers    *filler.Library
	dispatcher *dispatch.Dispatcher
	auditLog   *audit.Logger

	stt stt.Provider
	tts tts.Provider
	llm llm.Provider
	cal calendar.Provider
	sms sms.Provider

	classifier *intent.Classifier
	prefilter  *intent.Prefilter
	metrics    *observe.Metrics
	events     *Feed

	grace    time.Duration
	smsDelay time.Duration
	location *time.Location
	now      func() time.Time

	mu sync.Mutex
	// bySID maps the provider's stream SID to our session stream ID; the two
	// differ on outbound legs where the session pre-exists the stream.
	bySID map[string]string
	// parentPhone remembers the teammate's number per child stream so the
	// outcome SMS survives the parent session's earlier termination.
	parentPhone map[string]string
}

var _ telephony.SessionHandler = (*Orchestrator)(nil)

// New creates the Orchestrator.
func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       deps.Store,
		book:        deps.Book,
		fillers:     deps.Fillers,
		dispatcher:  deps.Dispatcher,
		auditLog:    deps.Audit,
		stt:         deps.STT,
		tts:         deps.TTS,
		llm:         deps.LLM,
		cal:         deps.Calendar,
		sms:         deps.SMS,
		classifier:  intent.NewClassifier(deps.LLM, deps.Audit),
		prefilter:   intent.NewPrefilter(deps.LLM),
		grace:       terminationGrace,
		smsDelay:    smsDelay,
		location:    time.Local,
		now:         time.Now,
		bySID:       make(map[string]string),
		parentPhone: make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// StreamStarted builds the per-call pipeline for a freshly opened media
// stream and returns the sink for its inbound frames.
func (o *Orchestrator) StreamStarted(_ context.Context, conn telephony.MediaConn, info telephony.StartInfo) (telephony.FrameReceiver, error) {
	sess, adopted, err := o.sessionFor(info)
	if err != nil {
		return nil, err
	}

	// Session tasks outlive the websocket read loop's request context.
	sctx, cancel := context.WithCancel(context.Background())
	sess.BindCancel(cancel)

	release := func() {
		cancel()
		if !adopted {
			o.store.Remove(sess.StreamID)
		}
	}

	sttSession, err := o.stt.StartStream(sctx, stt.StreamConfig{
		SampleRate: audio.SampleRate,
		Encoding:   "mulaw",
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("orchestrator: start stt stream: %w", err)
	}

	bridge, err := media.Open(sess.StreamID, info.Codec, conn, sttSession, o.tts,
		sess.Peer.Language.Code(),
		media.WithFirstAudioFunc(func(delay time.Duration) {
			o.metrics.TTSDuration.Record(context.Background(), delay.Seconds())
		}),
	)
	if err != nil {
		sttSession.Close()
		release()
		return nil, fmt.Errorf("orchestrator: open media bridge: %w", err)
	}
	sess.SetMedia(bridge)

	o.mu.Lock()
	o.bySID[info.StreamSID] = sess.StreamID
	o.mu.Unlock()

	o.metrics.ActiveSessions.Add(context.Background(), 1)
	o.publish(EventSessionStarted, sess.StreamID, map[string]any{
		"direction": string(sess.Direction),
		"role":      string(sess.Peer.Role),
		"caller":    sess.Peer.PhoneNumber,
	})
	slog.Info("Session started",
		"stream_id", sess.StreamID,
		"call_id", sess.CallID,
		"direction", sess.Direction,
		"role", sess.Peer.Role,
		"language", sess.Peer.Language)

	if sess.Direction == session.DirectionInbound && sess.Peer.Role != session.RoleUnknown && o.cal != nil {
		pre := session.NewPreload()
		sess.SetPreload(pre)
		go o.preloadCalendar(sctx, sess, pre)
	}

	agg := transcribe.New(
		transcribe.WithPartialFunc(func(text string) {
			o.publish(EventPartial, sess.StreamID, map[string]any{"text": text})
		}),
		// Barge-in must not wait for the turn loop, which may be blocked in
		// an in-flight Speak; cut playback as soon as a final is committed.
		transcribe.WithFinalFunc(bridge.StopSpeaking),
	)
	go agg.Run(sctx, sttSession)
	go o.run(sctx, sess, bridge, agg)

	return bridge, nil
}

// sessionFor resolves or creates the session for a stream start. Outbound
// legs adopt the child session the dispatcher pre-created.
func (o *Orchestrator) sessionFor(info telephony.StartInfo) (*session.Session, bool, error) {
	if info.Outbound && info.ChildStreamID != "" {
		sess, err := o.store.Get(info.ChildStreamID)
		if err != nil {
			return nil, false, fmt.Errorf("orchestrator: outbound stream %s: %w", info.StreamSID, err)
		}
		return sess, true, nil
	}

	peer := o.book.Peer(info.From)
	sess := session.New(info.StreamSID, info.CallSID, session.DirectionInbound, peer)
	if err := o.store.Add(sess); err != nil {
		return nil, false, fmt.Errorf("orchestrator: register session: %w", err)
	}
	return sess, false, nil
}

// StreamStopped ends the session when the provider closes the stream, for
// example on a hang-up mid-conversation.
func (o *Orchestrator) StreamStopped(streamSID string) {
	o.mu.Lock()
	streamID, ok := o.bySID[streamSID]
	delete(o.bySID, streamSID)
	o.mu.Unlock()
	if !ok {
		return
	}

	sess, err := o.store.Get(streamID)
	if err != nil {
		return
	}
	o.scheduleTermination(sess, "stream_stopped")
}

// preloadCalendar resolves the session's appointment future in the
// background so the reschedule workflow rarely waits on the calendar.
func (o *Orchestrator) preloadCalendar(ctx context.Context, sess *session.Session, pre *session.Preload) {
	attendee := sess.Peer.Email
	if attendee == "" {
		attendee = sess.Peer.PhoneNumber
	}

	start := time.Now()
	// Retries live inside the calendar adapter; the preload only bounds the
	// total wait.
	cctx, cancel := context.WithTimeout(ctx, calendarDeadline)
	defer cancel()
	appts, err := o.cal.ListAppointments(cctx, attendee)

	o.metrics.CalendarDuration.Record(ctx, time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
		slog.Warn("Calendar preload failed", "stream_id", sess.StreamID, "error", err)
	}
	o.metrics.RecordProviderRequest(ctx, "calendar", "calendar", status)
	pre.Resolve(appts, err)
}

// run greets the caller and serialises the utterance loop: utterance N+1 is
// not touched until turn N has finished responding.
func (o *Orchestrator) run(ctx context.Context, sess *session.Session, bridge *media.Bridge, agg *transcribe.Aggregator) {
	o.greet(ctx, sess, bridge)

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-agg.Utterances():
			if !ok {
				return
			}
			o.handleUtterance(ctx, sess, bridge, u)
		}
	}
}

// greet emits the first assistant line. Outbound children open with their
// verification script; inbound calls get the pre-rendered greeting so first
// audio never waits on an LLM.
func (o *Orchestrator) greet(ctx context.Context, sess *session.Session, bridge *media.Bridge) {
	if machine, ok := sess.Workflow().(workflow.Machine); ok {
		o.respond(ctx, sess, bridge, machine.Start(ctx), time.Time{})
		return
	}
	o.respond(ctx, sess, bridge, workflow.Action{Say: greetingFor(sess.Peer)}, time.Time{})
}

func (o *Orchestrator) handleUtterance(ctx context.Context, sess *session.Session, bridge *media.Bridge, u transcribe.Utterance) {
	if sess.EndRequested() {
		return
	}

	turnStart := time.Now()

	// Barge-in: a committed user utterance cancels whatever is playing,
	// fillers included.
	bridge.StopSpeaking()
	sess.ResetFillerSent()

	turnCount := sess.AppendTurn("user", u.Text, session.TurnSpeech)
	o.metrics.RecordUtterance(ctx, string(sess.Peer.Role))
	o.publish(EventUtterance, sess.StreamID, map[string]any{"role": "user", "text": u.Text})
	slog.Debug("Utterance", "stream_id", sess.StreamID, "turn", turnCount, "text", u.Text)

	if wf := sess.Workflow(); wf != nil && wf.Done() && wf.CallEnd() {
		// The farewell is queued; nothing but termination proceeds.
		o.scheduleTermination(sess, "workflow_complete")
		return
	}

	// A goodbye outside a live workflow round ends the call; without this the
	// caller would be answered with small talk forever.
	if intent.IsFarewell(u.Text) && !midWorkflow(sess.Workflow()) {
		o.respond(ctx, sess, bridge, workflow.Action{Say: pick(farewellReplies, sess.Peer.Language)}, turnStart)
		o.scheduleTermination(sess, "caller_goodbye")
		return
	}

	act, handled := o.advanceWorkflow(ctx, sess, u.Text)
	if !handled {
		act = o.openingTurn(ctx, sess, u.Text, turnCount)
	}
	o.respond(ctx, sess, bridge, act, turnStart)

	if wf := sess.Workflow(); wf != nil && wf.Done() && wf.CallEnd() {
		o.scheduleTermination(sess, "workflow_complete")
	}
}

// midWorkflow reports whether a machine is in the middle of a round and
// should see every utterance, goodbyes included; "bye" while confirming a
// time slot is an answer, not a hang-up request.
func midWorkflow(wf session.Workflow) bool {
	if wf == nil {
		return false
	}
	if rs, ok := wf.(*workflow.Reschedule); ok {
		return !rs.Idle()
	}
	return true
}

// advanceWorkflow hands the utterance to the session's machine, if any. A
// reschedule machine parked in Idle after a completed round is restarted on a
// fresh reschedule intent.
func (o *Orchestrator) advanceWorkflow(ctx context.Context, sess *session.Session, text string) (workflow.Action, bool) {
	machine, ok := sess.Workflow().(workflow.Machine)
	if !ok {
		return workflow.Action{}, false
	}

	if rs, ok := machine.(*workflow.Reschedule); ok && rs.Idle() {
		set := intent.SetFor(sess.Peer.Role, sess.Direction)
		label := o.classifier.Classify(ctx, sess.StreamID, set, text, sess.Conversation())
		if label == intent.ShiftCancelAppointment {
			return rs.Start(ctx), true
		}
		return cannedIntentReply(label, sess.Peer.Language), true
	}

	return machine.HandleUtterance(ctx, text), true
}

// openingTurn handles an utterance on a session without a workflow: pre-filter
// first, then classify and either create the matching machine or answer with
// a canned line.
func (o *Orchestrator) openingTurn(ctx context.Context, sess *session.Session, text string, turnCount int) workflow.Action {
	if intent.Applies(sess.Peer.Role, turnCount) {
		switch o.prefilter.Check(ctx, text) {
		case intent.Greeting:
			return workflow.Action{Say: pick(greetingReplies, sess.Peer.Language)}
		case intent.CommCheck:
			return workflow.Action{Say: pick(commCheckReplies, sess.Peer.Language)}
		case intent.TooShort, intent.SmallTalk:
			return workflow.Action{Say: pick(smallTalkReplies, sess.Peer.Language)}
		}
	}

	set := intent.SetFor(sess.Peer.Role, sess.Direction)
	label := o.classifier.Classify(ctx, sess.StreamID, set, text, sess.Conversation())

	switch label {
	case intent.ShiftCancelAppointment:
		rs := workflow.NewReschedule(o.envFor(sess), sess.PreloadFuture())
		sess.SetWorkflow(rs)
		return rs.Start(ctx)

	case intent.DelayNotification:
		dl := workflow.NewDelay(o.envFor(sess), func(name string) (string, bool) {
			number, _, ok := o.book.FindByName(name)
			return number, ok
		})
		sess.SetWorkflow(dl)
		// The utterance that carried the intent also carries the details.
		return dl.HandleUtterance(ctx, text)

	default:
		return cannedIntentReply(label, sess.Peer.Language)
	}
}

// respond executes one action: place a requested outbound call, then speak
// the assistant line with duplicate suppression.
func (o *Orchestrator) respond(ctx context.Context, sess *session.Session, bridge *media.Bridge, act workflow.Action, turnStart time.Time) {
	if act.Dispatch != nil {
		if fallback := o.placeVerification(ctx, sess, act.Dispatch); fallback != "" {
			act.Say = fallback
		}
	}

	say := act.Say
	if say == "" {
		return
	}
	if say == sess.LastAssistant() {
		say = differentWayReply
	}
	sess.SetLastAssistant(say)
	sess.AppendTurn("assistant", say, session.TurnSpeech)
	o.publish(EventUtterance, sess.StreamID, map[string]any{"role": "assistant", "text": say})

	if err := bridge.Speak(ctx, say); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("Synthesis failed", "stream_id", sess.StreamID, "error", err)
		o.metrics.RecordProviderError(ctx, "tts", "tts")
	}
	if !turnStart.IsZero() {
		o.metrics.TurnDuration.Record(ctx, time.Since(turnStart).Seconds())
	}
}

// placeVerification builds the verification machine and orders the outbound
// call; the dispatcher dials after its cool-down. Returns a fallback
// assistant line when the call could not be scheduled.
func (o *Orchestrator) placeVerification(ctx context.Context, parent *session.Session, order *workflow.DispatchOrder) string {
	if o.dispatcher == nil {
		slog.Warn("No outbound caller configured, verification call skipped",
			"parent_stream_id", parent.StreamID)
		return fmt.Sprintf(
			"I couldn't reach %s by phone just now. Please contact them directly, sorry about that.",
			order.CustomerName)
	}
	entry := o.book.Lookup(order.CustomerPhone)

	env := &workflow.Env{
		LLM:      o.llm,
		Calendar: o.cal,
		Audit:    o.auditLog,
		Now:      o.now,
		Location: o.location,
		Language: entry.Language,
	}

	childID, err := o.dispatcher.Dispatch(ctx, dispatch.Request{
		To:             order.CustomerPhone,
		Name:           order.CustomerName,
		Language:       entry.Language,
		ParentStreamID: parent.StreamID,
	}, func(childStreamID string) session.Workflow {
		// Runs before the child session is registered, so these writes are
		// visible to whichever goroutine adopts the session later.
		env.SessionID = childStreamID
		env.Fill = func(cat filler.Category) {
			if s, err := o.store.Get(childStreamID); err == nil {
				o.playFiller(s, cat)
			}
		}
		env.History = func() []session.Turn {
			s, err := o.store.Get(childStreamID)
			if err != nil {
				return nil
			}
			return s.Conversation()
		}
		return workflow.NewVerify(env, o.classifier, workflow.VerifyParams{
			Appointment:     order.Appointment,
			NewStart:        order.NewStart,
			DelayMinutes:    order.DelayMinutes,
			AlternativeTime: order.AlternativeTime,
			CustomerName:    order.CustomerName,
			ParentStreamID:  order.ParentStreamID,
		})
	})
	if err != nil {
		o.metrics.RecordOutboundDispatch(ctx, "failed")
		slog.Error("Outbound dispatch failed",
			"parent_stream_id", parent.StreamID, "to", order.CustomerPhone, "error", err)
		return fmt.Sprintf(
			"I couldn't reach %s by phone just now. Please contact them directly, sorry about that.",
			order.CustomerName)
	}

	o.mu.Lock()
	o.parentPhone[childID] = parent.Peer.PhoneNumber
	o.mu.Unlock()
	o.metrics.RecordOutboundDispatch(ctx, "scheduled")
	return ""
}

// envFor builds the collaborator environment for an inbound session's
// machine.
func (o *Orchestrator) envFor(sess *session.Session) *workflow.Env {
	return &workflow.Env{
		LLM:       o.llm,
		Calendar:  o.cal,
		Audit:     o.auditLog,
		Fill:      func(cat filler.Category) { o.playFiller(sess, cat) },
		Now:       o.now,
		Location:  o.location,
		History:   sess.Conversation,
		SessionID: sess.StreamID,
		Language:  sess.Peer.Language,
	}
}

// playFiller queues one pre-synthesized clip, at most once per turn.
func (o *Orchestrator) playFiller(sess *session.Session, cat filler.Category) {
	if o.fillers == nil {
		return
	}
	if !sess.MarkFillerSent() {
		return
	}
	clip, ok := o.fillers.Pick(sess.Peer.Language, cat)
	if !ok {
		return
	}
	m := sess.Media()
	if m == nil {
		return
	}
	if err := m.PlayClip(clip.Payload); err != nil {
		slog.Debug("Filler playback failed", "stream_id", sess.StreamID, "error", err)
		return
	}
	o.metrics.RecordFillerPlayed(context.Background(), string(cat), string(sess.Peer.Language))
	o.publish(EventFiller, sess.StreamID, map[string]any{
		"category": string(cat),
		"clip":     clip.ID,
	})
}

func (o *Orchestrator) publish(typ EventType, streamID string, data map[string]any) {
	if o.events == nil {
		return
	}
	o.events.Publish(Event{Type: typ, StreamID: streamID, At: o.now(), Data: data})
}
