// Package transcribe turns the STT collaborator's partial/final event stream
// into discrete utterances for the workflow layer.
//
// One utterance corresponds to one non-empty STT final, except that finals
// arriving within the merge window are concatenated into a single utterance.
// The window absorbs STT engines that split a sentence around a short pause.
// Partials never reach the workflow; they only feed observability.
package transcribe

import (
	"context"
	"strings"
	"time"

	"github.com/alihamza79/voiceline/pkg/provider/stt"
)

// DefaultMergeWindow is how long the aggregator waits after a final for a
// follow-up final before emitting the utterance.
const DefaultMergeWindow = 250 * time.Millisecond

// Utterance is one aggregated user utterance.
type Utterance struct {
	// Text is the trimmed, possibly merged transcript.
	Text string

	// Language is the detected language code of the last merged final, empty
	// when the STT did not identify one.
	Language string

	// Confidence is the confidence of the last merged final.
	Confidence float64

	// FinalizedAt is when the merge window closed.
	FinalizedAt time.Time
}

// PartialFunc observes pass-through partial transcripts. May be nil.
type PartialFunc func(text string)

// FinalFunc observes every non-empty final the moment it arrives, before the
// merge window runs and before the utterance is queued. The orchestrator uses
// it to cut assistant playback as soon as the caller has committed speech,
// instead of when the turn loop gets around to the utterance. May be nil.
type FinalFunc func()

// Aggregator consumes one STT session's events and produces utterances.
type Aggregator struct {
	mergeWindow time.Duration
	onPartial   PartialFunc
	onFinal     FinalFunc
	out         chan Utterance
}

// Option is a functional option for Aggregator.
type Option func(*Aggregator)

// WithMergeWindow overrides the final-merge window. Used in tests.
func WithMergeWindow(d time.Duration) Option {
	return func(a *Aggregator) { a.mergeWindow = d }
}

// WithPartialFunc installs an observer for partial transcripts.
func WithPartialFunc(fn PartialFunc) Option {
	return func(a *Aggregator) { a.onPartial = fn }
}

// WithFinalFunc installs an observer for committed finals.
func WithFinalFunc(fn FinalFunc) Option {
	return func(a *Aggregator) { a.onFinal = fn }
}

// New creates an Aggregator. Run must be called to start consumption.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		mergeWindow: DefaultMergeWindow,
		out:         make(chan Utterance, 16),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Utterances is the output stream. Closed when Run returns.
func (a *Aggregator) Utterances() <-chan Utterance {
	return a.out
}

// Run consumes the STT session until its channels close or ctx is cancelled.
// A pending merged final is flushed before returning.
func (a *Aggregator) Run(ctx context.Context, handle stt.SessionHandle) {
	defer close(a.out)

	var (
		pending  strings.Builder
		lastLang string
		lastConf float64
		timer    *time.Timer
		timerC   <-chan time.Time
	)

	flush := func() {
		text := strings.TrimSpace(pending.String())
		pending.Reset()
		timerC = nil
		if text == "" {
			return
		}
		u := Utterance{
			Text:        text,
			Language:    lastLang,
			Confidence:  lastConf,
			FinalizedAt: time.Now(),
		}
		select {
		case a.out <- u:
		case <-ctx.Done():
		}
	}

	partials := handle.Partials()
	finals := handle.Finals()

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if a.onPartial != nil {
				a.onPartial(t.Text)
			}

		case t, ok := <-finals:
			if !ok {
				flush()
				return
			}
			text := strings.TrimSpace(t.Text)
			if text == "" {
				continue
			}
			if a.onFinal != nil {
				a.onFinal()
			}
			if pending.Len() > 0 {
				pending.WriteByte(' ')
			}
			pending.WriteString(text)
			lastLang = t.Language
			lastConf = t.Confidence

			if timer == nil {
				timer = time.NewTimer(a.mergeWindow)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(a.mergeWindow)
			}
			timerC = timer.C

		case <-timerC:
			flush()
		}
	}
}
