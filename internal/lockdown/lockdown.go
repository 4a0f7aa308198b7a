// Package lockdown runs a proctored exam: it enters the protected mode, turns
// host signals into violations, and ends the session exactly once.
//
// All handlers run under one mutex, so the policy engine sees violations in a
// single serialized order no matter which goroutine delivered the signal.
package lockdown

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fakeyudi/proctor/internal/config"
	"github.com/fakeyudi/proctor/internal/detect"
	"github.com/fakeyudi/proctor/internal/policy"
	"github.com/fakeyudi/proctor/internal/sensor"
	"github.com/fakeyudi/proctor/internal/session"
	"github.com/fakeyudi/proctor/internal/timer"
)

// DefaultProhibitedLabels are the detector labels that count as a prohibited object.
var DefaultProhibitedLabels = []string{"cell phone", "book", "laptop", "tv"}

// ErrDisposed is returned when a torn-down controller is asked to do work.
var ErrDisposed = errors.New("lockdown controller disposed")

// Screen is the host's fullscreen control.
type Screen interface {
	EnterFullscreen() error
	ExitFullscreen() error
}

// NopScreen is used when the host enforces fullscreen itself.
type NopScreen struct{}

func (NopScreen) EnterFullscreen() error { return nil }
func (NopScreen) ExitFullscreen() error  { return nil }

// Recorder applies one violation to a session.
type Recorder interface {
	RecordViolation(s *session.ExamSession, c session.Category, detail string) policy.Decision
}

// Detector is the detection worker as seen by the controller.
type Detector interface {
	Start(ctx context.Context)
	Initialize(ctx context.Context) error
	Submit(frame detect.Frame) bool
	Messages() <-chan detect.Message
	Dispose()
}

// starter is implemented by sources that need to open devices or files.
type starter interface {
	Start(ctx context.Context) error
}

// Options configures a Controller. Session and Source are required.
type Options struct {
	Session *session.ExamSession
	Engine  Recorder
	Worker  Detector // nil runs without object detection
	Screen  Screen
	Source  sensor.Source
	Clock   timer.Clock
	Store   session.SessionStore
	Logger  *zap.Logger

	SampleInterval     time.Duration
	TickInterval       time.Duration
	AudioThreshold     float64 // 0 disables audio checks
	ProhibitedLabels   []string
	MaxPersons         int // 0 disables the head count
	ModelFailurePolicy string

	OnTerminate func(reason string)
	OnSubmit    func(Submission)
}

// Event is one recorded violation, kept for the final report.
type Event struct {
	At       time.Time        `json:"at"`
	Category session.Category `json:"category"`
	Decision policy.Kind      `json:"decision"`
	Count    int              `json:"count"`
	Limit    int              `json:"limit"`
	Detail   string           `json:"detail,omitempty"`
}

// Submission is handed to OnSubmit when the session ends for any reason.
type Submission struct {
	SessionID         string                               `json:"session_id"`
	Status            session.Status                       `json:"status"`
	TerminationReason string                               `json:"termination_reason,omitempty"`
	Counters          map[session.Category]session.Counter `json:"final_warning_counters"`
	SubmittedAt       time.Time                            `json:"submitted_at"`
	Authoritative     bool                                 `json:"authoritative"`
	DetectionDisabled bool                                 `json:"detection_disabled,omitempty"`
	Events            []Event                              `json:"events,omitempty"`
}

// EntryError means the protected mode could not be established. The session
// is left as it was and the exam must not begin.
type EntryError struct {
	Reason string
	Err    error
}

func (e *EntryError) Error() string {
	if e.Err == nil {
		return "cannot start secure exam: " + e.Reason
	}
	return "cannot start secure exam: " + e.Reason + ": " + e.Err.Error()
}

func (e *EntryError) Unwrap() error { return e.Err }

// HandlerError wraps a panic recovered at a handler boundary.
type HandlerError struct {
	Handler string
	Value   any
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s handler panicked: %v", e.Handler, e.Value)
}

type outcome struct {
	reason     string
	submission Submission
}

// Controller owns the sensors of one exam session.
type Controller struct {
	opts   Options
	sess   *session.ExamSession
	engine Recorder
	timer  *timer.Timer
	clock  timer.Clock
	log    *zap.Logger

	prohibited map[string]bool

	mu           sync.Mutex
	hidden       sensor.Edge
	leftFull     sensor.Edge
	audio        *sensor.AudioGate
	lastSample   time.Time
	detectionOff bool
	finished     bool
	events       []Event
	pending      *outcome

	disposed atomic.Bool
	quit     chan struct{}
}

// New validates opts and returns an idle controller.
func New(opts Options) (*Controller, error) {
	if opts.Session == nil {
		return nil, errors.New("lockdown: session is required")
	}
	if opts.Source == nil {
		return nil, errors.New("lockdown: signal source is required")
	}
	if opts.Engine == nil {
		opts.Engine = policy.New(nil)
	}
	if opts.Screen == nil {
		opts.Screen = NopScreen{}
	}
	if opts.Clock == nil {
		opts.Clock = timer.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 3 * time.Second
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.ProhibitedLabels == nil {
		opts.ProhibitedLabels = DefaultProhibitedLabels
	}
	switch opts.ModelFailurePolicy {
	case "":
		opts.ModelFailurePolicy = config.PolicyDegrade
	case config.PolicyDegrade, config.PolicyFatal:
	default:
		return nil, fmt.Errorf("lockdown: unknown model failure policy %q", opts.ModelFailurePolicy)
	}

	c := &Controller{
		opts:       opts,
		sess:       opts.Session,
		engine:     opts.Engine,
		clock:      opts.Clock,
		log:        opts.Logger.Named("lockdown").With(zap.String("session_id", opts.Session.ID())),
		prohibited: make(map[string]bool, len(opts.ProhibitedLabels)),
		audio:      sensor.NewAudioGate(opts.AudioThreshold),
		quit:       make(chan struct{}),
	}
	for _, l := range opts.ProhibitedLabels {
		c.prohibited[l] = true
	}
	c.timer = timer.New(c.sess, c.expired)
	return c, nil
}

// EnterLockdown applies limits, requests fullscreen, opens the sensors and
// activates the session. A session that is already active (restored after a
// restart) keeps its limits and counters and only re-enters fullscreen.
// On any *EntryError the session status is unchanged and everything opened
// so far is released. A fullscreen denial can be retried on the same
// Controller; after a sensor or model failure the source and worker are
// closed and a new Controller is needed.
func (c *Controller) EnterLockdown(ctx context.Context, limits session.Limits) error {
	if c.disposed.Load() {
		return ErrDisposed
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	resuming := false
	switch st := c.sess.Status(); st {
	case session.StatusNotStarted:
		if limits != nil {
			c.sess.SetLimits(limits)
		}
	case session.StatusActive:
		resuming = true
	default:
		return &EntryError{Reason: "session is " + string(st)}
	}

	if err := c.opts.Screen.EnterFullscreen(); err != nil {
		return &EntryError{Reason: "fullscreen unavailable", Err: err}
	}
	if s, ok := c.opts.Source.(starter); ok {
		if err := s.Start(ctx); err != nil {
			c.abortEntry()
			return &EntryError{Reason: "sensors unavailable", Err: err}
		}
	}

	if c.opts.Worker == nil {
		c.disableDetection(nil)
	} else {
		c.opts.Worker.Start(ctx)
		if err := c.opts.Worker.Initialize(ctx); err != nil {
			var mle *detect.ModelLoadError
			if !errors.As(err, &mle) || c.opts.ModelFailurePolicy == config.PolicyFatal {
				c.abortEntry()
				return &EntryError{Reason: "detection model unavailable", Err: err}
			}
			c.disableDetection(err)
		}
	}

	if !resuming && !c.sess.Start() {
		c.abortEntry()
		return &EntryError{Reason: "session could not be activated"}
	}
	c.persist()
	c.log.Info("lockdown entered",
		zap.Bool("resumed", resuming),
		zap.Bool("authoritative", c.sess.Authoritative()),
		zap.Time("deadline", c.sess.Deadline()),
		zap.Bool("detection", !c.detectionOff))
	return nil
}

func (c *Controller) disableDetection(cause error) {
	c.detectionOff = true
	c.sess.Disable(session.ProhibitedObject)
	if cause != nil {
		c.log.Warn("object detection disabled", zap.Error(cause))
	}
}

// abortEntry undoes a partial EnterLockdown.
func (c *Controller) abortEntry() {
	if err := c.opts.Source.Close(); err != nil {
		c.log.Warn("closing signal source failed", zap.Error(err))
	}
	if c.opts.Worker != nil {
		c.opts.Worker.Dispose()
	}
	c.exitFullscreen()
}

func (c *Controller) exitFullscreen() {
	if err := c.opts.Screen.ExitFullscreen(); err != nil {
		c.log.Warn("exiting fullscreen failed", zap.Error(err))
	}
}

// Run is the controller's event loop. It serializes signals, detection
// results and timer ticks until ctx is cancelled or the lockdown is released.
func (c *Controller) Run(ctx context.Context) error {
	if c.disposed.Load() {
		return ErrDisposed
	}
	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	signals := c.opts.Source.Signals()
	var messages <-chan detect.Message
	if c.opts.Worker != nil {
		messages = c.opts.Worker.Messages()
	}

	c.Tick()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.quit:
			return nil
		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			c.HandleSignal(sig)
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			c.HandleWorkerMessage(msg)
		case <-ticker.C:
			c.Tick()
		}
	}
}

// HandleSignal maps one raw host signal to at most one violation.
func (c *Controller) HandleSignal(sig sensor.Signal) {
	c.guard("signal:"+string(sig.Kind), func() {
		if !c.sess.Active() {
			return
		}
		at := c.at(sig.At)
		switch sig.Kind {
		case sensor.Visibility:
			if c.hidden.Observe(sig.Hidden) {
				c.record(session.TabSwitch, "page hidden", at)
			}
		case sensor.Fullscreen:
			if c.leftFull.Observe(!sig.Active) {
				c.record(session.FullscreenExit, "left fullscreen", at)
			}
		case sensor.Audio:
			if c.audio.Observe(sig.Level) {
				c.record(session.AudioAnomaly, fmt.Sprintf("audio level %.2f", sig.Level), at)
			}
		case sensor.Camera:
			c.sample(sig.Frame, at)
		case sensor.Submit:
			if c.sess.Submit() {
				c.finish("", at)
			}
		default:
			c.log.Debug("ignoring unknown signal", zap.String("kind", string(sig.Kind)))
		}
	})
}

// sample forwards a frame to the worker at most once per SampleInterval and
// never while a detection is outstanding.
func (c *Controller) sample(frame *detect.Frame, at time.Time) {
	if frame == nil || c.detectionOff || c.opts.Worker == nil {
		return
	}
	if !c.lastSample.IsZero() && at.Sub(c.lastSample) < c.opts.SampleInterval {
		return
	}
	if !c.opts.Worker.Submit(*frame) {
		c.log.Debug("frame skipped", zap.Uint64("seq", frame.Seq))
		return
	}
	c.lastSample = at
}

// HandleWorkerMessage consumes one message from the detection worker.
func (c *Controller) HandleWorkerMessage(msg detect.Message) {
	c.guard("worker", func() {
		if err := msg.Validate(); err != nil {
			c.log.Warn("invalid worker message", zap.Error(err))
			return
		}
		switch msg.Type {
		case detect.MsgError:
			c.log.Debug("detection failed", zap.Uint64("seq", msg.Seq), zap.Error(msg.Err))
		case detect.MsgResult:
			if !c.sess.Active() || c.detectionOff {
				return
			}
			if detail, ok := c.inspect(*msg.Result); ok {
				c.record(session.ProhibitedObject, detail, c.at(msg.Result.Timestamp))
			}
		default:
			c.log.Warn("unexpected worker message", zap.String("type", string(msg.Type)))
		}
	})
}

// inspect reports whether a frame shows something the candidate may not have.
// One frame yields at most one violation.
func (c *Controller) inspect(res detect.FrameResult) (string, bool) {
	var found []string
	for _, l := range res.Labels {
		if c.prohibited[l] {
			found = append(found, l)
		}
	}
	if len(found) > 0 {
		sort.Strings(found)
		return fmt.Sprintf("%s in frame %d", strings.Join(found, ", "), res.Seq), true
	}
	if n := res.Counts["person"]; c.opts.MaxPersons > 0 && n > c.opts.MaxPersons {
		return fmt.Sprintf("%d persons in frame %d", n, res.Seq), true
	}
	return "", false
}

// Tick polls the timer. Run calls it every TickInterval.
func (c *Controller) Tick() {
	c.guard("tick", func() {
		c.timer.Poll(c.clock.Now())
	})
}

// expired runs inside Tick when the timer moves the session to expired.
func (c *Controller) expired() {
	c.log.Info("exam time is up")
	c.finish("", c.clock.Now())
}

// Submit is the candidate's normal submission. It reports whether this call
// ended the session.
func (c *Controller) Submit() bool {
	submitted := false
	c.guard("submit", func() {
		if c.sess.Submit() {
			submitted = true
			c.finish("", c.clock.Now())
		}
	})
	return submitted
}

func (c *Controller) record(cat session.Category, detail string, at time.Time) {
	d := c.engine.RecordViolation(c.sess, cat, detail)
	if d.Kind == policy.Ignored {
		return
	}
	c.events = append(c.events, Event{
		At:       at,
		Category: cat,
		Decision: d.Kind,
		Count:    d.Count,
		Limit:    d.Limit,
		Detail:   detail,
	})
	c.persist()
	if d.Kind == policy.Breached {
		c.log.Warn("violation limit breached", zap.String("category", string(cat)), zap.String("reason", d.Reason))
		c.finish(d.Reason, at)
	}
}

// finish queues the single end-of-session delivery. Callers hold c.mu.
func (c *Controller) finish(reason string, at time.Time) {
	if c.finished {
		return
	}
	c.finished = true
	snap := c.sess.Snapshot()
	c.persist()
	c.pending = &outcome{
		reason: reason,
		submission: Submission{
			SessionID:         snap.ID,
			Status:            snap.Status,
			TerminationReason: snap.TerminationReason,
			Counters:          snap.Counters,
			SubmittedAt:       at,
			Authoritative:     snap.Authoritative,
			DetectionDisabled: c.detectionOff,
			Events:            append([]Event(nil), c.events...),
		},
	}
}

func (c *Controller) persist() {
	if c.opts.Store == nil {
		return
	}
	if err := c.opts.Store.Save(c.sess.Snapshot()); err != nil {
		c.log.Warn("persisting session failed", zap.Error(err))
	}
}

func (c *Controller) at(t time.Time) time.Time {
	if t.IsZero() {
		return c.clock.Now()
	}
	return t
}

// guard runs fn under the controller mutex, recovers panics, and delivers any
// end-of-session outcome after the lock is released.
func (c *Controller) guard(handler string, fn func()) {
	if c.disposed.Load() {
		return
	}
	if out := c.locked(handler, fn); out != nil {
		c.deliver(out)
	}
}

func (c *Controller) locked(handler string, fn func()) (out *outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler failed", zap.Error(&HandlerError{Handler: handler, Value: r}), zap.Stack("stack"))
		}
		out, c.pending = c.pending, nil
	}()
	if c.disposed.Load() {
		return nil
	}
	fn()
	return nil
}

// deliver fires the end-of-session callbacks and tears down. It first claims
// disposal, so an ExitLockdown that won the race suppresses the callbacks.
func (c *Controller) deliver(out *outcome) {
	if c.disposed.Swap(true) {
		c.log.Info("session ended after lockdown release, callbacks dropped",
			zap.String("status", string(out.submission.Status)))
		return
	}
	if out.reason != "" && c.opts.OnTerminate != nil {
		c.callback("terminate", func() { c.opts.OnTerminate(out.reason) })
	}
	if c.opts.OnSubmit != nil {
		c.callback("submit", func() { c.opts.OnSubmit(out.submission) })
	}
	c.teardown()
}

func (c *Controller) callback(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("callback failed", zap.Error(&HandlerError{Handler: "on" + name, Value: r}))
		}
	}()
	fn()
}

// ExitLockdown releases every sensor and stops Run. It is the only teardown
// path and is safe to call any number of times. An outcome that a handler is
// still producing when ExitLockdown runs is persisted but never delivered.
func (c *Controller) ExitLockdown() {
	if c.disposed.Swap(true) {
		return
	}
	c.teardown()
}

func (c *Controller) teardown() {
	close(c.quit)
	if err := c.opts.Source.Close(); err != nil {
		c.log.Warn("closing signal source failed", zap.Error(err))
	}
	c.exitFullscreen()
	if c.opts.Worker != nil {
		c.opts.Worker.Dispose()
	}
	c.log.Info("lockdown released", zap.String("status", string(c.sess.Status())))
}

// Done is closed once the lockdown has been released.
func (c *Controller) Done() <-chan struct{} { return c.quit }

// Disposed reports whether ExitLockdown has run.
func (c *Controller) Disposed() bool { return c.disposed.Load() }

// Snapshot returns the session state for display.
func (c *Controller) Snapshot() session.Snapshot { return c.sess.Snapshot() }

// RemainingSeconds is the countdown for display.
func (c *Controller) RemainingSeconds() int64 {
	return c.timer.RemainingSeconds(c.clock.Now())
}

// Authoritative reports whether the countdown is anchored to server time.
func (c *Controller) Authoritative() bool { return c.timer.Authoritative() }

// DetectionEnabled reports whether prohibited object checks are running.
func (c *Controller) DetectionEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.detectionOff
}
