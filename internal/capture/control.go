// Package capture implements the speech capture control: a toggleable wrapper
// around a recognizer session that forwards debounced final transcripts.
package capture

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
)

// NoticeKind classifies a Notice.
type NoticeKind string

const (
	NoticeStateChanged     NoticeKind = "state_changed"
	NoticeTranscript       NoticeKind = "transcript"
	NoticeDebounced        NoticeKind = "debounced"
	NoticeError            NoticeKind = "error"
	NoticeRestartScheduled NoticeKind = "restart_scheduled"
	NoticeRestarted        NoticeKind = "restarted"
	NoticeRestartExhausted NoticeKind = "restart_exhausted"
)

// Notice describes something the control did.
type Notice struct {
	Kind     NoticeKind
	State    State
	Previous State
	Text     string
	Err      *RecognitionError
	Attempt  int
	At       time.Time
}

// Observer receives notices after the control has released its lock.
type Observer func(Notice)

// Option customizes a Control.
type Option func(*Control)

// WithClock replaces the system clock.
func WithClock(clock Clock) Option {
	return func(c *Control) { c.clock = clock }
}

// WithObserver registers an observer for control notices.
func WithObserver(obs Observer) Option {
	return func(c *Control) { c.observer = obs }
}

// Control owns one recognizer handle and tracks whether it is listening.
// Handler callbacks, Toggle and the restart timer are serialized by mu.
type Control struct {
	cfg      config.CaptureConfig
	provider Provider
	clock    Clock
	log      *slog.Logger
	metrics  *metrics
	observer Observer

	mu           sync.Mutex
	onTranscript func(string)
	handle       Recognizer
	gen          uint64
	state        State
	lastEmit     time.Time
	restart      Timer
	restartToken uint64
	restarts     int
	closed       bool
	notices      []Notice
}

// New mounts a control. When the provider is nil or cannot supply a
// recognizer the control is inert: Toggle does nothing and View reports
// Disabled.
func New(cfg config.CaptureConfig, provider Provider, onTranscript func(string), logger *slog.Logger, opts ...Option) *Control {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	c := &Control{
		cfg:          cfg,
		provider:     provider,
		clock:        SystemClock(),
		log:          logger.With(slog.String("component", "capture")),
		onTranscript: onTranscript,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = newMetrics(c.log)

	c.mu.Lock()
	c.bindLocked()
	c.unlockAndNotify()
	return c
}

// Available reports whether a recognizer handle exists.
func (c *Control) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle != nil
}

// State returns the current listening state.
func (c *Control) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Toggle starts or stops listening and returns the resulting state.
func (c *Control) Toggle() State {
	c.mu.Lock()
	if c.closed || c.handle == nil {
		state := c.state
		c.mu.Unlock()
		return state
	}
	c.cancelRestartLocked()
	c.restarts = 0
	if c.state == Listening {
		if err := c.handle.Stop(); err != nil {
			c.log.Warn("recognizer stop failed", slogError(err))
		}
		c.setStateLocked(Idle)
	} else {
		if err := c.handle.Start(); err != nil {
			c.failStartLocked(err)
		} else {
			c.setStateLocked(Listening)
		}
	}
	state := c.state
	c.unlockAndNotify()
	return state
}

// Rebind swaps the transcript callback and recreates the recognizer handle.
// The previous handle is aborted. A listening control, or one waiting on a
// restart, keeps listening on the new handle.
func (c *Control) Rebind(onTranscript func(string)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.onTranscript = onTranscript
	restarting := c.restart != nil
	c.cancelRestartLocked()
	if c.handle != nil {
		if err := c.handle.Abort(); err != nil {
			c.log.Warn("recognizer abort failed", slogError(err))
		}
	}
	c.bindLocked()
	switch {
	case c.state != Listening && !restarting:
	case c.handle == nil:
		c.setStateLocked(Idle)
	default:
		if err := c.handle.Start(); err != nil {
			c.failStartLocked(err)
		} else {
			c.setStateLocked(Listening)
		}
	}
	c.unlockAndNotify()
}

// Close tears the control down. A pending restart is cancelled and the
// handle is aborted, including a stopped session that is still draining.
// Later events are ignored.
func (c *Control) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancelRestartLocked()
	if c.handle != nil {
		if err := c.handle.Abort(); err != nil {
			c.log.Warn("recognizer abort failed", slogError(err))
		}
	}
	c.handle = nil
	c.gen++
	c.setStateLocked(Idle)
	c.unlockAndNotify()
}

func (c *Control) bindLocked() {
	c.gen++
	gen := c.gen
	c.handle = nil
	if c.provider == nil {
		c.log.Warn("speech recognition unavailable; capture control disabled")
		return
	}
	handle, err := c.provider.NewRecognizer(SessionSettings(), Handlers{
		OnResult: func(evt TranscriptEvent) { c.handleResult(gen, evt) },
		OnError:  func(rerr RecognitionError) { c.handleError(gen, rerr) },
		OnEnd:    func() { c.handleEnd(gen) },
	})
	if err != nil {
		if errors.Is(err, ErrCapabilityUnavailable) {
			c.log.Warn("speech recognition unavailable; capture control disabled", slogError(err))
		} else {
			c.log.Error("failed to create recognizer; capture control disabled", slogError(err))
		}
		return
	}
	c.handle = handle
}

func (c *Control) current(gen uint64) bool {
	return !c.closed && gen == c.gen
}

func (c *Control) handleResult(gen uint64, evt TranscriptEvent) {
	c.mu.Lock()
	if !c.current(gen) || len(evt.Results) == 0 {
		c.mu.Unlock()
		return
	}
	c.restarts = 0
	if !evt.Final() {
		c.mu.Unlock()
		return
	}

	text := evt.Text()
	now := c.clock.Now()
	if !c.lastEmit.IsZero() && now.Sub(c.lastEmit) <= c.debounceWindow() {
		c.metrics.debounce()
		c.noticeLocked(Notice{Kind: NoticeDebounced, Text: text})
		c.unlockAndNotify()
		return
	}
	c.lastEmit = now
	c.metrics.transcript()
	c.noticeLocked(Notice{Kind: NoticeTranscript, Text: text})

	callback := c.onTranscript
	notices := c.takeNoticesLocked()
	c.mu.Unlock()

	if callback != nil {
		callback(text)
	}
	c.dispatch(notices)
}

func (c *Control) handleError(gen uint64, rerr RecognitionError) {
	c.mu.Lock()
	if !c.current(gen) {
		c.mu.Unlock()
		return
	}
	c.reportErrorLocked(rerr)
	c.unlockAndNotify()
}

func (c *Control) handleEnd(gen uint64) {
	c.mu.Lock()
	if !c.current(gen) {
		c.mu.Unlock()
		return
	}
	unexpected := c.state == Listening
	c.setStateLocked(Idle)
	if unexpected {
		c.scheduleRestartLocked()
	}
	c.unlockAndNotify()
}

func (c *Control) scheduleRestartLocked() {
	if c.cfg.MaxRestarts > 0 && c.restarts >= c.cfg.MaxRestarts {
		c.log.Warn("recognizer ended repeatedly; giving up on restart", slog.Int("restarts", c.restarts))
		c.noticeLocked(Notice{Kind: NoticeRestartExhausted, Attempt: c.restarts})
		return
	}
	c.cancelRestartLocked()
	c.restarts++
	c.restartToken++
	token := c.restartToken
	attempt := c.restarts
	delay := time.Duration(c.cfg.RestartDelayMS) * time.Millisecond
	c.restart = c.clock.AfterFunc(delay, func() { c.fireRestart(token) })
	c.metrics.restart()
	c.log.Debug("recognizer ended unexpectedly; restart scheduled", slog.Int("attempt", attempt), slog.Duration("delay", delay))
	c.noticeLocked(Notice{Kind: NoticeRestartScheduled, Attempt: attempt})
}

func (c *Control) fireRestart(token uint64) {
	c.mu.Lock()
	if c.closed || c.restart == nil || token != c.restartToken || c.handle == nil {
		c.mu.Unlock()
		return
	}
	c.restart = nil
	if c.state == Listening {
		c.mu.Unlock()
		return
	}
	if err := c.handle.Start(); err != nil {
		c.failStartLocked(err)
		c.unlockAndNotify()
		return
	}
	c.setStateLocked(Listening)
	c.noticeLocked(Notice{Kind: NoticeRestarted, Attempt: c.restarts})
	c.unlockAndNotify()
}

func (c *Control) cancelRestartLocked() {
	if c.restart == nil {
		return
	}
	c.restart.Stop()
	c.restart = nil
}

func (c *Control) failStartLocked(err error) {
	c.reportErrorLocked(RecognitionError{Kind: ErrorKindStartFailed, Message: err.Error()})
}

func (c *Control) reportErrorLocked(rerr RecognitionError) {
	c.log.Error("speech recognition error", slog.String("kind", rerr.Kind), slog.String("message", rerr.Message))
	c.metrics.failure(rerr.Kind)
	c.setStateLocked(Idle)
	c.noticeLocked(Notice{Kind: NoticeError, Err: &rerr})
}

func (c *Control) setStateLocked(next State) {
	if c.state == next {
		return
	}
	prev := c.state
	c.state = next
	c.noticeLocked(Notice{Kind: NoticeStateChanged, Previous: prev})
}

func (c *Control) debounceWindow() time.Duration {
	return time.Duration(c.cfg.DebounceMS) * time.Millisecond
}

func (c *Control) noticeLocked(n Notice) {
	if c.observer == nil {
		return
	}
	n.State = c.state
	n.At = c.clock.Now()
	c.notices = append(c.notices, n)
}

func (c *Control) takeNoticesLocked() []Notice {
	notices := c.notices
	c.notices = nil
	return notices
}

func (c *Control) unlockAndNotify() {
	notices := c.takeNoticesLocked()
	c.mu.Unlock()
	c.dispatch(notices)
}

func (c *Control) dispatch(notices []Notice) {
	if c.observer == nil {
		return
	}
	for _, n := range notices {
		c.observer(n)
	}
}
