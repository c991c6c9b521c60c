package capture

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return &fakeTimerHandle{clock: c, timer: t}
}

type fakeTimerHandle struct {
	clock *fakeClock
	timer *fakeTimer
}

func (h *fakeTimerHandle) Stop() bool {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	if h.timer.fired || h.timer.stopped {
		return false
	}
	h.timer.stopped = true
	return true
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.fired && !t.stopped && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

type fakeRecognizer struct {
	mu       sync.Mutex
	settings Settings
	handlers Handlers
	starts   int
	stops    int
	aborts   int
	startErr error
}

func (r *fakeRecognizer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.starts++
	return nil
}

func (r *fakeRecognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	return nil
}

func (r *fakeRecognizer) Abort() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborts++
	return nil
}

func (r *fakeRecognizer) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops, r.aborts
}

func (r *fakeRecognizer) result(final bool, texts ...string) {
	evt := TranscriptEvent{}
	for i, text := range texts {
		evt.Results = append(evt.Results, Result{
			Final:        final && i == 0,
			Alternatives: []Alternative{{Text: text, Confidence: 0.9}},
		})
	}
	r.handlers.OnResult(evt)
}

type fakeProvider struct {
	created []*fakeRecognizer
}

func (p *fakeProvider) NewRecognizer(settings Settings, handlers Handlers) (Recognizer, error) {
	r := &fakeRecognizer{settings: settings, handlers: handlers}
	p.created = append(p.created, r)
	return r, nil
}

func (p *fakeProvider) last() *fakeRecognizer {
	return p.created[len(p.created)-1]
}

type transcriptSink struct {
	mu    sync.Mutex
	texts []string
}

func (s *transcriptSink) record(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
}

func (s *transcriptSink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type harness struct {
	clock    *fakeClock
	provider *fakeProvider
	sink     *transcriptSink
	control  *Control
	notices  []Notice
}

func newHarness(t *testing.T, mutate func(*config.CaptureConfig)) *harness {
	t.Helper()
	cfg := config.Default().Capture
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{clock: newFakeClock(), provider: &fakeProvider{}, sink: &transcriptSink{}}
	h.control = New(cfg, h.provider, h.sink.record, newLogger(),
		WithClock(h.clock),
		WithObserver(func(n Notice) { h.notices = append(h.notices, n) }),
	)
	t.Cleanup(h.control.Close)
	return h
}

func (h *harness) rec() *fakeRecognizer { return h.provider.last() }

func (h *harness) count(kind NoticeKind) int {
	n := 0
	for _, notice := range h.notices {
		if notice.Kind == kind {
			n++
		}
	}
	return n
}

func TestNewConfiguresRecognizer(t *testing.T) {
	h := newHarness(t, nil)
	if !h.control.Available() {
		t.Fatal("expected recognizer handle")
	}
	got := h.rec().settings
	want := Settings{Continuous: false, InterimResults: true, Language: ""}
	if got != want {
		t.Fatalf("unexpected settings: %+v", got)
	}
	if h.control.State() != Idle {
		t.Fatalf("expected idle on mount")
	}
}

func TestFinalResultForwarded(t *testing.T) {
	h := newHarness(t, nil)
	h.control.lastEmit = time.UnixMilli(-2000)

	h.rec().result(true, "hello world")

	got := h.sink.got()
	if len(got) != 1 || got[0] != "hello world" {
		t.Fatalf("expected one transcript, got %v", got)
	}
	if !h.control.lastEmit.Equal(time.UnixMilli(0)) {
		t.Fatalf("expected last emit at t=0, got %v", h.control.lastEmit.UnixMilli())
	}
}

func TestDebounceWindow(t *testing.T) {
	h := newHarness(t, nil)
	h.rec().result(true, "hello world")

	h.clock.Advance(500 * time.Millisecond)
	h.rec().result(true, "hello world")
	if got := h.sink.got(); len(got) != 1 {
		t.Fatalf("expected second final debounced, got %v", got)
	}

	h.clock.Advance(500 * time.Millisecond)
	h.rec().result(true, "again")
	if got := h.sink.got(); len(got) != 1 {
		t.Fatalf("expected emission at exactly the window to be debounced, got %v", got)
	}

	h.clock.Advance(time.Millisecond)
	h.rec().result(true, "again")
	got := h.sink.got()
	if len(got) != 2 || got[1] != "again" {
		t.Fatalf("expected emission after the window, got %v", got)
	}
	if h.count(NoticeDebounced) != 2 {
		t.Fatalf("expected two debounced notices, got %d", h.count(NoticeDebounced))
	}
}

func TestSpacedFinalsAllForwarded(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 5; i++ {
		h.rec().result(true, "chunk")
		h.clock.Advance(1500 * time.Millisecond)
	}
	if got := h.sink.got(); len(got) != 5 {
		t.Fatalf("expected 5 transcripts, got %d", len(got))
	}
}

func TestInterimResultsNotForwarded(t *testing.T) {
	h := newHarness(t, nil)
	h.rec().result(false, "hel")
	h.rec().handlers.OnResult(TranscriptEvent{})
	if got := h.sink.got(); len(got) != 0 {
		t.Fatalf("expected no transcripts, got %v", got)
	}
}

func TestOnlyFirstResultFinalityCounts(t *testing.T) {
	h := newHarness(t, nil)

	h.rec().handlers.OnResult(TranscriptEvent{Results: []Result{
		{Final: false, Alternatives: []Alternative{{Text: "hello "}}},
		{Final: true, Alternatives: []Alternative{{Text: "world"}}},
	}})
	if got := h.sink.got(); len(got) != 0 {
		t.Fatalf("expected later final result to be ignored, got %v", got)
	}

	h.rec().handlers.OnResult(TranscriptEvent{Results: []Result{
		{Final: true, Alternatives: []Alternative{{Text: "hello ", Confidence: 0.8}, {Text: "yellow ", Confidence: 0.1}}},
		{Final: false, Alternatives: []Alternative{{Text: "wor"}}},
		{Final: false},
	}})
	got := h.sink.got()
	if len(got) != 1 || got[0] != "hello wor" {
		t.Fatalf("expected concatenated top alternatives, got %v", got)
	}
}

func TestToggle(t *testing.T) {
	h := newHarness(t, nil)

	if state := h.control.Toggle(); state != Listening {
		t.Fatalf("expected listening, got %v", state)
	}
	starts, stops, _ := h.rec().counts()
	if starts != 1 || stops != 0 {
		t.Fatalf("expected one start, got starts=%d stops=%d", starts, stops)
	}

	if state := h.control.Toggle(); state != Idle {
		t.Fatalf("expected idle, got %v", state)
	}
	starts, stops, _ = h.rec().counts()
	if starts != 1 || stops != 1 {
		t.Fatalf("expected one stop, got starts=%d stops=%d", starts, stops)
	}
	if h.count(NoticeStateChanged) != 2 {
		t.Fatalf("expected two state notices, got %d", h.count(NoticeStateChanged))
	}
}

func TestErrorAlwaysIdle(t *testing.T) {
	h := newHarness(t, nil)

	h.control.Toggle()
	h.rec().handlers.OnError(RecognitionError{Kind: "network", Message: "offline"})
	if h.control.State() != Idle {
		t.Fatal("expected idle after error while listening")
	}

	h.rec().handlers.OnError(RecognitionError{Kind: "no-speech"})
	if h.control.State() != Idle {
		t.Fatal("expected idle after error while idle")
	}
	_, stops, aborts := h.rec().counts()
	if stops != 0 || aborts != 0 {
		t.Fatalf("error must not stop the session explicitly, stops=%d aborts=%d", stops, aborts)
	}
	if h.count(NoticeError) != 2 {
		t.Fatalf("expected two error notices")
	}
}

func TestErrorThenEndDoesNotRestart(t *testing.T) {
	h := newHarness(t, nil)
	h.control.Toggle()
	h.rec().handlers.OnError(RecognitionError{Kind: "audio-capture"})
	h.rec().handlers.OnEnd()
	if h.clock.pending() != 0 {
		t.Fatalf("expected no restart after error")
	}
}

func TestUnexpectedEndRestarts(t *testing.T) {
	h := newHarness(t, nil)
	h.control.Toggle()

	h.rec().handlers.OnEnd()
	if h.control.State() != Idle {
		t.Fatal("expected idle while restart pending")
	}
	if h.clock.pending() != 1 {
		t.Fatalf("expected exactly one restart scheduled, got %d", h.clock.pending())
	}

	h.clock.Advance(99 * time.Millisecond)
	if starts, _, _ := h.rec().counts(); starts != 1 {
		t.Fatalf("restart fired early")
	}
	h.clock.Advance(time.Millisecond)
	if starts, _, _ := h.rec().counts(); starts != 2 {
		t.Fatalf("expected restart after 100ms, starts=%d", starts)
	}
	if h.control.State() != Listening {
		t.Fatal("expected listening after restart")
	}
	if h.count(NoticeRestarted) != 1 {
		t.Fatal("expected restarted notice")
	}
}

func TestEndWhileIdleSchedulesNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.control.Toggle()
	h.control.Toggle()

	h.rec().handlers.OnEnd()
	if h.clock.pending() != 0 {
		t.Fatalf("expected no restart, got %d pending", h.clock.pending())
	}
	h.clock.Advance(time.Second)
	if starts, _, _ := h.rec().counts(); starts != 1 {
		t.Fatalf("unexpected restart, starts=%d", starts)
	}
}

func TestToggleDuringRestartGap(t *testing.T) {
	h := newHarness(t, nil)
	h.control.Toggle()
	h.rec().handlers.OnEnd()

	if state := h.control.Toggle(); state != Listening {
		t.Fatalf("expected toggle to start immediately, got %v", state)
	}
	if h.clock.pending() != 0 {
		t.Fatal("expected pending restart cancelled")
	}
	h.clock.Advance(time.Second)
	if starts, _, _ := h.rec().counts(); starts != 2 {
		t.Fatalf("expected exactly two starts, got %d", starts)
	}
}

func TestRestartBound(t *testing.T) {
	h := newHarness(t, func(cfg *config.CaptureConfig) { cfg.MaxRestarts = 2 })
	h.control.Toggle()

	for i := 0; i < 2; i++ {
		h.rec().handlers.OnEnd()
		h.clock.Advance(100 * time.Millisecond)
	}
	if h.control.State() != Listening {
		t.Fatal("expected listening after two restarts")
	}

	h.rec().handlers.OnEnd()
	if h.clock.pending() != 0 {
		t.Fatal("expected no restart past the bound")
	}
	if h.control.State() != Idle {
		t.Fatal("expected idle once restarts are exhausted")
	}
	if h.count(NoticeRestartExhausted) != 1 {
		t.Fatal("expected exhausted notice")
	}
}

func TestResultResetsRestartBudget(t *testing.T) {
	h := newHarness(t, func(cfg *config.CaptureConfig) { cfg.MaxRestarts = 1 })
	h.control.Toggle()

	for i := 0; i < 4; i++ {
		h.rec().handlers.OnEnd()
		h.clock.Advance(100 * time.Millisecond)
		h.rec().result(false, "still talking")
	}
	if h.control.State() != Listening {
		t.Fatal("expected results to keep the restart budget fresh")
	}
	if h.count(NoticeRestartExhausted) != 0 {
		t.Fatal("unexpected exhaustion")
	}
}

func TestUnboundedRestarts(t *testing.T) {
	h := newHarness(t, func(cfg *config.CaptureConfig) { cfg.MaxRestarts = 0 })
	h.control.Toggle()
	for i := 0; i < 50; i++ {
		h.rec().handlers.OnEnd()
		h.clock.Advance(100 * time.Millisecond)
	}
	if starts, _, _ := h.rec().counts(); starts != 51 {
		t.Fatalf("expected 51 starts, got %d", starts)
	}
}

func TestCloseCancelsPendingRestart(t *testing.T) {
	h := newHarness(t, nil)
	h.control.Toggle()
	h.rec().handlers.OnEnd()

	h.control.Close()
	if h.clock.pending() != 0 {
		t.Fatal("expected restart timer stopped")
	}
	h.clock.Advance(time.Second)
	if starts, _, _ := h.rec().counts(); starts != 1 {
		t.Fatalf("restart ran after close, starts=%d", starts)
	}
	h.rec().result(true, "late")
	if got := h.sink.got(); len(got) != 0 {
		t.Fatalf("expected events after close ignored, got %v", got)
	}
}

func TestCloseAbortsListeningSession(t *testing.T) {
	h := newHarness(t, nil)
	h.control.Toggle()
	h.control.Close()
	if _, _, aborts := h.rec().counts(); aborts != 1 {
		t.Fatalf("expected abort on close, got %d", aborts)
	}
	if h.control.Toggle() != Idle {
		t.Fatal("expected toggle after close to be a no-op")
	}
}

func TestCloseAbortsStoppedSession(t *testing.T) {
	h := newHarness(t, nil)
	h.control.Toggle()
	h.control.Toggle()
	h.control.Close()
	if _, stops, aborts := h.rec().counts(); stops != 1 || aborts != 1 {
		t.Fatalf("expected draining session aborted on close, got stops=%d aborts=%d", stops, aborts)
	}
}

func TestFiredTimerAfterCloseIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	h.control.Toggle()
	h.rec().handlers.OnEnd()

	h.control.mu.Lock()
	token := h.control.restartToken
	h.control.mu.Unlock()

	h.control.Close()
	h.control.fireRestart(token)
	if starts, _, _ := h.rec().counts(); starts != 1 {
		t.Fatalf("expected no start from a stale timer, got %d", starts)
	}
}

func TestCapabilityAbsent(t *testing.T) {
	providers := map[string]Provider{
		"nil provider": nil,
		"unavailable": ProviderFunc(func(Settings, Handlers) (Recognizer, error) {
			return nil, ErrCapabilityUnavailable
		}),
		"broken": ProviderFunc(func(Settings, Handlers) (Recognizer, error) {
			return nil, errors.New("device busy")
		}),
	}
	for name, provider := range providers {
		t.Run(name, func(t *testing.T) {
			c := New(config.Default().Capture, provider, func(string) { t.Fatal("unexpected transcript") }, newLogger())
			t.Cleanup(c.Close)
			if c.Available() {
				t.Fatal("expected inert control")
			}
			if state := c.Toggle(); state != Idle {
				t.Fatalf("expected toggle no-op, got %v", state)
			}
			v := c.View()
			if !v.Disabled || v.State != Idle || v.Affordance != AffordanceMicrophone {
				t.Fatalf("unexpected view: %+v", v)
			}
		})
	}
}

func TestStartFailureReported(t *testing.T) {
	h := newHarness(t, nil)
	h.rec().startErr = errors.New("not-allowed")

	if state := h.control.Toggle(); state != Idle {
		t.Fatalf("expected idle after failed start, got %v", state)
	}
	var found bool
	for _, n := range h.notices {
		if n.Kind == NoticeError && n.Err != nil && n.Err.Kind == ErrorKindStartFailed {
			found = true
		}
	}
	if !found {
		t.Fatal("expected start-failed notice")
	}
}

func TestRebindDuringRestartGap(t *testing.T) {
	h := newHarness(t, nil)
	h.control.Toggle()
	old := h.rec()
	old.handlers.OnEnd()
	if h.control.State() != Idle || h.clock.pending() != 1 {
		t.Fatal("expected idle with a pending restart")
	}

	h.control.Rebind(h.sink.record)
	if h.clock.pending() != 0 {
		t.Fatal("expected pending restart cancelled")
	}
	if starts, _, _ := h.rec().counts(); h.rec() == old || starts != 1 {
		t.Fatalf("expected new handle started, got %d starts", starts)
	}
	if h.control.State() != Listening {
		t.Fatal("expected listening on the new handle")
	}
}

func TestRebindWhileIdleStaysIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.control.Rebind(h.sink.record)
	if starts, _, _ := h.rec().counts(); starts != 0 || h.control.State() != Idle {
		t.Fatal("expected idle control to stay idle after rebind")
	}
}

func TestRebindReplacesHandle(t *testing.T) {
	h := newHarness(t, nil)
	h.control.Toggle()
	old := h.rec()

	var rebound []string
	h.control.Rebind(func(text string) { rebound = append(rebound, text) })

	if len(h.provider.created) != 2 {
		t.Fatalf("expected a new handle, got %d", len(h.provider.created))
	}
	if _, _, aborts := old.counts(); aborts != 1 {
		t.Fatal("expected old handle aborted")
	}
	if starts, _, _ := h.rec().counts(); starts != 1 {
		t.Fatal("expected new handle started while listening")
	}

	old.handlers.OnEnd()
	if h.clock.pending() != 0 || h.control.State() != Listening {
		t.Fatal("expected stale end ignored")
	}
	old.result(true, "stale")
	h.rec().result(true, "fresh")
	if len(rebound) != 1 || rebound[0] != "fresh" {
		t.Fatalf("expected only fresh transcript on new callback, got %v", rebound)
	}
	if got := h.sink.got(); len(got) != 0 {
		t.Fatalf("old callback must not be used, got %v", got)
	}
}

func TestCallbackMayToggle(t *testing.T) {
	clock := newFakeClock()
	provider := &fakeProvider{}
	var c *Control
	c = New(config.Default().Capture, provider, func(string) { c.Toggle() }, newLogger(), WithClock(clock))
	t.Cleanup(c.Close)

	c.Toggle()
	provider.last().result(true, "stop listening")
	if c.State() != Idle {
		t.Fatal("expected callback toggle to stop listening")
	}
}

func TestViewStates(t *testing.T) {
	h := newHarness(t, nil)
	v := h.control.View()
	if v.Disabled || v.Affordance != AffordanceMicrophone || v.LiveIndicator {
		t.Fatalf("unexpected idle view: %+v", v)
	}
	h.control.Toggle()
	v = h.control.View()
	if v.State != Listening || v.Affordance != AffordanceStop || !v.LiveIndicator {
		t.Fatalf("unexpected listening view: %+v", v)
	}
}

func TestStateText(t *testing.T) {
	for _, s := range []State{Idle, Listening} {
		text, err := s.MarshalText()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var back State
		if err := back.UnmarshalText(text); err != nil || back != s {
			t.Fatalf("round trip %v -> %q -> %v (%v)", s, text, back, err)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("paused")); err == nil {
		t.Fatal("expected error for unknown state")
	}
}
