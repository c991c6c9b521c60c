package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/nats-io/nats.go"
)

// busRecognizer streams audio to a loqa STT service over NATS and turns the
// transcripts it publishes back into recognizer events.
type busRecognizer struct {
	cfg      config.STTConfig
	settings capture.Settings
	handlers capture.Handlers
	bus      *bus.Client
	log      *slog.Logger
	load     func() (Clip, error)

	mu      sync.Mutex
	session *busSession
}

type busSession struct {
	id        string
	sub       *nats.Subscription
	cancel    context.CancelFunc
	timeout   *time.Timer
	audioDone bool
	done      bool
}

// NewBusProvider returns a provider whose sessions replay cfg.AudioPath to
// the loqa STT pipeline.
func NewBusProvider(cfg config.STTConfig, busClient *bus.Client, logger *slog.Logger) (capture.Provider, error) {
	if busClient == nil {
		return nil, fmt.Errorf("bus recognizer: %w", capture.ErrCapabilityUnavailable)
	}
	if cfg.AudioPath == "" {
		return nil, fmt.Errorf("bus recognizer requires stt.audio_path")
	}
	log := logger.With(slog.String("component", "stt.bus"))
	load := func() (Clip, error) { return LoadWAV(cfg.AudioPath) }
	return capture.ProviderFunc(func(settings capture.Settings, handlers capture.Handlers) (capture.Recognizer, error) {
		return &busRecognizer{cfg: cfg, settings: settings, handlers: handlers, bus: busClient, log: log, load: load}, nil
	}), nil
}

func (r *busRecognizer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		return ErrAlreadyStarted
	}

	sess := &busSession{id: uuid.NewString()}
	sub, err := r.bus.Conn().Subscribe(protocol.SubjectTranscriptAll, func(msg *nats.Msg) {
		r.handleTranscript(sess, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe transcripts: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess.sub = sub
	sess.cancel = cancel
	r.session = sess

	go r.stream(ctx, sess)
	r.log.Debug("bus session started", slog.String("session_id", sess.id))
	return nil
}

// Stop ends audio capture; the session ends once the final transcript for
// the audio already sent arrives.
func (r *busRecognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return nil
	}
	r.session.cancel()
	return nil
}

func (r *busRecognizer) Abort() error {
	r.mu.Lock()
	sess := r.session
	deliver := r.finishLocked(sess, nil)
	r.mu.Unlock()
	go deliver()
	return nil
}

func (r *busRecognizer) stream(ctx context.Context, sess *busSession) {
	clip, err := r.load()
	if err != nil {
		r.finish(sess, &capture.RecognitionError{Kind: ErrorKindAudioCapture, Message: err.Error()})
		return
	}

	frameDuration := time.Duration(r.cfg.FrameDurationMS) * time.Millisecond
	if frameDuration <= 0 {
		frameDuration = 20 * time.Millisecond
	}
	frames := clip.Frames(frameDuration)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	sequence := 0
	sentFinal := false
	for i, pcm := range frames {
		if ctx.Err() != nil {
			break
		}
		last := i == len(frames)-1
		if err := r.publishFrame(sess, sequence, clip, pcm, last); err != nil {
			r.finish(sess, &capture.RecognitionError{Kind: ErrorKindNetwork, Message: err.Error()})
			return
		}
		sequence++
		sentFinal = last
		if last {
			break
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
	if !sentFinal && !r.ended(sess) {
		if err := r.publishFrame(sess, sequence, clip, nil, true); err != nil {
			r.finish(sess, &capture.RecognitionError{Kind: ErrorKindNetwork, Message: err.Error()})
			return
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sess.done {
		return
	}
	sess.audioDone = true
	timeout := time.Duration(r.cfg.SessionTimeoutMS) * time.Millisecond
	sess.timeout = time.AfterFunc(timeout, func() {
		r.finish(sess, &capture.RecognitionError{
			Kind:    ErrorKindNoSpeech,
			Message: fmt.Sprintf("no final transcript within %s", timeout),
		})
	})
}

func (r *busRecognizer) ended(sess *busSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sess.done
}

func (r *busRecognizer) publishFrame(sess *busSession, sequence int, clip Clip, pcm []byte, final bool) error {
	frame := protocol.AudioFrame{
		SessionID:  sess.id,
		Sequence:   sequence,
		SampleRate: clip.SampleRate,
		Channels:   clip.Channels,
		PCM:        pcm,
		Final:      final,
	}
	return r.bus.PublishJSON(protocol.AudioFrameSubject(sess.id), frame)
}

func (r *busRecognizer) handleTranscript(sess *busSession, msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		r.log.Warn("failed to decode transcript", slogError(err))
		return
	}
	if transcript.SessionID != sess.id || transcript.Text == "" {
		return
	}
	final := !transcript.Partial
	if !final && !r.settings.InterimResults {
		return
	}

	r.mu.Lock()
	if sess.done {
		r.mu.Unlock()
		return
	}
	ends := final && (!r.settings.Continuous || sess.audioDone)
	r.mu.Unlock()

	r.handlers.OnResult(singleResult(transcript.Text, transcript.Confidence, final))
	if ends {
		r.finish(sess, nil)
	}
}

func (r *busRecognizer) finish(sess *busSession, rerr *capture.RecognitionError) {
	r.mu.Lock()
	deliver := r.finishLocked(sess, rerr)
	r.mu.Unlock()
	deliver()
}

// finishLocked tears sess down and returns the callback delivery to run
// once the lock is released.
func (r *busRecognizer) finishLocked(sess *busSession, rerr *capture.RecognitionError) func() {
	if sess == nil || sess.done {
		return func() {}
	}
	sess.done = true
	sess.cancel()
	if sess.timeout != nil {
		sess.timeout.Stop()
	}
	if err := sess.sub.Unsubscribe(); err != nil {
		r.log.Warn("failed to unsubscribe transcripts", slogError(err))
	}
	if r.session == sess {
		r.session = nil
	}
	r.log.Debug("bus session ended", slog.String("session_id", sess.id))
	return func() {
		if rerr != nil {
			r.handlers.OnError(*rerr)
		}
		r.handlers.OnEnd()
	}
}
