package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// session returns the journal session the next record belongs to. A new
// session starts every time the control begins listening; records made while
// idle stay with the previous one.
func (r *Runtime) session(ctx context.Context, fresh bool) string {
	r.sessionMu.Lock()
	defer r.sessionMu.Unlock()
	if fresh || r.sessionID == "" {
		r.sessionID = uuid.NewString()
		if err := r.store.AppendSession(ctx, r.sessionID, r.cfg.RuntimeName, r.cfg.STT.Mode); err != nil {
			r.logger.Warn("failed to journal capture session", slog.String("session_id", r.sessionID), slog.String("error", err.Error()))
		}
	}
	return r.sessionID
}

// deliver is the control's transcript callback.
func (r *Runtime) deliver(text string) {
	ctx, span := r.tracer.Start(context.Background(), "capture.transcript",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.Int("loqa.capture.text_length", len(text))))
	defer span.End()

	sessionID := r.session(ctx, false)
	span.SetAttributes(attribute.String("loqa.capture.session_id", sessionID))
	r.logger.Info("transcript captured", slog.String("session_id", sessionID), slog.String("text", text))

	msg := protocol.CaptureTranscript{
		Source:    r.cfg.RuntimeName,
		SessionID: sessionID,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	r.record(ctx, sessionID, eventstore.TypeTranscript, msg)

	if r.bus == nil {
		return
	}
	if err := r.bus.PublishJSON(protocol.SubjectCaptureTranscript, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		r.logger.Warn("failed to publish transcript", slog.String("error", err.Error()))
	}
}

// observe journals control notices and mirrors them on the bus.
func (r *Runtime) observe(n capture.Notice) {
	ctx := context.Background()
	fresh := n.Kind == capture.NoticeStateChanged && n.State == capture.Listening
	sessionID := r.session(ctx, fresh)

	evt := protocol.CaptureEvent{
		Source:    r.cfg.RuntimeName,
		SessionID: sessionID,
		Kind:      string(n.Kind),
		State:     n.State.String(),
		Text:      n.Text,
		Attempt:   n.Attempt,
		Timestamp: n.At.UTC(),
	}
	if n.Err != nil {
		evt.ErrorKind = n.Err.Kind
		evt.Message = n.Err.Message
	}

	if typ := journalType(n); typ != "" {
		r.record(ctx, sessionID, typ, evt)
	}

	if r.bus == nil {
		return
	}
	if err := r.bus.PublishJSON(protocol.SubjectCaptureEvent, evt); err != nil {
		r.logger.Warn("failed to publish capture event", slog.String("kind", evt.Kind), slog.String("error", err.Error()))
	}
}

// journalType maps a notice onto a journal event type. Transcripts are
// recorded by deliver. A fired restart is recorded by the Listening state
// change it causes.
func journalType(n capture.Notice) string {
	switch n.Kind {
	case capture.NoticeStateChanged:
		if n.State == capture.Listening {
			return eventstore.TypeStarted
		}
		return eventstore.TypeStopped
	case capture.NoticeDebounced:
		return eventstore.TypeDebounced
	case capture.NoticeError:
		return eventstore.TypeError
	case capture.NoticeRestartScheduled:
		return eventstore.TypeRestart
	case capture.NoticeRestartExhausted:
		return eventstore.TypeRestartExhausted
	}
	return ""
}

func (r *Runtime) record(ctx context.Context, sessionID, typ string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("failed to encode journal payload", slog.String("type", typ), slog.String("error", err.Error()))
		return
	}
	err = r.store.AppendEvent(ctx, eventstore.Event{
		SessionID: sessionID,
		Source:    r.cfg.RuntimeName,
		Type:      typ,
		Payload:   data,
	})
	if err != nil {
		r.logger.Warn("failed to journal capture event", slog.String("type", typ), slog.String("error", err.Error()))
	}
}
