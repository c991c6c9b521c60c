package runtime

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/nats-io/nats.go"
)

// subscribeControl answers toggle and state requests on the bus. Both reply
// with the resulting protocol.CaptureState.
func (r *Runtime) subscribeControl() error {
	handlers := []struct {
		subject string
		toggle  bool
	}{
		{protocol.SubjectCaptureToggle, true},
		{protocol.SubjectCaptureState, false},
	}
	for _, h := range handlers {
		toggle := h.toggle
		sub, err := r.bus.Conn().Subscribe(h.subject, func(msg *nats.Msg) {
			if toggle {
				r.control.Toggle()
			}
			r.respond(msg)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

func (r *Runtime) respond(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r.captureState())
	if err != nil {
		r.logger.Warn("failed to encode capture state", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Warn("failed to reply to control request", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
	}
}
