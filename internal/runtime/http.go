package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/protocol"
)

const maxJournalLimit = 1000

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metricsHandler != nil {
		mux.Handle("/metrics", r.metricsHandler)
	}
	mux.HandleFunc("POST /v1/capture/toggle", r.handleToggle)
	mux.HandleFunc("GET /v1/capture/state", r.handleState)
	mux.HandleFunc("GET /v1/capture/journal", r.handleJournal)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleToggle(w http.ResponseWriter, _ *http.Request) {
	r.control.Toggle()
	state := r.captureState()
	status := http.StatusOK
	if state.Disabled {
		status = http.StatusServiceUnavailable
	}
	r.writeJSON(w, status, state)
}

func (r *Runtime) handleState(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, http.StatusOK, r.captureState())
}

func (r *Runtime) handleJournal(w http.ResponseWriter, req *http.Request) {
	limit := 100
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxJournalLimit {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := r.store.ListRecent(req.Context(), limit)
	if err != nil {
		r.logger.Error("journal query failed", slog.String("error", err.Error()))
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	r.writeJSON(w, http.StatusOK, events)
}

func (r *Runtime) captureState() protocol.CaptureState {
	view := r.control.View()
	return stateMessage(r.cfg.RuntimeName, view)
}

func stateMessage(source string, view capture.View) protocol.CaptureState {
	return protocol.CaptureState{
		Source:        source,
		State:         view.State.String(),
		Disabled:      view.Disabled,
		Affordance:    view.Affordance,
		LiveIndicator: view.LiveIndicator,
	}
}

func (r *Runtime) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.Warn("failed to write response", slog.String("error", err.Error()))
	}
}
