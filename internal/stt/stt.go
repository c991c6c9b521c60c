// Package stt provides recognizer backends for the capture control.
package stt

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/capability"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
)

var (
	// ErrAlreadyStarted is returned by Start while a session is running.
	ErrAlreadyStarted = errors.New("recognition session already started")
)

// Error kinds reported by the backends.
const (
	ErrorKindProcess      = "process"
	ErrorKindAudioCapture = "audio-capture"
	ErrorKindNetwork      = "network"
	ErrorKindNoSpeech     = "no-speech"
)

// Register adds every backend this host can run to reg. The bus backend is
// only registered when a bus client is supplied.
func Register(reg *capability.Registry, cfg config.STTConfig, busClient *bus.Client, logger *slog.Logger) {
	reg.Register("mock", func() (capture.Provider, error) {
		return NewMockProvider(cfg), nil
	})
	reg.Register("exec", func() (capture.Provider, error) {
		return NewExecProvider(cfg, logger)
	})
	if busClient != nil {
		reg.Register("bus", func() (capture.Provider, error) {
			return NewBusProvider(cfg, busClient, logger)
		})
	}
}

func singleResult(text string, confidence float64, final bool) capture.TranscriptEvent {
	return capture.TranscriptEvent{Results: []capture.Result{{
		Final:        final,
		Alternatives: []capture.Alternative{{Text: text, Confidence: confidence}},
	}}}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
