package stt

import (
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/capture"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	events chan capture.TranscriptEvent
	errs   chan capture.RecognitionError
	ends   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		events: make(chan capture.TranscriptEvent, 32),
		errs:   make(chan capture.RecognitionError, 4),
		ends:   make(chan struct{}, 4),
	}
}

func (r *recorder) handlers() capture.Handlers {
	return capture.Handlers{
		OnResult: func(evt capture.TranscriptEvent) { r.events <- evt },
		OnError:  func(err capture.RecognitionError) { r.errs <- err },
		OnEnd:    func() { r.ends <- struct{}{} },
	}
}

func (r *recorder) waitEnd(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case <-r.ends:
	case <-time.After(within):
		t.Fatal("timed out waiting for session end")
	}
}

func (r *recorder) drainEvents() []capture.TranscriptEvent {
	var out []capture.TranscriptEvent
	for {
		select {
		case evt := <-r.events:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func (r *recorder) drainErrors() []capture.RecognitionError {
	var out []capture.RecognitionError
	for {
		select {
		case err := <-r.errs:
			out = append(out, err)
		default:
			return out
		}
	}
}

func toneClip(sampleRate int, d time.Duration) Clip {
	samples := sampleRate * int(d/time.Millisecond) / 1000
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		value := int16((i % 64) * 256)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(value))
	}
	return Clip{SampleRate: sampleRate, Channels: 1, PCM: pcm}
}

func writeClip(t *testing.T, clip Clip) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer file.Close()
	if err := WriteWAV(file, clip); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}
