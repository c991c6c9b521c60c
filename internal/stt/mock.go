package stt

import (
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
)

type mockRecognizer struct {
	settings capture.Settings
	handlers capture.Handlers
	delay    time.Duration

	mu        sync.Mutex
	running   bool
	token     uint64
	utterance int
	timer     *time.Timer
}

// NewMockProvider returns a provider whose sessions hear one scripted
// utterance per start.
func NewMockProvider(cfg config.STTConfig) capture.Provider {
	delay := time.Duration(cfg.MockDelayMS) * time.Millisecond
	return capture.ProviderFunc(func(settings capture.Settings, handlers capture.Handlers) (capture.Recognizer, error) {
		return &mockRecognizer{settings: settings, handlers: handlers, delay: delay}, nil
	})
}

func (m *mockRecognizer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyStarted
	}
	m.running = true
	m.token++
	m.scheduleLocked()
	return nil
}

func (m *mockRecognizer) scheduleLocked() {
	token := m.token
	m.timer = time.AfterFunc(m.delay, func() { m.speak(token) })
}

func (m *mockRecognizer) speak(token uint64) {
	m.mu.Lock()
	if !m.running || token != m.token {
		m.mu.Unlock()
		return
	}
	m.utterance++
	text := fmt.Sprintf("[mock utterance %d]", m.utterance)
	m.mu.Unlock()

	if m.settings.InterimResults {
		m.handlers.OnResult(singleResult(text[:len(text)/2], 0.4, false))
	}
	m.handlers.OnResult(singleResult(text, 0.9, true))

	m.mu.Lock()
	if !m.running || token != m.token {
		m.mu.Unlock()
		return
	}
	if m.settings.Continuous {
		m.scheduleLocked()
		m.mu.Unlock()
		return
	}
	m.running = false
	m.token++
	m.mu.Unlock()
	m.handlers.OnEnd()
}

func (m *mockRecognizer) Stop() error {
	m.end()
	return nil
}

func (m *mockRecognizer) Abort() error {
	m.end()
	return nil
}

func (m *mockRecognizer) end() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.token++
	if m.timer != nil {
		m.timer.Stop()
	}
	go m.handlers.OnEnd()
}
