package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/mattn/go-shellwords"
)

// execLine is one line of recognizer output.
type execLine struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Final      bool    `json:"final"`
}

type execRecognizer struct {
	cmd      []string
	cfg      config.STTConfig
	settings capture.Settings
	handlers capture.Handlers
	log      *slog.Logger

	mu       sync.Mutex
	proc     *exec.Cmd
	cancel   context.CancelFunc
	stopping bool
}

// NewExecProvider returns a provider that runs cfg.Command once per session
// and reads newline-delimited JSON results from its stdout.
func NewExecProvider(cfg config.STTConfig, logger *slog.Logger) (capture.Provider, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	log := logger.With(slog.String("component", "stt.exec"))
	return capture.ProviderFunc(func(settings capture.Settings, handlers capture.Handlers) (capture.Recognizer, error) {
		return &execRecognizer{cmd: args, cfg: cfg, settings: settings, handlers: handlers, log: log}, nil
	}), nil
}

func (r *execRecognizer) args() []string {
	args := append([]string{}, r.cmd[1:]...)
	if r.settings.Language != "" {
		args = append(args, "--language", r.settings.Language)
	}
	if r.settings.InterimResults {
		args = append(args, "--interim")
	}
	if r.settings.Continuous {
		args = append(args, "--continuous")
	}
	if r.cfg.AudioPath != "" {
		args = append(args, "--audio", r.cfg.AudioPath)
	}
	return args
}

func (r *execRecognizer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proc != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	proc := exec.CommandContext(ctx, r.cmd[0], r.args()...)
	stdout, err := proc.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stt stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	proc.Stderr = &stderr
	if err := proc.Start(); err != nil {
		cancel()
		return fmt.Errorf("start stt command: %w", err)
	}

	r.proc = proc
	r.cancel = cancel
	r.stopping = false
	go r.run(proc, stdout, &stderr)
	return nil
}

func (r *execRecognizer) run(proc *exec.Cmd, stdout io.Reader, stderr *bytes.Buffer) {
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var out execLine
		if err := json.Unmarshal(line, &out); err != nil {
			r.log.Warn("invalid recognizer output", slogError(err))
			continue
		}
		if !out.Final && !r.settings.InterimResults {
			continue
		}
		r.handlers.OnResult(singleResult(out.Text, out.Confidence, out.Final))
	}
	if err := scanner.Err(); err != nil {
		r.log.Warn("reading recognizer output failed", slogError(err))
	}

	waitErr := proc.Wait()

	r.mu.Lock()
	stopping := r.stopping
	r.cancel()
	r.proc = nil
	r.cancel = nil
	r.stopping = false
	r.mu.Unlock()

	if waitErr != nil && !stopping {
		r.handlers.OnError(capture.RecognitionError{
			Kind:    ErrorKindProcess,
			Message: fmt.Sprintf("%v: %s", waitErr, strings.TrimSpace(stderr.String())),
		})
	}
	r.handlers.OnEnd()
}

// Stop asks the command to finish the current utterance.
func (r *execRecognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proc == nil {
		return nil
	}
	r.stopping = true
	if err := r.proc.Process.Signal(os.Interrupt); err != nil {
		return r.proc.Process.Kill()
	}
	return nil
}

// Abort kills the command.
func (r *execRecognizer) Abort() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proc == nil {
		return nil
	}
	r.stopping = true
	r.cancel()
	return nil
}
