package protocol

import "time"

// AudioFrame represents PCM audio data streamed to a loqa STT service.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// CaptureTranscript is a finalized, debounced transcript forwarded by the
// capture control.
type CaptureTranscript struct {
	Source    string    `json:"source"`
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// CaptureEvent mirrors a capture control notice.
type CaptureEvent struct {
	Source    string    `json:"source"`
	SessionID string    `json:"session_id,omitempty"`
	Kind      string    `json:"kind"`
	State     string    `json:"state"`
	Text      string    `json:"text,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CaptureState is the reply to capture control requests.
type CaptureState struct {
	Source        string `json:"source"`
	State         string `json:"state"`
	Disabled      bool   `json:"disabled"`
	Affordance    string `json:"affordance"`
	LiveIndicator bool   `json:"live_indicator"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectTranscriptAll     = "stt.text.*"

	SubjectCaptureTranscript = "capture.transcript"
	SubjectCaptureEvent      = "capture.event"
	SubjectCaptureToggle     = "capture.control.toggle"
	SubjectCaptureState      = "capture.control.state"
)

// AudioFrameSubject returns the subject frames for sessionID are published on.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}
