package capture

import (
	"fmt"
	"strings"
)

// State is the advisory listening state of a Control.
type State int

const (
	Idle State = iota
	Listening
)

func (s State) String() string {
	switch s {
	case Listening:
		return "listening"
	default:
		return "idle"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = Idle
	case "listening":
		*s = Listening
	default:
		return fmt.Errorf("unknown capture state %q", text)
	}
	return nil
}

// Alternative is one candidate transcription of a result.
type Alternative struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Result groups the alternatives for one recognized segment. Alternatives are
// ordered best first.
type Result struct {
	Final        bool          `json:"final"`
	Alternatives []Alternative `json:"alternatives"`
}

// TranscriptEvent is the payload of a single result callback.
type TranscriptEvent struct {
	Results []Result `json:"results"`
}

// Text joins the top alternative of every result in order.
func (e TranscriptEvent) Text() string {
	var b strings.Builder
	for _, r := range e.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		b.WriteString(r.Alternatives[0].Text)
	}
	return b.String()
}

// Final reports the finality of the first result only.
func (e TranscriptEvent) Final() bool {
	return len(e.Results) > 0 && e.Results[0].Final
}

// RecognitionError is reported by a recognizer while a session is active.
type RecognitionError struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

func (e RecognitionError) Error() string {
	if e.Message == "" {
		return "speech recognition error: " + e.Kind
	}
	return fmt.Sprintf("speech recognition error: %s: %s", e.Kind, e.Message)
}

// Error kinds raised by the control itself.
const (
	ErrorKindStartFailed = "start-failed"
)
