package capture

import "errors"

// ErrCapabilityUnavailable is returned by providers when the host has no
// speech recognition capability. A Control built on such a provider is inert.
var ErrCapabilityUnavailable = errors.New("speech recognition capability unavailable")

// Settings configures a recognizer session.
type Settings struct {
	Continuous     bool
	InterimResults bool
	Language       string // empty selects automatic detection
}

// SessionSettings returns the settings every control session uses: one
// utterance per session, interim results on, automatic language detection.
// Continuous listening comes from the restart loop, not the recognizer.
func SessionSettings() Settings {
	return Settings{
		Continuous:     false,
		InterimResults: true,
		Language:       "",
	}
}

// Handlers are the callback slots a recognizer reports through. A session
// ends with exactly one OnEnd call; OnError, when raised, precedes it.
//
// Handlers must not be invoked from inside Start, Stop or Abort.
type Handlers struct {
	OnResult func(TranscriptEvent)
	OnError  func(RecognitionError)
	OnEnd    func()
}

// Recognizer is a handle to a platform speech recognition session.
type Recognizer interface {
	Start() error
	Stop() error
	Abort() error
}

// Provider constructs recognizers. It stands in for the platform's global
// recognizer constructor.
type Provider interface {
	NewRecognizer(settings Settings, handlers Handlers) (Recognizer, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(settings Settings, handlers Handlers) (Recognizer, error)

func (f ProviderFunc) NewRecognizer(settings Settings, handlers Handlers) (Recognizer, error) {
	return f(settings, handlers)
}
