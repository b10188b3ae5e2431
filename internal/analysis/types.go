// Package analysis turns an image payload into a spoken scene description.
//
// A Handler resolves each call onto exactly one of three paths (mock,
// unconfigured, live), never returns an error to its caller and hands every
// non-empty spoken string to a Speaker. Shared observable state lives in a
// Tracker, which only accepts completions from the latest issued request.
package analysis

import (
	"context"
	"time"

	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/endpoint"
)

const (
	// MockPrefix starts every canned mock description.
	MockPrefix = "Mock result:"
	// MockDescription is returned by the mock path.
	MockDescription = MockPrefix + " A person is standing about two meters ahead. A chair is on your left. The path to the right is clear."
	// UnconfiguredMessage is spoken when live mode has no endpoint URL.
	UnconfiguredMessage = "No endpoint configured. Set an analysis endpoint URL in settings, or switch to mock mode."
	// NoDescriptionText is used when the endpoint answers without a usable text field.
	NoDescriptionText = "No description available."
	// FailureText is spoken for any failed live analysis.
	FailureText = "Analysis failed."

	// DefaultPrompt instructs the remote model on the shape of the answer.
	DefaultPrompt = "You are assisting a visually impaired person. Describe this scene in at most 40 words. " +
		"Mention obstacles and people first, with their rough direction, then other important objects. " +
		"Use short, plain sentences suitable for being read aloud."

	// DefaultMockLatency simulates the round trip of a live call.
	DefaultMockLatency = 500 * time.Millisecond
)

// SpokenTextFields are tried in order against the endpoint's JSON object.
var SpokenTextFields = []string{"spoken_text", "text"}

// Mode is the resolved analysis mode of one request.
type Mode string

const (
	ModeMock Mode = "mock"
	ModeLive Mode = "live"
)

// Path records which branch produced a Result.
type Path string

const (
	PathMock         Path = "mock"
	PathUnconfigured Path = "unconfigured"
	PathLive         Path = "live"
)

// Options adjust a single Analyze call.
type Options struct {
	// ForceMock overrides the configured mode when non-nil.
	ForceMock *bool
}

// ForceMock is a convenience for building Options.
func ForceMock(mock bool) Options {
	return Options{ForceMock: &mock}
}

// Request is the immutable input of one analysis.
type Request struct {
	ID        string
	ImageData string
	Mode      Mode
	Prompt    string
}

// Result is produced exactly once per Request.
type Result struct {
	RequestID   string    `json:"request_id"`
	Path        Path      `json:"path"`
	SpokenText  string    `json:"spoken_text"`
	Succeeded   bool      `json:"succeeded"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Speaker is the speech output sink. A new call preempts any utterance that
// is still playing; implementations without audio must still accept calls.
type Speaker interface {
	Speak(text string)
}

// Describer performs the live call and returns the decoded JSON object.
type Describer interface {
	Describe(ctx context.Context, cfg endpoint.Config, requestID, imageBase64, prompt string) (map[string]any, error)
}

// ConfigSource supplies the current endpoint configuration.
type ConfigSource interface {
	Get() endpoint.Config
}
