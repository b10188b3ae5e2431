// Package speech provides text-to-speech sinks. Every sink follows the same
// contract: a new Speak call preempts whatever is still being spoken.
package speech

import (
	"go.uber.org/zap"

	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/analysis"
)

var (
	_ analysis.Speaker = (*LogSpeaker)(nil)
	_ analysis.Speaker = (*CommandSpeaker)(nil)
	_ analysis.Speaker = Multi(nil)
)

// LogSpeaker records utterances in the log. Used when no audio is available.
type LogSpeaker struct {
	logger *zap.Logger
}

// NewLogSpeaker creates a log-only speaker.
func NewLogSpeaker(logger *zap.Logger) *LogSpeaker {
	return &LogSpeaker{logger: logger.Named("speech")}
}

// Speak logs text.
func (s *LogSpeaker) Speak(text string) {
	s.logger.Info("speak", zap.String("text", text))
}

// Multi fans every utterance out to several sinks.
type Multi []analysis.Speaker

// Speak forwards text to each sink in order.
func (m Multi) Speak(text string) {
	for _, s := range m {
		if s != nil {
			s.Speak(text)
		}
	}
}
