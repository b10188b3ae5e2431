package speech

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// knownCommands are probed in order by DetectCommand.
var knownCommands = []string{"espeak-ng", "espeak", "say", "spd-say"}

// DetectCommand returns the first platform TTS binary found on PATH.
func DetectCommand() (string, bool) {
	for _, name := range knownCommands {
		if path, err := exec.LookPath(name); err == nil {
			return path, true
		}
	}
	return "", false
}

// CommandSpeaker speaks by running an external TTS program with the text as
// its last argument. Starting an utterance kills the previous process.
type CommandSpeaker struct {
	name   string
	args   []string
	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	spoken  int
	stopped bool
}

// NewCommandSpeaker parses command as a program followed by fixed arguments,
// e.g. "espeak -s 150".
func NewCommandSpeaker(command string, logger *zap.Logger) (*CommandSpeaker, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("empty tts command")
	}
	return &CommandSpeaker{
		name:   fields[0],
		args:   fields[1:],
		logger: logger.Named("speech"),
	}, nil
}

// Speak starts a new utterance without waiting for it to finish.
func (s *CommandSpeaker) Speak(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	args := append(append([]string(nil), s.args...), text)
	cmd := exec.CommandContext(ctx, s.name, args...)
	if err := cmd.Start(); err != nil {
		cancel()
		s.logger.Warn("failed to start tts command", zap.String("command", s.name), zap.Error(err))
		return
	}

	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.spoken++

	go func() {
		defer close(done)
		err := cmd.Wait()
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("tts command failed", zap.String("command", s.name), zap.Error(err))
		}
	}()
}

// Done returns a channel closed when the current utterance ends. It is
// already closed when nothing is playing.
func (s *CommandSpeaker) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		idle := make(chan struct{})
		close(idle)
		return idle
	}
	return s.done
}

// Close stops the current utterance and rejects further calls.
func (s *CommandSpeaker) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.stopped = true
}

func (s *CommandSpeaker) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}
