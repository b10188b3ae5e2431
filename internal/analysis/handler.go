package analysis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/endpoint"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/logging"
)

// Handler is the analysis request handler.
type Handler struct {
	config      ConfigSource
	describer   Describer
	speaker     Speaker
	tracker     *Tracker
	logger      *zap.Logger
	mockLatency time.Duration
	prompt      string
	fields      []string
	newID       func() string
	now         func() time.Time

	// speakMu orders the latest check with the Speak call so a superseded
	// request can never talk over a newer one.
	speakMu sync.Mutex
}

// HandlerOption customises a Handler.
type HandlerOption func(*Handler)

// WithMockLatency overrides the simulated latency of the mock path.
func WithMockLatency(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d >= 0 {
			h.mockLatency = d
		}
	}
}

// WithPrompt overrides the instructional prompt sent on the live path.
func WithPrompt(prompt string) HandlerOption {
	return func(h *Handler) {
		if prompt != "" {
			h.prompt = prompt
		}
	}
}

// WithTracker shares an existing tracker, e.g. one already observed by a UI.
func WithTracker(t *Tracker) HandlerOption {
	return func(h *Handler) {
		if t != nil {
			h.tracker = t
		}
	}
}

// NewHandler wires a handler. A nil speaker discards speech.
func NewHandler(config ConfigSource, describer Describer, speaker Speaker, logger *zap.Logger, opts ...HandlerOption) *Handler {
	if speaker == nil {
		speaker = discardSpeaker{}
	}
	h := &Handler{
		config:      config,
		describer:   describer,
		speaker:     speaker,
		tracker:     NewTracker(),
		logger:      logger.Named("analysis_handler"),
		mockLatency: DefaultMockLatency,
		prompt:      DefaultPrompt,
		fields:      SpokenTextFields,
		newID:       uuid.NewString,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Tracker exposes the shared observable state.
func (h *Handler) Tracker() *Tracker {
	return h.tracker
}

// Snapshot returns the current observable state.
func (h *Handler) Snapshot() Snapshot {
	return h.tracker.Snapshot()
}

// Analyze resolves the call onto the mock, unconfigured or live path and
// returns its Result. It never fails: errors are encoded in the Result.
func (h *Handler) Analyze(ctx context.Context, imageData string, opts Options) Result {
	cfg := h.config.Get()
	mock := cfg.Mock
	if opts.ForceMock != nil {
		mock = *opts.ForceMock
	}

	req := Request{ID: h.newID(), ImageData: imageData, Mode: ModeLive, Prompt: h.prompt}
	if mock {
		req.Mode = ModeMock
		req.Prompt = ""
	}
	opLogger := logging.WithOperation(h.logger, "analysis.analyze", req.ID)

	var (
		ticket Ticket
		result Result
	)
	switch {
	case mock:
		ticket = h.tracker.Begin(req.ID, true)
		result = h.runMock(ctx, req)
	case !cfg.Configured():
		ticket = h.tracker.Begin(req.ID, false)
		result = Result{Path: PathUnconfigured, SpokenText: UnconfiguredMessage, Succeeded: true}
	default:
		ticket = h.tracker.Begin(req.ID, true)
		result = h.runLive(ctx, cfg, req, opLogger)
	}
	result.RequestID = req.ID
	result.CompletedAt = h.now().UTC()

	if !h.tracker.Complete(ticket, result) {
		opLogger.Info("discarding stale analysis result", zap.String("path", string(result.Path)))
		return result
	}
	if !h.speak(ticket, result.SpokenText) {
		opLogger.Info("superseded before speaking", zap.String("path", string(result.Path)))
		return result
	}
	opLogger.Info("analysis completed",
		zap.String("path", string(result.Path)),
		zap.Bool("succeeded", result.Succeeded),
	)
	return result
}

// speak hands text to the speaker unless a newer request has been issued
// since ticket completed.
func (h *Handler) speak(ticket Ticket, text string) bool {
	h.speakMu.Lock()
	defer h.speakMu.Unlock()
	if !h.tracker.IsLatest(ticket) {
		return false
	}
	if text != "" {
		h.speaker.Speak(text)
	}
	return true
}

func (h *Handler) runMock(ctx context.Context, req Request) Result {
	timer := time.NewTimer(h.mockLatency)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return Result{Path: PathMock, SpokenText: MockDescription, Succeeded: true}
}

func (h *Handler) runLive(ctx context.Context, cfg endpoint.Config, req Request, opLogger *zap.Logger) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			err := logging.NewOperationError("analysis.live", req.ID, fmt.Errorf("panic: %v", r))
			opLogger.Error("live analysis panicked", zap.Error(err))
			result = failed(err)
		}
	}()

	payload, err := h.describer.Describe(ctx, cfg, req.ID, req.ImageData, req.Prompt)
	if err != nil {
		opLogger.Warn("live analysis failed", zap.Error(err))
		return failed(err)
	}

	text, ok := ExtractSpokenText(payload, h.fields)
	if !ok {
		opLogger.Info("endpoint response has no spoken text field", zap.Strings("fields", h.fields))
		text = NoDescriptionText
	}
	return Result{Path: PathLive, SpokenText: text, Succeeded: true}
}

func failed(err error) Result {
	return Result{
		Path:        PathLive,
		SpokenText:  FailureText,
		Succeeded:   false,
		ErrorDetail: err.Error(),
	}
}

type discardSpeaker struct{}

func (discardSpeaker) Speak(string) {}
