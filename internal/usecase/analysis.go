package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/analysis"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/logging"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/repository"
)

const resultTTL = 10 * time.Minute

var (
	// ErrResultNotFound is returned when a request id is unknown to both cache and history.
	ErrResultNotFound = errors.New("analysis result not found")
	// ErrHistoryDisabled is returned by history queries when no database is configured.
	ErrHistoryDisabled = errors.New("analysis history is disabled")
)

// Analyzer is the subset of analysis.Handler used here.
type Analyzer interface {
	Analyze(ctx context.Context, imageData string, opts analysis.Options) analysis.Result
	Snapshot() analysis.Snapshot
}

// AnalysisRepository defines the persistence operations needed by the use case.
type AnalysisRepository interface {
	SaveLog(ctx context.Context, log *repository.AnalysisLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.AnalysisLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// AnalysisUseCase runs analyses and keeps their outcome retrievable. The
// repository and cache are optional; a nil value disables that store.
type AnalysisUseCase struct {
	analyzer       Analyzer
	repo           AnalysisRepository
	cache          Cache
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

type cachedAnalysis struct {
	RequestID   string    `json:"request_id"`
	Path        string    `json:"path"`
	Succeeded   bool      `json:"succeeded"`
	SpokenText  string    `json:"spoken_text"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	Hash        string    `json:"sha1_hash"`
	ImageSize   int       `json:"image_size"`
	LatencyMs   int64     `json:"latency_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewAnalysisUseCase constructs a new use case instance.
func NewAnalysisUseCase(analyzer Analyzer, repo AnalysisRepository, cache Cache, logger *zap.Logger) *AnalysisUseCase {
	return &AnalysisUseCase{
		analyzer:       analyzer,
		repo:           repo,
		cache:          cache,
		logger:         logger.Named("analysis_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		now:            time.Now,
	}
}

// Analyze runs one analysis and records it. Recording problems are logged
// and never change the returned Result.
func (uc *AnalysisUseCase) Analyze(ctx context.Context, imageData string, opts analysis.Options) analysis.Result {
	started := uc.now()
	result := uc.analyzer.Analyze(ctx, imageData, opts)
	latency := uc.now().Sub(started)

	uc.record(context.WithoutCancel(ctx), imageData, result, latency)
	return result
}

// Status returns the current observable state.
func (uc *AnalysisUseCase) Status() analysis.Snapshot {
	return uc.analyzer.Snapshot()
}

// GetResult retrieves a cached analysis outcome or loads it from history.
func (uc *AnalysisUseCase) GetResult(ctx context.Context, requestID string) (*repository.AnalysisLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	if uc.cache != nil {
		cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", cacheKey(requestID))
		switch {
		case err == nil:
			var payload cachedAnalysis
			if err := json.Unmarshal([]byte(cached), &payload); err != nil {
				opLogger.Warn("failed to decode cached result", zap.Error(err))
			} else {
				return payload.toLog(requestID), nil
			}
		case !errors.Is(err, redis.Nil):
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.repo == nil {
		return nil, ErrResultNotFound
	}
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}
	return log, nil
}

func (uc *AnalysisUseCase) record(ctx context.Context, imageData string, result analysis.Result, latency time.Duration) {
	opLogger := logging.WithOperation(uc.logger, "usecase.record", result.RequestID)

	hash := sha1.Sum([]byte(imageData))
	entry := cachedAnalysis{
		RequestID:   result.RequestID,
		Path:        string(result.Path),
		Succeeded:   result.Succeeded,
		SpokenText:  result.SpokenText,
		ErrorDetail: result.ErrorDetail,
		Hash:        hex.EncodeToString(hash[:]),
		ImageSize:   len(imageData),
		LatencyMs:   latency.Milliseconds(),
		CreatedAt:   result.CompletedAt,
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = uc.now().UTC()
	}

	if uc.repo != nil {
		if err := uc.repo.SaveLog(ctx, entry.toLog(result.RequestID)); err != nil {
			opLogger.Error("failed to persist analysis log", zap.Error(err))
		}
	}

	if uc.cache == nil {
		return
	}
	serialized, err := json.Marshal(entry)
	if err != nil {
		opLogger.Error("failed to serialize analysis result", zap.Error(err))
		return
	}
	if err := uc.withRedisRetry(ctx, result.RequestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, cacheKey(result.RequestID), string(serialized), resultTTL)
	}); err != nil {
		opLogger.Error("failed to cache analysis result", zap.Error(err))
	}
}

func (c cachedAnalysis) toLog(requestID string) *repository.AnalysisLog {
	log := &repository.AnalysisLog{
		RequestID:   requestID,
		Path:        c.Path,
		Succeeded:   c.Succeeded,
		SpokenText:  c.SpokenText,
		ErrorDetail: c.ErrorDetail,
		ImageSHA1:   c.Hash,
		ImageSize:   c.ImageSize,
		LatencyMs:   c.LatencyMs,
		CreatedAt:   c.CreatedAt,
	}
	if c.RequestID != "" {
		log.RequestID = c.RequestID
	}
	return log
}

func cacheKey(requestID string) string {
	return fmt.Sprintf("analysis:%s", requestID)
}

func (uc *AnalysisUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == uc.retryAttempts-1 {
			if !errors.Is(err, redis.Nil) {
				opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *AnalysisUseCase) withRedisGet(ctx context.Context, requestID, operation, key string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
