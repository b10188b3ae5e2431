package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/analysis"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/repository"
)

type stubRepository struct {
	savedLogs []*repository.AnalysisLog
	saveErr   error
	findLog   *repository.AnalysisLog
	findErr   error
	findCalls int
	agg       *repository.MetricsAggregation
	aggErr    error
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.AnalysisLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.AnalysisLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return s.agg, s.aggErr
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	setValues []string
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if str, ok := value.(string); ok {
		s.setValues = append(s.setValues, str)
	}
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type stubAnalyzer struct {
	result analysis.Result
	calls  int
	opts   []analysis.Options
}

func (s *stubAnalyzer) Analyze(ctx context.Context, imageData string, opts analysis.Options) analysis.Result {
	s.calls++
	s.opts = append(s.opts, opts)
	return s.result
}

func (s *stubAnalyzer) Snapshot() analysis.Snapshot {
	r := s.result
	return analysis.Snapshot{RequestID: r.RequestID, Result: &r}
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func liveResult() analysis.Result {
	return analysis.Result{
		RequestID:   "req-1",
		Path:        analysis.PathLive,
		SpokenText:  "A door is ahead.",
		Succeeded:   true,
		CompletedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestAnalyzeRecordsHistoryAndCache(t *testing.T) {
	cache := &stubCache{}
	repo := &stubRepository{}
	analyzer := &stubAnalyzer{result: liveResult()}
	uc := NewAnalysisUseCase(analyzer, repo, cache, zap.NewNop())

	result := uc.Analyze(context.Background(), "aW1hZ2U=", analysis.ForceMock(false))

	if result != analyzer.result {
		t.Fatalf("use case must return the handler result unchanged, got %+v", result)
	}
	if analyzer.opts[0].ForceMock == nil || *analyzer.opts[0].ForceMock {
		t.Fatal("options must be forwarded to the handler")
	}
	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected one saved log, got %d", len(repo.savedLogs))
	}
	saved := repo.savedLogs[0]
	if saved.RequestID != "req-1" || saved.Path != "live" || !saved.Succeeded || saved.SpokenText != "A door is ahead." {
		t.Fatalf("unexpected saved log %+v", saved)
	}
	if saved.ImageSHA1 == "" || saved.ImageSize != len("aW1hZ2U=") {
		t.Fatalf("expected image fingerprint, got %+v", saved)
	}
	if len(cache.setKeys) != 1 || cache.setKeys[0] != "analysis:req-1" {
		t.Fatalf("unexpected cache keys %v", cache.setKeys)
	}

	var cached cachedAnalysis
	if err := json.Unmarshal([]byte(cache.setValues[0]), &cached); err != nil {
		t.Fatalf("cached value is not json: %v", err)
	}
	if cached.SpokenText != "A door is ahead." {
		t.Fatalf("unexpected cached payload %+v", cached)
	}
}

func TestAnalyzeRetriesTransientRedisSet(t *testing.T) {
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	uc := NewAnalysisUseCase(&stubAnalyzer{result: liveResult()}, nil, cache, zap.NewNop())
	uc.initialBackoff = time.Millisecond

	uc.Analyze(context.Background(), "", analysis.Options{})

	if len(cache.setKeys) != 2 {
		t.Fatalf("expected retry after transient error, got %d set calls", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", cache.setKeys[0], cache.setKeys[1])
	}
}

func TestAnalyzeIgnoresRecordingFailures(t *testing.T) {
	cache := &stubCache{setErrs: []error{errors.New("boom")}}
	repo := &stubRepository{saveErr: errors.New("db down")}
	failed := analysis.Result{RequestID: "req-9", Path: analysis.PathLive, SpokenText: analysis.FailureText, ErrorDetail: "status 500"}
	uc := NewAnalysisUseCase(&stubAnalyzer{result: failed}, repo, cache, zap.NewNop())

	result := uc.Analyze(context.Background(), "", analysis.Options{})

	if result.SpokenText != analysis.FailureText || result.ErrorDetail != "status 500" {
		t.Fatalf("recording failures must not change the result, got %+v", result)
	}
	if len(cache.setKeys) != 1 {
		t.Fatalf("non-transient errors must not be retried, got %d", len(cache.setKeys))
	}
}

func TestGetResultPrefersCache(t *testing.T) {
	payload, _ := json.Marshal(cachedAnalysis{RequestID: "req-1", Path: "mock", Succeeded: true, SpokenText: "cached"})
	cache := &stubCache{getValues: []string{string(payload)}}
	repo := &stubRepository{}
	uc := NewAnalysisUseCase(&stubAnalyzer{}, repo, cache, zap.NewNop())

	log, err := uc.GetResult(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log.SpokenText != "cached" || log.Path != "mock" {
		t.Fatalf("unexpected log %+v", log)
	}
	if repo.findCalls != 0 {
		t.Fatal("repository must not be queried on a cache hit")
	}
	if cache.getKeys[0] != "analysis:req-1" {
		t.Fatalf("unexpected cache key %s", cache.getKeys[0])
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	expected := &repository.AnalysisLog{RequestID: "req", SpokenText: "from-db"}
	repo := &stubRepository{findLog: expected}
	uc := NewAnalysisUseCase(&stubAnalyzer{}, repo, cache, zap.NewNop())

	log, err := uc.GetResult(context.Background(), "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log != expected {
		t.Fatalf("expected %+v, got %+v", expected, log)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestGetResultNotFound(t *testing.T) {
	uc := NewAnalysisUseCase(&stubAnalyzer{}, nil, nil, zap.NewNop())
	if _, err := uc.GetResult(context.Background(), "missing"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound, got %v", err)
	}

	uc = NewAnalysisUseCase(&stubAnalyzer{}, &stubRepository{}, nil, zap.NewNop())
	if _, err := uc.GetResult(context.Background(), "missing"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound from repository miss, got %v", err)
	}
}

func TestStatusDelegatesToAnalyzer(t *testing.T) {
	uc := NewAnalysisUseCase(&stubAnalyzer{result: liveResult()}, nil, nil, zap.NewNop())
	if got := uc.Status(); got.RequestID != "req-1" {
		t.Fatalf("unexpected status %+v", got)
	}
}
