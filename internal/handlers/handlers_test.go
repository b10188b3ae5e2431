package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/analysis"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/auth"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/endpoint"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/usecase"
)

const testJWTSecret = "test-secret"

type nopDescriber struct{ calls int }

func (d *nopDescriber) Describe(ctx context.Context, cfg endpoint.Config, requestID, imageBase64, prompt string) (map[string]any, error) {
	d.calls++
	return map[string]any{"spoken_text": "live:" + imageBase64}, nil
}

func newTestRouter(t *testing.T, cfg endpoint.Config) (*gin.Engine, *endpoint.Store, *nopDescriber) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := endpoint.NewStore(cfg)
	describer := &nopDescriber{}
	handler := analysis.NewHandler(store, describer, nil, zap.NewNop(), analysis.WithMockLatency(time.Millisecond))
	uc := usecase.NewAnalysisUseCase(handler, nil, nil, zap.NewNop())

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, Dependencies{
		UseCase:    uc,
		Endpoint:   store,
		ConfigAuth: auth.JWTMiddleware(testJWTSecret, ""),
	})
	return router, store, describer
}

func TestAnalyzeRejectsLargeUpload(t *testing.T) {
	router, _, _ := newTestRouter(t, endpoint.Config{Mock: true})

	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))

	req := httptest.NewRequest(http.MethodPost, "/analyze", body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestAnalyzeRejectsUnsupportedContentType(t *testing.T) {
	router, _, _ := newTestRouter(t, endpoint.Config{Mock: true})

	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"))

	req := httptest.NewRequest(http.MethodPost, "/analyze", body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestAnalyzeMultipartUploadUsesLiveEndpoint(t *testing.T) {
	router, _, describer := newTestRouter(t, endpoint.Config{URL: "http://vision.test"})

	body, contentType := buildMultipartBody(t, "image/jpeg", []byte{0xff, 0xd8, 0xff})

	req := httptest.NewRequest(http.MethodPost, "/analyze", body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	result := decodeResult(t, resp)
	if result.SpokenText != "live:/9j/" {
		t.Fatalf("expected base64 payload to reach the endpoint, got %q", result.SpokenText)
	}
	if describer.calls != 1 {
		t.Fatalf("expected one endpoint call, got %d", describer.calls)
	}
}

func TestAnalyzeJSONForceMock(t *testing.T) {
	router, _, describer := newTestRouter(t, endpoint.Config{URL: "http://vision.test"})

	req := httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(`{"image_base64":"aGVsbG8=","force_mock":true}`))
	req.Header.Set("Content-Type", "application/json")

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	result := decodeResult(t, resp)
	if !result.Succeeded || !strings.HasPrefix(result.SpokenText, analysis.MockPrefix) {
		t.Fatalf("expected mock result, got %+v", result)
	}
	if describer.calls != 0 {
		t.Fatal("mock request must not reach the endpoint")
	}
}

func TestAnalyzeRejectsInvalidBase64(t *testing.T) {
	router, _, _ := newTestRouter(t, endpoint.Config{Mock: true})

	req := httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(`{"image_base64":"***"}`))
	req.Header.Set("Content-Type", "application/json")

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestAnalyzeWithoutBodyAndNoEndpointGivesGuidance(t *testing.T) {
	router, _, describer := newTestRouter(t, endpoint.Config{})

	req := httptest.NewRequest(http.MethodPost, "/analyze?force_mock=false", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	result := decodeResult(t, resp)
	if !strings.Contains(result.SpokenText, "No endpoint configured") {
		t.Fatalf("expected guidance, got %q", result.SpokenText)
	}
	if describer.calls != 0 {
		t.Fatal("no network call expected")
	}

	status := httptest.NewRecorder()
	router.ServeHTTP(status, httptest.NewRequest(http.MethodGet, "/status", nil))
	var snap analysis.Snapshot
	if err := json.Unmarshal(status.Body.Bytes(), &snap); err != nil {
		t.Fatalf("invalid status body: %v", err)
	}
	if snap.Processing || snap.Result == nil || snap.Result.RequestID != result.RequestID {
		t.Fatalf("unexpected status %+v", snap)
	}
}

func TestUpdateConfigRequiresToken(t *testing.T) {
	router, store, _ := newTestRouter(t, endpoint.Config{Mock: true})

	payload := `{"url":"http://vision.test/analyze","transport":"form","mock":false,"token":"abc"}`

	req := httptest.NewRequest(http.MethodPut, "/config", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}

	req = httptest.NewRequest(http.MethodPut, "/config", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	cfg := store.Get()
	if cfg.URL != "http://vision.test/analyze" || cfg.Transport != endpoint.TransportForm || cfg.Mock || cfg.Token != "abc" {
		t.Fatalf("config not updated: %+v", cfg)
	}
	if strings.Contains(resp.Body.String(), "abc") {
		t.Fatal("token must not be echoed back")
	}
}

func TestUpdateConfigRejectsUnknownTransport(t *testing.T) {
	router, _, _ := newTestRouter(t, endpoint.Config{})

	req := httptest.NewRequest(http.MethodPut, "/config", strings.NewReader(`{"transport":"xml"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestResultAndMetricsWithoutHistory(t *testing.T) {
	router, _, _ := newTestRouter(t, endpoint.Config{})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/result/unknown", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func decodeResult(t *testing.T, resp *httptest.ResponseRecorder) analysis.Result {
	t.Helper()
	var result analysis.Result
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("invalid result body: %v", err)
	}
	return result
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestAnalyzeAcceptsLargeJSONImageUnderLimit(t *testing.T) {
	router, _, _ := newTestRouter(t, endpoint.Config{Mock: true})

	image := append([]byte{0x89, 'P', 'N', 'G'}, bytes.Repeat([]byte{0}, 9<<20)...)
	payload, err := json.Marshal(map[string]any{
		"image_base64": base64.StdEncoding.EncodeToString(image),
		"force_mock":   true,
	})
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200 for a %d byte body, got %d: %s", len(payload), resp.Code, resp.Body.String())
	}
	if result := decodeResult(t, resp); !result.Succeeded {
		t.Fatalf("expected success, got %+v", result)
	}
}

func TestAnalyzeRejectsOversizedJSONBody(t *testing.T) {
	router, _, _ := newTestRouter(t, endpoint.Config{Mock: true})

	image := bytes.Repeat([]byte{0}, MaxUploadSize+1<<20)
	payload, err := json.Marshal(map[string]any{"image_base64": base64.StdEncoding.EncodeToString(image)})
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestUpdateConfigLogsSubject(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)

	store := endpoint.NewStore(endpoint.Config{Mock: true})
	handler := analysis.NewHandler(store, &nopDescriber{}, nil, zap.NewNop())
	router := gin.New()
	RegisterRoutes(router, Dependencies{
		UseCase:    usecase.NewAnalysisUseCase(handler, nil, nil, zap.NewNop()),
		Endpoint:   store,
		ConfigAuth: auth.JWTMiddleware(testJWTSecret, ""),
		Logger:     zap.New(core),
	})

	req := httptest.NewRequest(http.MethodPut, "/config", strings.NewReader(`{"url":"http://vision.test","token":"secret-token"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "caretaker-7"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	entries := logs.FilterMessage("endpoint config updated").All()
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["subject"] != "caretaker-7" {
		t.Fatalf("expected subject in audit entry, got %v", fields)
	}
	for _, v := range fields {
		if v == "secret-token" {
			t.Fatal("token must not be logged")
		}
	}
}
