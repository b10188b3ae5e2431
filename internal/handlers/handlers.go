package handlers

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/analysis"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/auth"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/endpoint"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/events"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/usecase"
)

const (
	// MaxUploadSize caps the raw image size accepted by /analyze.
	MaxUploadSize = 10 << 20

	multipartOverhead = 1 << 20

	// maxJSONBody fits a base64-encoded MaxUploadSize image plus the envelope.
	maxJSONBody = (MaxUploadSize+2)/3*4 + 64<<10
)

// Dependencies are the collaborators behind the HTTP routes.
type Dependencies struct {
	UseCase  *usecase.AnalysisUseCase
	Endpoint *endpoint.Store
	// Hub is optional; without it /ws is not registered.
	Hub *events.Hub
	// ConfigAuth guards configuration changes.
	ConfigAuth gin.HandlerFunc
	Logger     *zap.Logger
}

type analyzeJSONRequest struct {
	ImageBase64 string `json:"image_base64"`
	ForceMock   *bool  `json:"force_mock"`
}

type configUpdateRequest struct {
	URL       *string `json:"url"`
	Transport *string `json:"transport"`
	Mock      *bool   `json:"mock"`
	Token     *string `json:"token"`
}

type configView struct {
	URL        string             `json:"url"`
	Transport  endpoint.Transport `json:"transport"`
	Mock       bool               `json:"mock"`
	HasToken   bool               `json:"has_token"`
	Configured bool               `json:"configured"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Dependencies) {
	configAuth := deps.ConfigAuth
	if configAuth == nil {
		configAuth = func(c *gin.Context) { c.Next() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/analyze", func(c *gin.Context) {
		imageData, opts, status, err := readAnalyzeRequest(c)
		if err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		if raw, ok := c.GetQuery("force_mock"); ok {
			mock, err := strconv.ParseBool(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "force_mock must be a boolean"})
				return
			}
			opts.ForceMock = &mock
		}

		result := deps.UseCase.Analyze(c.Request.Context(), imageData, opts)
		c.JSON(http.StatusOK, result)
	})

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.UseCase.Status())
	})

	router.GET("/config", func(c *gin.Context) {
		c.JSON(http.StatusOK, viewOf(deps.Endpoint.Get()))
	})

	router.PUT("/config", configAuth, func(c *gin.Context) {
		var req configUpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid config payload"})
			return
		}

		var transport endpoint.Transport
		if req.Transport != nil {
			parsed, err := endpoint.ParseTransport(*req.Transport)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			transport = parsed
		}

		updated := deps.Endpoint.Update(func(cfg *endpoint.Config) {
			if req.URL != nil {
				cfg.URL = *req.URL
			}
			if transport != "" {
				cfg.Transport = transport
			}
			if req.Mock != nil {
				cfg.Mock = *req.Mock
			}
			if req.Token != nil {
				cfg.Token = *req.Token
			}
		})
		subject, _ := auth.GetSubject(c.Request.Context())
		logger.Info("endpoint config updated",
			zap.String("subject", subject),
			zap.String("url", updated.URL),
			zap.String("transport", string(updated.Transport)),
			zap.Bool("mock", updated.Mock),
			zap.Bool("has_token", updated.Token != ""),
		)
		c.JSON(http.StatusOK, viewOf(updated))
	})

	router.GET("/result/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		log, err := deps.UseCase.GetResult(c.Request.Context(), requestID)
		if errors.Is(err, usecase.ErrResultNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":   log.RequestID,
			"path":         log.Path,
			"succeeded":    log.Succeeded,
			"spoken_text":  log.SpokenText,
			"error_detail": log.ErrorDetail,
			"latency_ms":   log.LatencyMs,
			"created_at":   log.CreatedAt,
		})
	})

	router.GET("/metrics", func(c *gin.Context) {
		summary, err := deps.UseCase.GetMetricsSummary(c.Request.Context())
		if errors.Is(err, usecase.ErrHistoryDisabled) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	if deps.Hub != nil {
		router.GET("/ws", func(c *gin.Context) {
			deps.Hub.ServeWS(c.Writer, c.Request)
		})
	}
}

// readAnalyzeRequest extracts the base64 image and options from either a
// JSON body or a multipart upload. An absent image is an empty payload.
func readAnalyzeRequest(c *gin.Context) (string, analysis.Options, int, error) {
	var opts analysis.Options

	switch contentType := c.ContentType(); {
	case contentType == "application/json":
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxJSONBody)
		var body analyzeJSONRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return "", opts, http.StatusRequestEntityTooLarge, errors.New("image too large")
			}
			return "", opts, http.StatusBadRequest, errors.New("invalid analyze payload")
		}
		imageData := stripDataURL(strings.TrimSpace(body.ImageBase64))
		if imageData != "" {
			if _, err := base64.StdEncoding.DecodeString(imageData); err != nil {
				return "", opts, http.StatusBadRequest, errors.New("image_base64 is not valid base64")
			}
		}
		opts.ForceMock = body.ForceMock
		return imageData, opts, 0, nil

	case strings.HasPrefix(contentType, "multipart/form-data"):
		if c.Request.ContentLength > MaxUploadSize+multipartOverhead {
			return "", opts, http.StatusRequestEntityTooLarge, errors.New("image too large")
		}
		if raw := c.PostForm("force_mock"); raw != "" {
			mock, err := strconv.ParseBool(raw)
			if err != nil {
				return "", opts, http.StatusBadRequest, errors.New("force_mock must be a boolean")
			}
			opts.ForceMock = &mock
		}

		file, err := c.FormFile("image")
		if errors.Is(err, http.ErrMissingFile) {
			return "", opts, 0, nil
		}
		if err != nil {
			return "", opts, http.StatusBadRequest, errors.New("invalid multipart upload")
		}
		if file.Size > MaxUploadSize {
			return "", opts, http.StatusRequestEntityTooLarge, errors.New("image too large")
		}

		src, err := file.Open()
		if err != nil {
			return "", opts, http.StatusBadRequest, errors.New("unable to open image")
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			return "", opts, http.StatusInternalServerError, errors.New("failed to read image")
		}
		if !isImage(file.Header.Get("Content-Type"), data) {
			return "", opts, http.StatusUnsupportedMediaType, errors.New("upload must be an image")
		}
		return base64.StdEncoding.EncodeToString(data), opts, 0, nil

	default:
		if c.Request.ContentLength > 0 {
			return "", opts, http.StatusUnsupportedMediaType, errors.New("use application/json or multipart/form-data")
		}
		return "", opts, 0, nil
	}
}

func isImage(declared string, data []byte) bool {
	if strings.HasPrefix(declared, "image/") {
		return true
	}
	return strings.HasPrefix(http.DetectContentType(data), "image/")
}

// stripDataURL removes a "data:<mime>;base64," prefix as produced by browsers.
func stripDataURL(value string) string {
	if !strings.HasPrefix(value, "data:") {
		return value
	}
	if idx := strings.Index(value, ";base64,"); idx >= 0 {
		return value[idx+len(";base64,"):]
	}
	return value
}

func viewOf(cfg endpoint.Config) configView {
	return configView{
		URL:        cfg.URL,
		Transport:  cfg.Transport,
		Mock:       cfg.Mock,
		HasToken:   cfg.Token != "",
		Configured: cfg.Configured(),
	}
}
