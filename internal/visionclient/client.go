// Package visionclient calls the remote image-understanding endpoint.
package visionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/endpoint"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/logging"
)

const (
	fieldImage  = "image_base64"
	fieldPrompt = "prompt"
)

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("endpoint returned status %d: %s", e.Code, e.Body)
}

type describeRequest struct {
	ImageBase64 string `json:"image_base64"`
	Prompt      string `json:"prompt"`
}

// Client issues a single POST per Describe call. It never retries.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// New builds a client. A zero timeout leaves the transport's own defaults in place.
func New(timeout time.Duration, logger *zap.Logger) *Client {
	return NewWithHTTPClient(&http.Client{Timeout: timeout}, logger)
}

// NewWithHTTPClient builds a client around an existing *http.Client.
func NewWithHTTPClient(httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{httpClient: httpClient, logger: logger.Named("visionclient")}
}

// Describe posts the image and prompt to cfg.URL and decodes the JSON object
// it answers with.
func (c *Client) Describe(ctx context.Context, cfg endpoint.Config, requestID, imageBase64, prompt string) (map[string]any, error) {
	opLogger := logging.WithOperation(c.logger, "visionclient.describe", requestID)

	body, contentType, err := encodeBody(cfg.Transport, imageBase64, prompt)
	if err != nil {
		return nil, logging.NewOperationError("visionclient.encode_body", requestID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, body)
	if err != nil {
		return nil, logging.NewOperationError("visionclient.build_request", requestID, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, logging.NewOperationError("visionclient.describe", requestID, err)
	}
	defer resp.Body.Close()

	opLogger.Debug("endpoint responded",
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(started)),
		zap.String("transport", string(cfg.Transport)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			opLogger.Warn("failed to read error body", zap.Error(readErr))
		}
		return nil, logging.NewOperationError("visionclient.describe", requestID, &StatusError{Code: resp.StatusCode, Body: string(raw)})
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, logging.NewOperationError("visionclient.decode_response", requestID, err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

func encodeBody(transport endpoint.Transport, imageBase64, prompt string) (io.Reader, string, error) {
	if transport == endpoint.TransportForm {
		buf := &bytes.Buffer{}
		writer := multipart.NewWriter(buf)
		if err := writer.WriteField(fieldImage, imageBase64); err != nil {
			return nil, "", err
		}
		if err := writer.WriteField(fieldPrompt, prompt); err != nil {
			return nil, "", err
		}
		if err := writer.Close(); err != nil {
			return nil, "", err
		}
		return buf, writer.FormDataContentType(), nil
	}

	data, err := json.Marshal(describeRequest{ImageBase64: imageBase64, Prompt: prompt})
	if err != nil {
		return nil, "", err
	}
	return bytes.NewReader(data), "application/json", nil
}
