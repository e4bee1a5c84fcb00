package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/textproc"
)

// API endpoints and paths.
const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiHealth         = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
)

// Error messages.
const (
	errUnexpectedContentType   = "unexpected content type: expected audio/wav, got %s"
	errReceivedEmptyAudio      = "received empty audio data"
	errFmtServiceErrorWithCode = "speech service error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "speech service returned non-OK status: %s, body: %s"
)

// speechRequest defines the JSON payload for the upstream synthesis service.
type speechRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed"`
}

// speechErrorResponse represents a structured error response from the
// synthesis service. It provides actionable diagnostics when requests fail.
type speechErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// HTTPEngine implements core.Engine against a remote speech synthesis
// service, publishing the returned audio to the artifact store.
type HTTPEngine struct {
	httpClient *http.Client
	artifacts  core.ObjectStore
	normalizer *textproc.Normalizer
	log        *logger.Logger
	baseURL    string
}

// NewHTTP creates an HTTP-backed speech engine. The baseURL should include the
// protocol and port (e.g., "http://localhost:8000"). The timeout applies to
// all HTTP requests made by this engine.
func NewHTTP(
	baseURL string,
	timeout time.Duration,
	artifacts core.ObjectStore,
	log *logger.Logger,
) *HTTPEngine {
	return &HTTPEngine{
		baseURL:    baseURL,
		artifacts:  artifacts,
		normalizer: textproc.NewNormalizer(),
		log:        log,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Generate sends a synthesis request and stores the resulting audio as an
// artifact, returning its key. The audio is WAV data as specified by the
// upstream service contract.
func (e *HTTPEngine) Generate(
	ctx context.Context,
	req core.GenerationRequest,
	progress core.ProgressFunc,
) (string, error) {
	err := ValidateRequest(req)
	if err != nil {
		return "", fmt.Errorf("invalid generation request: %w", err)
	}

	progress(progressStarted)

	requestBody, err := json.Marshal(speechRequest{
		Text:  e.normalizer.Normalize(req.Text),
		Voice: req.Voice,
		Speed: req.Speed,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := e.baseURL + apiGenerateSpeech

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		url,
		bytes.NewBuffer(requestBody),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeWAV)

	progress(progressSynthesis)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf(
			"failed to send request to speech service at %s: %w",
			e.baseURL,
			err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", e.parseErrorResponse(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if contentType != contentTypeWAV {
		return "", fmt.Errorf(errUnexpectedContentType, contentType)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return "", errors.New(errReceivedEmptyAudio)
	}

	progress(progressEncoded)

	artifactKey := uuid.NewString() + ".wav"

	err = e.artifacts.Upload(ctx, artifactKey, audioData)
	if err != nil {
		return "", fmt.Errorf("failed to upload audio artifact '%s': %w", artifactKey, err)
	}

	return artifactKey, nil
}

// HealthCheck verifies that the synthesis service is running and operational.
// It performs a lightweight check against the service health endpoint and
// returns an error if the service is unavailable.
func (e *HTTPEngine) HealthCheck(ctx context.Context) error {
	url := e.baseURL + apiHealth

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf(
			"health check failed for service at %s: %w",
			e.baseURL,
			err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// parseErrorResponse attempts to decode a structured JSON error from the
// service. If structured parsing fails, it falls back to returning the raw
// response body so diagnostic information is preserved.
func (e *HTTPEngine) parseErrorResponse(resp *http.Response) error {
	var errorResp speechErrorResponse

	err := json.NewDecoder(resp.Body).Decode(&errorResp)
	if err == nil {
		return fmt.Errorf(errFmtServiceErrorWithCode,
			resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	body, _ := io.ReadAll(resp.Body)

	return fmt.Errorf(
		errFmtServiceNonOKStatus,
		resp.Status,
		string(body),
	)
}
