// Package upstream wraps the assessment platform REST API. The platform is
// the system of record for sessions, answers, monitoring events and face
// verification; the gateway only ever talks to it through this client.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/niviohr/examgate/internal/model"
	"github.com/rs/zerolog"
)

// StartRequest is the body of the start/resume call.
type StartRequest struct {
	ExamID           uuid.UUID  `json:"exam_id"`
	AssignmentID     *uuid.UUID `json:"assignment_id,omitempty"`
	TestMode         bool       `json:"test_mode"`
	UserAgent        string     `json:"user_agent"`
	ScreenResolution string     `json:"screen_resolution"`
}

// StartResponse carries the session, its question set and the time budget.
// TimeRemainingSeconds is nil for untimed exams.
type StartResponse struct {
	Session              model.ExamSession `json:"session"`
	Questions            []model.Question  `json:"questions"`
	TimeRemainingSeconds *int              `json:"time_remaining_seconds"`
}

// FaceVerificationRequest carries one captured frame. ImageData is base64
// JPEG with no data-URI prefix.
type FaceVerificationRequest struct {
	SessionID        uuid.UUID              `json:"session_id"`
	ImageData        string                 `json:"image_data"`
	Timestamp        time.Time              `json:"timestamp"`
	VerificationType model.VerificationType `json:"verification_type"`
}

// Client is the upstream API surface the session engine depends on. The
// concrete HTTP implementation is swapped for a fake in engine tests.
type Client interface {
	StartSession(ctx context.Context, token string, req StartRequest) (*StartResponse, error)
	SaveAnswer(ctx context.Context, token string, sessionID uuid.UUID, ans model.Answer) error
	ReportEvent(ctx context.Context, token string, sessionID uuid.UUID, ev model.MonitoringEvent) error
	VerifyFace(ctx context.Context, token string, sessionID uuid.UUID, req FaceVerificationRequest) (*model.FaceVerificationResult, error)
	CompleteSession(ctx context.Context, token string, sessionID uuid.UUID) error
}

// HTTPClient implements Client over JSON/HTTPS with bearer-token auth.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewHTTPClient creates an HTTPClient with the given base URL and timeout.
func NewHTTPClient(baseURL string, timeout time.Duration, log zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "upstream_client").Logger(),
	}
}

func (c *HTTPClient) StartSession(ctx context.Context, token string, req StartRequest) (*StartResponse, error) {
	var out StartResponse
	if err := c.post(ctx, token, "/exam/exams/take", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) SaveAnswer(ctx context.Context, token string, sessionID uuid.UUID, ans model.Answer) error {
	// The answer payload is flattened alongside question_id and
	// time_spent_seconds, matching the platform's save contract.
	body := make(map[string]interface{}, len(ans.Fields)+2)
	for k, v := range ans.Fields {
		body[k] = v
	}
	body["question_id"] = ans.QuestionID
	body["time_spent_seconds"] = ans.TimeSpentSeconds

	path := fmt.Sprintf("/exam/sessions/%s/answers", sessionID)
	return c.post(ctx, token, path, body, nil)
}

func (c *HTTPClient) ReportEvent(ctx context.Context, token string, sessionID uuid.UUID, ev model.MonitoringEvent) error {
	path := fmt.Sprintf("/exam/sessions/%s/monitoring", sessionID)
	return c.post(ctx, token, path, ev, nil)
}

func (c *HTTPClient) VerifyFace(ctx context.Context, token string, sessionID uuid.UUID, req FaceVerificationRequest) (*model.FaceVerificationResult, error) {
	var out model.FaceVerificationResult
	path := fmt.Sprintf("/exam/sessions/%s/face-verification", sessionID)
	if err := c.post(ctx, token, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) CompleteSession(ctx context.Context, token string, sessionID uuid.UUID) error {
	path := fmt.Sprintf("/exam/sessions/%s/complete", sessionID)
	return c.post(ctx, token, path, nil, nil)
}

// post issues one JSON POST and decodes the response into out (if non-nil).
// Non-2xx statuses become *APIError.
func (c *HTTPClient) post(ctx context.Context, token, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upstream %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Path: path}
		// Best effort: the platform wraps errors in {"error": {...}}.
		var envelope struct {
			Error *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&envelope); decodeErr == nil && envelope.Error != nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		c.log.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("Upstream request rejected")
		return apiErr
	}

	if out != nil {
		// Successful payloads arrive either bare or under a "data" wrapper.
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		var wrapped struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Data) > 0 && string(wrapped.Data) != "null" {
			raw = wrapped.Data
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
