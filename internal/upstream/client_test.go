package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niviohr/examgate/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL, 5*time.Second, zerolog.Nop())
}

func TestStartSessionUnwrapsDataEnvelope(t *testing.T) {
	sessionID := uuid.New()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/exam/exams/take", r.URL.Path)
		assert.Equal(t, "Bearer candidate-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req StartRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.TestMode)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"session": map[string]interface{}{
					"id":      sessionID,
					"exam_id": req.ExamID,
				},
				"questions":              []interface{}{},
				"time_remaining_seconds": 1800,
			},
		})
	})

	resp, err := client.StartSession(context.Background(), "candidate-token", StartRequest{
		ExamID:   uuid.New(),
		TestMode: true,
	})
	require.NoError(t, err)
	assert.Equal(t, sessionID, resp.Session.ID)
	require.NotNil(t, resp.TimeRemainingSeconds)
	assert.Equal(t, 1800, *resp.TimeRemainingSeconds)
}

func TestSaveAnswerFlattensFields(t *testing.T) {
	sessionID := uuid.New()
	questionID := uuid.New()

	var got map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/exam/sessions/"+sessionID.String()+"/answers", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})

	err := client.SaveAnswer(context.Background(), "tok", sessionID, model.Answer{
		QuestionID:       questionID,
		Fields:           map[string]interface{}{"selected_option": "b"},
		TimeSpentSeconds: 42,
	})
	require.NoError(t, err)

	assert.Equal(t, questionID.String(), got["question_id"])
	assert.Equal(t, "b", got["selected_option"])
	assert.EqualValues(t, 42, got["time_spent_seconds"])
}

func TestPostSurfacesAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"code":    "ATTEMPT_LIMIT",
				"message": "no attempts remaining",
			},
		})
	})

	_, err := client.StartSession(context.Background(), "tok", StartRequest{ExamID: uuid.New()})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "ATTEMPT_LIMIT", apiErr.Code)
	assert.Equal(t, "no attempts remaining", apiErr.Message)
	assert.True(t, IsClientRejection(err))
}

func TestIsClientRejection(t *testing.T) {
	assert.True(t, IsClientRejection(&APIError{Status: 422}))
	assert.False(t, IsClientRejection(&APIError{Status: 503}))
	assert.False(t, IsClientRejection(errors.New("connection refused")))
	assert.False(t, IsClientRejection(nil))
}

func TestVerifyFaceDecodesBareResult(t *testing.T) {
	sessionID := uuid.New()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/exam/sessions/"+sessionID.String()+"/face-verification", r.URL.Path)
		json.NewEncoder(w).Encode(model.FaceVerificationResult{
			Verified:            false,
			RequiresHumanReview: true,
			Message:             "low confidence",
		})
	})

	result, err := client.VerifyFace(context.Background(), "tok", sessionID, FaceVerificationRequest{
		SessionID:        sessionID,
		ImageData:        "frame",
		VerificationType: model.VerificationInitial,
	})
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.True(t, result.RequiresHumanReview)
	assert.Equal(t, "low confidence", result.Message)
}

func TestCompleteSessionHitsCompletePath(t *testing.T) {
	sessionID := uuid.New()
	var path string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.CompleteSession(context.Background(), "tok", sessionID))
	assert.Equal(t, "/exam/sessions/"+sessionID.String()+"/complete", path)
}
