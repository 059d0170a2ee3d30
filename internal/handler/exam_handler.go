package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/niviohr/examgate/internal/middleware"
	"github.com/niviohr/examgate/internal/model"
	"github.com/niviohr/examgate/internal/response"
	"github.com/niviohr/examgate/internal/service"
	"github.com/niviohr/examgate/internal/session"
	"github.com/niviohr/examgate/internal/validator"
)

// ExamHandler handles the candidate-facing REST endpoints. The stream is the
// primary surface once a session runs; these endpoints cover starting,
// resuming after a page reload, and a submit fallback when the socket is gone.
type ExamHandler struct {
	manager *service.SessionManager
	log     zerolog.Logger
}

// NewExamHandler creates a new ExamHandler.
func NewExamHandler(manager *service.SessionManager, log zerolog.Logger) *ExamHandler {
	return &ExamHandler{
		manager: manager,
		log:     log.With().Str("component", "exam_handler").Logger(),
	}
}

// StartExam godoc
// POST /api/v1/exam/take
// Starts (or rejoins) a proctored session for the authenticated candidate.
func (h *ExamHandler) StartExam(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.StartExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	snap, err := h.manager.Start(c.Request.Context(), claims.CandidateID, middleware.GetToken(c), req)
	if err != nil {
		h.log.Warn().Err(err).
			Str("candidate_id", claims.CandidateID).
			Str("exam_id", req.ExamID.String()).
			Msg("Session start rejected")
		response.Fail(c, http.StatusBadGateway, response.ErrSessionStartFailed)
		return
	}

	response.Success(c, http.StatusCreated, snap)
}

// GetSessionState godoc
// GET /api/v1/exam/sessions/:session_id/state
// Returns the full session snapshot so a reloaded page can resume.
func (h *ExamHandler) GetSessionState(c *gin.Context) {
	coord, ok := h.lookup(c)
	if !ok {
		return
	}

	snap := coord.Snapshot()
	response.Success(c, http.StatusOK, snap)
}

// SubmitSession godoc
// POST /api/v1/exam/sessions/:session_id/submit
// REST fallback for handing the exam in when the stream is unavailable.
func (h *ExamHandler) SubmitSession(c *gin.Context) {
	coord, ok := h.lookup(c)
	if !ok {
		return
	}

	err := coord.Submit(c.Request.Context(), "rest_fallback")
	switch {
	case err == nil:
		response.Success(c, http.StatusOK, coord.Snapshot())
	case errors.Is(err, session.ErrAlreadySubmitted):
		response.Fail(c, http.StatusConflict, response.ErrSessionCompleted)
	case errors.Is(err, session.ErrSubmitInFlight):
		response.Fail(c, http.StatusConflict, response.ErrSubmitInProgress)
	default:
		response.Fail(c, http.StatusBadGateway, response.ErrSubmitFailed)
	}
}

// lookup resolves the session from the path param and checks ownership.
func (h *ExamHandler) lookup(c *gin.Context) (*session.Coordinator, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, false
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, false
	}

	coord, err := h.manager.Get(sessionID, claims.CandidateID)
	if err != nil {
		if errors.Is(err, service.ErrNotSessionOwner) {
			response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		} else {
			response.Fail(c, http.StatusNotFound, response.ErrSessionNotFound)
		}
		return nil, false
	}

	return coord, true
}
