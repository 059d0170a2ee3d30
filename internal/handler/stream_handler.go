package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/niviohr/examgate/internal/config"
	"github.com/niviohr/examgate/internal/middleware"
	"github.com/niviohr/examgate/internal/response"
	"github.com/niviohr/examgate/internal/service"
	"github.com/niviohr/examgate/internal/session"
	ws "github.com/niviohr/examgate/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// StreamHandler handles the WebSocket session stream. The browser bridge
// connects here, forwards raw signals and answers, and renders whatever
// events and directives the session pushes back.
type StreamHandler struct {
	manager       *service.SessionManager
	maxFrameBytes int64
	log           zerolog.Logger
	upgrader      websocket.Upgrader
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(manager *service.SessionManager, cfg *config.Config, log zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		manager:       manager,
		maxFrameBytes: cfg.MaxFrameBytes,
		log:           log.With().Str("component", "stream_handler").Logger(),
		upgrader:      buildUpgrader(cfg.AllowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/exam/sessions/:session_id/stream
// Upgrades to WebSocket and attaches the connection to the session.
func (h *StreamHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session ID"})
		return
	}

	coord, err := h.manager.Get(sessionID, claims.CandidateID)
	if err != nil {
		status := http.StatusNotFound
		if errors.Is(err, service.ErrNotSessionOwner) {
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"error": "no active session"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Str("candidate_id", claims.CandidateID).
		Str("session_id", sessionID.String()).
		Str("request_id", response.GetRequestID(c)).
		Logger()

	wsLog.Info().Msg("Candidate connected")

	// Serialize writes: the session pushes events from timer and schedule
	// goroutines while the read loop writes replies on this goroutine.
	var writeMu sync.Mutex
	send := func(ev session.Event) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := ws.WriteEvent(conn, ws.Event(ev.Kind), ev.Payload); err != nil {
			wsLog.Debug().Err(err).Msg("Event write failed")
		}
	}

	emitToken := coord.SetEmitter(send)
	// Detach only; the session keeps running so the candidate can reconnect.
	// If a newer connection already attached, its emitter stays in place.
	defer coord.DetachEmitter(emitToken)

	// Initial snapshot so a reconnecting page can rebuild its view.
	send(session.Event{Kind: session.EventState, Payload: coord.Snapshot()})

	for {
		raw, err := ws.ReadRaw(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}

		var envelope ws.RequestEnvelope
		if err := ws.DecodeAs(raw, &envelope); err != nil {
			h.writeError(conn, &writeMu, response.ErrInvalidPayload)
			continue
		}

		h.dispatch(conn, &writeMu, wsLog, coord, envelope.Action, raw)
	}
}

func (h *StreamHandler) dispatch(conn *websocket.Conn, writeMu *sync.Mutex, wsLog zerolog.Logger, coord *session.Coordinator, action ws.Action, raw []byte) {
	switch action {
	case ws.ActionAnswer:
		h.handleAnswer(conn, writeMu, coord, raw)
	case ws.ActionNavigate:
		h.handleNavigate(conn, writeMu, coord, raw)
	case ws.ActionSubmit:
		h.handleSubmit(conn, writeMu, wsLog, coord)
	case ws.ActionIntegrity:
		h.handleIntegrity(conn, writeMu, coord, raw)
	case ws.ActionFrame:
		h.handleFrame(conn, writeMu, coord, raw)
	case ws.ActionCameraReady:
		coord.CameraReady()
	case ws.ActionCameraDenied:
		coord.CameraDenied()
	case ws.ActionCameraRetry:
		coord.RetryCamera()
	case ws.ActionSkipVerification:
		coord.SkipVerification()
	case ws.ActionFullscreenDenied:
		coord.FullscreenDenied()
	case ws.ActionPing:
		writeMu.Lock()
		_ = ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong})
		writeMu.Unlock()
	default:
		wsLog.Warn().Str("action", string(action)).Msg("Unknown action")
		h.writeError(conn, writeMu, response.ErrInvalidPayload)
	}
}

func (h *StreamHandler) handleAnswer(conn *websocket.Conn, writeMu *sync.Mutex, coord *session.Coordinator, raw []byte) {
	var req ws.AnswerRequest
	if err := ws.DecodeAs(raw, &req); err != nil || req.QuestionID == uuid.Nil || len(req.Fields) == 0 {
		h.writeError(conn, writeMu, response.ErrInvalidPayload)
		return
	}

	if err := coord.SetAnswer(req.QuestionID, req.Fields); err != nil {
		h.writeError(conn, writeMu, sessionErrCode(err))
	}
}

func (h *StreamHandler) handleNavigate(conn *websocket.Conn, writeMu *sync.Mutex, coord *session.Coordinator, raw []byte) {
	var req ws.NavigateRequest
	if err := ws.DecodeAs(raw, &req); err != nil {
		h.writeError(conn, writeMu, response.ErrInvalidPayload)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := coord.Navigate(ctx, req.Index); err != nil {
		h.writeError(conn, writeMu, sessionErrCode(err))
	}
}

func (h *StreamHandler) handleSubmit(conn *websocket.Conn, writeMu *sync.Mutex, wsLog zerolog.Logger, coord *session.Coordinator) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := coord.Submit(ctx, "candidate")
	if err != nil {
		wsLog.Warn().Err(err).Msg("Submit rejected")
		h.writeError(conn, writeMu, sessionErrCode(err))
		return
	}

	wsLog.Info().Msg("Exam submitted")
}

func (h *StreamHandler) handleIntegrity(conn *websocket.Conn, writeMu *sync.Mutex, coord *session.Coordinator, raw []byte) {
	var req ws.IntegrityRequest
	if err := ws.DecodeAs(raw, &req); err != nil || req.Kind == "" {
		h.writeError(conn, writeMu, response.ErrInvalidPayload)
		return
	}

	coord.HandleIntegrity(session.RawSignal{
		Kind:       req.Kind,
		Hidden:     req.Hidden,
		Focused:    req.Focused,
		Fullscreen: req.Fullscreen,
		Key:        req.Key,
		Ctrl:       req.Ctrl,
		Alt:        req.Alt,
		Shift:      req.Shift,
	})
}

func (h *StreamHandler) handleFrame(conn *websocket.Conn, writeMu *sync.Mutex, coord *session.Coordinator, raw []byte) {
	var req ws.FrameRequest
	if err := ws.DecodeAs(raw, &req); err != nil || req.Image == "" {
		h.writeError(conn, writeMu, response.ErrInvalidPayload)
		return
	}

	if int64(len(req.Image)) > h.maxFrameBytes {
		h.writeError(conn, writeMu, response.ErrFrameTooLarge)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	coord.SubmitFrame(ctx, req.Image)
}

func (h *StreamHandler) writeError(conn *websocket.Conn, writeMu *sync.Mutex, code response.ErrCode) {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = ws.WriteError(conn, string(code), response.GetMessage(code))
}

// sessionErrCode maps session errors to wire error codes.
func sessionErrCode(err error) response.ErrCode {
	switch {
	case errors.Is(err, session.ErrNotActive):
		return response.ErrSessionCompleted
	case errors.Is(err, session.ErrAlreadySubmitted):
		return response.ErrSessionCompleted
	case errors.Is(err, session.ErrSubmitInFlight):
		return response.ErrSubmitInProgress
	case errors.Is(err, session.ErrOutOfRange):
		return response.ErrNavigationOutOfRange
	case errors.Is(err, session.ErrUnknownQuestion):
		return response.ErrInvalidPayload
	case errors.Is(err, session.ErrVerificationPending):
		return response.ErrVerificationPending
	default:
		return response.ErrInternal
	}
}
