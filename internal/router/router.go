package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/niviohr/examgate/internal/config"
	"github.com/niviohr/examgate/internal/handler"
	"github.com/niviohr/examgate/internal/middleware"
	"github.com/niviohr/examgate/internal/response"
	"github.com/niviohr/examgate/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Exam   *handler.ExamHandler
	Stream *handler.StreamHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// Rate limiter for session starts (10 per minute per IP). Starting a
	// session fans out to the upstream platform, so it is the one endpoint
	// a stuck retry loop can amplify.
	startLimiter := middleware.NewRateLimiter(10, time.Minute)

	// ─── 1. Exam Group (Candidate JWT) ─────────────────────────────────
	examAPI := router.Group("/api/v1/exam")
	examAPI.Use(middleware.RequireCandidateJWT(authService))
	{
		examAPI.POST("/take", startLimiter.Middleware(), handlers.Exam.StartExam)
		examAPI.GET("/sessions/:session_id/state", handlers.Exam.GetSessionState)
		examAPI.POST("/sessions/:session_id/submit", handlers.Exam.SubmitSession)
	}

	// ─── 2. WebSocket Group (Candidate WS Auth) ────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireCandidateWSAuth(authService))
	{
		ws.GET("/exam/sessions/:session_id/stream", handlers.Stream.SessionStream)
	}

	return router
}
