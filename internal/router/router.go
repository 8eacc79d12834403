package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/eduport/attempt-gateway/internal/handler"
	"github.com/eduport/attempt-gateway/internal/middleware"
	"github.com/eduport/attempt-gateway/internal/response"
	"github.com/eduport/attempt-gateway/internal/service"
)

// Handlers groups all HTTP handlers for route registration.
type Handlers struct {
	Attempt *handler.AttemptHandler
	WS      *handler.WSHandler
}

// Setup configures the Gin engine with middlewares and all routes.
func Setup(engine *gin.Engine, h Handlers, authService *service.AuthService, allowedOrigins []string) {
	corsConfig := cors.DefaultConfig()
	if len(allowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = allowedOrigins
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", "X-Request-ID")
	engine.Use(cors.New(corsConfig))

	engine.Use(response.RequestIDMiddleware())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Start and submit are the expensive upstream-facing operations; answers
	// are absorbed by the debounce buffer and need no limiter.
	startLimiter := middleware.NewRateLimiter(10, time.Minute)

	api := engine.Group("/api/v1")
	student := api.Group("/student", middleware.RequireStudentJWT(authService))
	{
		exams := student.Group("/exams/:examId")
		{
			exams.GET("/paper", h.Attempt.Paper)
			exams.POST("/attempt", startLimiter.Middleware(), h.Attempt.Start)
			exams.GET("/attempt", h.Attempt.State)
			exams.PUT("/attempt/answers", h.Attempt.Answer)
			exams.POST("/attempt/flush", h.Attempt.Flush)
			exams.POST("/attempt/submit", startLimiter.Middleware(), h.Attempt.Submit)
			exams.GET("/attempt/review", h.Attempt.Review)
			exams.DELETE("/attempt/session", h.Attempt.Close)
		}
	}

	ws := engine.Group("/ws/v1", middleware.RequireStudentWSAuth(authService))
	{
		ws.GET("/exams/:examId/attempt", h.WS.Attempt)
	}
}
