package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/eduport/attempt-gateway/internal/attempt"
	"github.com/eduport/attempt-gateway/internal/examapi"
	"github.com/eduport/attempt-gateway/internal/middleware"
	"github.com/eduport/attempt-gateway/internal/model"
	"github.com/eduport/attempt-gateway/internal/response"
	"github.com/eduport/attempt-gateway/internal/service"
	"github.com/eduport/attempt-gateway/internal/validator"
)

// AttemptHandler serves the student-facing attempt lifecycle endpoints.
type AttemptHandler struct {
	sessions *service.SessionService
	log      zerolog.Logger
}

func NewAttemptHandler(sessions *service.SessionService, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		sessions: sessions,
		log:      log.With().Str("component", "attempt_handler").Logger(),
	}
}

type startAttemptRequest struct {
	// AttemptID resumes a known attempt. Empty means create-or-resume.
	AttemptID string `json:"attempt_id"`
	Platform  string `json:"platform"`
}

type answerRequest struct {
	QuestionID        string   `json:"question_id" binding:"required"`
	SelectedOptionIDs []string `json:"selected_option_ids"`
	TextAnswer        *string  `json:"text_answer"`
}

type submitRequest struct {
	Force bool `json:"force"`
}

// Start creates or resumes an attempt for the authenticated student.
// POST /exams/:examId/attempt
func (h *AttemptHandler) Start(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID := c.Param("examId")

	var req startAttemptRequest
	if c.Request.ContentLength > 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	device := &model.DeviceInfo{
		UserAgent: c.Request.UserAgent(),
		IPAddress: c.ClientIP(),
		Platform:  req.Platform,
	}

	state, err := h.sessions.StartAttempt(c.Request.Context(), claims.StudentID, examID, req.AttemptID, device)
	if err != nil {
		h.failAttemptError(c, err, "Failed to start attempt")
		return
	}

	response.Success(c, http.StatusOK, state)
}

// Answer records a choice or fill-in answer on the live session.
// PUT /exams/:examId/attempt/answers
func (h *AttemptHandler) Answer(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID := c.Param("examId")

	var req answerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	var err error
	if req.TextAnswer != nil {
		err = h.sessions.SetTextAnswer(claims.StudentID, examID, req.QuestionID, *req.TextAnswer)
	} else {
		err = h.sessions.SelectOptions(claims.StudentID, examID, req.QuestionID, req.SelectedOptionIDs)
	}
	if err != nil {
		h.failAttemptError(c, err, "Failed to record answer")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"question_id": req.QuestionID})
}

// Flush forces any pending autosave to the upstream immediately.
// POST /exams/:examId/attempt/flush
func (h *AttemptHandler) Flush(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID := c.Param("examId")

	if err := h.sessions.Flush(c.Request.Context(), claims.StudentID, examID); err != nil {
		h.failAttemptError(c, err, "Failed to flush answers")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"flushed": true})
}

// Submit finalizes the attempt.
// POST /exams/:examId/attempt/submit
func (h *AttemptHandler) Submit(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID := c.Param("examId")

	var req submitRequest
	if c.Request.ContentLength > 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	final, err := h.sessions.Submit(c.Request.Context(), claims.StudentID, examID, req.Force)
	if err != nil {
		if errors.Is(err, attempt.ErrFinished) && final != nil {
			// Duplicate submit of an already-finished attempt: surface the
			// recorded result instead of an error so reload-then-resubmit
			// clients converge.
			response.Success(c, http.StatusOK, final)
			return
		}
		h.failAttemptError(c, err, "Failed to submit attempt")
		return
	}

	response.Success(c, http.StatusOK, final)
}

// State returns the live session snapshot.
// GET /exams/:examId/attempt
func (h *AttemptHandler) State(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID := c.Param("examId")

	state, err := h.sessions.State(claims.StudentID, examID)
	if err != nil {
		h.failAttemptError(c, err, "Failed to read attempt state")
		return
	}

	response.Success(c, http.StatusOK, state)
}

// Paper returns the reconciled exam definition for rendering.
// GET /exams/:examId/paper
func (h *AttemptHandler) Paper(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID := c.Param("examId")

	exam, err := h.sessions.Paper(c.Request.Context(), claims.StudentID, examID)
	if err != nil {
		h.failAttemptError(c, err, "Failed to load exam paper")
		return
	}

	response.Success(c, http.StatusOK, exam)
}

// Review returns the per-question result view of a finalized attempt.
// GET /exams/:examId/attempt/review
func (h *AttemptHandler) Review(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID := c.Param("examId")

	review, err := h.sessions.Review(c.Request.Context(), claims.StudentID, examID)
	if err != nil {
		h.failAttemptError(c, err, "Failed to build review")
		return
	}

	response.Success(c, http.StatusOK, review)
}

// Close tears down the live session (student leaves the exam page).
// DELETE /exams/:examId/attempt/session
func (h *AttemptHandler) Close(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID := c.Param("examId")

	h.sessions.CloseSession(c.Request.Context(), claims.StudentID, examID)
	response.Success(c, http.StatusOK, gin.H{"closed": true})
}

// failAttemptError maps engine and upstream errors to API error codes.
func (h *AttemptHandler) failAttemptError(c *gin.Context, err error, logMsg string) {
	switch {
	case errors.Is(err, examapi.ErrNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrExamNotFound)
	case errors.Is(err, service.ErrNoSession), errors.Is(err, attempt.ErrNotStarted):
		response.Fail(c, http.StatusNotFound, response.ErrAttemptNotStarted)
	case errors.Is(err, attempt.ErrFinished):
		response.Fail(c, http.StatusConflict, response.ErrAttemptFinished)
	case errors.Is(err, attempt.ErrSubmitInFlight):
		response.Fail(c, http.StatusConflict, response.ErrSubmitInFlight)
	case errors.Is(err, service.ErrAttemptInProgress):
		response.Fail(c, http.StatusConflict, response.ErrAttemptInProgress)
	default:
		h.log.Error().Err(err).Msg(logMsg)
		response.Fail(c, http.StatusBadGateway, response.ErrUpstreamUnreachable)
	}
}
