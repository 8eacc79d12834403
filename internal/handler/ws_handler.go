package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eduport/attempt-gateway/internal/attempt"
	"github.com/eduport/attempt-gateway/internal/middleware"
	"github.com/eduport/attempt-gateway/internal/model"
	"github.com/eduport/attempt-gateway/internal/service"
	"github.com/eduport/attempt-gateway/internal/websocket"
)

// WSHandler streams the attempt clock to the client and accepts answer and
// submit actions over the same connection, so a proctored exam page needs a
// single socket.
type WSHandler struct {
	sessions *service.SessionService
	upgrader gorillaws.Upgrader
	log      zerolog.Logger
}

func NewWSHandler(sessions *service.SessionService, allowedOrigins []string, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		sessions: sessions,
		upgrader: buildUpgrader(allowedOrigins),
		log:      log.With().Str("component", "ws_handler").Logger(),
	}
}

func buildUpgrader(allowedOrigins []string) gorillaws.Upgrader {
	return gorillaws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true // Non-browser clients, or allow-all (dev default)
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
}

// Attempt handles GET /ws/v1/exams/:examId/attempt?token=...
// It requires a live session; the page must call the REST start endpoint
// before opening the socket.
func (h *WSHandler) Attempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID := c.Param("examId")

	ctrl, err := h.sessions.Session(claims.StudentID, examID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active attempt session"})
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := websocket.NewStreamConn(raw)
	defer conn.Close()

	log := h.log.With().
		Str("student_id", claims.StudentID).
		Str("exam_id", examID).
		Logger()
	log.Info().Msg("Attempt clock stream opened")

	done := make(chan struct{})
	go h.readLoop(c, conn, claims.StudentID, examID, done, log)
	h.tickLoop(conn, ctrl, done, log)

	log.Info().Msg("Attempt clock stream closed")
}

// tickLoop pushes the remaining time once per second until the attempt turns
// terminal or the client goes away.
func (h *WSHandler) tickLoop(conn *websocket.StreamConn, ctrl *attempt.Controller, done <-chan struct{}, log zerolog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			status := ctrl.Status()
			if status.Terminal() {
				final := ctrl.Attempt()
				conn.WriteTyped(websocket.SubmittedEvent{
					Event:      websocket.EventSubmitted,
					Status:     string(status),
					TotalScore: final.TotalScore,
				})
				return
			}
			if err := conn.WriteTyped(websocket.TickEvent{
				Event:            websocket.EventTick,
				RemainingSeconds: ctrl.RemainingSeconds(),
			}); err != nil {
				log.Debug().Err(err).Msg("Tick write failed, dropping stream")
				return
			}
		}
	}
}

// readLoop consumes client actions until the connection errors out.
func (h *WSHandler) readLoop(c *gin.Context, conn *websocket.StreamConn, studentID, examID string, done chan<- struct{}, log zerolog.Logger) {
	defer close(done)

	for {
		var req websocket.RequestPayload
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		switch req.Action {
		case websocket.ActionPing:
			conn.WriteTyped(websocket.PongResponse{Event: websocket.EventPong})

		case websocket.ActionAnswer:
			h.handleAnswer(conn, studentID, examID, &req)

		case websocket.ActionSubmit:
			final, err := h.sessions.Submit(c.Request.Context(), studentID, examID, false)
			if err != nil && !errors.Is(err, attempt.ErrFinished) {
				conn.WriteError(err.Error())
				continue
			}
			status := model.StatusSubmitted
			var score *float64
			if final != nil {
				status = final.Status
				score = final.TotalScore
			}
			conn.WriteTyped(websocket.SubmittedEvent{
				Event:      websocket.EventSubmitted,
				Status:     string(status),
				TotalScore: score,
			})

		default:
			conn.WriteError("unknown action")
		}
	}
}

func (h *WSHandler) handleAnswer(conn *websocket.StreamConn, studentID, examID string, req *websocket.RequestPayload) {
	if req.QuestionID == "" {
		conn.WriteError("question_id is required")
		return
	}

	var err error
	if req.TextAnswer != nil {
		err = h.sessions.SetTextAnswer(studentID, examID, req.QuestionID, *req.TextAnswer)
	} else {
		err = h.sessions.SelectOptions(studentID, examID, req.QuestionID, req.SelectedOptionIDs)
	}
	if err != nil {
		conn.WriteError(err.Error())
		return
	}

	state, err := h.sessions.State(studentID, examID)
	answered := false
	if err == nil {
		for _, a := range state.Answers {
			if a.QuestionID == req.QuestionID {
				answered = len(a.SelectedOptionIDs) > 0 || a.TextAnswer != ""
				break
			}
		}
	}
	conn.WriteTyped(websocket.SavedEvent{
		Event:      websocket.EventSaved,
		QuestionID: req.QuestionID,
		Answered:   answered,
	})
}
