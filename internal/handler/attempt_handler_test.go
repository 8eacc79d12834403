package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/eduport/attempt-gateway/internal/examapi"
	"github.com/eduport/attempt-gateway/internal/middleware"
	"github.com/eduport/attempt-gateway/internal/service"
	"github.com/eduport/attempt-gateway/internal/validator"
)

// fakeBackend is an in-memory exam API for handler tests.
type fakeBackend struct {
	mu sync.Mutex

	examErr  error
	attempts map[string]*examapi.AttemptRaw
	nextID   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{attempts: make(map[string]*examapi.AttemptRaw)}
}

func (f *fakeBackend) GetExam(ctx context.Context, examID string) (*examapi.ExamRaw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.examErr != nil {
		return nil, f.examErr
	}
	return &examapi.ExamRaw{
		ID:              json.RawMessage(`"` + examID + `"`),
		Title:           "Handler exam",
		DurationMinutes: 45,
		PassingScore:    5,
		Questions: []examapi.QuestionRaw{
			{
				ID:     json.RawMessage(`"q1"`),
				Type:   "SINGLE",
				Points: 10,
				Options: []examapi.OptionRaw{
					{ID: json.RawMessage(`"o1"`), Text: "a"},
					{ID: json.RawMessage(`"o2"`), Text: "b"},
				},
				CorrectOptionIDs: []json.RawMessage{json.RawMessage(`"o2"`)},
			},
		},
	}, nil
}

func (f *fakeBackend) CreateAttempt(ctx context.Context, examID string, req examapi.CreateAttemptRequest) (*examapi.AttemptRaw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("att-%d", f.nextID)
	raw := &examapi.AttemptRaw{
		ID:        json.RawMessage(`"` + id + `"`),
		StudentID: req.StudentID,
		Status:    "IN_PROGRESS",
		StartedAt: time.Now(),
	}
	f.attempts[id] = raw
	out := *raw
	return &out, nil
}

func (f *fakeBackend) GetAttempt(ctx context.Context, examID, attemptID string) (*examapi.AttemptRaw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.attempts[attemptID]
	if !ok {
		return nil, examapi.ErrNotFound
	}
	out := *raw
	return &out, nil
}

func (f *fakeBackend) SaveAnswers(ctx context.Context, examID, attemptID string, answers []examapi.AnswerPayload) (*examapi.AttemptRaw, error) {
	return f.GetAttempt(ctx, examID, attemptID)
}

func (f *fakeBackend) SubmitAttempt(ctx context.Context, examID, attemptID string, forceSubmit bool) (*examapi.AttemptRaw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.attempts[attemptID]
	if !ok {
		return nil, examapi.ErrNotFound
	}
	raw.Status = "SUBMITTED"
	score := 10.0
	raw.TotalScore = &score
	out := *raw
	return &out, nil
}

// testClaims injects authenticated student claims, standing in for the JWT
// middleware.
func testClaims(studentID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextKeyClaims, &service.Claims{
			TokenType: service.TokenTypeStudent,
			StudentID: studentID,
		})
		c.Next()
	}
}

func newTestRig(t *testing.T, api examapi.Client) (*gin.Engine, *service.SessionService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	validator.Setup()

	sessions := service.NewSessionService(api, nil, 20*time.Millisecond, time.Minute, zerolog.Nop())
	t.Cleanup(func() { sessions.CloseAll(context.Background()) })

	h := NewAttemptHandler(sessions, zerolog.Nop())
	engine := gin.New()
	exams := engine.Group("/api/v1/student/exams/:examId", testClaims("s1"))
	{
		exams.GET("/paper", h.Paper)
		exams.POST("/attempt", h.Start)
		exams.GET("/attempt", h.State)
		exams.PUT("/attempt/answers", h.Answer)
		exams.POST("/attempt/flush", h.Flush)
		exams.POST("/attempt/submit", h.Submit)
		exams.GET("/attempt/review", h.Review)
		exams.DELETE("/attempt/session", h.Close)
	}
	return engine, sessions
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope (%d): %v: %s", rec.Code, err, rec.Body.String())
	}
	return rec.Code, env
}

func TestStartAndStateEndpoints(t *testing.T) {
	engine, _ := newTestRig(t, newFakeBackend())

	code, env := doJSON(t, engine, http.MethodPost, "/api/v1/student/exams/e1/attempt", nil)
	if code != http.StatusOK || env.Error != nil {
		t.Fatalf("start: code=%d err=%+v", code, env.Error)
	}
	var started struct {
		AttemptID        string `json:"attempt_id"`
		Status           string `json:"status"`
		RemainingSeconds int    `json:"remaining_seconds"`
	}
	json.Unmarshal(env.Data, &started)
	if started.AttemptID == "" || started.Status != "IN_PROGRESS" || started.RemainingSeconds <= 0 {
		t.Errorf("start state = %+v", started)
	}

	code, env = doJSON(t, engine, http.MethodGet, "/api/v1/student/exams/e1/attempt", nil)
	if code != http.StatusOK {
		t.Fatalf("state: code=%d", code)
	}
	var state struct {
		AttemptID string `json:"attempt_id"`
	}
	json.Unmarshal(env.Data, &state)
	if state.AttemptID != started.AttemptID {
		t.Errorf("state attempt = %q, want %q", state.AttemptID, started.AttemptID)
	}
}

func TestAnswerEndpointValidation(t *testing.T) {
	engine, _ := newTestRig(t, newFakeBackend())
	doJSON(t, engine, http.MethodPost, "/api/v1/student/exams/e1/attempt", nil)

	code, env := doJSON(t, engine, http.MethodPut, "/api/v1/student/exams/e1/attempt/answers",
		map[string]interface{}{"selected_option_ids": []string{"o1"}})
	if code != http.StatusBadRequest || env.Error == nil || env.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("missing question_id: code=%d err=%+v", code, env.Error)
	}
}

func TestAnswerFlushSubmitFlow(t *testing.T) {
	engine, _ := newTestRig(t, newFakeBackend())
	doJSON(t, engine, http.MethodPost, "/api/v1/student/exams/e1/attempt", nil)

	code, env := doJSON(t, engine, http.MethodPut, "/api/v1/student/exams/e1/attempt/answers",
		map[string]interface{}{"question_id": "q1", "selected_option_ids": []string{"o2"}})
	if code != http.StatusOK || env.Error != nil {
		t.Fatalf("answer: code=%d err=%+v", code, env.Error)
	}

	code, _ = doJSON(t, engine, http.MethodPost, "/api/v1/student/exams/e1/attempt/flush", nil)
	if code != http.StatusOK {
		t.Fatalf("flush: code=%d", code)
	}

	code, env = doJSON(t, engine, http.MethodPost, "/api/v1/student/exams/e1/attempt/submit", nil)
	if code != http.StatusOK || env.Error != nil {
		t.Fatalf("submit: code=%d err=%+v", code, env.Error)
	}
	var final struct {
		Status string `json:"status"`
	}
	json.Unmarshal(env.Data, &final)
	if final.Status != "SUBMITTED" {
		t.Errorf("final status = %q", final.Status)
	}

	// The session was evicted on submit; further edits find no session.
	code, env = doJSON(t, engine, http.MethodPut, "/api/v1/student/exams/e1/attempt/answers",
		map[string]interface{}{"question_id": "q1", "selected_option_ids": []string{"o1"}})
	if code != http.StatusNotFound || env.Error == nil || env.Error.Code != "ATTEMPT_NOT_STARTED" {
		t.Errorf("edit after submit: code=%d err=%+v", code, env.Error)
	}
}

func TestSubmitOfFinishedAttemptReturnsRecordedResult(t *testing.T) {
	// An attempt the timer already force-submitted stays in the session map.
	// A client pressing submit afterwards must converge on the recorded
	// result, not receive an error.
	engine, sessions := newTestRig(t, newFakeBackend())
	doJSON(t, engine, http.MethodPost, "/api/v1/student/exams/e1/attempt", nil)

	ctrl, err := sessions.Session("s1", "e1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if _, err := ctrl.Submit(context.Background(), true); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	code, env := doJSON(t, engine, http.MethodPost, "/api/v1/student/exams/e1/attempt/submit", nil)
	if code != http.StatusOK || env.Error != nil {
		t.Fatalf("duplicate submit: code=%d err=%+v", code, env.Error)
	}
	var final struct {
		Status     string   `json:"status"`
		TotalScore *float64 `json:"total_score"`
	}
	json.Unmarshal(env.Data, &final)
	if final.Status != "SUBMITTED" {
		t.Errorf("status = %q", final.Status)
	}
	if final.TotalScore == nil || *final.TotalScore != 10 {
		t.Errorf("total score = %v, want recorded 10", final.TotalScore)
	}
}

func TestReviewWhileInProgressConflicts(t *testing.T) {
	engine, _ := newTestRig(t, newFakeBackend())
	doJSON(t, engine, http.MethodPost, "/api/v1/student/exams/e1/attempt", nil)

	code, env := doJSON(t, engine, http.MethodGet, "/api/v1/student/exams/e1/attempt/review", nil)
	if code != http.StatusConflict || env.Error == nil || env.Error.Code != "ATTEMPT_IN_PROGRESS" {
		t.Errorf("review in progress: code=%d err=%+v", code, env.Error)
	}
}

func TestStartUpstreamNotFoundMapsTo404(t *testing.T) {
	api := newFakeBackend()
	api.examErr = examapi.ErrNotFound
	engine, _ := newTestRig(t, api)

	code, env := doJSON(t, engine, http.MethodPost, "/api/v1/student/exams/gone/attempt", nil)
	if code != http.StatusNotFound || env.Error == nil || env.Error.Code != "EXAM_NOT_FOUND" {
		t.Errorf("code=%d err=%+v", code, env.Error)
	}
}

func TestStartUpstreamFailureMapsTo502(t *testing.T) {
	api := newFakeBackend()
	api.examErr = errors.New("connection refused")
	engine, _ := newTestRig(t, api)

	code, env := doJSON(t, engine, http.MethodPost, "/api/v1/student/exams/e1/attempt", nil)
	if code != http.StatusBadGateway || env.Error == nil || env.Error.Code != "UPSTREAM_UNREACHABLE" {
		t.Errorf("code=%d err=%+v", code, env.Error)
	}
}

func TestPaperPayloadHidesAnswerKey(t *testing.T) {
	engine, _ := newTestRig(t, newFakeBackend())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/student/exams/e1/paper", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("paper: code=%d", rec.Code)
	}
	body := rec.Body.String()
	for _, leaked := range []string{"correct_option_ids", "text_answers", "CorrectOptionIDs"} {
		if strings.Contains(body, leaked) {
			t.Errorf("paper payload leaks %q", leaked)
		}
	}
}

func TestOperationsWithoutSessionMapTo404(t *testing.T) {
	engine, _ := newTestRig(t, newFakeBackend())

	code, env := doJSON(t, engine, http.MethodGet, "/api/v1/student/exams/e1/attempt", nil)
	if code != http.StatusNotFound || env.Error == nil || env.Error.Code != "ATTEMPT_NOT_STARTED" {
		t.Errorf("state: code=%d err=%+v", code, env.Error)
	}

	code, env = doJSON(t, engine, http.MethodPost, "/api/v1/student/exams/e1/attempt/submit", nil)
	if code != http.StatusNotFound || env.Error == nil || env.Error.Code != "ATTEMPT_NOT_STARTED" {
		t.Errorf("submit: code=%d err=%+v", code, env.Error)
	}
}
