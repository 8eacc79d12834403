package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eduport/attempt-gateway/internal/attempt"
	"github.com/eduport/attempt-gateway/internal/config"
	"github.com/eduport/attempt-gateway/internal/examapi"
	"github.com/eduport/attempt-gateway/internal/identity"
	"github.com/eduport/attempt-gateway/internal/model"
	"github.com/eduport/attempt-gateway/internal/scoring"
)

var (
	// ErrNoSession is returned when no live attempt session exists for the
	// student/exam pair.
	ErrNoSession = errors.New("service: no active attempt session")

	// ErrAttemptInProgress rejects a review request for an attempt that has
	// not been finalized yet.
	ErrAttemptInProgress = errors.New("service: attempt still in progress")
)

const (
	definitionFetchAttempts = 3
	definitionFetchBackoff  = 500 * time.Millisecond
)

// SessionService owns the live attempt controllers, one per student/exam
// pair, and the read-through Redis cache of upstream exam definitions. It
// is the only layer that creates and discards controllers; handlers go
// through it for every operation.
type SessionService struct {
	mu       sync.Mutex
	sessions map[string]*attempt.Controller

	api      examapi.Client
	rdb      *redis.Client // nil disables caching and attempt-id memory
	debounce time.Duration
	cacheTTL time.Duration
	log      zerolog.Logger
}

// NewSessionService creates a SessionService. rdb may be nil; the service
// then always fetches definitions from upstream and loses resume hints
// across restarts.
func NewSessionService(api examapi.Client, rdb *redis.Client, debounce, cacheTTL time.Duration, log zerolog.Logger) *SessionService {
	return &SessionService{
		sessions: make(map[string]*attempt.Controller),
		api:      api,
		rdb:      rdb,
		debounce: debounce,
		cacheTTL: cacheTTL,
		log:      log.With().Str("component", "session_service").Logger(),
	}
}

func sessionKey(studentID, examID string) string {
	return studentID + "|" + examID
}

// StartAttempt creates or resumes an attempt session. An existing live
// session for the pair is reused (idempotent join: a second device or an
// immediate refresh must not spawn a second attempt). Without an explicit
// attemptID the previously-remembered attempt id is tried so a reload
// resumes instead of re-creating.
func (s *SessionService) StartAttempt(ctx context.Context, studentID, examID, attemptID string, device *model.DeviceInfo) (attempt.State, error) {
	key := sessionKey(studentID, examID)

	s.mu.Lock()
	if ctrl, ok := s.sessions[key]; ok {
		s.mu.Unlock()
		return ctrl.State(), nil
	}
	s.mu.Unlock()

	raw, err := s.loadDefinition(ctx, examID)
	if err != nil {
		return attempt.State{}, fmt.Errorf("load exam definition: %w", err)
	}
	exam, ids := identity.Reconcile(raw)

	if attemptID == "" {
		attemptID = s.rememberedAttemptID(ctx, studentID, examID)
	}

	ctrl := attempt.NewController(s.api, examID, exam, ids, s.debounce, s.log)
	if err := ctrl.Start(ctx, attempt.StartOptions{
		AttemptID: attemptID,
		StudentID: studentID,
		Device:    device,
	}); err != nil {
		return attempt.State{}, err
	}

	s.mu.Lock()
	if existing, ok := s.sessions[key]; ok {
		// Lost a concurrent start race; keep the winner.
		s.mu.Unlock()
		ctrl.Close(ctx)
		return existing.State(), nil
	}
	s.sessions[key] = ctrl
	s.mu.Unlock()

	s.rememberAttemptID(ctx, studentID, examID, ctrl.Attempt().ID)
	return ctrl.State(), nil
}

// Session returns the live controller for a student/exam pair.
func (s *SessionService) Session(studentID, examID string) (*attempt.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctrl, ok := s.sessions[sessionKey(studentID, examID)]
	if !ok {
		return nil, ErrNoSession
	}
	return ctrl, nil
}

// SelectOptions records a choice answer on the live session.
func (s *SessionService) SelectOptions(studentID, examID, questionID string, optionIDs []string) error {
	ctrl, err := s.Session(studentID, examID)
	if err != nil {
		return err
	}
	return ctrl.SelectOptions(questionID, optionIDs)
}

// SetTextAnswer records a fill-in answer on the live session.
func (s *SessionService) SetTextAnswer(studentID, examID, questionID, text string) error {
	ctrl, err := s.Session(studentID, examID)
	if err != nil {
		return err
	}
	return ctrl.SetTextAnswer(questionID, text)
}

// Flush drains pending autosaves for the live session.
func (s *SessionService) Flush(ctx context.Context, studentID, examID string) error {
	ctrl, err := s.Session(studentID, examID)
	if err != nil {
		return err
	}
	return ctrl.Flush(ctx)
}

// Submit finalizes the live session's attempt and evicts the session so a
// finished attempt cannot be mutated through a stale handle.
func (s *SessionService) Submit(ctx context.Context, studentID, examID string, force bool) (*model.Attempt, error) {
	ctrl, err := s.Session(studentID, examID)
	if err != nil {
		return nil, err
	}

	final, err := ctrl.Submit(ctx, force)
	if err != nil {
		return final, err
	}

	s.evict(studentID, examID)
	return final, nil
}

// State returns the live session snapshot.
func (s *SessionService) State(studentID, examID string) (attempt.State, error) {
	ctrl, err := s.Session(studentID, examID)
	if err != nil {
		return attempt.State{}, err
	}
	return ctrl.State(), nil
}

// Paper returns the canonical exam definition for rendering. Answer keys
// never serialize (they are json-hidden on the model), so the payload is
// safe for students.
func (s *SessionService) Paper(ctx context.Context, studentID, examID string) (*model.ExamDefinition, error) {
	if ctrl, err := s.Session(studentID, examID); err == nil {
		return ctrl.Exam(), nil
	}

	raw, err := s.loadDefinition(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("load exam definition: %w", err)
	}
	exam, _ := identity.Reconcile(raw)
	return exam, nil
}

// Review reconciles a finalized attempt into its per-question result view.
// It prefers the live session's server-acknowledged attempt; otherwise the
// remembered attempt id is re-fetched from upstream.
func (s *SessionService) Review(ctx context.Context, studentID, examID string) (model.Review, error) {
	if ctrl, err := s.Session(studentID, examID); err == nil {
		final := ctrl.Attempt()
		if !final.Status.Terminal() {
			return model.Review{}, ErrAttemptInProgress
		}
		return scoring.Reconcile(ctrl.Exam(), ctrl.IdentityMap(), &final), nil
	}

	attemptID := s.rememberedAttemptID(ctx, studentID, examID)
	if attemptID == "" {
		return model.Review{}, ErrNoSession
	}

	raw, err := s.loadDefinition(ctx, examID)
	if err != nil {
		return model.Review{}, fmt.Errorf("load exam definition: %w", err)
	}
	exam, ids := identity.Reconcile(raw)

	rawAttempt, err := s.api.GetAttempt(ctx, examID, attemptID)
	if err != nil {
		return model.Review{}, fmt.Errorf("fetch attempt: %w", err)
	}

	final := attempt.Adopt(exam, ids, rawAttempt)
	if !final.Status.Terminal() {
		return model.Review{}, ErrAttemptInProgress
	}
	return scoring.Reconcile(exam, ids, &final), nil
}

// CloseSession tears down the live session for a student leaving the exam:
// timer cancelled, pending edits flushed best-effort.
func (s *SessionService) CloseSession(ctx context.Context, studentID, examID string) {
	s.mu.Lock()
	ctrl, ok := s.sessions[sessionKey(studentID, examID)]
	if ok {
		delete(s.sessions, sessionKey(studentID, examID))
	}
	s.mu.Unlock()

	if ok {
		ctrl.Close(ctx)
	}
}

// CloseAll drains every live session; called on shutdown.
func (s *SessionService) CloseAll(ctx context.Context) {
	s.mu.Lock()
	ctrls := make([]*attempt.Controller, 0, len(s.sessions))
	for _, ctrl := range s.sessions {
		ctrls = append(ctrls, ctrl)
	}
	s.sessions = make(map[string]*attempt.Controller)
	s.mu.Unlock()

	for _, ctrl := range ctrls {
		ctrl.Close(ctx)
	}
	if len(ctrls) > 0 {
		s.log.Info().Int("count", len(ctrls)).Msg("Drained live attempt sessions")
	}
}

func (s *SessionService) evict(studentID, examID string) {
	s.mu.Lock()
	delete(s.sessions, sessionKey(studentID, examID))
	s.mu.Unlock()
}

// loadDefinition fetches the raw exam definition through the Redis
// read-through cache. The upstream fetch uses a bounded number of backoff
// attempts; not-found is returned immediately since retrying cannot help.
func (s *SessionService) loadDefinition(ctx context.Context, examID string) (*examapi.ExamRaw, error) {
	cacheKey := config.CacheKey.ExamDefinitionKey(examID)

	if s.rdb != nil {
		if cached, err := s.rdb.Get(ctx, cacheKey).Bytes(); err == nil {
			var raw examapi.ExamRaw
			if err := json.Unmarshal(cached, &raw); err == nil {
				return &raw, nil
			}
			// Corrupt cache entry; fall through to upstream.
			s.rdb.Del(ctx, cacheKey)
		}
	}

	var (
		raw *examapi.ExamRaw
		err error
	)
	backoff := definitionFetchBackoff
	for i := 0; i < definitionFetchAttempts; i++ {
		raw, err = s.api.GetExam(ctx, examID)
		if err == nil {
			break
		}
		if errors.Is(err, examapi.ErrNotFound) || ctx.Err() != nil {
			return nil, err
		}
		s.log.Warn().Err(err).Int("try", i+1).Str("exam_id", examID).Msg("Exam fetch failed")
		if i < definitionFetchAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	if err != nil {
		return nil, err
	}

	if s.rdb != nil {
		if encoded, merr := json.Marshal(raw); merr == nil {
			if cerr := s.rdb.Set(ctx, cacheKey, encoded, s.cacheTTL).Err(); cerr != nil {
				s.log.Warn().Err(cerr).Msg("Failed to cache exam definition")
			}
		}
	}
	return raw, nil
}

func (s *SessionService) rememberedAttemptID(ctx context.Context, studentID, examID string) string {
	if s.rdb == nil {
		return ""
	}
	id, err := s.rdb.Get(ctx, config.CacheKey.StudentAttemptKey(examID, studentID)).Result()
	if err != nil {
		return ""
	}
	return id
}

func (s *SessionService) rememberAttemptID(ctx context.Context, studentID, examID, attemptID string) {
	if s.rdb == nil || attemptID == "" {
		return
	}
	key := config.CacheKey.StudentAttemptKey(examID, studentID)
	if err := s.rdb.Set(ctx, key, attemptID, 0).Err(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to remember attempt id")
	}
}
