package attempt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eduport/attempt-gateway/internal/examapi"
	"github.com/eduport/attempt-gateway/internal/identity"
	"github.com/eduport/attempt-gateway/internal/model"
)

var (
	// ErrNotStarted is returned for operations on a controller that has not
	// completed its first load/create.
	ErrNotStarted = errors.New("attempt: session not started")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("attempt: session already started")

	// ErrFinished guards the at-most-one-submission rule: mutations and
	// submits on a terminal attempt are rejected with it.
	ErrFinished = errors.New("attempt: attempt already finalized")

	// ErrSubmitInFlight is returned when a second submit races an ongoing
	// one; the first submission's outcome stands.
	ErrSubmitInFlight = errors.New("attempt: submission already in flight")
)

// StartOptions selects between resuming an existing attempt and creating a
// new one.
type StartOptions struct {
	// AttemptID resumes the given attempt when set; otherwise a new attempt
	// is created for StudentID.
	AttemptID string
	StudentID string
	Device    *model.DeviceInfo
}

// State is a point-in-time snapshot of the session for API responses.
type State struct {
	AttemptID        string               `json:"attempt_id"`
	ExamID           string               `json:"exam_id"`
	Status           model.AttemptStatus  `json:"status"`
	StartedAt        time.Time            `json:"started_at"`
	RemainingSeconds int                  `json:"remaining_seconds"`
	QuestionCount    int                  `json:"question_count"`
	AnsweredCount    int                  `json:"answered_count"`
	Answers          []model.Answer       `json:"answers"`
}

// Controller is the attempt session state machine. It exclusively owns the
// live attempt, buffer, scheduler and timer for the duration of one
// attempt-taking session. All network and validation errors are absorbed or
// surfaced here; the identity and scoring layers stay pure.
type Controller struct {
	mu  sync.Mutex
	api examapi.Client
	log zerolog.Logger

	exam       *model.ExamDefinition
	ids        *identity.Map
	wireExamID string
	debounce   time.Duration

	attempt    model.Attempt
	status     model.AttemptStatus
	buffer     *Buffer
	scheduler  *Scheduler
	timer      *Timer
	submitting bool

	onStatus func(model.AttemptStatus)
}

// NewController builds a controller over an already-reconciled exam
// definition. wireExamID is the exam id in the form the upstream expects on
// request paths.
func NewController(api examapi.Client, wireExamID string, exam *model.ExamDefinition, ids *identity.Map, debounce time.Duration, log zerolog.Logger) *Controller {
	return &Controller{
		api:        api,
		log:        log.With().Str("component", "attempt_controller").Str("exam_id", wireExamID).Logger(),
		exam:       exam,
		ids:        ids,
		wireExamID: wireExamID,
		debounce:   debounce,
		status:     model.StatusInitializing,
		buffer:     NewBuffer(),
	}
}

// OnStatusChange registers an observer for state transitions. Must be set
// before Start.
func (c *Controller) OnStatusChange(fn func(model.AttemptStatus)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

// Start moves INITIALIZING -> IN_PROGRESS by resuming an existing attempt or
// creating a new one. The timer starts from the server-returned startedAt so
// a reload mid-attempt reconstructs the remaining budget.
func (c *Controller) Start(ctx context.Context, opts StartOptions) error {
	c.mu.Lock()
	if c.status != model.StatusInitializing {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.mu.Unlock()

	var (
		raw *examapi.AttemptRaw
		err error
	)
	if opts.AttemptID != "" {
		raw, err = c.api.GetAttempt(ctx, c.wireExamID, opts.AttemptID)
		if err != nil {
			return fmt.Errorf("resume attempt: %w", err)
		}
	} else {
		raw, err = c.api.CreateAttempt(ctx, c.wireExamID, examapi.CreateAttemptRequest{
			StudentID:  opts.StudentID,
			DeviceInfo: opts.Device,
		})
		if err != nil {
			return fmt.Errorf("create attempt: %w", err)
		}
	}

	attempt := c.adoptAttempt(raw)

	c.mu.Lock()
	c.attempt = attempt
	c.status = attempt.Status

	order := make([]string, 0, len(c.exam.Questions))
	for i := range c.exam.Questions {
		order = append(order, c.exam.Questions[i].ID)
	}
	c.buffer.Seed(order, attempt.Answers)

	c.scheduler = NewScheduler(c.buffer, c.persistAnswers, c.debounce, c.log)
	c.timer = NewTimer(
		time.Duration(c.exam.DurationMinutes)*time.Minute,
		attempt.StartedAt,
		c.handleExpiry,
	)
	running := c.status == model.StatusInProgress
	c.mu.Unlock()

	if running {
		c.timer.Start()
	}

	c.log.Info().
		Str("attempt_id", attempt.ID).
		Str("status", string(attempt.Status)).
		Bool("resumed", opts.AttemptID != "").
		Int("answers", len(attempt.Answers)).
		Msg("Attempt session started")
	return nil
}

// adoptAttempt converts an upstream attempt to engine form for this
// session's exam and id mapping.
func (c *Controller) adoptAttempt(raw *examapi.AttemptRaw) model.Attempt {
	return Adopt(c.exam, c.ids, raw)
}

// Adopt converts an upstream attempt to engine form, mapping every stored
// answer's question/option ids (delivered in original form) back to
// canonical. When a question carries no option mappings (stored answers
// predating option ids), the raw ids are treated as already canonical so
// previously-saved selections are not silently dropped.
func Adopt(exam *model.ExamDefinition, ids *identity.Map, raw *examapi.AttemptRaw) model.Attempt {
	attempt := model.Attempt{
		ID:          identity.NormalizeRaw(raw.ID),
		ExamID:      exam.ID,
		StudentID:   raw.StudentID,
		Status:      parseStatus(raw.Status),
		StartedAt:   raw.StartedAt,
		SubmittedAt: raw.SubmittedAt,
		TotalScore:  raw.TotalScore,
		MaxScore:    raw.MaxScore,
		Answers:     make([]model.Answer, 0, len(raw.Answers)),
	}

	for i := range raw.Answers {
		ra := &raw.Answers[i]

		origQID := identity.NormalizeRaw(ra.QuestionID)
		qid, ok := ids.CanonicalQuestionID(origQID)
		if !ok {
			qid = origQID
		}

		answer := model.Answer{
			QuestionID:  qid,
			TextAnswer:  ra.TextAnswer,
			IsCorrect:   ra.IsCorrect,
			ScoreEarned: ra.ScoreEarned,
		}
		for _, rawOpt := range ra.SelectedOptionIDs {
			origOID := identity.NormalizeRaw(rawOpt)
			if origOID == "" {
				continue
			}
			if ids.HasOptionMappings(qid) {
				if canonical, ok := ids.CanonicalOptionID(qid, origOID); ok {
					answer.SelectedOptionIDs = append(answer.SelectedOptionIDs, canonical)
					continue
				}
			}
			answer.SelectedOptionIDs = append(answer.SelectedOptionIDs, origOID)
		}

		attempt.Answers = append(attempt.Answers, answer)
	}

	return attempt
}

// SelectOptions replaces the selected option set for a question and clears
// any text answer, then schedules an autosave.
func (c *Controller) SelectOptions(questionID string, optionIDs []string) error {
	if err := c.guardMutable(); err != nil {
		return err
	}
	c.buffer.SetSelected(questionID, optionIDs)
	c.scheduler.Schedule()
	return nil
}

// SetTextAnswer replaces the fill-in text for a question and clears any
// selected options, then schedules an autosave.
func (c *Controller) SetTextAnswer(questionID, text string) error {
	if err := c.guardMutable(); err != nil {
		return err
	}
	c.buffer.SetText(questionID, text)
	c.scheduler.Schedule()
	return nil
}

func (c *Controller) guardMutable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == model.StatusInitializing {
		return ErrNotStarted
	}
	if c.status.Terminal() {
		return ErrFinished
	}
	return nil
}

// Flush drains any pending autosave synchronously.
func (c *Controller) Flush(ctx context.Context) error {
	c.mu.Lock()
	scheduler := c.scheduler
	c.mu.Unlock()
	if scheduler == nil {
		return ErrNotStarted
	}
	return scheduler.Flush(ctx)
}

// Submit finalizes the attempt. The sequence is fixed: flush the scheduler
// so no edit is lost, call the upstream submit, adopt the terminal status it
// returns, stop the timer. Once the attempt is terminal further submits are
// a guarded no-op (ErrFinished): at most one submission reaches the
// network. An upstream 404 is fatal and non-retriable; any other failure
// leaves the attempt IN_PROGRESS so the caller may retry.
func (c *Controller) Submit(ctx context.Context, force bool) (*model.Attempt, error) {
	c.mu.Lock()
	if c.status == model.StatusInitializing {
		c.mu.Unlock()
		return nil, ErrNotStarted
	}
	if c.status.Terminal() {
		finished := c.attempt
		c.mu.Unlock()
		return &finished, ErrFinished
	}
	if c.submitting {
		c.mu.Unlock()
		return nil, ErrSubmitInFlight
	}
	c.submitting = true
	attemptID := c.attempt.ID
	c.mu.Unlock()

	clearSubmitting := func() {
		c.mu.Lock()
		c.submitting = false
		c.mu.Unlock()
	}

	if err := c.scheduler.Flush(ctx); err != nil {
		clearSubmitting()
		return nil, fmt.Errorf("flush before submit: %w", err)
	}

	raw, err := c.api.SubmitAttempt(ctx, c.wireExamID, attemptID, force)
	if err != nil {
		clearSubmitting()
		if errors.Is(err, examapi.ErrNotFound) {
			c.log.Error().Err(err).Msg("Submit target vanished upstream")
			return nil, fmt.Errorf("submit attempt: %w", err)
		}
		c.log.Warn().Err(err).Msg("Submit failed, attempt stays in progress")
		return nil, fmt.Errorf("submit attempt: %w", err)
	}

	final := c.adoptAttempt(raw)
	if !final.Status.Terminal() {
		// The backend should return a terminal status; degrade gracefully
		// instead of leaving the session mutable after a successful submit.
		if force {
			final.Status = model.StatusAutoSubmitted
		} else {
			final.Status = model.StatusSubmitted
		}
	}

	c.mu.Lock()
	c.attempt = final
	c.status = final.Status
	c.submitting = false
	notify := c.onStatus
	c.mu.Unlock()

	c.timer.Stop()
	c.scheduler.Stop()

	if notify != nil {
		notify(final.Status)
	}

	c.log.Info().
		Str("attempt_id", final.ID).
		Str("status", string(final.Status)).
		Bool("forced", force).
		Msg("Attempt submitted")
	return &final, nil
}

// handleExpiry runs on the timer goroutine when the countdown reaches zero.
// A race with an explicit user submit resolves at the terminal-status guard:
// whichever side wins submits once, the loser gets ErrFinished.
func (c *Controller) handleExpiry() {
	c.log.Info().Msg("Attempt time expired, force-submitting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := c.Submit(ctx, true); err != nil {
		if errors.Is(err, ErrFinished) || errors.Is(err, ErrSubmitInFlight) {
			return
		}
		c.log.Error().Err(err).Msg("Auto-submit on expiry failed")
	}
}

// Close tears the session down: the timer is cancelled so no callback fires
// after the session object is discarded, and any pending edits get a
// best-effort flush.
func (c *Controller) Close(ctx context.Context) {
	c.mu.Lock()
	timer := c.timer
	scheduler := c.scheduler
	inProgress := c.status == model.StatusInProgress
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if scheduler != nil {
		if inProgress {
			if err := scheduler.Flush(ctx); err != nil {
				c.log.Warn().Err(err).Msg("Flush on close failed")
			}
		}
		scheduler.Stop()
	}
}

// Status returns the current lifecycle state.
func (c *Controller) Status() model.AttemptStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// RemainingSeconds returns the timer's remaining budget, 0 when the session
// has not started or is finished.
func (c *Controller) RemainingSeconds() int {
	c.mu.Lock()
	timer := c.timer
	terminal := c.status.Terminal()
	c.mu.Unlock()
	if timer == nil || terminal {
		return 0
	}
	return timer.RemainingSeconds()
}

// Attempt returns a copy of the last server-acknowledged attempt record.
func (c *Controller) Attempt() model.Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Exam returns the reconciled exam definition for this session.
func (c *Controller) Exam() *model.ExamDefinition {
	return c.exam
}

// IdentityMap returns the session's id mapping table.
func (c *Controller) IdentityMap() *identity.Map {
	return c.ids
}

// State builds a snapshot for API responses.
func (c *Controller) State() State {
	c.mu.Lock()
	attempt := c.attempt
	status := c.status
	c.mu.Unlock()

	return State{
		AttemptID:        attempt.ID,
		ExamID:           c.exam.ID,
		Status:           status,
		StartedAt:        attempt.StartedAt,
		RemainingSeconds: c.RemainingSeconds(),
		QuestionCount:    len(c.exam.Questions),
		AnsweredCount:    c.buffer.AnsweredCount(),
		Answers:          c.buffer.Snapshot(),
	}
}

// persistAnswers is the scheduler's persistence hook: map every buffered
// answer back to original ids and PATCH them upstream. The server never
// sees canonical ids.
func (c *Controller) persistAnswers(ctx context.Context, answers []model.Answer) error {
	c.mu.Lock()
	attemptID := c.attempt.ID
	c.mu.Unlock()

	payload := buildBackendAnswers(c.ids, answers)
	if _, err := c.api.SaveAnswers(ctx, c.wireExamID, attemptID, payload); err != nil {
		return fmt.Errorf("save answers: %w", err)
	}
	return nil
}

// buildBackendAnswers translates canonical ids back to the backend's
// original form via the identity map.
func buildBackendAnswers(ids *identity.Map, answers []model.Answer) []examapi.AnswerPayload {
	out := make([]examapi.AnswerPayload, 0, len(answers))
	for _, a := range answers {
		payload := examapi.AnswerPayload{
			QuestionID: ids.OriginalQuestionID(a.QuestionID),
			TextAnswer: a.TextAnswer,
		}
		for _, oid := range a.SelectedOptionIDs {
			payload.SelectedOptionIDs = append(payload.SelectedOptionIDs, ids.OriginalOptionID(a.QuestionID, oid))
		}
		out = append(out, payload)
	}
	return out
}

// parseStatus maps an upstream status string to engine form, defaulting to
// IN_PROGRESS for anything unrecognized.
func parseStatus(s string) model.AttemptStatus {
	switch model.AttemptStatus(s) {
	case model.StatusInProgress, model.StatusSubmitted, model.StatusAutoSubmitted, model.StatusGraded:
		return model.AttemptStatus(s)
	}
	return model.StatusInProgress
}
