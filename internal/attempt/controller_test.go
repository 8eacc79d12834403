package attempt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eduport/attempt-gateway/internal/examapi"
	"github.com/eduport/attempt-gateway/internal/identity"
	"github.com/eduport/attempt-gateway/internal/model"
)

// fakeExamAPI is an in-memory stand-in for the upstream exam API.
type fakeExamAPI struct {
	mu sync.Mutex

	attempt      *examapi.AttemptRaw
	submitStatus string
	submitErr    error
	saveErr      error

	createCalls int
	getCalls    int
	saveCalls   int
	submitCalls int
	savedBodies [][]examapi.AnswerPayload
}

func (f *fakeExamAPI) GetExam(ctx context.Context, examID string) (*examapi.ExamRaw, error) {
	return nil, errors.New("not used in controller tests")
}

func (f *fakeExamAPI) CreateAttempt(ctx context.Context, examID string, req examapi.CreateAttemptRequest) (*examapi.AttemptRaw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.attempt = &examapi.AttemptRaw{
		ID:        json.RawMessage(`"att-1"`),
		StudentID: req.StudentID,
		Status:    "IN_PROGRESS",
		StartedAt: time.Now(),
	}
	out := *f.attempt
	return &out, nil
}

func (f *fakeExamAPI) GetAttempt(ctx context.Context, examID, attemptID string) (*examapi.AttemptRaw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.attempt == nil {
		return nil, examapi.ErrNotFound
	}
	out := *f.attempt
	return &out, nil
}

func (f *fakeExamAPI) SaveAnswers(ctx context.Context, examID, attemptID string, answers []examapi.AnswerPayload) (*examapi.AttemptRaw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	f.savedBodies = append(f.savedBodies, answers)
	out := *f.attempt
	return &out, nil
}

func (f *fakeExamAPI) SubmitAttempt(ctx context.Context, examID, attemptID string, forceSubmit bool) (*examapi.AttemptRaw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	status := f.submitStatus
	if status == "" {
		status = "SUBMITTED"
	}
	out := *f.attempt
	out.Status = status
	score := 10.0
	out.TotalScore = &score
	return &out, nil
}

func (f *fakeExamAPI) counts() (create, get, save, submit int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, f.getCalls, f.saveCalls, f.submitCalls
}

func testExam() (*model.ExamDefinition, *identity.Map) {
	raw := &examapi.ExamRaw{
		ID:              json.RawMessage(`"exam-1"`),
		Title:           "Unit exam",
		DurationMinutes: 30,
		PassingScore:    5,
		Questions: []examapi.QuestionRaw{
			{
				ID:     json.RawMessage(`{"$oid":"aaa111"}`),
				Type:   "SINGLE",
				Points: 10,
				Options: []examapi.OptionRaw{
					{ID: json.RawMessage(`{"$oid":"bbb222"}`), Text: "yes"},
					{ID: json.RawMessage(`{"$oid":"ccc333"}`), Text: "no"},
				},
				CorrectOptionIDs: []json.RawMessage{json.RawMessage(`{"$oid":"bbb222"}`)},
			},
			{
				ID:          json.RawMessage(`"q-free"`),
				Type:        "FILL_IN",
				Points:      5,
				TextAnswers: []string{"four"},
			},
		},
	}
	return identity.Reconcile(raw)
}

func newTestController(api examapi.Client) *Controller {
	exam, ids := testExam()
	return NewController(api, "exam-1", exam, ids, 30*time.Millisecond, zerolog.Nop())
}

func startController(t *testing.T, api examapi.Client) *Controller {
	t.Helper()
	exam, ids := testExam()
	c := NewController(api, "exam-1", exam, ids, 30*time.Millisecond, zerolog.Nop())
	if err := c.Start(context.Background(), StartOptions{StudentID: "student-7"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func TestControllerStartCreatesAttempt(t *testing.T) {
	api := &fakeExamAPI{}
	c := startController(t, api)

	if c.Status() != model.StatusInProgress {
		t.Errorf("status = %s", c.Status())
	}
	create, get, _, _ := api.counts()
	if create != 1 || get != 0 {
		t.Errorf("create=%d get=%d, want create path", create, get)
	}

	state := c.State()
	if state.AttemptID != "att-1" || state.QuestionCount != 2 || state.AnsweredCount != 0 {
		t.Errorf("state = %+v", state)
	}
	if state.RemainingSeconds <= 0 || state.RemainingSeconds > 30*60 {
		t.Errorf("remaining = %d", state.RemainingSeconds)
	}
}

func TestControllerStartTwice(t *testing.T) {
	api := &fakeExamAPI{}
	c := startController(t, api)

	if err := c.Start(context.Background(), StartOptions{StudentID: "student-7"}); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestControllerResumeMapsStoredAnswers(t *testing.T) {
	started := time.Now().Add(-5 * time.Minute)
	api := &fakeExamAPI{
		attempt: &examapi.AttemptRaw{
			ID:        json.RawMessage(`"att-9"`),
			StudentID: "student-7",
			Status:    "IN_PROGRESS",
			StartedAt: started,
			Answers: []examapi.AnswerRaw{
				{
					QuestionID:        json.RawMessage(`{"$oid":"aaa111"}`),
					SelectedOptionIDs: []json.RawMessage{json.RawMessage(`{"$oid":"ccc333"}`)},
				},
			},
		},
	}

	exam, ids := testExam()
	c := NewController(api, "exam-1", exam, ids, 30*time.Millisecond, zerolog.Nop())
	if err := c.Start(context.Background(), StartOptions{AttemptID: "att-9"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close(context.Background())

	create, get, _, _ := api.counts()
	if create != 0 || get != 1 {
		t.Errorf("create=%d get=%d, want resume path", create, get)
	}

	// Stored ids arrive in original form and must come back canonical.
	state := c.State()
	if state.AnsweredCount != 1 {
		t.Fatalf("answered = %d", state.AnsweredCount)
	}
	var found *model.Answer
	for i := range state.Answers {
		if state.Answers[i].QuestionID == "aaa111" {
			found = &state.Answers[i]
		}
	}
	if found == nil {
		t.Fatalf("restored answer not keyed canonically: %+v", state.Answers)
	}
	if !reflect.DeepEqual(found.SelectedOptionIDs, []string{"ccc333"}) {
		t.Errorf("selected = %v", found.SelectedOptionIDs)
	}

	// Remaining budget is reconstructed from startedAt, not reset.
	if rem := c.RemainingSeconds(); rem < 24*60 || rem > 25*60 {
		t.Errorf("remaining = %ds, want about 25 minutes", rem)
	}
}

func TestAdoptLegacyAnswersWithoutOptionMappings(t *testing.T) {
	// Options reconciled without ids produce no reverse mapping; stored raw
	// option ids are then taken as already canonical.
	raw := &examapi.ExamRaw{
		ID: json.RawMessage(`"exam-legacy"`),
		Questions: []examapi.QuestionRaw{
			{
				ID:   json.RawMessage(`"q1"`),
				Type: "SINGLE",
				Options: []examapi.OptionRaw{
					{Text: "first"},
					{Text: "second"},
				},
			},
		},
	}
	exam, ids := identity.Reconcile(raw)

	adopted := Adopt(exam, ids, &examapi.AttemptRaw{
		ID:     json.RawMessage(`"att-legacy"`),
		Status: "IN_PROGRESS",
		Answers: []examapi.AnswerRaw{
			{
				QuestionID:        json.RawMessage(`"q1"`),
				SelectedOptionIDs: []json.RawMessage{json.RawMessage(`"q1-option-1"`)},
			},
		},
	})

	if len(adopted.Answers) != 1 {
		t.Fatalf("answers = %+v", adopted.Answers)
	}
	got := adopted.Answers[0].SelectedOptionIDs
	if !reflect.DeepEqual(got, []string{"q1-option-1"}) {
		t.Errorf("legacy selection dropped or rewritten: %v", got)
	}
}

func TestControllerSubmitFlushesFirst(t *testing.T) {
	api := &fakeExamAPI{}
	c := startController(t, api)

	if err := c.SelectOptions("aaa111", []string{"bbb222"}); err != nil {
		t.Fatalf("SelectOptions: %v", err)
	}

	// Submit before the debounce window elapses; the flush must still get
	// the edit to the server ahead of the submit call.
	final, err := c.Submit(context.Background(), false)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, _, save, submit := api.counts()
	if save != 1 || submit != 1 {
		t.Fatalf("save=%d submit=%d, want 1 each", save, submit)
	}
	if final.Status != model.StatusSubmitted {
		t.Errorf("status = %s", final.Status)
	}

	// The wire payload carries original ids, never canonical fallbacks.
	body := api.savedBodies[0]
	if len(body) != 1 || body[0].QuestionID != "aaa111" {
		t.Fatalf("payload = %+v", body)
	}
	if !reflect.DeepEqual(body[0].SelectedOptionIDs, []string{"bbb222"}) {
		t.Errorf("payload options = %v", body[0].SelectedOptionIDs)
	}
}

func TestControllerSubmitAtMostOnce(t *testing.T) {
	api := &fakeExamAPI{}
	c := startController(t, api)

	if _, err := c.Submit(context.Background(), false); err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	final, err := c.Submit(context.Background(), false)
	if !errors.Is(err, ErrFinished) {
		t.Fatalf("second Submit err = %v, want ErrFinished", err)
	}
	if final == nil || final.Status != model.StatusSubmitted {
		t.Errorf("second Submit should return the recorded result: %+v", final)
	}

	_, _, _, submit := api.counts()
	if submit != 1 {
		t.Errorf("submit reached the network %d times", submit)
	}
}

func TestControllerTerminalRejectsEdits(t *testing.T) {
	api := &fakeExamAPI{}
	c := startController(t, api)

	if _, err := c.Submit(context.Background(), false); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := c.SelectOptions("aaa111", []string{"bbb222"}); !errors.Is(err, ErrFinished) {
		t.Errorf("SelectOptions after submit = %v", err)
	}
	if err := c.SetTextAnswer("q-free", "too late"); !errors.Is(err, ErrFinished) {
		t.Errorf("SetTextAnswer after submit = %v", err)
	}
	if rem := c.RemainingSeconds(); rem != 0 {
		t.Errorf("remaining after terminal = %d", rem)
	}
}

func TestControllerSubmitFailureLeavesInProgress(t *testing.T) {
	api := &fakeExamAPI{submitErr: errors.New("gateway timeout")}
	c := startController(t, api)

	if _, err := c.Submit(context.Background(), false); err == nil {
		t.Fatal("Submit should surface the upstream failure")
	}
	if c.Status() != model.StatusInProgress {
		t.Errorf("status = %s, want IN_PROGRESS for retry", c.Status())
	}

	// Retry succeeds once the upstream recovers.
	api.mu.Lock()
	api.submitErr = nil
	api.mu.Unlock()
	if _, err := c.Submit(context.Background(), false); err != nil {
		t.Errorf("retry Submit: %v", err)
	}
}

func TestControllerSubmitFlushFailureAborts(t *testing.T) {
	api := &fakeExamAPI{saveErr: errors.New("save rejected")}
	c := startController(t, api)

	if err := c.SelectOptions("aaa111", []string{"bbb222"}); err != nil {
		t.Fatalf("SelectOptions: %v", err)
	}

	if _, err := c.Submit(context.Background(), false); err == nil {
		t.Fatal("Submit must abort when the pre-submit flush fails")
	}
	_, _, _, submit := api.counts()
	if submit != 0 {
		t.Errorf("submit reached the network despite failed flush")
	}
	if c.Status() != model.StatusInProgress {
		t.Errorf("status = %s", c.Status())
	}
}

func TestControllerForceSubmitCoercesStatus(t *testing.T) {
	// Upstream answering with a non-terminal status must not leave the
	// session mutable after a successful submit.
	api := &fakeExamAPI{submitStatus: "IN_PROGRESS"}
	c := startController(t, api)

	final, err := c.Submit(context.Background(), true)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if final.Status != model.StatusAutoSubmitted {
		t.Errorf("forced submit status = %s, want AUTO_SUBMITTED", final.Status)
	}
	if c.Status() != model.StatusAutoSubmitted {
		t.Errorf("controller status = %s", c.Status())
	}
}

func TestControllerStatusObserver(t *testing.T) {
	api := &fakeExamAPI{}
	exam, ids := testExam()
	c := NewController(api, "exam-1", exam, ids, 30*time.Millisecond, zerolog.Nop())

	statusCh := make(chan model.AttemptStatus, 1)
	c.OnStatusChange(func(s model.AttemptStatus) { statusCh <- s })

	if err := c.Start(context.Background(), StartOptions{StudentID: "s"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close(context.Background())

	if _, err := c.Submit(context.Background(), false); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case got := <-statusCh:
		if got != model.StatusSubmitted {
			t.Errorf("observed status = %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("status observer never fired")
	}
}

func TestControllerEditBeforeStart(t *testing.T) {
	c := newTestController(&fakeExamAPI{})
	if err := c.SelectOptions("aaa111", []string{"bbb222"}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("edit before Start = %v, want ErrNotStarted", err)
	}
}

func TestControllerDebouncedAutosave(t *testing.T) {
	api := &fakeExamAPI{}
	c := startController(t, api)

	// Burst of edits inside the 30ms window coalesces into one save.
	for i := 0; i < 4; i++ {
		if err := c.SetTextAnswer("q-free", fmt.Sprintf("draft %d", i)); err != nil {
			t.Fatalf("SetTextAnswer: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, _, save, _ := api.counts()
		if save >= 1 {
			if save > 1 {
				t.Errorf("save calls = %d, want 1", save)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("autosave never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
