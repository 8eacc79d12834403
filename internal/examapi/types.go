package examapi

import (
	"encoding/json"
	"time"

	"github.com/eduport/attempt-gateway/internal/model"
)

// Raw wire types for the upstream exam API. Identifiers are kept as
// json.RawMessage because the backend is not consistent about their shape
// (plain strings, numbers, or database-object wrappers). The identity
// package owns all interpretation of these fields.

// ExamRaw is the upstream exam definition as returned by GET /exam/:id.
type ExamRaw struct {
	ID              json.RawMessage `json:"id"`
	Title           string          `json:"title"`
	DurationMinutes int             `json:"duration"`
	OpensAt         *time.Time      `json:"opens_at,omitempty"`
	ClosesAt        *time.Time      `json:"closes_at,omitempty"`
	PassingScore    float64         `json:"passing_score"`
	Questions       []QuestionRaw   `json:"questions"`
}

// QuestionRaw is one upstream question, answer key included.
type QuestionRaw struct {
	ID               json.RawMessage   `json:"id"`
	Type             string            `json:"type"`
	Content          string            `json:"content"`
	Points           float64           `json:"points"`
	Explanation      string            `json:"explanation,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	Options          []OptionRaw       `json:"options,omitempty"`
	CorrectOptionIDs []json.RawMessage `json:"correct_option_ids,omitempty"`
	TextAnswers      []string          `json:"text_answers,omitempty"`
}

// OptionRaw is one upstream option.
type OptionRaw struct {
	ID   json.RawMessage `json:"id"`
	Text string          `json:"text"`
}

// AttemptRaw is the upstream attempt record.
type AttemptRaw struct {
	ID          json.RawMessage `json:"id"`
	ExamID      json.RawMessage `json:"exam_id"`
	StudentID   string          `json:"student_id"`
	Status      string          `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	SubmittedAt *time.Time      `json:"submitted_at,omitempty"`
	TotalScore  *float64        `json:"total_score,omitempty"`
	MaxScore    *float64        `json:"max_score,omitempty"`
	Answers     []AnswerRaw     `json:"answers"`
}

// AnswerRaw is one stored answer as the upstream delivers it.
type AnswerRaw struct {
	QuestionID        json.RawMessage   `json:"question_id"`
	SelectedOptionIDs []json.RawMessage `json:"selected_option_ids,omitempty"`
	TextAnswer        string            `json:"text_answer,omitempty"`
	IsCorrect         *bool             `json:"is_correct,omitempty"`
	ScoreEarned       *float64          `json:"score_earned,omitempty"`
}

// AnswerPayload is an outbound answer. Ids are already translated back to
// the backend's original form; the upstream never sees canonical ids.
type AnswerPayload struct {
	QuestionID        string   `json:"question_id"`
	SelectedOptionIDs []string `json:"selected_option_ids,omitempty"`
	TextAnswer        string   `json:"text_answer,omitempty"`
}

// CreateAttemptRequest is the payload for POST /exam/:id/attempt.
type CreateAttemptRequest struct {
	StudentID  string            `json:"student_id"`
	DeviceInfo *model.DeviceInfo `json:"device_info,omitempty"`
}

// SaveAnswersRequest is the payload for PATCH /exam/:id/attempt/:attempt_id.
type SaveAnswersRequest struct {
	Answers []AnswerPayload `json:"answers"`
}

// SubmitRequest is the payload for POST /exam/:id/attempt/:attempt_id/submit.
type SubmitRequest struct {
	ForceSubmit bool `json:"force_submit,omitempty"`
}
