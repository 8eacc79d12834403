package model

import "time"

// AttemptStatus enumerates attempt lifecycle states. StatusInitializing is
// client-side only; the upstream API never returns it. Transitions only ever
// move forward: IN_PROGRESS -> SUBMITTED|AUTO_SUBMITTED -> GRADED.
type AttemptStatus string

const (
	StatusInitializing  AttemptStatus = "INITIALIZING"
	StatusInProgress    AttemptStatus = "IN_PROGRESS"
	StatusSubmitted     AttemptStatus = "SUBMITTED"
	StatusAutoSubmitted AttemptStatus = "AUTO_SUBMITTED"
	StatusGraded        AttemptStatus = "GRADED"
)

// Terminal reports whether the status permits no further mutation.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case StatusSubmitted, StatusAutoSubmitted, StatusGraded:
		return true
	}
	return false
}

// Attempt is one student's timed run through an exam.
type Attempt struct {
	ID          string        `json:"id"`
	ExamID      string        `json:"exam_id"`
	StudentID   string        `json:"student_id"`
	Status      AttemptStatus `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	SubmittedAt *time.Time    `json:"submitted_at,omitempty"`
	TotalScore  *float64      `json:"total_score,omitempty"`
	MaxScore    *float64      `json:"max_score,omitempty"`
	Answers     []Answer      `json:"answers"`
}

// Answer records a student's response to one question. QuestionID is
// canonical inside the engine; the examapi layer translates to the backend's
// original form at the wire boundary. SelectedOptionIDs and TextAnswer are
// mutually exclusive per the question type.
type Answer struct {
	QuestionID        string   `json:"question_id"`
	SelectedOptionIDs []string `json:"selected_option_ids,omitempty"`
	TextAnswer        string   `json:"text_answer,omitempty"`
	IsCorrect         *bool    `json:"is_correct,omitempty"`
	ScoreEarned       *float64 `json:"score_earned,omitempty"`
}

// DeviceInfo is metadata captured when an attempt is created.
type DeviceInfo struct {
	UserAgent string `json:"user_agent,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	Platform  string `json:"platform,omitempty"`
}
