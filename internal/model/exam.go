package model

import "time"

// QuestionType enumerates the supported question kinds.
type QuestionType string

const (
	QuestionTypeSingle   QuestionType = "SINGLE"
	QuestionTypeMultiple QuestionType = "MULTIPLE"
	QuestionTypeFillIn   QuestionType = "FILL_IN"
)

// ExamDefinition is the canonical form of an exam as the engine sees it.
// Immutable once reconciled for an attempt session.
type ExamDefinition struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	DurationMinutes int        `json:"duration_minutes"`
	OpensAt         *time.Time `json:"opens_at,omitempty"`
	ClosesAt        *time.Time `json:"closes_at,omitempty"`
	PassingScore    float64    `json:"passing_score"`
	Questions       []Question `json:"questions"`
}

// Question holds one exam question with canonical ids. OriginalID keeps the
// backend form so answers can be mapped back on the wire.
type Question struct {
	ID               string       `json:"id"`
	OriginalID       string       `json:"-"`
	Type             QuestionType `json:"type"`
	Content          string       `json:"content"`
	Points           float64      `json:"points"`
	Explanation      string       `json:"explanation,omitempty"`
	Tags             []string     `json:"tags,omitempty"`
	Options          []Option     `json:"options,omitempty"`
	CorrectOptionIDs []string     `json:"-"`
	TextAnswers      []string     `json:"-"`
}

// Option is a selectable choice for SINGLE/MULTIPLE questions. Correctness
// lives on the question (CorrectOptionIDs), not on the option itself.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// MaxScore sums the point values of all questions.
func (e *ExamDefinition) MaxScore() float64 {
	var total float64
	for i := range e.Questions {
		total += e.Questions[i].Points
	}
	return total
}

// QuestionByID returns the question with the given canonical id, or nil.
func (e *ExamDefinition) QuestionByID(id string) *Question {
	for i := range e.Questions {
		if e.Questions[i].ID == id {
			return &e.Questions[i]
		}
	}
	return nil
}

// OptionText returns the display text for a canonical option id.
func (q *Question) OptionText(optionID string) (string, bool) {
	for i := range q.Options {
		if q.Options[i].ID == optionID {
			return q.Options[i].Text, true
		}
	}
	return "", false
}
