package model

// QuestionReview is the per-question verdict produced by the scoring
// reconciler for the result view.
type QuestionReview struct {
	QuestionID          string       `json:"question_id"`
	Type                QuestionType `json:"type"`
	Content             string       `json:"content"`
	Points              float64      `json:"points"`
	Explanation         string       `json:"explanation,omitempty"`
	Answered            bool         `json:"answered"`
	IsCorrect           bool         `json:"is_correct"`
	ScoreEarned         float64      `json:"score_earned"`
	SelectedOptionIDs   []string     `json:"selected_option_ids,omitempty"`
	SelectedOptionTexts []string     `json:"selected_option_texts,omitempty"`
	CorrectOptionTexts  []string     `json:"correct_option_texts,omitempty"`
	SubmittedText       string       `json:"submitted_text,omitempty"`
}

// Review is the full reconciled result for a finalized attempt.
type Review struct {
	AttemptID    string           `json:"attempt_id"`
	ExamID       string           `json:"exam_id"`
	Status       AttemptStatus    `json:"status"`
	TotalScore   float64          `json:"total_score"`
	MaxScore     float64          `json:"max_score"`
	PassingScore float64          `json:"passing_score"`
	Passed       bool             `json:"passed"`
	Questions    []QuestionReview `json:"questions"`
}
