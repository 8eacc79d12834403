package identity

import (
	"fmt"

	"github.com/eduport/attempt-gateway/internal/examapi"
	"github.com/eduport/attempt-gateway/internal/model"
)

// Map is the per-attempt-session table mapping canonical ids to the
// backend's original forms and back, for both questions and options.
// Built once when an exam is reconciled, read-only afterwards.
type Map struct {
	questionToOriginal   map[string]string
	questionFromOriginal map[string]string
	// keyed by canonical question id
	optionToOriginal   map[string]map[string]string
	optionFromOriginal map[string]map[string]string
}

func newMap() *Map {
	return &Map{
		questionToOriginal:   make(map[string]string),
		questionFromOriginal: make(map[string]string),
		optionToOriginal:     make(map[string]map[string]string),
		optionFromOriginal:   make(map[string]map[string]string),
	}
}

// OriginalQuestionID returns the wire form of a canonical question id. When
// the source never supplied an id, the canonical (positional) id itself is
// the only handle the backend can be given.
func (m *Map) OriginalQuestionID(canonical string) string {
	if orig, ok := m.questionToOriginal[canonical]; ok && orig != "" {
		return orig
	}
	return canonical
}

// CanonicalQuestionID resolves an original question id to canonical form.
func (m *Map) CanonicalQuestionID(original string) (string, bool) {
	c, ok := m.questionFromOriginal[original]
	return c, ok
}

// OriginalOptionID returns the wire form of a canonical option id.
func (m *Map) OriginalOptionID(questionID, canonical string) string {
	if opts, ok := m.optionToOriginal[questionID]; ok {
		if orig, ok := opts[canonical]; ok && orig != "" {
			return orig
		}
	}
	return canonical
}

// CanonicalOptionID resolves an original option id within a question.
func (m *Map) CanonicalOptionID(questionID, original string) (string, bool) {
	opts, ok := m.optionFromOriginal[questionID]
	if !ok {
		return "", false
	}
	c, ok := opts[original]
	return c, ok
}

// HasOptionMappings reports whether any option mapping exists for the
// question. Stored answers that predate option ids hit the false branch and
// are treated as already canonical by the caller.
func (m *Map) HasOptionMappings(questionID string) bool {
	return len(m.optionFromOriginal[questionID]) > 0
}

// Reconcile walks an upstream exam definition, assigns a canonical id to
// every question and option, and records both directions of the id mapping.
// Missing ids get positional fallbacks (question-<i>, <qid>-option-<i>), so
// reconciling the same raw input twice always yields identical canonical
// ids; the server is re-queried on resume and relies on that.
//
// Correct-answer id lists are remapped through the option map so every
// downstream comparison is canonical-vs-canonical.
func Reconcile(raw *examapi.ExamRaw) (*model.ExamDefinition, *Map) {
	m := newMap()

	exam := &model.ExamDefinition{
		ID:              NormalizeRaw(raw.ID),
		Title:           raw.Title,
		DurationMinutes: raw.DurationMinutes,
		OpensAt:         raw.OpensAt,
		ClosesAt:        raw.ClosesAt,
		PassingScore:    raw.PassingScore,
		Questions:       make([]model.Question, 0, len(raw.Questions)),
	}

	for i := range raw.Questions {
		rq := &raw.Questions[i]

		original := NormalizeRaw(rq.ID)
		canonical := original
		if canonical == "" {
			canonical = fmt.Sprintf("question-%d", i)
		}

		m.questionToOriginal[canonical] = original
		if original != "" {
			m.questionFromOriginal[original] = canonical
		}

		q := model.Question{
			ID:          canonical,
			OriginalID:  original,
			Type:        model.QuestionType(rq.Type),
			Content:     rq.Content,
			Points:      rq.Points,
			Explanation: rq.Explanation,
			Tags:        rq.Tags,
		}
		if q.Points < 0 {
			q.Points = 0
		}

		if len(rq.Options) > 0 {
			toOrig := make(map[string]string, len(rq.Options))
			fromOrig := make(map[string]string, len(rq.Options))
			q.Options = make([]model.Option, 0, len(rq.Options))

			for j := range rq.Options {
				ro := &rq.Options[j]
				optOriginal := NormalizeRaw(ro.ID)
				optCanonical := optOriginal
				if optCanonical == "" {
					optCanonical = fmt.Sprintf("%s-option-%d", canonical, j)
				}
				toOrig[optCanonical] = optOriginal
				if optOriginal != "" {
					fromOrig[optOriginal] = optCanonical
				}
				q.Options = append(q.Options, model.Option{ID: optCanonical, Text: ro.Text})
			}

			m.optionToOriginal[canonical] = toOrig
			m.optionFromOriginal[canonical] = fromOrig

			q.CorrectOptionIDs = make([]string, 0, len(rq.CorrectOptionIDs))
			for _, rawID := range rq.CorrectOptionIDs {
				normalized := NormalizeRaw(rawID)
				if normalized == "" {
					continue
				}
				if mapped, ok := fromOrig[normalized]; ok {
					q.CorrectOptionIDs = append(q.CorrectOptionIDs, mapped)
				} else {
					// Answer key references an id the option list does not
					// carry; keep the normalized form rather than drop it.
					q.CorrectOptionIDs = append(q.CorrectOptionIDs, normalized)
				}
			}
		} else {
			q.TextAnswers = rq.TextAnswers
		}

		exam.Questions = append(exam.Questions, q)
	}

	return exam, m
}
