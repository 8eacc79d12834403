// Package scoring reconciles a finalized attempt against its exam
// definition into a per-question correctness and score view. Everything
// here is pure: same inputs, byte-identical output, and no error channel.
// Malformed input is absorbed by normalization, never propagated.
package scoring

import (
	"sort"
	"strings"

	"github.com/eduport/attempt-gateway/internal/identity"
	"github.com/eduport/attempt-gateway/internal/model"
)

// Reconcile produces the review for a finalized attempt. For each question
// the answer is located by canonical id first, then by the question's
// original id, since historical attempts may have been saved under a
// different id generation.
//
// Correctness: a server-supplied is_correct is used verbatim; otherwise
// SINGLE/MULTIPLE compare selected vs correct option-id sets for exact
// equality (both empty means no answer, which is incorrect) and FILL_IN
// compares whitespace/case-normalized text against the accepted list.
// Score: server-supplied value if present, else all-or-nothing points.
func Reconcile(exam *model.ExamDefinition, ids *identity.Map, attempt *model.Attempt) model.Review {
	review := model.Review{
		AttemptID:    attempt.ID,
		ExamID:       exam.ID,
		Status:       attempt.Status,
		MaxScore:     exam.MaxScore(),
		PassingScore: exam.PassingScore,
		Questions:    make([]model.QuestionReview, 0, len(exam.Questions)),
	}

	byID := indexAnswers(attempt.Answers)

	for i := range exam.Questions {
		q := &exam.Questions[i]
		answer, answered := lookupAnswer(byID, q, ids)

		qr := model.QuestionReview{
			QuestionID:  q.ID,
			Type:        q.Type,
			Content:     q.Content,
			Points:      q.Points,
			Explanation: q.Explanation,
			Answered:    answered && hasResponse(answer),
		}

		if qr.Answered {
			qr.SelectedOptionIDs = append([]string(nil), answer.SelectedOptionIDs...)
			qr.SubmittedText = answer.TextAnswer
		}

		qr.IsCorrect = resolveCorrect(q, answer, qr.Answered)

		switch {
		case answer != nil && answer.ScoreEarned != nil:
			qr.ScoreEarned = *answer.ScoreEarned
		case qr.IsCorrect:
			qr.ScoreEarned = q.Points
		}

		qr.SelectedOptionTexts = optionTexts(q, qr.SelectedOptionIDs)
		qr.CorrectOptionTexts = optionTexts(q, q.CorrectOptionIDs)

		review.TotalScore += qr.ScoreEarned
		review.Questions = append(review.Questions, qr)
	}

	// Server-computed totals win when present.
	if attempt.TotalScore != nil {
		review.TotalScore = *attempt.TotalScore
	}
	if attempt.MaxScore != nil {
		review.MaxScore = *attempt.MaxScore
	}
	review.Passed = review.TotalScore >= review.PassingScore

	return review
}

// indexAnswers builds the lookup table keyed by every id form an answer was
// seen under.
func indexAnswers(answers []model.Answer) map[string]*model.Answer {
	byID := make(map[string]*model.Answer, len(answers))
	for i := range answers {
		a := &answers[i]
		if a.QuestionID == "" {
			continue
		}
		if _, exists := byID[a.QuestionID]; !exists {
			byID[a.QuestionID] = a
		}
		// Historical records occasionally carry an id shape that still needs
		// normalizing at this boundary.
		if normalized := identity.Normalize(a.QuestionID); normalized != a.QuestionID {
			if _, exists := byID[normalized]; !exists {
				byID[normalized] = a
			}
		}
	}
	return byID
}

// lookupAnswer tries the canonical id, then the original backend id.
func lookupAnswer(byID map[string]*model.Answer, q *model.Question, ids *identity.Map) (*model.Answer, bool) {
	if a, ok := byID[q.ID]; ok {
		return a, true
	}
	original := q.OriginalID
	if original == "" && ids != nil {
		original = ids.OriginalQuestionID(q.ID)
	}
	if original != "" && original != q.ID {
		if a, ok := byID[original]; ok {
			return a, true
		}
	}
	return nil, false
}

// hasResponse reports whether the answer actually carries a response.
func hasResponse(a *model.Answer) bool {
	if a == nil {
		return false
	}
	return len(a.SelectedOptionIDs) > 0 || strings.TrimSpace(a.TextAnswer) != ""
}

func resolveCorrect(q *model.Question, answer *model.Answer, answered bool) bool {
	// Server verdict wins when it exists, even over a local recomputation.
	if answer != nil && answer.IsCorrect != nil {
		return *answer.IsCorrect
	}
	if !answered {
		return false
	}

	switch q.Type {
	case model.QuestionTypeSingle, model.QuestionTypeMultiple:
		return equalIDSets(answer.SelectedOptionIDs, q.CorrectOptionIDs)
	case model.QuestionTypeFillIn:
		submitted := normalizeText(answer.TextAnswer)
		if submitted == "" {
			return false
		}
		for _, accepted := range q.TextAnswers {
			if normalizeText(accepted) == submitted {
				return true
			}
		}
	}
	return false
}

// equalIDSets compares two id sets order-independently. Two empty sets do
// not count as a match: no answer given is not a correct answer.
func equalIDSets(selected, correct []string) bool {
	if len(selected) == 0 || len(correct) == 0 {
		return false
	}
	a := append([]string(nil), selected...)
	b := append([]string(nil), correct...)
	sort.Strings(a)
	sort.Strings(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// normalizeText lower-cases and collapses all whitespace runs so submitted
// text compares loosely against accepted answers.
func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// optionTexts resolves option ids to display text in exam option order,
// keeping the output stable across calls. Ids without a matching option are
// shown as-is rather than dropped.
func optionTexts(q *model.Question, optionIDs []string) []string {
	if len(optionIDs) == 0 || len(q.Options) == 0 {
		return nil
	}
	want := make(map[string]bool, len(optionIDs))
	for _, id := range optionIDs {
		want[id] = true
	}

	texts := make([]string, 0, len(optionIDs))
	for i := range q.Options {
		if want[q.Options[i].ID] {
			texts = append(texts, q.Options[i].Text)
			delete(want, q.Options[i].ID)
		}
	}
	// Leftovers reference ids missing from the current definition.
	leftovers := make([]string, 0, len(want))
	for id := range want {
		leftovers = append(leftovers, id)
	}
	sort.Strings(leftovers)
	texts = append(texts, leftovers...)
	return texts
}
