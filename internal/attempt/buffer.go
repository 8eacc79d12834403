package attempt

import (
	"strings"
	"sync"

	"github.com/eduport/attempt-gateway/internal/model"
)

// Buffer is the in-memory map of question -> current answer for one
// attempt session. It is a plain data structure with no knowledge of the
// network; the scheduler snapshots it and the controller mutates it.
//
// Snapshot order follows the exam's question order for seeded questions,
// then first-write order for anything else, so serialized output is
// deterministic.
type Buffer struct {
	mu      sync.Mutex
	answers map[string]model.Answer
	order   []string
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{answers: make(map[string]model.Answer)}
}

// Seed installs the initial answers (e.g. restored from a resumed attempt)
// and fixes the snapshot order to the exam's question order.
func (b *Buffer) Seed(questionOrder []string, answers []model.Answer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.answers = make(map[string]model.Answer, len(answers))
	b.order = make([]string, 0, len(questionOrder))
	b.order = append(b.order, questionOrder...)

	seeded := make(map[string]bool, len(questionOrder))
	for _, id := range questionOrder {
		seeded[id] = true
	}
	for _, a := range answers {
		b.answers[a.QuestionID] = a
		if !seeded[a.QuestionID] {
			b.order = append(b.order, a.QuestionID)
			seeded[a.QuestionID] = true
		}
	}
}

// Set applies an updater to the current answer for a question. The updater
// receives the previous answer (zero value when absent) and returns the
// replacement, so "set selected options and clear the text answer" happens
// atomically in one call.
func (b *Buffer) Set(questionID string, update func(prev model.Answer, found bool) model.Answer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, found := b.answers[questionID]
	next := update(prev, found)
	next.QuestionID = questionID
	b.answers[questionID] = next

	if !found {
		known := false
		for _, id := range b.order {
			if id == questionID {
				known = true
				break
			}
		}
		if !known {
			b.order = append(b.order, questionID)
		}
	}
}

// SetSelected replaces the selected option set and clears any text answer,
// keeping the per-question choice/text mutual exclusion intact.
func (b *Buffer) SetSelected(questionID string, optionIDs []string) {
	b.Set(questionID, func(prev model.Answer, _ bool) model.Answer {
		prev.SelectedOptionIDs = append([]string(nil), optionIDs...)
		prev.TextAnswer = ""
		return prev
	})
}

// SetText replaces the text answer and clears any selected options.
func (b *Buffer) SetText(questionID, text string) {
	b.Set(questionID, func(prev model.Answer, _ bool) model.Answer {
		prev.TextAnswer = text
		prev.SelectedOptionIDs = nil
		return prev
	})
}

// Get returns the current answer for a question.
func (b *Buffer) Get(questionID string) (model.Answer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.answers[questionID]
	return a, ok
}

// IsAnswered reports whether the question carries a non-empty selection or
// a non-blank text answer.
func (b *Buffer) IsAnswered(questionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.answers[questionID]
	if !ok {
		return false
	}
	return len(a.SelectedOptionIDs) > 0 || strings.TrimSpace(a.TextAnswer) != ""
}

// AnsweredCount returns how many buffered questions qualify as answered.
func (b *Buffer) AnsweredCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, a := range b.answers {
		if len(a.SelectedOptionIDs) > 0 || strings.TrimSpace(a.TextAnswer) != "" {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of all buffered answers in stable order.
func (b *Buffer) Snapshot() []model.Answer {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]model.Answer, 0, len(b.answers))
	for _, id := range b.order {
		if a, ok := b.answers[id]; ok {
			a.SelectedOptionIDs = append([]string(nil), a.SelectedOptionIDs...)
			out = append(out, a)
		}
	}
	return out
}

// Len returns the number of buffered answers.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.answers)
}
