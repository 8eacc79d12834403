package websocket

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer Action = "answer"
	ActionSubmit Action = "submit"
	ActionPing   Action = "ping"
)

// RequestPayload is the single inbound message shape. SelectedOptionIDs and
// TextAnswer follow the same mutual exclusion as the REST answer payload;
// Text is a pointer so "clear the text answer" is expressible.
type RequestPayload struct {
	Action            Action   `json:"action"`
	QuestionID        string   `json:"question_id,omitempty"`
	SelectedOptionIDs []string `json:"selected_option_ids,omitempty"`
	TextAnswer        *string  `json:"text_answer,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError     Event = "error"
	EventSaved     Event = "saved"
	EventTick      Event = "tick"
	EventSubmitted Event = "submitted"
	EventPong      Event = "pong"
)

// TickEvent is pushed once per second while the attempt is in progress.
type TickEvent struct {
	Event            Event `json:"event"`
	RemainingSeconds int   `json:"remaining_seconds"`
}

// SavedEvent acknowledges an answer action.
type SavedEvent struct {
	Event      Event  `json:"event"`
	QuestionID string `json:"question_id"`
	Answered   bool   `json:"answered"`
}

// SubmittedEvent announces the terminal status, whether reached by an
// explicit submit or by the countdown expiring.
type SubmittedEvent struct {
	Event      Event    `json:"event"`
	Status     string   `json:"status"`
	TotalScore *float64 `json:"total_score,omitempty"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
