package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden         ErrCode = "FORBIDDEN"
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Attempt lifecycle ─────────────────────────────────────────────
	ErrExamNotFound        ErrCode = "EXAM_NOT_FOUND"
	ErrAttemptNotFound     ErrCode = "ATTEMPT_NOT_FOUND"
	ErrAttemptNotStarted   ErrCode = "ATTEMPT_NOT_STARTED"
	ErrAttemptFinished     ErrCode = "ATTEMPT_FINISHED"
	ErrAttemptInProgress   ErrCode = "ATTEMPT_IN_PROGRESS"
	ErrSubmitInFlight      ErrCode = "SUBMIT_IN_FLIGHT"
	ErrUpstreamUnreachable ErrCode = "UPSTREAM_UNREACHABLE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "An authentication token is required."
	case ErrTokenInvalid:
		return "The authentication token is invalid."
	case ErrTokenExpired:
		return "The authentication token has expired."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "You do not have permission to access this resource."
	case ErrStudentAccessOnly:
		return "This resource is restricted to students."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid identifier format."
	case ErrInvalidPayload:
		return "Invalid request payload."

	// ─── Attempt lifecycle ─────────────────────────────────────────────
	case ErrExamNotFound:
		return "The exam could not be found. It may have been removed."
	case ErrAttemptNotFound:
		return "The attempt could not be found. It may have been removed."
	case ErrAttemptNotStarted:
		return "No active attempt session. Start or resume an attempt first."
	case ErrAttemptFinished:
		return "This attempt has already been submitted."
	case ErrAttemptInProgress:
		return "This attempt is still in progress."
	case ErrSubmitInFlight:
		return "A submission for this attempt is already being processed."
	case ErrUpstreamUnreachable:
		return "The exam service is temporarily unreachable. Please try again."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "An internal server error occurred."
	default:
		return "An unexpected error occurred."
	}
}
