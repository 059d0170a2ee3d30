package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden ErrCode = "FORBIDDEN"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrConflict ErrCode = "CONFLICT"

	// ─── Session-specific ──────────────────────────────────────────────
	ErrSessionNotFound      ErrCode = "SESSION_NOT_FOUND"
	ErrSessionCompleted     ErrCode = "SESSION_COMPLETED"
	ErrSessionStartFailed   ErrCode = "SESSION_START_FAILED"
	ErrSubmitInProgress     ErrCode = "SUBMIT_IN_PROGRESS"
	ErrSubmitFailed         ErrCode = "SUBMIT_FAILED"
	ErrNavigationOutOfRange ErrCode = "NAVIGATION_OUT_OF_RANGE"
	ErrVerificationPending  ErrCode = "VERIFICATION_PENDING"
	ErrFrameTooLarge        ErrCode = "FRAME_TOO_LARGE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	case ErrTokenRequired:
		return "An authentication token is required."
	case ErrTokenInvalid:
		return "The authentication token is invalid."
	case ErrTokenExpired:
		return "The authentication token has expired."
	case ErrForbidden:
		return "You do not have permission to access this resource."
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."
	case ErrNotFound:
		return "Resource not found."
	case ErrConflict:
		return "Resource already exists."
	case ErrSessionNotFound:
		return "No active exam session was found."
	case ErrSessionCompleted:
		return "This exam session is already completed."
	case ErrSessionStartFailed:
		return "The exam session could not be started."
	case ErrSubmitInProgress:
		return "A submission is already in progress."
	case ErrSubmitFailed:
		return "Submission failed. Your answers are preserved — please try again."
	case ErrNavigationOutOfRange:
		return "The requested question does not exist."
	case ErrVerificationPending:
		return "Identity verification must complete before the exam continues."
	case ErrFrameTooLarge:
		return "The captured frame exceeds the size limit."
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."
	case ErrInternal:
		return "An internal server error occurred."
	default:
		return "An unexpected error occurred."
	}
}
