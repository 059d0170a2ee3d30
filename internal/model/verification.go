package model

// VerificationType distinguishes the initial identity check from the
// interval-driven rechecks.
type VerificationType string

const (
	VerificationInitial  VerificationType = "initial"
	VerificationPeriodic VerificationType = "periodic"
)

// FaceVerificationResult is the outcome of a single verification attempt.
// Transient — immediately folded into either a success continuation or a
// MonitoringEvent.
type FaceVerificationResult struct {
	Verified            bool   `json:"verified"`
	RequiresHumanReview bool   `json:"requires_human_review,omitempty"`
	Message             string `json:"message,omitempty"`
}
