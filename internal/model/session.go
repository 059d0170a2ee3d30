package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates exam session states.
type SessionStatus string

const (
	SessionStatusNotStarted SessionStatus = "not_started"
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusExpired    SessionStatus = "expired"
	SessionStatusSuspended  SessionStatus = "suspended"
)

// ExamSession represents one candidate's attempt at one exam instance.
// The upstream assessment API is the system of record; the gateway owns the
// in-flight copy for the duration of the attempt and is the sole writer of
// Status and CurrentQuestionIndex.
type ExamSession struct {
	ID                       uuid.UUID     `json:"id"`
	ExamID                   uuid.UUID     `json:"exam_id"`
	CandidateID              string        `json:"candidate_id"`
	AssignmentID             *uuid.UUID    `json:"assignment_id,omitempty"`
	Status                   SessionStatus `json:"status"`
	CurrentQuestionIndex     int           `json:"current_question_index"`
	TimeRemainingSeconds     *int          `json:"time_remaining_seconds"` // nil = untimed
	RequireFaceVerification  bool          `json:"require_face_verification"`
	FaceCheckIntervalMinutes int           `json:"face_check_interval_minutes"`
	MonitorWebUsage          bool          `json:"monitor_web_usage"`
	AllowWebUsage            bool          `json:"allow_web_usage"`
	TestMode                 bool          `json:"test_mode"`
	StartedAt                time.Time     `json:"started_at"`
	FinishedAt               *time.Time    `json:"finished_at,omitempty"`
}

// StartExamRequest is the payload for starting or resuming an exam session.
type StartExamRequest struct {
	ExamID           uuid.UUID  `json:"exam_id" binding:"required"`
	AssignmentID     *uuid.UUID `json:"assignment_id" binding:"omitempty"`
	TestMode         bool       `json:"test_mode"`
	UserAgent        string     `json:"user_agent" binding:"omitempty,max=512"`
	ScreenResolution string     `json:"screen_resolution" binding:"omitempty,screen_resolution"`
}
