package model

import (
	"github.com/google/uuid"
)

// Answer is the persisted form of an answer draft. The payload shape depends
// on the question type (e.g. {"selected": "A"} for multiple choice,
// {"text": "..."} for essays); the gateway treats it as opaque fields.
// Each save supersedes the previous one for the same question.
type Answer struct {
	QuestionID       uuid.UUID              `json:"question_id"`
	Fields           map[string]interface{} `json:"fields"`
	TimeSpentSeconds int                    `json:"time_spent_seconds"`
}
