package model

import (
	"github.com/google/uuid"
)

// QuestionType enumerates the closed set of supported question kinds.
type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "multiple_choice"
	QuestionTypeText           QuestionType = "text"
	QuestionTypeEssay          QuestionType = "essay"
	QuestionTypeRating         QuestionType = "rating"
	QuestionTypeTrueFalse      QuestionType = "true_false"
)

// Question is a single exam question. Immutable once fetched for a session.
type Question struct {
	ID               uuid.UUID    `json:"id"`
	Text             string       `json:"text"`
	Type             QuestionType `json:"type"`
	Points           int          `json:"points"`
	IsRequired       bool         `json:"is_required"`
	TimeLimitSeconds *int         `json:"time_limit_seconds,omitempty"`
	Position         int          `json:"position"`
}
