package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionDraftsKey returns the cache key for a session's answer drafts.
func (r *CacheKeyStruct) SessionDraftsKey(sessionID string) string {
	return fmt.Sprintf("session:%s:drafts", sessionID)
}

// SessionIndexKey returns the cache key for a session's current question index.
func (r *CacheKeyStruct) SessionIndexKey(sessionID string) string {
	return fmt.Sprintf("session:%s:index", sessionID)
}

// SessionTimeSpentKey returns the cache key for per-question elapsed seconds.
func (r *CacheKeyStruct) SessionTimeSpentKey(sessionID string) string {
	return fmt.Sprintf("session:%s:time_spent", sessionID)
}

// CandidateActiveSessionKey returns the cache key binding a candidate's
// (exam, assignment) pair to their in-progress session.
func (r *CacheKeyStruct) CandidateActiveSessionKey(candidateID, examID, assignmentID string) string {
	return fmt.Sprintf("candidate:%s:exam:%s:assignment:%s:session", candidateID, examID, assignmentID)
}

var CacheKey = NewCacheKeyStruct()
