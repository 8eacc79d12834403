package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ExamDefinitionKey returns the cache key for a raw upstream exam definition.
func (r *CacheKeyStruct) ExamDefinitionKey(examID string) string {
	return fmt.Sprintf("exam:%s:definition", examID)
}

// StudentAttemptKey returns the cache key remembering a student's live
// attempt id for an exam, so a reload can resume instead of re-creating.
func (r *CacheKeyStruct) StudentAttemptKey(examID, studentID string) string {
	return fmt.Sprintf("student:%s:exam:%s:attempt", studentID, examID)
}

var CacheKey = NewCacheKeyStruct()
