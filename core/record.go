package core

import (
	"fmt"
	"time"
)

// LearningType classifies a learning record. The set is fixed; records with
// any other type are rejected at creation.
type LearningType string

const (
	TypeWorkingSolution LearningType = "WORKING_SOLUTION"
	TypeGotcha          LearningType = "GOTCHA"
	TypePattern         LearningType = "PATTERN"
	TypeDecision        LearningType = "DECISION"
	TypeFailure         LearningType = "FAILURE"
	TypePreference      LearningType = "PREFERENCE"
)

// LearningTypes lists every valid learning type.
var LearningTypes = []LearningType{
	TypeWorkingSolution,
	TypeGotcha,
	TypePattern,
	TypeDecision,
	TypeFailure,
	TypePreference,
}

// Valid reports whether t is one of the fixed learning types.
func (t LearningType) Valid() bool {
	switch t {
	case TypeWorkingSolution, TypeGotcha, TypePattern, TypeDecision, TypeFailure, TypePreference:
		return true
	}
	return false
}

// LearningRecord is the durable unit of knowledge extracted from a session.
//
// The record store owns the canonical representation. The similarity index
// holds only a derived (id, embedding) view and is rebuilt from the store.
type LearningRecord struct {
	ID            string       `json:"id"`
	Type          LearningType `json:"type"`
	Content       string       `json:"content"`
	Context       string       `json:"context,omitempty"`
	Confidence    float64      `json:"confidence"`
	Embedding     []float32    `json:"-"`
	SessionSource string       `json:"session_source,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`

	// MergeCount is the number of observations this record represents.
	// It starts at 1 and increments each time a near-duplicate is absorbed.
	MergeCount int `json:"merge_count"`

	// DeletedAt marks a soft-deleted record. Soft-deleted records are
	// excluded from queries and index rebuilds but survive until purged.
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether the record has been soft-deleted.
func (r *LearningRecord) Deleted() bool {
	return r.DeletedAt != nil
}

// Validate checks the record's fields against the admission rules.
// minConfidence is the store's admission threshold.
func (r *LearningRecord) Validate(minConfidence float64) error {
	if r.Content == "" {
		return &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if !r.Type.Valid() {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown learning type %q", r.Type)}
	}
	if r.Confidence < 0.0 || r.Confidence > 1.0 {
		return &ValidationError{Field: "confidence", Reason: fmt.Sprintf("%.2f outside [0.0, 1.0]", r.Confidence)}
	}
	if r.Confidence < minConfidence {
		return &ValidationError{Field: "confidence", Reason: fmt.Sprintf("%.2f below admission threshold %.2f", r.Confidence, minConfidence)}
	}
	return nil
}

// ListFilter narrows a record store listing.
// Zero values mean "no constraint".
type ListFilter struct {
	Type           LearningType
	SessionSource  string
	MinConfidence  float64
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Stats summarizes the live corpus.
type Stats struct {
	TotalLearnings int            `json:"total_learnings"`
	ByType         map[string]int `json:"by_type"`
}
