// Package core defines the domain types and interfaces shared by the
// avatar-service job orchestration components.
package core

import "time"

// JobStatus describes where a job is in its lifecycle.
type JobStatus string

// Job lifecycle states. Completed, failed and cancelled are terminal.
const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status has no outgoing transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether the status is one of the known lifecycle states.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job is one tracked unit of asynchronous generation work.
//
// The orchestration core never interprets Metadata; it is stored at
// submission and returned verbatim to callers.
type Job struct {
	ID              string
	Status          JobStatus
	Progress        float64
	Metadata        map[string]string
	ResultRef       string
	Error           string
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// GenerationRequest is the payload handed to a generation engine. Text and
// Voice are required for speech synthesis; ImagePath is set for talking-head
// avatar renders.
type GenerationRequest struct {
	Text      string
	Voice     string
	Speed     float64
	ImagePath string
}
