package models

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is a unit of scheduled maintenance work.
type Job struct {
	ID          string
	Type        string
	Status      JobStatus
	Payload     json.RawMessage
	Result      json.RawMessage
	Error       string
	Attempts    int
	MaxAttempts int
	LockedBy    string
	LockedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
