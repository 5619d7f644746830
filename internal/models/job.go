package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job priorities, highest first when dequeuing.
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// PriorityOrder lists priorities in dequeue order. Ordering is
// priority-major, FIFO-minor within one priority.
var PriorityOrder = []string{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// ValidPriority reports whether p names a known priority level.
func ValidPriority(p string) bool {
	for _, known := range PriorityOrder {
		if p == known {
			return true
		}
	}
	return false
}

// Job represents one render request persisted in Postgres. Rows are never
// deleted; terminal jobs are retained for audit and history.
type Job struct {
	ID           string            `json:"id"`
	UserID       string            `json:"userId"`
	ProjectID    *string           `json:"projectId,omitempty"`
	RenderID     *string           `json:"renderId,omitempty"`
	Payload      AudioJobPayload   `json:"payload"`
	Status       string            `json:"status"`
	Priority     string            `json:"priority"`
	Progress     int               `json:"progress"`
	Stage        RenderStage       `json:"stage"`
	StageMessage string            `json:"stageMessage,omitempty"`
	RetryCount   int               `json:"retryCount"`
	MaxRetries   int               `json:"maxRetries"`
	OutputURL    *string           `json:"outputUrl,omitempty"`
	ErrorMessage *string           `json:"errorMessage,omitempty"`
	ErrorDetails *string           `json:"errorDetails,omitempty"`
	LockedAt     *time.Time        `json:"lockedAt,omitempty"`
	LockedBy     *string           `json:"lockedBy,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	StartedAt    *time.Time        `json:"startedAt,omitempty"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
}

// JobUpdate is one state transition pushed to progress subscribers. Fields
// mirror the job row so a subscriber never needs a second read to render.
type JobUpdate struct {
	JobID        string      `json:"jobId"`
	Status       string      `json:"status"`
	Progress     int         `json:"progress"`
	Stage        RenderStage `json:"stage"`
	StageMessage string      `json:"stageMessage,omitempty"`
	OutputURL    *string     `json:"outputUrl,omitempty"`
	ErrorMessage *string     `json:"errorMessage,omitempty"`
	At           time.Time   `json:"at"`
}
