package model

import (
	"time"

	"github.com/google/uuid"
)

// SyncPriority orders tasks in the priority queue. Lower values are served first.
type SyncPriority int

const (
	PriorityCritical SyncPriority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

func (p SyncPriority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	case PriorityBackground:
		return "BACKGROUND"
	default:
		return "UNKNOWN"
	}
}

// TaskOperation is informational provenance for a SyncTask; all three
// execute the same copy+verify pipeline.
type TaskOperation string

const (
	OpSync        TaskOperation = "SYNC"
	OpRecovery    TaskOperation = "RECOVERY"
	OpConsistency TaskOperation = "CONSISTENCY"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskRetry      TaskStatus = "retry"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// SyncTask is a value object: retrying a task produces a new value with an
// incremented RetryCount rather than mutating the original in place.
type SyncTask struct {
	Path       string
	Operation  TaskOperation
	Priority   SyncPriority
	CreatedAt  time.Time
	RetryCount int
	Status     TaskStatus
	TaskID     string
}

func NewSyncTask(path string, op TaskOperation, priority SyncPriority) SyncTask {
	return SyncTask{
		Path:      path,
		Operation: op,
		Priority:  priority,
		CreatedAt: time.Now(),
		Status:    TaskPending,
		TaskID:    uuid.NewString(),
	}
}

// WithRetry returns a copy of the task with RetryCount incremented and
// Status set to "retry". The original task is left untouched.
func (t SyncTask) WithRetry() SyncTask {
	t.RetryCount++
	t.Status = TaskRetry
	return t
}

// Less implements the queue's total order: smaller (priority, created_at)
// wins; task identity for equality purposes is TaskID.
func (t SyncTask) Less(other SyncTask) bool {
	if t.Priority != other.Priority {
		return t.Priority < other.Priority
	}
	return t.CreatedAt.Before(other.CreatedAt)
}
