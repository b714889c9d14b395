package queue

import "time"

// Status values form the FSM in spec.md §4.1.
const (
	Pending   = "pending"
	Queued    = "queued"
	Running   = "running"
	Paused    = "paused"
	Completed = "completed"
	Failed    = "failed"
	Cancelled = "cancelled"
)

// Kind values name the handlers registered with the queue.
const (
	KindIndex       = "index"
	KindReindex     = "reindex"
	KindIncremental = "incremental_update"
	KindDelete      = "delete"
	KindValidate    = "validate"
)

// Record is the durable Job row, grounded on
// original_source/backend/services/job_queue.py's exact schema:
// id, job_type, collection_name, status, priority, created_at,
// started_at, completed_at, progress_data, error_message, data,
// retry_count, max_retries. Indexes mirror that file's index set.
type Record struct {
	ID             string `gorm:"primaryKey"`
	Kind           string `gorm:"index"`
	CollectionName string `gorm:"index"`
	Status         string `gorm:"index"`
	Priority       int    `gorm:"index:idx_priority_created,sort:desc"`
	CreatedAt      time.Time `gorm:"index:idx_priority_created"`
	StartedAt      *time.Time
	CompletedAt    *time.Time
	PayloadJSON    string
	ProgressJSON   string
	LastError      string
	RetryCount     int
	MaxRetries     int
	PausedFlag     bool
}

func (Record) TableName() string { return "jobs" }

// IsTerminal reports whether status is one of the FSM's terminal states.
func IsTerminal(status string) bool {
	return status == Completed || status == Failed || status == Cancelled
}

// IsActive reports whether status counts toward the single-active-job
// invariant (spec.md §8 property 1).
func IsActive(status string) bool {
	switch status {
	case Pending, Queued, Running, Paused:
		return true
	default:
		return false
	}
}
