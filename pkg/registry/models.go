package registry

import "time"

// PerDocBytes is the fixed per-document size estimate used to derive
// size_bytes, per spec.md §9's open question: the teacher pack keeps
// this as an estimate rather than a true byte count.
const PerDocBytes = 2048

// Record is the durable Collection row (spec.md §3), persisted via
// gorm the way the teacher's database.File/Chunk models are.
type Record struct {
	Name          string `gorm:"primaryKey"`
	SourcePath    string
	Description   string
	ConfigJSON    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastIndexedAt *time.Time
	DocumentCount int
	ChunkCount    int
	SizeBytes     int64
	StoredStatus  string
	HealthStatus  string
	LastError     string
}

func (Record) TableName() string { return "collections" }

const (
	StoredCreated = "created"
	StoredActive  = "active"
	StoredError   = "error"
	StoredPaused  = "paused"

	HealthUnknown = "unknown"
	HealthEmpty   = "empty"
	HealthHealthy = "healthy"
	HealthWarning = "warning"
	HealthError   = "error"
)

// DerivedStatus computes the observable status per spec.md §3: if an
// active job exists for the collection its kind maps to a transitional
// status, otherwise stored_status is surfaced as-is. activeJobKind is
// "" when no job is active.
func DerivedStatus(storedStatus, activeJobKind string) string {
	switch activeJobKind {
	case "index":
		return "indexing"
	case "reindex":
		return "reindexing"
	case "incremental_update":
		return "updating"
	case "delete":
		return "deleting"
	default:
		return storedStatus
	}
}
