// Package registry is the Collection Registry (C2): durable
// per-collection metadata, config, and counters, and the single
// source of truth for derived status/health_status (spec.md §4.2).
// Grounded on the teacher's database.Manager bootstrap
// (pkg/database/manager.go) and database.Repository
// (pkg/database/repository.go), generalized from one local vault to
// N named collections, plus original_source's vault_service.py /
// collection_manager.py for validation and health-check shape.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	glebarez "github.com/glebarez/sqlite"

	"vaultindex/pkg/apierr"
	"vaultindex/pkg/config"
	"vaultindex/pkg/tokens"
	"vaultindex/pkg/vectorstore"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// Collection is the external, read-facing view of a Record plus its
// parsed config and derived status.
type Collection struct {
	Name          string
	SourcePath    string
	Description   string
	Config        config.Collection
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastIndexedAt *time.Time
	DocumentCount int
	ChunkCount    int
	SizeBytes     int64
	StoredStatus  string
	HealthStatus  string
	LastError     string
	Status        string // derived, see DerivedStatus
}

// ActiveJobLookup answers "is there an active job for this collection,
// and what kind" without the registry importing the queue package --
// the registry only ever reads this through a function value supplied
// by the caller, per SPEC_FULL.md's "no cyclic service references"
// design note.
type ActiveJobLookup func(collectionName string) (kind string, ok bool)

type Registry struct {
	db      *gorm.DB
	vectors *vectorstore.Store
	tokens  *tokens.Issuer
}

func Open(dbPath string, vectors *vectorstore.Store, issuer *tokens.Issuer) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	db, err := gorm.Open(glebarez.Open(dbPath), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate registry schema: %w", err)
	}
	return &Registry{db: db, vectors: vectors, tokens: issuer}, nil
}

// Create validates name/path and inserts a new row with
// stored_status=created, health_status=unknown (spec.md §4.2).
func (r *Registry) Create(name, sourcePath, description string, cfg config.Collection) (*Collection, error) {
	if !namePattern.MatchString(name) {
		return nil, apierr.InvalidArgumentf("collection name %q does not match ^[A-Za-z0-9_-]{1,100}$", name)
	}
	info, err := os.Stat(sourcePath)
	if err != nil || !info.IsDir() {
		return nil, apierr.InvalidArgumentf("source_path %q does not exist or is not a directory", sourcePath)
	}
	if _, err := os.Stat(filepath.Join(sourcePath, ".obsidian")); err != nil {
		return nil, apierr.InvalidArgumentf("source_path %q is missing a .obsidian/ marker", sourcePath)
	}

	var existing Record
	if err := r.db.Where("name = ?", name).First(&existing).Error; err == nil {
		return nil, apierr.Conflictf("collection %q already exists", name)
	}

	merged := config.MergeCollectionDefaults(cfg)
	body, err := merged.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	rec := Record{
		Name:         name,
		SourcePath:   sourcePath,
		Description:  description,
		ConfigJSON:   string(body),
		StoredStatus: StoredCreated,
		HealthStatus: HealthUnknown,
	}
	if err := r.db.Create(&rec).Error; err != nil {
		return nil, apierr.Conflictf("collection %q already exists", name)
	}
	return toCollection(rec, "")
}

func (r *Registry) Get(name string, active ActiveJobLookup) (*Collection, error) {
	var rec Record
	if err := r.db.Where("name = ?", name).First(&rec).Error; err != nil {
		return nil, apierr.NotFoundf("collection %q not found", name)
	}
	return toCollection(rec, activeKind(active, name))
}

// PageMeta mirrors the teacher's pagination contract.
type PageMeta struct {
	CurrentPage   int
	TotalPages    int
	TotalItems    int
	ItemsPerPage  int
	HasNext       bool
	HasPrevious   bool
}

// List returns collections ordered by updated_at DESC with pagination,
// per spec.md §4.2.
func (r *Registry) List(page, limit int, active ActiveJobLookup) ([]*Collection, PageMeta, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if page <= 0 {
		page = 1
	}

	var total int64
	if err := r.db.Model(&Record{}).Count(&total).Error; err != nil {
		return nil, PageMeta{}, fmt.Errorf("count collections: %w", err)
	}

	var recs []Record
	err := r.db.Order("updated_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, PageMeta{}, fmt.Errorf("list collections: %w", err)
	}

	items := make([]*Collection, 0, len(recs))
	for _, rec := range recs {
		c, err := toCollection(rec, activeKind(active, rec.Name))
		if err != nil {
			continue
		}
		items = append(items, c)
	}

	totalPages := int((total + int64(limit) - 1) / int64(limit))
	if totalPages == 0 {
		totalPages = 1
	}
	meta := PageMeta{
		CurrentPage:  page,
		TotalPages:   totalPages,
		TotalItems:   int(total),
		ItemsPerPage: limit,
		HasNext:      page < totalPages,
		HasPrevious:  page > 1,
	}
	return items, meta, nil
}

// ConfigUpdateResult reports what downstream jobs an update_config
// call should schedule, per spec.md §4.2.
type ConfigUpdateResult struct {
	Collection             *Collection
	NeedsReindex           bool
	NeedsIncrementalUpdate bool
}

func (r *Registry) UpdateConfig(name string, partial config.Collection, active ActiveJobLookup) (*ConfigUpdateResult, error) {
	var rec Record
	if err := r.db.Where("name = ?", name).First(&rec).Error; err != nil {
		return nil, apierr.NotFoundf("collection %q not found", name)
	}

	oldCfg, err := config.UnmarshalCollection([]byte(rec.ConfigJSON))
	if err != nil {
		return nil, fmt.Errorf("decode existing config: %w", err)
	}
	merged := mergeConfig(oldCfg, partial)
	diff := config.Diff(oldCfg, merged)

	body, err := merged.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	rec.ConfigJSON = string(body)
	if err := r.db.Save(&rec).Error; err != nil {
		return nil, fmt.Errorf("save config: %w", err)
	}

	col, err := toCollection(rec, activeKind(active, name))
	if err != nil {
		return nil, err
	}
	return &ConfigUpdateResult{
		Collection:             col,
		NeedsReindex:           diff.NeedsReindex,
		NeedsIncrementalUpdate: diff.NeedsIncrementalUpdate,
	}, nil
}

// mergeConfig overlays only the fields explicitly present in partial
// (non-zero) onto old, matching update_config's "merges into existing
// config" contract in spec.md §4.2.
func mergeConfig(old, partial config.Collection) config.Collection {
	merged := old
	if partial.ChunkSize > 0 {
		merged.ChunkSize = partial.ChunkSize
	}
	if partial.ChunkOverlap > 0 {
		merged.ChunkOverlap = partial.ChunkOverlap
	}
	if partial.MinChunkSize > 0 {
		merged.MinChunkSize = partial.MinChunkSize
	}
	if partial.ChunkStrategy != "" {
		merged.ChunkStrategy = partial.ChunkStrategy
	}
	if partial.EmbeddingModel != "" {
		merged.EmbeddingModel = partial.EmbeddingModel
	}
	if len(partial.IgnorePatterns) > 0 {
		merged.IgnorePatterns = partial.IgnorePatterns
	}
	if partial.ScheduleSeconds > 0 {
		merged.ScheduleSeconds = partial.ScheduleSeconds
	}
	if partial.DebounceMillis > 0 {
		merged.DebounceMillis = partial.DebounceMillis
	}
	if partial.Enabled {
		merged.Enabled = partial.Enabled
	}
	return merged
}

// Outcome is the result an indexing/delete handler reports back to
// ApplyJobResult.
type Outcome struct {
	Kind          string // index, reindex, incremental_update, delete
	Success       bool
	DocumentCount int    // absolute count for index/reindex
	DocumentDelta int    // +added -deleted for incremental_update
	ChunkCount    int
	ErrorMessage  string
}

// ApplyJobResult atomically updates counters/status per spec.md §4.2.
func (r *Registry) ApplyJobResult(name string, outcome Outcome) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var rec Record
		if err := tx.Where("name = ?", name).First(&rec).Error; err != nil {
			return apierr.NotFoundf("collection %q not found", name)
		}

		now := time.Now()
		if !outcome.Success {
			rec.StoredStatus = StoredError
			rec.HealthStatus = HealthError
			rec.LastError = outcome.ErrorMessage
			return tx.Save(&rec).Error
		}

		switch outcome.Kind {
		case "index", "reindex":
			rec.DocumentCount = outcome.DocumentCount
			rec.ChunkCount = outcome.ChunkCount
		case "incremental_update":
			rec.DocumentCount += outcome.DocumentDelta
			if rec.DocumentCount < 0 {
				rec.DocumentCount = 0
			}
			rec.ChunkCount = outcome.ChunkCount
		}

		rec.SizeBytes = int64(rec.DocumentCount) * PerDocBytes
		if rec.DocumentCount > 0 {
			rec.HealthStatus = HealthHealthy
		} else {
			rec.HealthStatus = HealthEmpty
		}
		rec.StoredStatus = StoredActive
		rec.LastIndexedAt = &now
		rec.LastError = ""
		return tx.Save(&rec).Error
	})
}

// IssueDeletionToken mints a single-use deletion token for name.
func (r *Registry) IssueDeletionToken(name string) (string, int, error) {
	var rec Record
	if err := r.db.Where("name = ?", name).First(&rec).Error; err != nil {
		return "", 0, apierr.NotFoundf("collection %q not found", name)
	}
	return r.tokens.Issue(name)
}

// ValidateDeletionToken checks a token before the caller enqueues the
// delete job; fail-closed per spec.md §7.
func (r *Registry) ValidateDeletionToken(name, token string) error {
	var rec Record
	if err := r.db.Where("name = ?", name).First(&rec).Error; err != nil {
		return apierr.NotFoundf("collection %q not found", name)
	}
	return r.tokens.Verify(token, name)
}

// Remove drops the registry row. Called by the delete job handler
// after the vector namespace has been removed.
func (r *Registry) Remove(name string) error {
	res := r.db.Where("name = ?", name).Delete(&Record{})
	if res.Error != nil {
		return fmt.Errorf("delete collection row %s: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return apierr.NotFoundf("collection %q not found", name)
	}
	return nil
}

// HealthCheck is one named probe in a HealthReport.
type HealthCheck struct {
	Name    string
	OK      bool
	Message string
}

type HealthReport struct {
	Collection string
	Checks     []HealthCheck
	Healthy    bool
}

// Health composes three checks per spec.md §4.2: vector namespace
// reachable, source directory exists+readable, configuration valid --
// grounded on original_source's vault_service.py composed health
// checks.
func (r *Registry) Health(name string) (*HealthReport, error) {
	var rec Record
	if err := r.db.Where("name = ?", name).First(&rec).Error; err != nil {
		return nil, apierr.NotFoundf("collection %q not found", name)
	}

	report := &HealthReport{Collection: name, Healthy: true}

	if ns, err := r.vectors.Open(name); err != nil {
		report.Checks = append(report.Checks, HealthCheck{Name: "vector_namespace", OK: false, Message: err.Error()})
		report.Healthy = false
	} else if err := ns.Health(nil); err != nil {
		report.Checks = append(report.Checks, HealthCheck{Name: "vector_namespace", OK: false, Message: err.Error()})
		report.Healthy = false
	} else {
		report.Checks = append(report.Checks, HealthCheck{Name: "vector_namespace", OK: true, Message: "reachable"})
	}

	if info, err := os.Stat(rec.SourcePath); err != nil || !info.IsDir() {
		report.Checks = append(report.Checks, HealthCheck{Name: "source_directory", OK: false, Message: "not found or not a directory"})
		report.Healthy = false
	} else {
		report.Checks = append(report.Checks, HealthCheck{Name: "source_directory", OK: true, Message: "exists"})
	}

	if _, err := config.UnmarshalCollection([]byte(rec.ConfigJSON)); err != nil {
		report.Checks = append(report.Checks, HealthCheck{Name: "configuration", OK: false, Message: err.Error()})
		report.Healthy = false
	} else {
		report.Checks = append(report.Checks, HealthCheck{Name: "configuration", OK: true, Message: "valid"})
	}

	sort.Slice(report.Checks, func(i, j int) bool { return report.Checks[i].Name < report.Checks[j].Name })
	return report, nil
}

func activeKind(active ActiveJobLookup, name string) string {
	if active == nil {
		return ""
	}
	if kind, ok := active(name); ok {
		return kind
	}
	return ""
}

func toCollection(rec Record, activeJobKind string) (*Collection, error) {
	cfg, err := config.UnmarshalCollection([]byte(rec.ConfigJSON))
	if err != nil {
		return nil, fmt.Errorf("decode config for %s: %w", rec.Name, err)
	}
	return &Collection{
		Name:          rec.Name,
		SourcePath:    rec.SourcePath,
		Description:   rec.Description,
		Config:        cfg,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
		LastIndexedAt: rec.LastIndexedAt,
		DocumentCount: rec.DocumentCount,
		ChunkCount:    rec.ChunkCount,
		SizeBytes:     rec.SizeBytes,
		StoredStatus:  rec.StoredStatus,
		HealthStatus:  rec.HealthStatus,
		LastError:     rec.LastError,
		Status:        DerivedStatus(rec.StoredStatus, activeJobKind),
	}, nil
}
