// Package queue is the Job Queue (C1): a persistent FIFO-with-priority,
// a bounded worker pool, and the Job lifecycle FSM of spec.md §4.1.
// Grounded on original_source/backend/services/job_queue.py (FSM,
// schema, dispatcher loop) and Muneer320-RhinoBox's
// internal/queue/queue.go (worker-pool/restore-on-startup shape),
// persisted via gorm instead of RhinoBox's per-job JSON files so the
// dispatcher can run the (priority DESC, created_at ASC) query
// directly against the store.
package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	glebarez "github.com/glebarez/sqlite"

	"vaultindex/pkg/eventbus"
)

// Handler processes one job. It must check rc.Context for
// cancellation and call rc.WaitWhilePaused at batch boundaries
// (spec.md §4.3's "check paused/cancelled signal at every batch
// boundary").
type Handler func(rc *RunContext) error

// RunContext is everything a handler needs: the job snapshot, a
// cancellable context, pause cooperation, and a progress reporter.
type RunContext struct {
	Job     Job
	Context context.Context

	report          func(Progress)
	waitWhilePaused func(ctx context.Context) error
}

func (rc *RunContext) Report(p Progress) { rc.report(p) }

// WaitWhilePaused blocks while the job is paused and returns promptly
// once resumed or cancelled. Call this at every batch boundary.
func (rc *RunContext) WaitWhilePaused(ctx context.Context) error {
	return rc.waitWhilePaused(ctx)
}

// Job is the handler-facing read view of a Record.
type Job struct {
	ID             string
	Kind           string
	CollectionName string
	Status         string
	Priority       int
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	PayloadJSON    string
	Progress       Progress
	LastError      string
	RetryCount     int
	MaxRetries     int
}

// Stats mirrors the teacher/original's get_queue_stats shape.
type Stats struct {
	Running         int
	Queued          int
	Pending         int
	Paused          int
	Failed          int
	Completed       int
	Cancelled       int
	AvailableSlots  int
	MaxConcurrent   int
}

type pauseState struct {
	paused   bool
	resumeCh chan struct{}
}

type runningJob struct {
	collection string
	cancel     context.CancelFunc
	pause      *pauseState
	mu         sync.Mutex
}

type Queue struct {
	db            *gorm.DB
	maxConcurrent int
	retryPolicy   retryPolicy

	mu       sync.Mutex
	handlers map[string]Handler
	running  map[string]*runningJob

	pendingMu  sync.Mutex
	pendingInc map[string]IncrementalPayload

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	logf func(format string, args ...any)
	bus  *eventbus.Bus
}

type retryPolicy struct {
	base   time.Duration
	factor float64
	max    time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{base: time.Second, factor: 2, max: 2 * time.Minute}
}

func Open(dbPath string, maxConcurrent int) (*Queue, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	db, err := gorm.Open(glebarez.Open(dbPath), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate queue schema: %w", err)
	}

	q := &Queue{
		db:            db,
		maxConcurrent: maxConcurrent,
		retryPolicy:   defaultRetryPolicy(),
		handlers:      map[string]Handler{},
		running:       map[string]*runningJob{},
		pendingInc:    map[string]IncrementalPayload{},
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		logf:          func(string, ...any) {},
	}
	if err := q.recoverFromCrash(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) SetLogger(logf func(format string, args ...any)) {
	if logf != nil {
		q.logf = logf
	}
}

// SetEventBus wires the bus the dispatcher publishes progress and
// status-change events to (spec.md §2's "worker emits progress to
// EventBus"). A Queue with no bus set runs exactly as before --
// persisting progress/status to the DB only, publishing nothing.
func (q *Queue) SetEventBus(bus *eventbus.Bus) {
	q.bus = bus
}

func (q *Queue) publishJobEvent(jobID, eventType string, data any) {
	if q.bus != nil {
		q.bus.PublishJobEvent(jobID, eventType, data)
	}
}

func (q *Queue) publishCollectionEvent(collection, eventType string, data any) {
	if q.bus != nil {
		q.bus.PublishCollectionEvent(collection, eventType, data)
	}
}

// recoverFromCrash demotes running->queued on startup (spec.md §4.1
// crash recovery); paused is preserved, terminal states untouched.
func (q *Queue) recoverFromCrash() error {
	return q.db.Model(&Record{}).Where("status = ?", Running).Update("status", Queued).Error
}

func (q *Queue) RegisterHandler(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Create inserts a durable pending job. Per spec.md §8 property 1, at
// most one non-terminal job may exist per collection at a time; this
// is enforced here rather than only at dispatch time.
func (q *Queue) Create(kind, collection string, payload any, priority int, maxRetries int) (string, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if active, err := q.activeForCollectionLocked(collection); err != nil {
		return "", err
	} else if active != nil {
		return "", conflictActiveJob(collection, active.Kind)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	rec := Record{
		ID:             uuid.NewString(),
		Kind:           kind,
		CollectionName: collection,
		Status:         Pending,
		Priority:       priority,
		CreatedAt:      time.Now(),
		PayloadJSON:    body,
		MaxRetries:     maxRetries,
	}
	if err := q.db.Create(&rec).Error; err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	q.signalWake()
	return rec.ID, nil
}

// EnqueueIncremental implements the Change Watcher safety rule
// (spec.md §4.4): merge into an existing not-yet-running
// incremental_update job, buffer into a pending changeset if a job of
// any kind is currently running for the collection (flushed once that
// job reaches a terminal state), or create a fresh job if the
// collection is idle. This keeps property 1 (single active job) true
// at every instant rather than only "eventually".
func (q *Queue) EnqueueIncremental(collection string, added, modified, deleted []string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	active, err := q.activeForCollectionLocked(collection)
	if err != nil {
		return "", err
	}

	if active == nil {
		body, err := marshalPayload(IncrementalPayload{Added: added, Modified: modified, Deleted: deleted})
		if err != nil {
			return "", err
		}
		rec := Record{
			ID:             uuid.NewString(),
			Kind:           KindIncremental,
			CollectionName: collection,
			Status:         Pending,
			CreatedAt:      time.Now(),
			PayloadJSON:    body,
			MaxRetries:     3,
		}
		if err := q.db.Create(&rec).Error; err != nil {
			return "", fmt.Errorf("create incremental job: %w", err)
		}
		q.signalWake()
		return rec.ID, nil
	}

	if active.Kind == KindIncremental && active.Status != Running {
		existing, err := unmarshalIncremental(active.PayloadJSON)
		if err != nil {
			return "", err
		}
		merged := mergeIncremental(existing, added, modified, deleted)
		body, err := marshalPayload(merged)
		if err != nil {
			return "", err
		}
		if err := q.db.Model(&Record{}).Where("id = ?", active.ID).Update("payload_json", body).Error; err != nil {
			return "", fmt.Errorf("merge incremental payload: %w", err)
		}
		return active.ID, nil
	}

	q.bufferPendingIncremental(collection, added, modified, deleted)
	return "", nil
}

func (q *Queue) bufferPendingIncremental(collection string, added, modified, deleted []string) {
	q.pendingMu.Lock()
	defer q.pendingMu.Unlock()
	q.pendingInc[collection] = mergeIncremental(q.pendingInc[collection], added, modified, deleted)
}

func mergeIncremental(base IncrementalPayload, added, modified, deleted []string) IncrementalPayload {
	base.Added = dedupAppend(base.Added, added...)
	base.Modified = dedupAppend(base.Modified, modified...)
	base.Deleted = dedupAppend(base.Deleted, deleted...)
	return base
}

func dedupAppend(existing []string, more ...string) []string {
	seen := map[string]bool{}
	for _, e := range existing {
		seen[e] = true
	}
	out := append([]string(nil), existing...)
	for _, m := range more {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// flushPendingIncremental is called after a job reaches a terminal
// state; if changes accumulated for its collection while it ran, they
// become a fresh incremental_update job now that the collection is
// idle again.
func (q *Queue) flushPendingIncremental(collection string) {
	q.pendingMu.Lock()
	payload, ok := q.pendingInc[collection]
	if ok {
		delete(q.pendingInc, collection)
	}
	q.pendingMu.Unlock()
	if !ok {
		return
	}

	body, err := marshalPayload(payload)
	if err != nil {
		return
	}
	rec := Record{
		ID:             uuid.NewString(),
		Kind:           KindIncremental,
		CollectionName: collection,
		Status:         Pending,
		CreatedAt:      time.Now(),
		PayloadJSON:    body,
		MaxRetries:     3,
	}
	if err := q.db.Create(&rec).Error; err == nil {
		q.signalWake()
	}
}

func conflictActiveJob(collection, kind string) error {
	return &activeJobConflict{collection: collection, kind: kind}
}

type activeJobConflict struct {
	collection string
	kind       string
}

func (e *activeJobConflict) Error() string {
	return fmt.Sprintf("collection %q already has an active %s job", e.collection, e.kind)
}

func (q *Queue) activeForCollectionLocked(collection string) (*Job, error) {
	var rec Record
	err := q.db.Where("collection_name = ? AND status IN ?", collection,
		[]string{Pending, Queued, Running, Paused}).
		Order("created_at ASC").First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active job: %w", err)
	}
	j := toJob(rec)
	return &j, nil
}

// ActiveForCollection is the public form of spec.md §4.1's
// active_for_collection, used by the registry's derived-status lookup
// and by the watcher.
func (q *Queue) ActiveForCollection(collection string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.activeForCollectionLocked(collection)
	if err != nil || job == nil {
		return "", false
	}
	return job.Kind, true
}

func (q *Queue) Get(id string) (*Job, error) {
	var rec Record
	if err := q.db.Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, fmt.Errorf("job %s not found", id)
	}
	j := toJob(rec)
	return &j, nil
}

func (q *Queue) ListForCollection(collection string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []Record
	err := q.db.Where("collection_name = ?", collection).
		Order("created_at DESC").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]Job, len(recs))
	for i, r := range recs {
		out[i] = toJob(r)
	}
	return out, nil
}

func (q *Queue) ListActive() ([]Job, error) {
	var recs []Record
	err := q.db.Where("status IN ?", []string{Pending, Queued, Running, Paused}).
		Order("priority DESC, created_at ASC").Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]Job, len(recs))
	for i, r := range recs {
		out[i] = toJob(r)
	}
	return out, nil
}

func (q *Queue) Stats() (Stats, error) {
	var recs []Record
	if err := q.db.Find(&recs).Error; err != nil {
		return Stats{}, err
	}
	s := Stats{MaxConcurrent: q.maxConcurrent}
	for _, r := range recs {
		switch r.Status {
		case Running:
			s.Running++
		case Queued:
			s.Queued++
		case Pending:
			s.Pending++
		case Paused:
			s.Paused++
		case Failed:
			s.Failed++
		case Completed:
			s.Completed++
		case Cancelled:
			s.Cancelled++
		}
	}
	s.AvailableSlots = q.maxConcurrent - s.Running
	if s.AvailableSlots < 0 {
		s.AvailableSlots = 0
	}
	return s, nil
}

func toJob(r Record) Job {
	progress, _ := unmarshalProgress(r.ProgressJSON)
	return Job{
		ID:             r.ID,
		Kind:           r.Kind,
		CollectionName: r.CollectionName,
		Status:         r.Status,
		Priority:       r.Priority,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		PayloadJSON:    r.PayloadJSON,
		Progress:       progress,
		LastError:      r.LastError,
		RetryCount:     r.RetryCount,
		MaxRetries:     r.MaxRetries,
	}
}

func (q *Queue) signalWake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start launches the dispatcher loop. Stop ends it and waits for
// in-flight workers and pending retry timers to return; it does not
// cancel running handlers, so each runs to completion first.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.dispatchLoop()
}

func (q *Queue) Stop() {
	close(q.stop)
	q.wg.Wait()
}

func (q *Queue) dispatchLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
			q.dispatch()
		case <-ticker.C:
			q.dispatch()
		}
	}
}

// dispatch fills available worker slots with the highest-priority,
// oldest eligible jobs, skipping any collection that already has a
// job running (spec.md §8 property 1 and §4.1's scheduling order).
func (q *Queue) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()

	available := q.maxConcurrent - len(q.running)
	if available <= 0 {
		return
	}

	busy := make([]string, 0, len(q.running))
	for _, rj := range q.running {
		busy = append(busy, rj.collection)
	}

	qry := q.db.Where("status IN ?", []string{Pending, Queued}).
		Order("priority DESC, created_at ASC")
	if len(busy) > 0 {
		qry = qry.Where("collection_name NOT IN ?", busy)
	}

	var candidates []Record
	if err := qry.Limit(available * 4).Find(&candidates).Error; err != nil {
		q.logf("queue: dispatch query failed: %v", err)
		return
	}

	dispatchedCollections := map[string]bool{}
	for _, rec := range candidates {
		if available <= 0 {
			break
		}
		if dispatchedCollections[rec.CollectionName] {
			continue
		}
		now := time.Now()
		res := q.db.Model(&Record{}).
			Where("id = ? AND status IN ?", rec.ID, []string{Pending, Queued}).
			Updates(map[string]any{"status": Running, "started_at": &now})
		if res.Error != nil || res.RowsAffected == 0 {
			continue
		}
		rec.Status = Running
		rec.StartedAt = &now
		q.startWorker(rec)
		dispatchedCollections[rec.CollectionName] = true
		available--
	}
}

func (q *Queue) startWorker(rec Record) {
	ctx, cancel := context.WithCancel(context.Background())
	rj := &runningJob{
		collection: rec.CollectionName,
		cancel:     cancel,
		pause:      &pauseState{resumeCh: make(chan struct{})},
	}
	q.running[rec.ID] = rj
	q.wg.Add(1)
	go q.runWorker(ctx, rec, rj)
}

func (q *Queue) runWorker(ctx context.Context, rec Record, rj *runningJob) {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		delete(q.running, rec.ID)
		q.mu.Unlock()
	}()

	q.mu.Lock()
	handler, ok := q.handlers[rec.Kind]
	q.mu.Unlock()

	rc := &RunContext{
		Job:     toJob(rec),
		Context: ctx,
		report: func(p Progress) {
			q.persistProgress(rec.ID, p)
			q.publishCollectionEvent(rec.CollectionName, "progress_update", p)
			q.publishJobEvent(rec.ID, "progress_update", p)
		},
		waitWhilePaused: func(ctx context.Context) error {
			return q.waitWhilePaused(rec.ID, rj, ctx)
		},
	}

	var runErr error
	if !ok {
		runErr = fmt.Errorf("no handler registered for job kind %q", rec.Kind)
	} else {
		runErr = q.invokeHandler(handler, rc)
	}

	q.finishJob(rec, ctx, runErr)
}

// invokeHandler recovers from a handler panic and reports it as a
// normal job failure rather than crashing the dispatcher.
func (q *Queue) invokeHandler(h Handler, rc *RunContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(rc)
}

func (q *Queue) waitWhilePaused(jobID string, rj *runningJob, ctx context.Context) error {
	rj.mu.Lock()
	paused := rj.pause.paused
	resumeCh := rj.pause.resumeCh
	rj.mu.Unlock()
	if !paused {
		return nil
	}
	select {
	case <-resumeCh:
		q.db.Model(&Record{}).Where("id = ? AND status = ?", jobID, Queued).
			Update("status", Running)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) persistProgress(jobID string, p Progress) {
	body, err := marshalProgress(p)
	if err != nil {
		return
	}
	q.db.Model(&Record{}).Where("id = ?", jobID).Update("progress_json", body)
}

// finishJob writes the terminal (or retry-queued) status once a
// handler returns, and flushes any changeset buffered while the job
// was running.
func (q *Queue) finishJob(rec Record, ctx context.Context, runErr error) {
	now := time.Now()
	switch {
	case ctx.Err() == context.Canceled:
		q.db.Model(&Record{}).Where("id = ?", rec.ID).Updates(map[string]any{
			"status": Cancelled, "completed_at": &now,
		})
		q.publishStatusChange(rec, Cancelled)
	case runErr != nil:
		q.handleFailure(rec, runErr, now)
		q.flushPendingIncremental(rec.CollectionName)
		q.signalWake()
		return
	default:
		q.db.Model(&Record{}).Where("id = ?", rec.ID).Updates(map[string]any{
			"status": Completed, "completed_at": &now, "last_error": "",
		})
		q.publishStatusChange(rec, Completed)
	}
	q.flushPendingIncremental(rec.CollectionName)
	q.signalWake()
}

// publishStatusChange notifies both the job's own topic and its
// collection's topic, since subscribers may be watching either.
func (q *Queue) publishStatusChange(rec Record, status string) {
	data := map[string]any{"job_id": rec.ID, "kind": rec.Kind, "status": status}
	q.publishJobEvent(rec.ID, "status_change", data)
	q.publishCollectionEvent(rec.CollectionName, "status_change", data)
}

// handleFailure marks the job failed and, if retries remain, schedules
// a delayed transition back to queued after an exponential backoff
// (spec.md §4.1's retry path).
func (q *Queue) handleFailure(rec Record, runErr error, now time.Time) {
	q.db.Model(&Record{}).Where("id = ?", rec.ID).Updates(map[string]any{
		"status": Failed, "completed_at": &now, "last_error": runErr.Error(),
	})
	errData := map[string]any{"job_id": rec.ID, "kind": rec.Kind, "message": runErr.Error()}
	q.publishJobEvent(rec.ID, "error", errData)
	q.publishCollectionEvent(rec.CollectionName, "error", errData)

	if rec.RetryCount >= rec.MaxRetries {
		return
	}
	delay := q.retryPolicy.backoff(rec.RetryCount)
	retryCount := rec.RetryCount + 1
	jobID := rec.ID
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		select {
		case <-time.After(delay):
		case <-q.stop:
			return
		}
		q.db.Model(&Record{}).Where("id = ? AND status = ?", jobID, Failed).Updates(map[string]any{
			"status":      Queued,
			"retry_count": retryCount,
		})
		q.publishStatusChange(rec, Queued)
		q.signalWake()
	}()
}

func (p retryPolicy) backoff(attempt int) time.Duration {
	d := p.base
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * p.factor)
		if d >= p.max {
			return p.max
		}
	}
	return d
}

// Cancel transitions a job to cancelled: immediately if it has not
// started, or by cancelling the worker's context if it is running.
func (q *Queue) Cancel(jobID string) error {
	q.mu.Lock()
	rj, running := q.running[jobID]
	q.mu.Unlock()

	if running {
		rj.cancel()
		return nil
	}

	now := time.Now()
	res := q.db.Model(&Record{}).
		Where("id = ? AND status IN ?", jobID, []string{Pending, Queued, Paused}).
		Updates(map[string]any{"status": Cancelled, "completed_at": &now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %s is not cancellable from its current state", jobID)
	}
	if rec, err := q.Get(jobID); err == nil {
		q.publishStatusChange(Record{ID: rec.ID, Kind: rec.Kind, CollectionName: rec.CollectionName}, Cancelled)
	}
	return nil
}

// Pause marks a running job paused; the in-flight worker blocks the
// next time its handler calls WaitWhilePaused.
func (q *Queue) Pause(jobID string) error {
	q.mu.Lock()
	rj, running := q.running[jobID]
	q.mu.Unlock()
	if !running {
		return fmt.Errorf("job %s is not running", jobID)
	}
	rj.mu.Lock()
	rj.pause.paused = true
	rj.mu.Unlock()
	if err := q.db.Model(&Record{}).Where("id = ? AND status = ?", jobID, Running).
		Update("status", Paused).Error; err != nil {
		return err
	}
	q.publishStatusChange(Record{ID: jobID, CollectionName: rj.collection}, Paused)
	return nil
}

// Resume signals a paused worker to continue. The worker itself
// transitions queued->running once it wakes (see waitWhilePaused),
// matching the FSM's paused->queued->running path without a second
// dispatch.
func (q *Queue) Resume(jobID string) error {
	q.mu.Lock()
	rj, running := q.running[jobID]
	q.mu.Unlock()
	if !running {
		return fmt.Errorf("job %s is not running", jobID)
	}
	rj.mu.Lock()
	if !rj.pause.paused {
		rj.mu.Unlock()
		return nil
	}
	rj.pause.paused = false
	resumeCh := rj.pause.resumeCh
	rj.pause.resumeCh = make(chan struct{})
	rj.mu.Unlock()

	if err := q.db.Model(&Record{}).Where("id = ? AND status = ?", jobID, Paused).
		Update("status", Queued).Error; err != nil {
		return err
	}
	close(resumeCh)
	q.publishStatusChange(Record{ID: jobID, CollectionName: rj.collection}, Queued)
	return nil
}

// UpdateProgress lets a handler report incremental progress without
// going through the RunContext (used by tests and by handlers that
// batch their own reporting).
func (q *Queue) UpdateProgress(jobID string, p Progress) error {
	q.persistProgress(jobID, p)
	return nil
}
