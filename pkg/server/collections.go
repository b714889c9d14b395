package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"vaultindex/pkg/apierr"
	"vaultindex/pkg/config"
	"vaultindex/pkg/query"
	"vaultindex/pkg/queue"
	"vaultindex/pkg/registry"
)

type collectionView struct {
	Name          string            `json:"name"`
	SourcePath    string            `json:"source_path"`
	Description   string            `json:"description,omitempty"`
	Config        config.Collection `json:"config"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
	LastIndexedAt string            `json:"last_indexed_at,omitempty"`
	DocumentCount int               `json:"document_count"`
	ChunkCount    int               `json:"chunk_count"`
	SizeBytes     int64             `json:"size_bytes"`
	Status        string            `json:"status"`
	HealthStatus  string            `json:"health_status"`
	LastError     string            `json:"last_error,omitempty"`
}

func toCollectionView(c *registry.Collection) collectionView {
	v := collectionView{
		Name:          c.Name,
		SourcePath:    c.SourcePath,
		Description:   c.Description,
		Config:        c.Config,
		CreatedAt:     c.CreatedAt.Format(timeLayout),
		UpdatedAt:     c.UpdatedAt.Format(timeLayout),
		DocumentCount: c.DocumentCount,
		ChunkCount:    c.ChunkCount,
		SizeBytes:     c.SizeBytes,
		Status:        c.Status,
		HealthStatus:  c.HealthStatus,
		LastError:     c.LastError,
	}
	if c.LastIndexedAt != nil {
		v.LastIndexedAt = c.LastIndexedAt.Format(timeLayout)
	}
	return v
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

func (s *Server) routes() {
	e := s.echo

	e.GET("/collections", s.listCollections)
	e.POST("/collections", s.createCollection)
	e.GET("/collections/:name", s.getCollectionStatus)
	e.GET("/collections/:name/config", s.getCollectionConfig)
	e.PUT("/collections/:name/config", s.updateCollectionConfig)
	e.GET("/collections/:name/health", s.getCollectionHealth)
	e.POST("/collections/:name/reindex", s.reindexCollection)
	e.POST("/collections/:name/pause", s.pauseCollection)
	e.POST("/collections/:name/resume", s.resumeCollection)
	e.POST("/collections/:name/cancel", s.cancelCollection)
	e.POST("/collections/:name/search", s.searchCollection)
	e.POST("/collections/:name/deletion_token", s.issueDeletionToken)
	e.DELETE("/collections/:name", s.deleteCollection)

	e.GET("/jobs/:id", s.getJob)
	e.GET("/jobs/active", s.listActiveJobs)
	e.GET("/queue/stats", s.queueStats)

	e.GET("/watches", s.listWatches)
	e.POST("/watches", s.addWatch)
	e.PUT("/watches/:name", s.updateWatch)
	e.DELETE("/watches/:name", s.removeWatch)
	e.POST("/watches/:name/scan", s.scanWatch)
	e.POST("/watcher/start", s.startWatcherService)
	e.POST("/watcher/stop", s.stopWatcherService)

	e.GET("/events", s.serveEvents)
}

func (s *Server) listCollections(c echo.Context) error {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	items, meta, err := s.registry.List(page, limit, s.activeJobLookup)
	if err != nil {
		return writeError(c, err)
	}
	views := make([]collectionView, len(items))
	for i, item := range items {
		views[i] = toCollectionView(item)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"items": views,
		"page":  meta,
	})
}

type createCollectionRequest struct {
	Name        string            `json:"name"`
	SourcePath  string            `json:"source_path"`
	Description string            `json:"description"`
	Config      config.Collection `json:"config"`
}

func (s *Server) createCollection(c echo.Context) error {
	var req createCollectionRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apierr.InvalidArgumentf("invalid request body: %v", err))
	}

	col, err := s.registry.Create(req.Name, req.SourcePath, req.Description, req.Config)
	if err != nil {
		return writeError(c, err)
	}

	if _, err := s.queue.Create(queue.KindIndex, col.Name, queue.IndexPayload{SourcePath: col.SourcePath}, 0, 3); err != nil {
		return writeError(c, err)
	}
	if s.watcher != nil && col.Config.Enabled {
		s.watcher.AddWatch(col.Name, col.SourcePath, col.Config.IgnorePatterns, col.Config.ScheduleSeconds, col.Config.DebounceMillis, true)
	}

	return c.JSON(http.StatusCreated, toCollectionView(col))
}

func (s *Server) getCollectionStatus(c echo.Context) error {
	col, err := s.registry.Get(c.Param("name"), s.activeJobLookup)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toCollectionView(col))
}

func (s *Server) getCollectionConfig(c echo.Context) error {
	col, err := s.registry.Get(c.Param("name"), nil)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, col.Config)
}

func (s *Server) updateCollectionConfig(c echo.Context) error {
	var partial config.Collection
	if err := c.Bind(&partial); err != nil {
		return writeError(c, apierr.InvalidArgumentf("invalid request body: %v", err))
	}

	name := c.Param("name")
	result, err := s.registry.UpdateConfig(name, partial, s.activeJobLookup)
	if err != nil {
		return writeError(c, err)
	}

	switch {
	case result.NeedsReindex:
		s.queue.Create(queue.KindReindex, name, queue.ReindexPayload{SourcePath: result.Collection.SourcePath, Force: true}, 0, 3)
	case result.NeedsIncrementalUpdate:
		s.queue.EnqueueIncremental(name, nil, nil, nil)
	}

	return c.JSON(http.StatusOK, toCollectionView(result.Collection))
}

func (s *Server) getCollectionHealth(c echo.Context) error {
	report, err := s.registry.Health(c.Param("name"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) reindexCollection(c echo.Context) error {
	name := c.Param("name")
	col, err := s.registry.Get(name, nil)
	if err != nil {
		return writeError(c, err)
	}
	force := c.QueryParam("force") == "true"
	id, err := s.queue.Create(queue.KindReindex, name, queue.ReindexPayload{SourcePath: col.SourcePath, Force: force}, 1, 3)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, echo.Map{"job_id": id})
}

func (s *Server) pauseCollection(c echo.Context) error {
	return s.withActiveJob(c, func(jobID string) error { return s.queue.Pause(jobID) })
}

func (s *Server) resumeCollection(c echo.Context) error {
	return s.withActiveJob(c, func(jobID string) error { return s.queue.Resume(jobID) })
}

func (s *Server) cancelCollection(c echo.Context) error {
	return s.withActiveJob(c, func(jobID string) error { return s.queue.Cancel(jobID) })
}

// withActiveJob resolves the collection's active job and applies op to
// it, returning precondition_failed if nothing is running (spec.md §6
// error codes).
func (s *Server) withActiveJob(c echo.Context, op func(jobID string) error) error {
	name := c.Param("name")
	if _, err := s.registry.Get(name, nil); err != nil {
		return writeError(c, err)
	}
	// ActiveForCollection reports the active job's kind, not its id, so
	// the id is taken from the collection's job list (at most one of
	// which is active at a time).
	jobs, err := s.queue.ListForCollection(name, 0)
	if err != nil {
		return writeError(c, err)
	}
	jobID := ""
	for _, j := range jobs {
		if queue.IsActive(j.Status) {
			jobID = j.ID
			break
		}
	}
	if jobID == "" {
		return writeError(c, apierr.PreconditionFailedf("no active job for collection %q", name))
	}
	if err := op(jobID); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type searchRequest struct {
	Query         string            `json:"query"`
	Limit         int               `json:"limit"`
	Threshold     float32           `json:"threshold"`
	Filters       map[string]string `json:"filters"`
	AttachContext bool              `json:"attach_context"`
}

func (s *Server) searchCollection(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apierr.InvalidArgumentf("invalid request body: %v", err))
	}
	resp, err := s.query.Search(c.Request().Context(), query.Request{
		Collection:    c.Param("name"),
		QueryText:     req.Query,
		Limit:         req.Limit,
		Threshold:     req.Threshold,
		Filters:       filterFromQuery(req.Filters),
		AttachContext: req.AttachContext,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) issueDeletionToken(c echo.Context) error {
	token, expiresIn, err := s.registry.IssueDeletionToken(c.Param("name"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"token": token, "expires_in_seconds": expiresIn})
}

func (s *Server) deleteCollection(c echo.Context) error {
	name := c.Param("name")
	token := c.QueryParam("confirmation_token")
	if err := s.registry.ValidateDeletionToken(name, token); err != nil {
		return writeError(c, err)
	}
	id, err := s.queue.Create(queue.KindDelete, name, queue.DeletePayload{Token: token}, 10, 1)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, echo.Map{"job_id": id})
}
