package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"vaultindex/pkg/apierr"
)

func (s *Server) listWatches(c echo.Context) error {
	if s.watcher == nil {
		return c.JSON(http.StatusOK, echo.Map{"items": []any{}})
	}
	return c.JSON(http.StatusOK, echo.Map{"items": s.watcher.ListWatches()})
}

type addWatchRequest struct {
	Name                string   `json:"name"`
	SourcePath          string   `json:"source_path"`
	IgnorePatterns      []string `json:"ignore_patterns"`
	ScanIntervalSeconds int      `json:"scan_interval_seconds"`
	DebounceMillis      int      `json:"debounce_millis"`
	Enabled             bool     `json:"enabled"`
}

func (s *Server) addWatch(c echo.Context) error {
	if s.watcher == nil {
		return writeError(c, apierr.PreconditionFailedf("watcher service is not running"))
	}
	var req addWatchRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apierr.InvalidArgumentf("invalid request body: %v", err))
	}
	if err := s.watcher.AddWatch(req.Name, req.SourcePath, req.IgnorePatterns, req.ScanIntervalSeconds, req.DebounceMillis, req.Enabled); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusCreated)
}

// updateWatch replaces a watch's configuration. AddWatch has no
// dedup guard for a name already in use, so the prior watch is
// removed first to stop its scan loop before the new one starts.
func (s *Server) updateWatch(c echo.Context) error {
	if s.watcher == nil {
		return writeError(c, apierr.PreconditionFailedf("watcher service is not running"))
	}
	var req addWatchRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apierr.InvalidArgumentf("invalid request body: %v", err))
	}
	name := c.Param("name")
	s.watcher.RemoveWatch(name)
	if err := s.watcher.AddWatch(name, req.SourcePath, req.IgnorePatterns, req.ScanIntervalSeconds, req.DebounceMillis, req.Enabled); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) removeWatch(c echo.Context) error {
	if s.watcher == nil {
		return writeError(c, apierr.PreconditionFailedf("watcher service is not running"))
	}
	if err := s.watcher.RemoveWatch(c.Param("name")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) scanWatch(c echo.Context) error {
	if s.watcher == nil {
		return writeError(c, apierr.PreconditionFailedf("watcher service is not running"))
	}
	if err := s.watcher.ScanNow(c.Param("name")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) startWatcherService(c echo.Context) error {
	if s.watcher == nil {
		return writeError(c, apierr.PreconditionFailedf("watcher service is not configured"))
	}
	s.watcher.Start()
	return c.NoContent(http.StatusOK)
}

func (s *Server) stopWatcherService(c echo.Context) error {
	if s.watcher == nil {
		return writeError(c, apierr.PreconditionFailedf("watcher service is not configured"))
	}
	s.watcher.Stop()
	return c.NoContent(http.StatusOK)
}
