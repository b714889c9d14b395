package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"vaultindex/pkg/apierr"
)

func (s *Server) getJob(c echo.Context) error {
	job, err := s.queue.Get(c.Param("id"))
	if err != nil {
		return writeError(c, apierr.NotFoundf("job %q not found", c.Param("id")))
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) listActiveJobs(c echo.Context) error {
	jobs, err := s.queue.ListActive()
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": jobs})
}

func (s *Server) queueStats(c echo.Context) error {
	stats, err := s.queue.Stats()
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}
