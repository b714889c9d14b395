package server

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"vaultindex/pkg/apierr"
)

// codeToStatus maps the observable error codes in spec.md §6 to HTTP
// status, grounded on RhinoBox's httpError/writeJSON pair generalized
// from a single hardcoded status per call site to a taxonomy lookup.
func codeToStatus(code apierr.Code) int {
	switch code {
	case apierr.NotFound:
		return http.StatusNotFound
	case apierr.Conflict:
		return http.StatusConflict
	case apierr.InvalidArgument:
		return http.StatusBadRequest
	case apierr.QueueFull:
		return http.StatusServiceUnavailable
	case apierr.PreconditionFailed:
		return http.StatusPreconditionFailed
	case apierr.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorEnvelope is the synchronous-call error shape spec.md §7's
// "User-visible behavior" names: a machine code plus a human message.
type errorEnvelope struct {
	Code    apierr.Code `json:"code"`
	Message string      `json:"message"`
}

func writeError(c echo.Context, err error) error {
	code := apierr.CodeOf(err)
	return c.JSON(codeToStatus(code), errorEnvelope{Code: code, Message: err.Error()})
}

// handleEchoError lets handlers just `return err` and still get the
// taxonomy-mapped response for anything that reaches here unhandled
// (echo's binding/routing errors included).
func (s *Server) handleEchoError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	if he, ok := err.(*echo.HTTPError); ok {
		c.JSON(he.Code, errorEnvelope{Code: apierr.Internal, Message: fmt.Sprintf("%v", he.Message)})
		return
	}
	writeError(c, err)
}
