package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/execbox/execbox/internal/apperrors"
	"github.com/execbox/execbox/internal/ids"
	"github.com/execbox/execbox/internal/state"
)

// maxStateBytes caps uploaded state blobs at 64 MiB.
const maxStateBytes = 64 << 20

func sessionParam(c echo.Context) (string, error) {
	id := c.Param("session_id")
	if !ids.Valid(id) {
		return "", apperrors.Validation("invalid session id", "session_id")
	}
	return id, nil
}

// handleStateGet serves the raw blob with its hash as the ETag. A matching
// If-None-Match short-circuits to 304 without the body.
func (s *Server) handleStateGet(c echo.Context) error {
	sessionID, err := sessionParam(c)
	if err != nil {
		return err
	}

	data, err := s.states.Load(c.Request().Context(), sessionID)
	if err != nil {
		return err
	}
	if data == nil {
		return apperrors.NotFound("state", sessionID)
	}

	etag := `"` + state.Hash(data) + `"`
	c.Response().Header().Set("ETag", etag)
	if match := c.Request().Header.Get("If-None-Match"); match != "" && etagMatches(match, etag) {
		return c.NoContent(http.StatusNotModified)
	}
	return c.Blob(http.StatusOK, "application/octet-stream", data)
}

func etagMatches(ifNoneMatch, etag string) bool {
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == etag || candidate == strings.Trim(etag, `"`) || candidate == "*" {
			return true
		}
	}
	return false
}

// handleStatePut accepts a client-supplied blob for the session.
func (s *Server) handleStatePut(c echo.Context) error {
	sessionID, err := sessionParam(c)
	if err != nil {
		return err
	}

	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxStateBytes+1))
	if err != nil {
		return apperrors.Validation("failed to read request body", "")
	}
	if len(data) > maxStateBytes {
		return apperrors.Validation("state blob exceeds the size limit", "state")
	}
	if err := state.ValidateEnvelope(data); err != nil {
		return err
	}

	if err := s.states.SaveUploaded(c.Request().Context(), sessionID, data); err != nil {
		return err
	}

	c.Response().Header().Set("ETag", `"`+state.Hash(data)+`"`)
	return c.JSON(http.StatusCreated, map[string]any{
		"session_id": sessionID,
		"size_bytes": len(data),
		"hash":       state.Hash(data),
	})
}

func (s *Server) handleStateInfo(c echo.Context) error {
	sessionID, err := sessionParam(c)
	if err != nil {
		return err
	}

	meta, err := s.states.Info(c.Request().Context(), sessionID)
	if err != nil {
		return err
	}
	if meta == nil {
		return apperrors.NotFound("state", sessionID)
	}
	meta.SessionID = sessionID
	return c.JSON(http.StatusOK, meta)
}

func (s *Server) handleStateDelete(c echo.Context) error {
	sessionID, err := sessionParam(c)
	if err != nil {
		return err
	}
	if err := s.states.Delete(c.Request().Context(), sessionID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
