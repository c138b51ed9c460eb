package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/execbox/execbox/internal/apperrors"
	"github.com/execbox/execbox/internal/session"
)

const (
	defaultSessionPage = 20
	maxSessionPage     = 100
)

type createSessionRequest struct {
	EntityID string `json:"entity_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Language string `json:"language,omitempty"`
}

func (s *Server) handleSessionCreate(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Validation("invalid request body", "")
	}

	sess, err := s.sessions.Create(c.Request().Context(), req.EntityID, req.UserID, req.Language)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleSessionGet(c echo.Context) error {
	sessionID, err := sessionParam(c)
	if err != nil {
		return err
	}
	sess, err := s.sessions.Get(c.Request().Context(), sessionID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleSessionDelete(c echo.Context) error {
	sessionID, err := sessionParam(c)
	if err != nil {
		return err
	}
	if err := s.sessions.Delete(c.Request().Context(), sessionID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSessionList(c echo.Context) error {
	entityID := c.QueryParam("entity_id")
	if entityID == "" {
		return apperrors.Validation("entity_id is required", "entity_id")
	}

	limit := session.ParseLimit(c.QueryParam("limit"), defaultSessionPage, maxSessionPage)
	offset := 0
	if raw := c.QueryParam("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			offset = n
		}
	}

	sessions, err := s.sessions.ListByEntity(c.Request().Context(), entityID, limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"sessions": sessions,
		"limit":    limit,
		"offset":   offset,
	})
}
