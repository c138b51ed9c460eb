package api

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/execbox/execbox/internal/apperrors"
	"github.com/execbox/execbox/internal/filestore"
	"github.com/execbox/execbox/internal/ids"
)

// maxUploadBytes caps direct uploads at 128 MiB; larger files go through
// presigned URLs.
const maxUploadBytes = 128 << 20

func fileParams(c echo.Context) (sessionID, fileID string, err error) {
	sessionID, err = sessionParam(c)
	if err != nil {
		return "", "", err
	}
	fileID = c.Param("file_id")
	if !ids.Valid(fileID) {
		return "", "", apperrors.Validation("invalid file id", "file_id")
	}
	return sessionID, fileID, nil
}

// handleUpload stores a file sent as multipart form data.
func (s *Server) handleUpload(c echo.Context) error {
	sessionID := c.FormValue("session_id")
	if !ids.Valid(sessionID) {
		return apperrors.Validation("invalid session id", "session_id")
	}

	header, err := c.FormFile("file")
	if err != nil {
		return apperrors.Validation("file part is required", "file")
	}
	if header.Size > maxUploadBytes {
		return apperrors.Validation("file exceeds the direct upload limit", "file")
	}

	src, err := header.Open()
	if err != nil {
		return apperrors.Internal("failed to open upload", err)
	}
	defer src.Close()

	content, err := io.ReadAll(io.LimitReader(src, maxUploadBytes))
	if err != nil {
		return apperrors.Internal("failed to read upload", err)
	}

	f, err := s.files.Store(c.Request().Context(), sessionID, header.Filename,
		header.Header.Get("Content-Type"), filestore.KindUpload, content)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, f)
}

type presignRequest struct {
	SessionID   string `json:"session_id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
}

// handleFilePresign registers a pending upload and returns the PUT URL.
func (s *Server) handleFilePresign(c echo.Context) error {
	var req presignRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Validation("invalid request body", "")
	}
	if !ids.Valid(req.SessionID) {
		return apperrors.Validation("invalid session id", "session_id")
	}
	if req.Name == "" {
		return apperrors.Validation("name is required", "name")
	}

	f, url, err := s.files.PresignUpload(c.Request().Context(), req.SessionID, req.Name, req.ContentType)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"file":       f,
		"upload_url": url,
	})
}

func (s *Server) handleFileConfirm(c echo.Context) error {
	sessionID, fileID, err := fileParams(c)
	if err != nil {
		return err
	}
	f, err := s.files.ConfirmUpload(c.Request().Context(), sessionID, fileID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, f)
}

func (s *Server) handleFileList(c echo.Context) error {
	sessionID, err := sessionParam(c)
	if err != nil {
		return err
	}
	files, err := s.files.List(c.Request().Context(), sessionID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleFileGet(c echo.Context) error {
	sessionID, fileID, err := fileParams(c)
	if err != nil {
		return err
	}
	content, f, err := s.files.GetContent(c.Request().Context(), sessionID, fileID)
	if err != nil {
		return err
	}

	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Response().Header().Set("Content-Disposition", `attachment; filename="`+f.Name+`"`)
	return c.Blob(http.StatusOK, contentType, content)
}

func (s *Server) handleFileURL(c echo.Context) error {
	sessionID, fileID, err := fileParams(c)
	if err != nil {
		return err
	}
	url, err := s.files.PresignDownload(c.Request().Context(), sessionID, fileID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleFileDelete(c echo.Context) error {
	sessionID, fileID, err := fileParams(c)
	if err != nil {
		return err
	}
	if err := s.files.Delete(c.Request().Context(), sessionID, fileID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
