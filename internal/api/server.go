// Package api is the HTTP surface of the dispatcher, built on echo.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/execbox/execbox/internal/apperrors"
	"github.com/execbox/execbox/internal/auth"
	"github.com/execbox/execbox/internal/config"
	"github.com/execbox/execbox/internal/filestore"
	"github.com/execbox/execbox/internal/metrics"
	"github.com/execbox/execbox/internal/orchestrator"
	"github.com/execbox/execbox/internal/pool"
	"github.com/execbox/execbox/internal/session"
	"github.com/execbox/execbox/internal/state"
)

// Executor runs the execution pipeline.
type Executor interface {
	Execute(ctx context.Context, req *orchestrator.Request) (*orchestrator.Response, error)
}

// Sessions is the registry surface the handlers use.
type Sessions interface {
	Create(ctx context.Context, entityID, userID, language string) (*session.Session, error)
	Get(ctx context.Context, id string) (*session.Session, error)
	Delete(ctx context.Context, id string) error
	ListByEntity(ctx context.Context, entityID string, limit, offset int) ([]*session.Session, error)
}

// States is the state-store surface the handlers use.
type States interface {
	Load(ctx context.Context, sessionID string) ([]byte, error)
	SaveUploaded(ctx context.Context, sessionID string, data []byte) error
	Info(ctx context.Context, sessionID string) (*state.Meta, error)
	Delete(ctx context.Context, sessionID string) error
}

// Files is the file-store surface the handlers use.
type Files interface {
	Store(ctx context.Context, sessionID, name, contentType, kind string, content []byte) (*filestore.File, error)
	PresignUpload(ctx context.Context, sessionID, name, contentType string) (*filestore.File, string, error)
	ConfirmUpload(ctx context.Context, sessionID, fileID string) (*filestore.File, error)
	List(ctx context.Context, sessionID string) ([]*filestore.File, error)
	GetContent(ctx context.Context, sessionID, fileID string) ([]byte, *filestore.File, error)
	PresignDownload(ctx context.Context, sessionID, fileID string) (string, error)
	Delete(ctx context.Context, sessionID, fileID string) error
}

// Pools reports warm-pool status.
type Pools interface {
	Stats() []pool.Stats
}

// Server wires the HTTP routes to the services.
type Server struct {
	echo     *echo.Echo
	cfg      *config.Config
	exec     Executor
	sessions Sessions
	states   States
	files    Files
	pools    Pools
}

func NewServer(cfg *config.Config, exec Executor, sessions Sessions, states States, files Files, pools Pools) *Server {
	s := &Server{
		echo:     echo.New(),
		cfg:      cfg,
		exec:     exec,
		sessions: sessions,
		states:   states,
		files:    files,
		pools:    pools,
	}

	e := s.echo
	e.HideBanner = true
	e.HTTPErrorHandler = errorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger())
	e.Use(middleware.CORS())
	e.Use(metrics.Middleware())
	e.Use(auth.APIKeyMiddleware(cfg.APIKey))

	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", metrics.Handler())
	e.GET("/pools", s.handlePools)

	e.POST("/exec", s.handleExec)

	e.GET("/state/:session_id", s.handleStateGet)
	e.POST("/state/:session_id", s.handleStatePut)
	e.GET("/state/:session_id/info", s.handleStateInfo)
	e.DELETE("/state/:session_id", s.handleStateDelete)

	e.POST("/upload", s.handleUpload)
	e.POST("/files/presign", s.handleFilePresign)
	e.POST("/files/:session_id/:file_id/confirm", s.handleFileConfirm)
	e.GET("/files/:session_id", s.handleFileList)
	e.GET("/files/:session_id/:file_id", s.handleFileGet)
	e.GET("/files/:session_id/:file_id/url", s.handleFileURL)
	e.DELETE("/files/:session_id/:file_id", s.handleFileDelete)

	e.POST("/sessions", s.handleSessionCreate)
	e.GET("/sessions", s.handleSessionList)
	e.GET("/sessions/:session_id", s.handleSessionGet)
	e.DELETE("/sessions/:session_id", s.handleSessionDelete)
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	log.Printf("api: listening on %s", addr)
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handlePools(c echo.Context) error {
	stats := s.pools.Stats()
	for _, st := range stats {
		metrics.PoolAvailable.WithLabelValues(st.Language).Set(float64(st.Available))
		metrics.PoolTarget.WithLabelValues(st.Language).Set(float64(st.Target))
	}
	return c.JSON(http.StatusOK, map[string]any{"pools": stats})
}

func (s *Server) handleExec(c echo.Context) error {
	var req orchestrator.Request
	if err := c.Bind(&req); err != nil {
		return apperrors.Validation("invalid request body", "")
	}

	resp, err := s.exec.Execute(c.Request().Context(), &req)
	if err != nil {
		return err
	}

	metrics.ObserveExecution(resp.Language, resp.Status, resp.Source, time.Duration(resp.ElapsedMS)*time.Millisecond)
	return c.JSON(http.StatusOK, resp)
}

// errorHandler renders apperrors with their mapped status and attaches the
// request ID; anything else becomes a 500.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	requestID := c.Response().Header().Get(echo.HeaderXRequestID)

	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		appErr.RequestID = requestID
		if jsonErr := c.JSON(appErr.Status(), appErr); jsonErr != nil {
			log.Printf("api: write error response: %v", jsonErr)
		}
		return
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		c.JSON(httpErr.Code, map[string]any{
			"error":      fmt.Sprintf("%v", httpErr.Message),
			"request_id": requestID,
		})
		return
	}

	log.Printf("api: unhandled error: %v", err)
	c.JSON(http.StatusInternalServerError, map[string]any{
		"error":      "internal server error",
		"error_type": string(apperrors.KindInternal),
		"request_id": requestID,
	})
}
