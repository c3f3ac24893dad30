// Package previewserver serves cached attachment preview bytes over a
// loopback-only HTTP listener so host UIs can render thumbnails without
// decrypting the full attachment blob themselves. Grounded on
// server/api.go (echo.New, middleware.Recover, a jsonErrorHandler giving
// every error response a consistent {"error": "..."} body) and
// server/internal/httpapi/server.go's Run(ctx, addr)-blocks-until-cancelled
// shutdown shape.
package previewserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"mi-e2ee/core/internal/store"
)

// Server serves GET /preview/:file_id from LocalStore's attachment
// manifest. It binds to loopback only; the Facade hands its address to the
// host UI out of band.
type Server struct {
	echo *echo.Echo
	st   *store.Store
}

// New constructs the Echo application and registers routes.
func New(st *store.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{echo: e, st: st}
	s.registerRoutes()
	return s
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			slog.Debug("preview http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}
	}
}

// jsonErrorHandler gives every error response a consistent {"error": "..."}
// body, matching server/api.go's posture for its own API surface.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		c.JSON(code, map[string]string{"error": msg}) //nolint:errcheck
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/preview/:file_id", s.handlePreview)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePreview(c echo.Context) error {
	fileID := strings.TrimSpace(c.Param("file_id"))
	if fileID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "file_id is required")
	}

	manifest, ok, err := s.st.AttachmentManifestFor(fileID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok || len(manifest.Preview) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "no cached preview for this file")
	}

	return c.Blob(http.StatusOK, "application/octet-stream", manifest.Preview)
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Run starts the server on addr (loopback, e.g. "127.0.0.1:0") and blocks
// until ctx is cancelled or startup fails.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutCtx)
	}
}
