// Package api exposes the service over HTTP and WebSocket: upload intake,
// progress streaming, results, health and the document admin surface. The
// wire format of progress updates is identical over the WebSocket stream and
// the polling status endpoint.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"bridge.linelead.io/health"
	"bridge.linelead.io/model"
	"bridge.linelead.io/progress"
	"bridge.linelead.io/reliability"
	"bridge.linelead.io/version"
)

// Ingestor accepts uploads; the pipeline implements it.
type Ingestor interface {
	Ingest(ctx context.Context, filename string, body io.Reader) (*model.Process, error)
}

// ProcessStore is the registry surface the API reads.
type ProcessStore interface {
	Get(processID string) (model.Process, bool)
	List() []model.Process
	Delete(processID string) bool
}

// HealthSource provides the dashboard rollup.
type HealthSource interface {
	Dashboard() *health.Dashboard
}

// UploadGate decides per-role intake during degraded modes.
type UploadGate interface {
	AllowUploadFrom(role string) error
}

// DLQViewer surfaces dead-lettered operations to operators.
type DLQViewer interface {
	Pending(class reliability.Classification) []reliability.FailedOp
	Resolve(id string) error
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int
	BodyLimit      string // e.g. "10M"
	AllowedOrigins []string
	RateLimit      float64 // requests per second, 0 = unlimited
	Debug          bool
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           8080,
		BodyLimit:      "12M", // multipart overhead above the 10 MiB document limit
		AllowedOrigins: []string{"*"},
	}
}

// Handlers bundles the API dependencies.
type Handlers struct {
	Ingestor  Ingestor
	Store     ProcessStore
	Bus       *progress.Bus
	Health    HealthSource
	Gate      UploadGate // optional
	DLQ       DLQViewer  // optional
	Metrics   http.Handler
	Logger    *logrus.Entry
}

// NewServer builds the echo server with the standard middleware stack and
// mounts the routes.
func NewServer(cfg ServerConfig, h *Handlers) *echo.Echo {
	if h.Logger == nil {
		h.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Debug

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		}))
	}
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RateLimit))))
	}

	e.POST("/upload", h.handleUpload)
	e.GET("/status/:id", h.handleStatus)
	e.GET("/result/:id", h.handleResult)
	e.GET("/progress/:id", h.handleProgressWS)
	e.GET("/health", h.handleHealth)
	e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, version.Build(c.QueryParam("full") == "true"))
	})
	e.GET("/documents", h.handleListDocuments)
	e.GET("/documents/:id", h.handleGetDocument)
	e.DELETE("/documents/:id", h.handleDeleteDocument)
	e.GET("/admin/dlq", h.handleDLQ)
	e.POST("/admin/dlq/:id/resolve", h.handleDLQResolve)
	if h.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(h.Metrics))
	}
	return e
}

// Shutdown drains the server with a deadline.
func Shutdown(e *echo.Echo, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	return e.Shutdown(ctx)
}
