package server

import (
	"net/http"
	"time"

	"github.com/nimburion/mailqueue/pkg/config"
	"github.com/nimburion/mailqueue/pkg/health"
	"github.com/nimburion/mailqueue/pkg/middleware/logging"
	"github.com/nimburion/mailqueue/pkg/middleware/recovery"
	"github.com/nimburion/mailqueue/pkg/middleware/requestid"
	"github.com/nimburion/mailqueue/pkg/observability/logger"
	"github.com/nimburion/mailqueue/pkg/observability/metrics"
	"github.com/nimburion/mailqueue/pkg/server/router"
	"github.com/nimburion/mailqueue/pkg/version"
)

// Management endpoints.
const (
	HealthPath  = "/health"
	ReadyPath   = "/ready"
	MetricsPath = "/metrics"
	VersionPath = "/version"
)

// ManagementServer serves probes, metrics and build metadata on a separate
// listener from application traffic.
type ManagementServer struct {
	*Server
	healthRegistry  *health.Registry
	metricsRegistry *metrics.Registry
	info            version.Info
}

// NewManagementServer registers the management endpoints on r:
//   - /health answers 200 while the process is up
//   - /ready runs the health registry and answers 503 when a check is
//     unhealthy; degraded checks keep the service ready
//   - /metrics serves Prometheus metrics
//   - /version serves build metadata
func NewManagementServer(
	cfg config.ManagementConfig,
	shutdownTimeout time.Duration,
	r router.Router,
	log logger.Logger,
	healthRegistry *health.Registry,
	metricsRegistry *metrics.Registry,
	info version.Info,
) *ManagementServer {
	r.Use(
		requestid.RequestID(),
		logging.Logging(log, logging.Config{SkipPaths: []string{HealthPath, ReadyPath, MetricsPath}}),
		recovery.Recovery(log),
	)

	s := &ManagementServer{
		Server: NewServer(Config{
			Name:            "management",
			Host:            cfg.Host,
			Port:            cfg.Port,
			ReadTimeout:     cfg.ReadTimeout,
			WriteTimeout:    cfg.WriteTimeout,
			ShutdownTimeout: shutdownTimeout,
		}, r, log),
		healthRegistry:  healthRegistry,
		metricsRegistry: metricsRegistry,
		info:            info,
	}

	r.GET(HealthPath, s.handleHealth)
	r.GET(ReadyPath, s.handleReady)
	r.GET(MetricsPath, s.handleMetrics)
	r.GET(VersionPath, s.handleVersion)
	return s
}

func (s *ManagementServer) handleHealth(c router.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": health.StatusHealthy})
}

func (s *ManagementServer) handleReady(c router.Context) error {
	result := s.healthRegistry.Check(c.Request().Context())
	if result.Status == health.StatusUnhealthy {
		return c.JSON(http.StatusServiceUnavailable, result)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *ManagementServer) handleMetrics(c router.Context) error {
	s.metricsRegistry.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}

func (s *ManagementServer) handleVersion(c router.Context) error {
	return c.JSON(http.StatusOK, s.info)
}
