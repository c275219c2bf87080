package server

import (
	"github.com/nimburion/mailqueue/pkg/config"
	"github.com/nimburion/mailqueue/pkg/middleware/logging"
	"github.com/nimburion/mailqueue/pkg/middleware/metrics"
	"github.com/nimburion/mailqueue/pkg/middleware/recovery"
	"github.com/nimburion/mailqueue/pkg/middleware/requestid"
	"github.com/nimburion/mailqueue/pkg/middleware/requestsize"
	"github.com/nimburion/mailqueue/pkg/middleware/tracing"
	"github.com/nimburion/mailqueue/pkg/observability/logger"
	"github.com/nimburion/mailqueue/pkg/server/router"
)

// PublicAPIServer serves application routes such as the accounts API.
type PublicAPIServer struct {
	*Server
}

// NewPublicAPIServer applies the public middleware stack to r, outermost
// first: request id, tracing, access log, panic recovery, metrics and the
// body size limit. Routes registered on r afterwards inherit it.
func NewPublicAPIServer(cfg config.HTTPConfig, r router.Router, log logger.Logger) *PublicAPIServer {
	r.Use(
		requestid.RequestID(),
		tracing.Tracing(),
		logging.Logging(log, logging.Config{}),
		recovery.Recovery(log),
		metrics.Metrics(),
		requestsize.Middleware(cfg.MaxRequestSize),
	)

	return &PublicAPIServer{
		Server: NewServer(Config{
			Name:            "public",
			Host:            cfg.Host,
			Port:            cfg.Port,
			ReadTimeout:     cfg.ReadTimeout,
			WriteTimeout:    cfg.WriteTimeout,
			IdleTimeout:     cfg.IdleTimeout,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, r, log),
	}
}
