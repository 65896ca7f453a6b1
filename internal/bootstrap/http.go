package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/inter-actief/courier/config"
	httpx "github.com/inter-actief/courier/internal/http"
	"github.com/inter-actief/courier/internal/service"
)

// HTTPServerConfig wires the scheduling and download API.
type HTTPServerConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
	// Errors receives a failure to listen, so a bad HTTP_ADDR stops the
	// process instead of leaving the runners up without an API.
	Errors chan<- error
}

// StartHTTPServer serves in the background and returns the server for
// ShutdownHTTPServer.
func StartHTTPServer(cfg *HTTPServerConfig) *http.Server {
	if cfg == nil {
		return nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	appCfg := cfg.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}

	server := &http.Server{
		Addr:         appCfg.HTTP.Addr,
		Handler:      buildHTTPHandler(logger, routerServices(cfg.Services, appCfg.HTTP, logger), appCfg.HTTP),
		ReadTimeout:  appCfg.HTTP.ReadTimeout,
		WriteTimeout: appCfg.HTTP.WriteTimeout,
		IdleTimeout:  2 * time.Minute,
	}
	if server.Addr == "" {
		server.Addr = ":8080"
	}

	go func() {
		logger.Info("starting HTTP server", "addr", server.Addr)
		err := server.ListenAndServe()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		logger.Error("HTTP server failed", "error", err)
		if cfg.Errors != nil {
			select {
			case cfg.Errors <- fmt.Errorf("http server: %w", err):
			default:
			}
		}
	}()
	return server
}

// routerServices leaves the interface fields nil for disabled services so
// their routes are not mounted.
func routerServices(s ServiceContainer, httpCfg config.HTTPConfig, logger *slog.Logger) httpx.RouterServices {
	rs := httpx.RouterServices{
		Jobs:      s.Jobs,
		APIToken:  httpCfg.APIToken,
		Readiness: s.Readiness,
		Logger:    logger,
	}
	if s.Mail != nil {
		rs.Mail = s.Mail
	}
	if s.Exports != nil {
		rs.Exports = s.Exports
	}
	if s.Workflows != nil {
		rs.Workflows = s.Workflows
	}
	if rs.APIToken == "" {
		logger.Warn("API_TOKEN is empty; scheduling endpoints are unauthenticated")
	}
	return rs
}

// buildHTTPHandler orders the middleware Recover, Logging, Compression,
// router, so logged sizes are the compressed ones.
func buildHTTPHandler(logger *slog.Logger, services httpx.RouterServices, httpCfg config.HTTPConfig) http.Handler {
	h := httpx.NewRouter(services)
	if httpCfg.CompressionEnabled {
		logger.Info("HTTP compression enabled", "level", httpCfg.CompressionLevel)
		h = httpx.Compression(httpx.CompressionConfig{Level: httpCfg.CompressionLevel, Logger: logger})(h)
	}
	return httpx.Recover(logger)(httpx.Logging(logger)(h))
}

// ShutdownConfig carries what ShutdownHTTPServer stops.
type ShutdownConfig struct {
	Context    context.Context
	Server     *http.Server
	JobService *service.JobService
	Logger     *slog.Logger
}

// ShutdownHTTPServer stops the runner wakeup listeners, then drains
// in-flight requests for up to ten seconds.
func ShutdownHTTPServer(cfg ShutdownConfig) error {
	if cfg.Server == nil {
		return nil
	}
	if cfg.Logger != nil {
		cfg.Logger.Info("shutting down HTTP server")
	}
	if cfg.JobService != nil {
		cfg.JobService.StopAllListeners()
	}

	ctx, cancel := context.WithTimeout(cfg.Context, 10*time.Second)
	defer cancel()
	if err := cfg.Server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if cfg.Logger != nil {
		cfg.Logger.Info("HTTP server stopped")
	}
	return nil
}
