package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// ServerConfig configures the metrics endpoint.
type ServerConfig struct {
	Listen    string
	Path      string
	Collector *MetricsCollector
	Logger    *slog.Logger
}

// NewHandler builds the echo router serving metrics and a liveness probe.
func NewHandler(cfg ServerConfig) *echo.Echo {
	if cfg.Collector == nil {
		cfg.Collector = Collector
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET(cfg.Path, echo.WrapHandler(cfg.Collector.Handler()))
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status": "ok",
			"uptime": cfg.Collector.Uptime().Round(time.Second).String(),
		})
	})
	return e
}

// Serve runs the metrics endpoint until ctx is cancelled.
func Serve(ctx context.Context, cfg ServerConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := NewHandler(cfg)

	errCh := make(chan error, 1)
	go func() {
		cfg.Logger.Info("metrics endpoint listening", "addr", cfg.Listen)
		errCh <- e.Start(cfg.Listen)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
