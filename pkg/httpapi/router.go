// Package httpapi serves the collector's operational endpoints.
package httpapi

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds and returns the Echo instance with all routes registered.
func NewRouter(store Pinger, ticks LastReporter, interval time.Duration) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	healthHandler := NewHealthHandler()
	// Three missed intervals before readiness flips.
	readyHandler := NewReadinessHandler(store, ticks, 3*interval)
	tickHandler := NewTickHandler(ticks)

	e.GET("/health", healthHandler.Liveness)
	e.GET("/health/ready", readyHandler.Readiness)
	e.GET("/ticks/last", tickHandler.Last)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}
