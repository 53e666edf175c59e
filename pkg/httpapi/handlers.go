package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/censys/brt-gps-collector/pkg/pipeline"
)

// Pinger is a dependency whose reachability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LastReporter exposes the most recent tick report.
type LastReporter interface {
	Last() (pipeline.Report, bool)
}

// HealthHandler handles GET /health, the liveness probe.
type HealthHandler struct{}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

func (h *HealthHandler) Liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// ReadinessHandler handles GET /health/ready. It checks the store and
// reports how the last tick went.
type ReadinessHandler struct {
	store  Pinger
	ticks  LastReporter
	maxAge time.Duration
	now    func() time.Time
}

// NewReadinessHandler builds the readiness probe. A last tick older than
// maxAge marks the collector as stalled.
func NewReadinessHandler(store Pinger, ticks LastReporter, maxAge time.Duration) *ReadinessHandler {
	return &ReadinessHandler{store: store, ticks: ticks, maxAge: maxAge, now: time.Now}
}

type dependencyStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status       string                      `json:"status"`
	Dependencies map[string]dependencyStatus `json:"dependencies"`
	LastTick     *pipeline.Report            `json:"last_tick,omitempty"`
}

func (h *ReadinessHandler) Readiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	deps := make(map[string]dependencyStatus)
	healthy := true

	if err := h.store.Ping(ctx); err != nil {
		deps["postgres"] = dependencyStatus{Status: "unhealthy", Error: err.Error()}
		healthy = false
	} else {
		deps["postgres"] = dependencyStatus{Status: "ok"}
	}

	resp := readinessResponse{Dependencies: deps}
	if last, ok := h.ticks.Last(); ok {
		resp.LastTick = &last
		if h.maxAge > 0 && h.now().Sub(last.FinishedAt) > h.maxAge {
			deps["scheduler"] = dependencyStatus{Status: "stalled", Error: "no tick finished within " + h.maxAge.String()}
			healthy = false
		}
	}

	resp.Status = "ok"
	httpStatus := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, resp)
}

// TickHandler handles GET /ticks/last.
type TickHandler struct {
	ticks LastReporter
}

func NewTickHandler(ticks LastReporter) *TickHandler {
	return &TickHandler{ticks: ticks}
}

func (h *TickHandler) Last(c echo.Context) error {
	last, ok := h.ticks.Last()
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no tick has finished yet"})
	}
	return c.JSON(http.StatusOK, last)
}
