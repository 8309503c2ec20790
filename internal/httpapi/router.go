// Package httpapi 运维 HTTP 接口：健康检查、指标、最近读数与报警、报警 websocket
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"owl-telemetry/internal/cache"
	"owl-telemetry/internal/models"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const healthCheckTimeout = 2 * time.Second

// ReadingQuerier 最近读数查询
type ReadingQuerier interface {
	RecentReadings(ctx context.Context, tenantID, device string, limit int) ([]models.Reading, error)
}

// LatestReader 最新读数缓存
type LatestReader interface {
	GetLatest(ctx context.Context, tenantID, device string) (*models.Reading, error)
}

// AlertQuerier 最近报警查询
type AlertQuerier interface {
	RecentAlerts(ctx context.Context, tenantID string, limit int) ([]models.Alert, error)
}

// HealthCheck 依赖健康检查
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps 路由依赖；为 nil 的查询接口不注册对应路由
type Deps struct {
	TenantID string
	Domain   string
	Readings ReadingQuerier
	Latest   LatestReader
	Alerts   AlertQuerier
	Hub      *Hub
	Gatherer prometheus.Gatherer
	Checks   []HealthCheck
}

type handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewRouter 注册运维路由
func NewRouter(deps Deps, logger *zap.Logger) *mux.Router {
	h := &handler{deps: deps, logger: logger}
	r := mux.NewRouter()
	r.Use(h.logRequests)

	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	if deps.Readings != nil {
		api.HandleFunc("/readings", h.recentReadings).Methods(http.MethodGet)
		api.HandleFunc("/devices/{device}/latest", h.latestReading).Methods(http.MethodGet)
	}
	if deps.Alerts != nil {
		api.HandleFunc("/alerts", h.recentAlerts).Methods(http.MethodGet)
	}
	if deps.Hub != nil {
		api.HandleFunc("/alerts/stream", deps.Hub.ServeWS).Methods(http.MethodGet)
	}
	return r
}

func (h *handler) healthz(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	failing := map[string]string{}
	for _, c := range h.deps.Checks {
		if err := c.Check(ctx); err != nil {
			failing[c.Name] = err.Error()
		}
	}
	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, Result[map[string]string]{
			Code: ResultError, Type: "error", Message: "unhealthy", Result: failing,
		})
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
}

func (h *handler) recentReadings(w http.ResponseWriter, req *http.Request) {
	device := req.URL.Query().Get("device")
	if device != "" && !models.IsKnownDevice(h.deps.Domain, device) {
		writeJSON(w, http.StatusBadRequest, Fail("unknown device: "+device))
		return
	}
	limit := parseInt(req.URL.Query().Get("limit"), 0)

	readings, err := h.deps.Readings.RecentReadings(req.Context(), h.deps.TenantID, device, limit)
	if err != nil {
		h.logger.Error("Failed to query readings", zap.String("device", device), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to query readings"))
		return
	}
	if readings == nil {
		readings = []models.Reading{}
	}
	writeJSON(w, http.StatusOK, Ok(readings))
}

func (h *handler) latestReading(w http.ResponseWriter, req *http.Request) {
	device := mux.Vars(req)["device"]
	if !models.IsKnownDevice(h.deps.Domain, device) {
		writeJSON(w, http.StatusNotFound, Fail("unknown device: "+device))
		return
	}

	// 1. 缓存
	if h.deps.Latest != nil {
		reading, err := h.deps.Latest.GetLatest(req.Context(), h.deps.TenantID, device)
		if err == nil {
			writeJSON(w, http.StatusOK, Ok(reading))
			return
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			h.logger.Warn("Latest cache read failed, falling back to store", zap.String("device", device), zap.Error(err))
		}
	}

	// 2. 回源
	readings, err := h.deps.Readings.RecentReadings(req.Context(), h.deps.TenantID, device, 1)
	if err != nil {
		h.logger.Error("Failed to query latest reading", zap.String("device", device), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to query readings"))
		return
	}
	if len(readings) == 0 {
		writeJSON(w, http.StatusNotFound, Fail("no readings for device: "+device))
		return
	}
	writeJSON(w, http.StatusOK, Ok(readings[0]))
}

func (h *handler) recentAlerts(w http.ResponseWriter, req *http.Request) {
	limit := parseInt(req.URL.Query().Get("limit"), 0)
	alerts, err := h.deps.Alerts.RecentAlerts(req.Context(), h.deps.TenantID, limit)
	if err != nil {
		h.logger.Error("Failed to query alerts", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to query alerts"))
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, Ok(alerts))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		// websocket 需要原始 ResponseWriter 做 Hijack
		if websocketRequested(req) {
			next.ServeHTTP(w, req)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		h.logger.Debug("HTTP request",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func websocketRequested(req *http.Request) bool {
	return req.Header.Get("Upgrade") == "websocket"
}
