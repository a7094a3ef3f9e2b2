package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/transitops/arrivals-proxy/internal/arrivals"
	"github.com/transitops/arrivals-proxy/internal/lifecycle"
	"github.com/transitops/arrivals-proxy/internal/models"
	"github.com/transitops/arrivals-proxy/internal/traffic"
	"github.com/transitops/arrivals-proxy/internal/upstream"
)

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// StorePing, when set, is called to check snapshot store reachability.
	// Used when the backend is memcached.
	StorePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	manager          *arrivals.Manager
	credential       string
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. credential may be empty; GetArrivals then
// reports the missing credential per request instead of failing at startup.
func NewHandler(manager *arrivals.Manager, credential string, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	return &Handler{
		manager:      manager,
		credential:   credential,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// cacheMeta describes how the response was served.
type cacheMeta struct {
	Hit   bool  `json:"hit"`
	Stale bool  `json:"stale"`
	AgeMs int64 `json:"ageMs"`
}

// arrivalsResponse is the envelope for GET /arrivals.
type arrivalsResponse struct {
	Data    []models.Arrival `json:"data"`
	Cache   cacheMeta        `json:"cache"`
	Message string           `json:"message,omitempty"`
}

// GetArrivals handles GET /arrivals. The credential check runs before any
// cache logic.
func (h *Handler) GetArrivals(w http.ResponseWriter, r *http.Request) {
	if h.credential == "" {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"message": "Missing credential",
		})
		return
	}

	result, err := h.manager.Get(r.Context(), h.credential)
	if err != nil {
		writeUpstreamError(w, r, err)
		return
	}

	resp := arrivalsResponse{
		Data: result.Data,
		Cache: cacheMeta{
			Hit:   result.Hit,
			Stale: result.Stale,
			AgeMs: result.Age.Milliseconds(),
		},
		Message: result.Message,
	}
	if resp.Data == nil {
		resp.Data = []models.Arrival{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if result.status == "degraded" {
		checks["upstream"] = "unhealthy"
	} else {
		checks["upstream"] = "healthy"
	}
	if h.healthConfig != nil && h.healthConfig.StorePing != nil {
		if h.healthConfig.StorePing() == nil {
			checks["store"] = "healthy"
		} else {
			checks["store"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "arrivals-proxy",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// computeHealthStatus determines the current health status in priority order:
// shutting-down > degraded (upstream error rate breach) > healthy. Stale
// serving keeps /arrivals returning 200, so degraded here is advisory for
// operators and load balancers, not a request failure signal.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errors, total := traffic.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errors) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeUpstreamError writes the cold-start failure response: no cached data
// exists and the fallback attempt also failed. Carries upstream status and
// truncated detail when available.
func writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	body := map[string]interface{}{
		"message": "Failed to fetch arrivals",
	}
	var ue *upstream.Error
	if errors.As(err, &ue) {
		body["upstream"] = map[string]interface{}{
			"status": ue.StatusCode,
			"detail": ue.Detail,
		}
	} else {
		body["upstream"] = map[string]interface{}{
			"detail": err.Error(),
		}
	}
	writeJSON(w, http.StatusInternalServerError, body)
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Debug("upstream error", zap.Error(err))
	}
}
