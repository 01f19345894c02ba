package health

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsHandler refreshes the gauges from the latest State snapshot just
// before delegating to the standard Prometheus exposition handler.
func metricsHandler(state *State, metrics *Metrics) http.Handler {
	expo := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.refresh(state.Snapshot())
		expo.ServeHTTP(w, r)
	})
}

// Metrics holds the Prometheus gauges exposed at GET /metrics (spec §6),
// grounded on the Generativebots-ocx-backend-go-svc escrow package's
// promauto.NewGaugeVec idiom (internal/escrow/metrics.go).
type Metrics struct {
	Healthy       *prometheus.GaugeVec
	Uptime        *prometheus.GaugeVec
	WSConnected   *prometheus.GaugeVec
	OfflineDepth  *prometheus.GaugeVec
	ExecTotal     *prometheus.GaugeVec
	ExecFailed    *prometheus.GaugeVec
	ExecAvgMS     *prometheus.GaugeVec
}

// NewMetrics registers the eyeflow_node_* gauge vectors (spec §6).
func NewMetrics() *Metrics {
	return &Metrics{
		Healthy: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eyeflow_node_healthy",
			Help: "1 if the node's health status is ok, else 0.",
		}, []string{"node_id", "tier"}),
		Uptime: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eyeflow_node_uptime_seconds",
			Help: "Seconds since this node process started.",
		}, []string{"node_id"}),
		WSConnected: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eyeflow_ws_connected",
			Help: "1 if the central link is currently connected, else 0.",
		}, []string{"node_id"}),
		OfflineDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eyeflow_offline_buffer_depth",
			Help: "Current number of envelopes held in the offline buffer.",
		}, []string{"node_id"}),
		ExecTotal: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eyeflow_executions_total",
			Help: "Total slice executions run by this node.",
		}, []string{"node_id"}),
		ExecFailed: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eyeflow_executions_failed",
			Help: "Total slice executions that returned FAILED.",
		}, []string{"node_id"}),
		ExecAvgMS: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eyeflow_execution_avg_ms",
			Help: "Running average slice execution duration in milliseconds.",
		}, []string{"node_id"}),
	}
}

func (m *Metrics) refresh(snap Snapshot) {
	healthy := 0.0
	if snap.Status() == "ok" {
		healthy = 1.0
	}
	m.Healthy.WithLabelValues(snap.NodeID, snap.Tier).Set(healthy)
	m.Uptime.WithLabelValues(snap.NodeID).Set(float64(snap.UptimeSecs))
	connected := 0.0
	if snap.WSConnected {
		connected = 1.0
	}
	m.WSConnected.WithLabelValues(snap.NodeID).Set(connected)
	m.OfflineDepth.WithLabelValues(snap.NodeID).Set(float64(snap.OfflineDepth))
	m.ExecTotal.WithLabelValues(snap.NodeID).Set(float64(snap.Executions))
	m.ExecFailed.WithLabelValues(snap.NodeID).Set(float64(snap.ExecutionsFail))
	m.ExecAvgMS.WithLabelValues(snap.NodeID).Set(snap.AvgMS)
}

// healthPayload is the GET /health response body (spec §6).
type healthPayload struct {
	Status       string       `json:"status"`
	NodeID       string       `json:"node_id"`
	Tier         string       `json:"tier"`
	UptimeSecs   int64        `json:"uptime_secs"`
	WSConnected  bool         `json:"ws_connected"`
	OfflineDepth int64        `json:"offline_depth"`
	Executions   execPayload  `json:"executions"`
}

type execPayload struct {
	Total  int64   `json:"total"`
	Failed int64   `json:"failed"`
	AvgMS  float64 `json:"avg_ms"`
}

// NewServer builds the echo.Echo health-probe router (spec §6), out-of-core
// glue over the in-scope State atomics (spec §1 "Out of scope" names the
// HTTP health-probe server itself as an external collaborator; only State
// is core). Grounded on the teacher's cmd/orchestrator/main.go
// setupEcho/setupHealthCheck pattern.
func NewServer(state *State, metrics *Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/health", func(c echo.Context) error {
		snap := state.Snapshot()
		return c.JSON(http.StatusOK, healthPayload{
			Status:       snap.Status(),
			NodeID:       snap.NodeID,
			Tier:         snap.Tier,
			UptimeSecs:   snap.UptimeSecs,
			WSConnected:  snap.WSConnected,
			OfflineDepth: snap.OfflineDepth,
			Executions: execPayload{
				Total:  snap.Executions,
				Failed: snap.ExecutionsFail,
				AvgMS:  snap.AvgMS,
			},
		})
	})

	e.GET("/ready", func(c echo.Context) error {
		snap := state.Snapshot()
		if snap.Ready() {
			return c.JSON(http.StatusOK, map[string]bool{"ready": true})
		}
		return c.JSON(http.StatusServiceUnavailable, map[string]bool{"ready": false})
	})

	e.GET("/metrics", echo.WrapHandler(metricsHandler(state, metrics)))

	// Every other path maps to /health (spec §6).
	e.Any("/*", func(c echo.Context) error {
		snap := state.Snapshot()
		return c.JSON(http.StatusOK, healthPayload{
			Status:       snap.Status(),
			NodeID:       snap.NodeID,
			Tier:         snap.Tier,
			UptimeSecs:   snap.UptimeSecs,
			WSConnected:  snap.WSConnected,
			OfflineDepth: snap.OfflineDepth,
			Executions: execPayload{
				Total:  snap.Executions,
				Failed: snap.ExecutionsFail,
				AvgMS:  snap.AvgMS,
			},
		})
	})

	return e
}
