// Package metrics 暴露 Prometheus 指标与健康检查端点
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// 报警生命周期
	AlertsTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visionpulse_alerts_triggered_total",
			Help: "Total alert events triggered",
		},
		[]string{"alert_type"},
	)

	AlertsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visionpulse_alerts_resolved_total",
			Help: "Total alert events resolved",
		},
		[]string{"alert_type", "resolution_method"},
	)

	AlertsSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visionpulse_alerts_suppressed_total",
			Help: "Alert triggers suppressed by cooldown or repetition caps",
		},
		[]string{"alert_type", "reason"},
	)

	// 会话生命周期
	SessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "visionpulse_sessions_started_total",
			Help: "Total monitoring sessions started",
		},
	)

	SessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visionpulse_sessions_ended_total",
			Help: "Total monitoring sessions ended",
		},
		[]string{"status"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "visionpulse_sessions_active",
			Help: "Number of currently active monitoring sessions",
		},
	)

	AutoPauses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visionpulse_auto_pauses_total",
			Help: "Automatic session pauses by reason",
		},
		[]string{"reason"},
	)

	// 评估循环
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "visionpulse_tick_duration_seconds",
			Help:    "Orchestrator tick duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5},
		},
	)

	SnapshotsStale = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "visionpulse_snapshots_stale_total",
			Help: "Ticks skipped because the realtime snapshot was stale or missing",
		},
	)

	// 持久化
	PersistenceConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "visionpulse_persistence_conflicts_total",
			Help: "Unique-violation conflicts resolved by reload",
		},
	)

	PersistenceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visionpulse_persistence_errors_total",
			Help: "Database errors by operation",
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(
		AlertsTriggered,
		AlertsResolved,
		AlertsSuppressed,
		SessionsStarted,
		SessionsEnded,
		SessionsActive,
		AutoPauses,
		TickDuration,
		SnapshotsStale,
		PersistenceConflicts,
		PersistenceErrors,
	)
}

// Server 指标 HTTP 服务
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// NewServer 创建指标服务（/metrics + /health）
func NewServer(addr string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With(zap.String("component", "metrics")),
	}
}

// Start 后台启动指标服务
func (s *Server) Start() {
	s.logger.Info("Starting metrics server", zap.String("addr", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server error", zap.Error(err))
		}
	}()
}

// Stop 停止指标服务
func (s *Server) Stop() error {
	s.logger.Info("Stopping metrics server")
	return s.server.Close()
}
