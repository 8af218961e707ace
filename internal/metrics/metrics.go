// Package metrics exposes pipeline counters on a Prometheus endpoint.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"voxpipe/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

var (
	StageMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxpipe_stage_messages_total",
			Help: "Messages handled per stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voxpipe_stage_duration_seconds",
			Help:    "Time spent on one message per stage",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"stage"},
	)

	ConversationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxpipe_conversations_total",
			Help: "Conversations finalized by rollup status",
		},
		[]string{"status"},
	)

	ReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voxpipe_reclaimed_messages_total",
			Help: "Stale processing messages returned to their prior state",
		},
	)
)

func init() {
	prometheus.MustRegister(StageMessagesTotal, StageDuration, ConversationsTotal, ReclaimedTotal)
}

// ObserveStage records one message outcome and its duration.
func ObserveStage(stage, outcome string, took time.Duration) {
	StageMessagesTotal.WithLabelValues(stage, outcome).Inc()
	if outcome != OutcomeSkipped {
		StageDuration.WithLabelValues(stage).Observe(took.Seconds())
	}
}

// Server serves /metrics and /healthz.
type Server struct {
	server *http.Server
}

func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{server: &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}}
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start() {
	go func() {
		logger.Info("Starting metrics server", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
