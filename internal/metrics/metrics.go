package metrics

import (
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Publish metrics
	PushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usagesync_pushes_total",
			Help: "Snapshot push attempts by result",
		},
		[]string{"result"},
	)

	PayloadBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "usagesync_payload_bytes",
			Help:    "Encoded snapshot size in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 4, 7),
		},
	)

	PublishCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usagesync_publish_cycles_total",
			Help: "Publisher cycles by outcome",
		},
		[]string{"outcome"},
	)

	Syncing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "usagesync_syncing",
			Help: "1 while a snapshot push is in progress",
		},
	)

	LastSyncTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "usagesync_last_sync_timestamp_seconds",
			Help: "Unix time of the last completed push attempt",
		},
	)

	ProvidersPublished = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "usagesync_providers_published",
			Help: "Number of providers in the last pushed snapshot",
		},
	)

	// Subscribe metrics
	FetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usagesync_fetches_total",
			Help: "Snapshot fetches by result",
		},
		[]string{"result"},
	)

	ChangeNotificationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "usagesync_change_notifications_total",
			Help: "External change notifications received from the shared store",
		},
	)

	// Store metrics
	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "usagesync_store_operation_duration_seconds",
			Help:    "Shared store operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usagesync_store_errors_total",
			Help: "Shared store operation errors",
		},
		[]string{"operation"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		PushesTotal,
		PayloadBytes,
		PublishCyclesTotal,
		Syncing,
		LastSyncTimestamp,
		ProvidersPublished,
		FetchesTotal,
		ChangeNotificationsTotal,
		StoreOperationDuration,
		StoreErrorsTotal,
	)
}

// HealthFunc reports whether the process is healthy. A nil error is healthy.
type HealthFunc func() error

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server. health may be nil.
func NewServer(addr string, health HealthFunc, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
