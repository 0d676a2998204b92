// Package metrics exposes importer and exchange telemetry as Prometheus
// metrics and serves them over HTTP.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/johnayoung/go-ohlcv-importer/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ohlcv"

// Recorder owns a registry and the importer's metric families. It satisfies
// the exchange Observer interface.
type Recorder struct {
	registry *prometheus.Registry

	exchangeRequests *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	ticksFetched     *prometheus.CounterVec
	candlesImported  *prometheus.CounterVec
	importFailures   *prometheus.CounterVec
	lastCandle       *prometheus.GaugeVec
}

// NewRecorder creates a Recorder with its own registry, including the Go
// runtime and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		exchangeRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exchange_requests_total",
				Help:      "Exchange API requests by outcome",
			},
			[]string{"exchange", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "exchange_request_duration_seconds",
				Help:      "Exchange API request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"exchange"},
		),
		ticksFetched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticks_fetched_total",
				Help:      "Trade ticks received from exchanges",
			},
			[]string{"exchange"},
		),
		candlesImported: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candles_imported_total",
				Help:      "Candles written to storage",
			},
			[]string{"exchange", "symbol"},
		),
		importFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "import_failures_total",
				Help:      "Imports that ended in an error",
			},
			[]string{"exchange", "symbol"},
		),
		lastCandle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_candle_timestamp_seconds",
				Help:      "Open time of the newest imported candle",
			},
			[]string{"exchange", "symbol"},
		),
	}

	r.registry.MustRegister(
		r.exchangeRequests,
		r.requestDuration,
		r.ticksFetched,
		r.candlesImported,
		r.importFailures,
		r.lastCandle,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveRequest records one exchange request.
func (r *Recorder) ObserveRequest(exchange, outcome string, duration time.Duration) {
	r.exchangeRequests.WithLabelValues(exchange, outcome).Inc()
	r.requestDuration.WithLabelValues(exchange).Observe(duration.Seconds())
}

// ObserveTicks records ticks received in one response.
func (r *Recorder) ObserveTicks(exchange string, count int) {
	r.ticksFetched.WithLabelValues(exchange).Add(float64(count))
}

// ObserveCandles records candles stored for symbol, the newest opening at last.
func (r *Recorder) ObserveCandles(exchange, symbol string, count int, last time.Time) {
	if count <= 0 {
		return
	}
	r.candlesImported.WithLabelValues(exchange, symbol).Add(float64(count))
	r.lastCandle.WithLabelValues(exchange, symbol).Set(float64(last.Unix()))
}

// ObserveImportFailure records a failed import.
func (r *Recorder) ObserveImportFailure(exchange, symbol string) {
	r.importFailures.WithLabelValues(exchange, symbol).Inc()
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Server exposes a Recorder and a liveness endpoint over HTTP.
type Server struct {
	cfg    config.MetricsConfig
	server *http.Server
	logger *slog.Logger
}

// NewServer creates a metrics server for the given recorder.
func NewServer(cfg config.MetricsConfig, recorder *Recorder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, recorder.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})

	return &Server{
		cfg: cfg,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves in the background until Stop is called.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics server listening", "addr", s.server.Addr, "path", s.cfg.Path)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
