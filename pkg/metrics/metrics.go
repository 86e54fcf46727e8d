// Package metrics declares the prometheus collectors of the orchestration engine.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txflow",
			Subsystem: "driver",
			Name:      "submissions_total",
			Help:      "Transaction submissions by chain and outcome",
		},
		[]string{"chain", "outcome"}, // submitted, recovered, failed
	)

	chainSwitchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txflow",
			Subsystem: "driver",
			Name:      "chain_switches_total",
			Help:      "Wallet chain switch requests by target chain and result",
		},
		[]string{"chain", "result"}, // ok, skipped, rejected, added, failed
	)

	classifiedErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txflow",
			Subsystem: "classifier",
			Name:      "errors_total",
			Help:      "Classified signer and provider errors",
		},
		[]string{"category", "code"},
	)

	gasFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txflow",
			Subsystem: "resolver",
			Name:      "gas_fallbacks_total",
			Help:      "Gas parameter resolutions that used hardcoded defaults",
		},
		[]string{"chain"},
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txflow",
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Automatic retries by error category",
		},
		[]string{"category"},
	)

	backendRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "txflow",
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Help:      "Quote, prepare, action and status request latency",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"endpoint", "status"},
	)

	quotesDiscardedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "txflow",
			Subsystem: "backend",
			Name:      "quotes_discarded_total",
			Help:      "Quote responses dropped because a newer request superseded them",
		},
	)
)

// Register registers all collectors with the default registry
func Register() {
	registerIfNotExists(collectors.NewGoCollector(), "go_collector")
	registerIfNotExists(submissionsTotal, "submissions_total")
	registerIfNotExists(chainSwitchesTotal, "chain_switches_total")
	registerIfNotExists(classifiedErrorsTotal, "classified_errors_total")
	registerIfNotExists(gasFallbacksTotal, "gas_fallbacks_total")
	registerIfNotExists(retriesTotal, "retries_total")
	registerIfNotExists(backendRequestDuration, "backend_request_duration")
	registerIfNotExists(quotesDiscardedTotal, "quotes_discarded_total")
}

func registerIfNotExists(collector prometheus.Collector, name string) {
	if err := prometheus.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegErr) {
			log.Debug().Str("collector", name).Msg("metric already registered")
			return
		}
		log.Error().Err(err).Str("collector", name).Msg("failed to register metric")
	}
}

// Serve exposes /metrics on addr until ctx is cancelled
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func chainLabel(chainID int64) string {
	return strconv.FormatInt(chainID, 10)
}

// RecordSubmission counts one submission outcome
func RecordSubmission(chainID int64, outcome string) {
	submissionsTotal.WithLabelValues(chainLabel(chainID), outcome).Inc()
}

// RecordChainSwitch counts one chain switch attempt
func RecordChainSwitch(chainID int64, result string) {
	chainSwitchesTotal.WithLabelValues(chainLabel(chainID), result).Inc()
}

// RecordClassified counts one classified error
func RecordClassified(category, code string) {
	classifiedErrorsTotal.WithLabelValues(category, code).Inc()
}

// RecordGasFallback counts a gas resolution that used defaults
func RecordGasFallback(chainID int64) {
	gasFallbacksTotal.WithLabelValues(chainLabel(chainID)).Inc()
}

// RecordRetry counts one automatic retry
func RecordRetry(category string) {
	retriesTotal.WithLabelValues(category).Inc()
}

// ObserveBackend records the latency of one backend call
func ObserveBackend(endpoint, status string, elapsed time.Duration) {
	backendRequestDuration.WithLabelValues(endpoint, status).Observe(elapsed.Seconds())
}

// RecordDiscardedQuote counts a stale quote response
func RecordDiscardedQuote() {
	quotesDiscardedTotal.Inc()
}
