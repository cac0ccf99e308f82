// Package metrics holds the Prometheus collectors exported by pkgkeeper and
// the HTTP endpoint serving them.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dmitrijs2005/pkgkeeper/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	proxyCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkgkeeper_proxy_cache_requests_total",
			Help: "Proxy repository fetches by cache result",
		},
		[]string{"result"},
	)
	storedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkgkeeper_storage_bytes_written_total",
			Help: "Bytes written through the storage adapter",
		},
		[]string{"backend"},
	)
	jobOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkgkeeper_jobs_total",
			Help: "Scheduled jobs by type and final status of the attempt",
		},
		[]string{"type", "status"},
	)
	leaderElections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkgkeeper_scheduler_elections_total",
			Help: "Scheduler leader election attempts by outcome",
		},
		[]string{"outcome"},
	)
	lockWaits = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pkgkeeper_lock_wait_seconds",
			Help:    "Time spent waiting for a resource lock",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"outcome"},
	)
	uploadSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pkgkeeper_docker_upload_sessions",
			Help: "Docker upload sessions currently open",
		},
	)
)

func CacheResult(result string) { proxyCacheRequests.WithLabelValues(result).Inc() }

func BytesStored(backend string, n int64) {
	if n > 0 {
		storedBytes.WithLabelValues(backend).Add(float64(n))
	}
}

func JobFinished(jobType, status string) { jobOutcomes.WithLabelValues(jobType, status).Inc() }

func Election(won bool) {
	if won {
		leaderElections.WithLabelValues("leader").Inc()
		return
	}
	leaderElections.WithLabelValues("follower").Inc()
}

func LockWait(acquired bool, d time.Duration) {
	outcome := "acquired"
	if !acquired {
		outcome = "contended"
	}
	lockWaits.WithLabelValues(outcome).Observe(d.Seconds())
}

func UploadSessionOpened() { uploadSessions.Inc() }

func UploadSessionClosed() { uploadSessions.Dec() }

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "metrics endpoint listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
