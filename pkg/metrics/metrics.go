// Package metrics exposes the Prometheus registry and the optional
// /metrics listener. All metrics are defined in their respective packages
// (auth, client, ratelimit, pagination, export) to maintain modularity and
// avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the default Prometheus registry used by the exporter.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Auth Metrics (pkg/auth):
//   - falcon_export_token_refreshes_total (Counter): OAuth2 token exchanges performed
//   - falcon_export_token_refresh_failures_total (Counter): Failed token exchanges
//
// Rate Limit Metrics (pkg/ratelimit):
//   - falcon_export_quota_remaining (Gauge): Remaining requests in the API quota window
//   - falcon_export_rate_limit_throttles_total (Counter): Requests delayed by quota pressure
//
// Retry Metrics (pkg/client):
//   - falcon_export_retries_total{error_class} (Counter): Retry attempts by error class
//   - falcon_export_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - falcon_export_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Pagination Metrics (pkg/pagination):
//   - falcon_export_pages_fetched_total (Counter): Pages downloaded across all jobs
//   - falcon_export_truncated_fetches_total (Counter): Fetches stopped at the offset ceiling
//
// Export Metrics (pkg/export):
//   - falcon_export_shards_total{state} (Counter): Shard outcomes by terminal state
//   - falcon_export_records_fetched_total (Counter): Records fetched across all shards
//   - falcon_export_job_polls_total (Counter): Export job status polls
//
// Example Prometheus Queries:
//
//   # Shard failure ratio
//   falcon_export_shards_total{state="failed"} /
//   sum(falcon_export_shards_total)
//
//   # Quota pressure
//   falcon_export_quota_remaining < 20
//
//   # Retry rate by class
//   rate(falcon_export_retries_total[5m])

// Serve runs a /metrics HTTP listener until ctx is cancelled. It returns
// once the listener has shut down. Startup failures are returned
// immediately.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Metrics listener started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
