// Package metrics documents the Prometheus metrics exposed by the sync
// client. All metrics are defined in their owning packages via promauto
// to maintain modularity and avoid circular dependencies; this package
// is the reference inventory.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registerer the client publishes to.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - gsc_rate_limit_denied_total{account, site} (Counter): Batch admissions denied
//   - gsc_rate_limit_warnings_total{account, site} (Counter): Windows crossing the warning threshold
//   - gsc_rate_limit_window_usage{account, site} (Gauge): Requests counted in the current window
//
// Retry Metrics (pkg/retry):
//   - gsc_retries_total (Counter): Retry attempts
//   - gsc_retry_backoff_seconds (Histogram): Backoff durations
//   - gsc_retry_exhausted_total (Counter): Operations that exhausted max retries
//
// Batch Metrics (pkg/batch):
//   - gsc_batches_total{status} (Counter): HTTP batch calls by status code or network_error
//   - gsc_batch_duration_seconds (Histogram): Batch call duration
//   - gsc_batch_parts_total (Counter): Sub-responses parsed out of batch payloads
//
// Coordinator Metrics (pkg/coordinator):
//   - gsc_coordinator_queue_depth (Gauge): Work units waiting in the queue
//   - gsc_coordinator_inflight_units (Gauge): Units checked out by workers
//   - gsc_coordinator_pending_writes (Gauge): Writer tasks not yet completed
//   - gsc_coordinator_halts_total{code} (Counter): Halt events by reason code
//   - gsc_coordinator_dates_completed_total (Counter): Dates fully paginated
//
// Dead Letter Metrics (pkg/deadletter):
//   - gsc_dead_letters_total{backend} (Counter): Recorded unit failures by sink backend
//
// Example Prometheus Queries:
//
//   # Quota pressure per site
//   gsc_rate_limit_window_usage / 1200
//
//   # Batch error rate
//   sum(rate(gsc_batches_total{status!="200"}[5m])) / sum(rate(gsc_batches_total[5m]))
//
//   # P95 batch latency
//   histogram_quantile(0.95, rate(gsc_batch_duration_seconds_bucket[5m]))
//
//   # Halts by cause
//   increase(gsc_coordinator_halts_total[1h])
