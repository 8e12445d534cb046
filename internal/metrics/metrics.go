package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/circleback/sync-worker/internal/models"
)

var (
	syncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_worker_syncs_total",
		Help: "Sync attempts by integration, type, and result.",
	}, []string{"integration", "sync_type", "result"})

	syncSkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_worker_sync_skips_total",
		Help: "Skipped syncs by reason.",
	}, []string{"reason"})

	apiCallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_worker_provider_api_calls_total",
		Help: "Provider API calls actually made.",
	})

	apiCallsSavedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_worker_provider_api_calls_saved_total",
		Help: "Provider API calls avoided by skips and incremental syncs.",
	})

	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_worker_sync_duration_seconds",
		Help:    "Wall time of sync attempts.",
		Buckets: prometheus.DefBuckets,
	}, []string{"integration"})

	webhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_worker_webhook_events_total",
		Help: "Inbound webhook notifications by disposition.",
	}, []string{"result"})
)

// ObserveWebhookEvent counts one inbound push notification.
func ObserveWebhookEvent(result string) {
	webhookEventsTotal.WithLabelValues(result).Inc()
}

// MetricStore persists sync metric rows.
type MetricStore interface {
	Create(ctx context.Context, metric models.SyncMetric) error
}

// Recorder persists every sync attempt and mirrors it into Prometheus.
// The database rows feed the summary endpoint; the counters feed dashboards.
type Recorder struct {
	store MetricStore
}

func NewRecorder(store MetricStore) *Recorder {
	return &Recorder{store: store}
}

// Record implements the scheduler's metric contract.
func (r *Recorder) Record(ctx context.Context, metric models.SyncMetric) error {
	syncsTotal.WithLabelValues(string(metric.Integration), string(metric.SyncType), string(metric.Result)).Inc()
	if metric.Result == models.SyncResultSkipped && metric.SkipReason != nil {
		syncSkipsTotal.WithLabelValues(*metric.SkipReason).Inc()
	}
	apiCallsTotal.Add(float64(metric.APICallsMade))
	apiCallsSavedTotal.Add(float64(metric.APICallsSaved))
	syncDuration.WithLabelValues(string(metric.Integration)).Observe(float64(metric.DurationMs) / 1000)

	if err := r.store.Create(ctx, metric); err != nil {
		return fmt.Errorf("failed to persist sync metric: %w", err)
	}
	return nil
}
