package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RegistryMetrics tracks registry-wide metrics
type RegistryMetrics struct {
	// Announce path
	AnnouncesTotal   prometheus.Counter
	AnnounceRejects  *prometheus.CounterVec
	AnnounceLatency  prometheus.Histogram

	// Share path
	ShareUpdates     *prometheus.CounterVec
	ShareRejects     *prometheus.CounterVec
	UsersTruncated   prometheus.Counter

	// Registry state
	FilesTracked     prometheus.Gauge
	SeedersTracked   prometheus.Gauge
	RecordsEvicted   prometheus.Counter
	SeedersEvicted   prometheus.Counter

	// Distribution
	SignalConnections prometheus.Gauge
	SignalPushes      prometheus.Counter
	SignalDrops       prometheus.Counter
	AdvisoriesSent    prometheus.Counter
}

// NewRegistryMetrics creates and registers Prometheus metrics
func NewRegistryMetrics(registry prometheus.Registerer) *RegistryMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &RegistryMetrics{
		AnnouncesTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "registry_announces_total",
			Help: "Total number of accepted announce calls",
		}),
		AnnounceRejects: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "registry_announce_rejects_total",
			Help: "Announce calls rejected, by reason",
		}, []string{"reason"}),
		AnnounceLatency: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "registry_announce_latency_seconds",
			Help:    "Announce handling latency",
			Buckets: prometheus.DefBuckets,
		}),

		ShareUpdates: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "registry_share_updates_total",
			Help: "Accepted share mutations, by action",
		}, []string{"action"}),
		ShareRejects: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "registry_share_rejects_total",
			Help: "Rejected share mutations, by reason",
		}, []string{"reason"}),
		UsersTruncated: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "registry_authorized_users_truncated_total",
			Help: "Merges that hit the authorized-user cap and were truncated",
		}),

		FilesTracked: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "registry_files_tracked",
			Help: "Number of file records currently tracked",
		}),
		SeedersTracked: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "registry_seeders_tracked",
			Help: "Number of seeder entries currently tracked",
		}),
		RecordsEvicted: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "registry_records_evicted_total",
			Help: "File records evicted by the janitor",
		}),
		SeedersEvicted: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "registry_seeders_evicted_total",
			Help: "Stale seeder entries evicted by the janitor",
		}),

		SignalConnections: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "registry_signal_connections",
			Help: "Currently connected signaling clients",
		}),
		SignalPushes: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "registry_signal_pushes_total",
			Help: "Share updates pushed over signaling connections",
		}),
		SignalDrops: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "registry_signal_drops_total",
			Help: "Signaling connections dropped for backpressure",
		}),
		AdvisoriesSent: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "registry_advisories_sent_total",
			Help: "Advisories handed to the side channel for offline holders",
		}),
	}
}
