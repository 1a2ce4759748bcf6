package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	SyncRequests      prometheus.Counter
	SyncErrors        prometheus.Counter
	SyncDuration      prometheus.Histogram
	OperationsPushed  prometheus.Counter
	DirtyBroadcasts   prometheus.Counter
	PresenceUpdates   prometheus.Counter
	Squashes          prometheus.Counter
	ActiveSockets     prometheus.Gauge
	RoomSubscriptions prometheus.Gauge
	AuthRejections    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SyncRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "docsync_sync_requests_total",
			Help: "Total number of sync-operations requests handled",
		}),
		SyncErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "docsync_sync_errors_total",
			Help: "Total number of sync-operations requests that failed",
		}),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "docsync_sync_duration_seconds",
			Help:    "Time taken to handle a sync-operations request",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
		OperationsPushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "docsync_operations_pushed_total",
			Help: "Total number of operation batches accepted from clients",
		}),
		DirtyBroadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "docsync_dirty_broadcasts_total",
			Help: "Total number of dirty notifications fanned out",
		}),
		PresenceUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "docsync_presence_updates_total",
			Help: "Total number of presence patches broadcast",
		}),
		Squashes: factory.NewCounter(prometheus.CounterOpts{
			Name: "docsync_squashes_total",
			Help: "Total number of server-side log squashes",
		}),
		ActiveSockets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "docsync_active_sockets",
			Help: "Number of currently connected sockets",
		}),
		RoomSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "docsync_room_subscriptions",
			Help: "Number of live doc room memberships",
		}),
		AuthRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "docsync_auth_rejections_total",
			Help: "Total number of rejected connection handshakes",
		}),
	}
}
