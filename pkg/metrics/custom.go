package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "booksync",
			Name:      "events_total",
			Help:      "Feed events handled by the sync engine, by outcome (applied/stale/buffered/malformed/control).",
		},
		[]string{"product", "outcome"},
	)

	GapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "booksync",
			Name:      "gaps_total",
			Help:      "Sequence gaps detected.",
		},
		[]string{"product"},
	)

	SnapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "booksync",
			Name:      "snapshots_total",
			Help:      "Snapshot fetch attempts, by result (ok/error/stale).",
		},
		[]string{"product", "result"},
	)

	SnapshotDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "booksync",
			Name:      "snapshot_duration_seconds",
			Help:      "Snapshot fetch latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms -> ~20s
		},
		[]string{"product"},
	)

	PendingDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "booksync",
			Name:      "pending_depth",
			Help:      "Events buffered while waiting for a snapshot.",
		},
		[]string{"product"},
	)

	Cursor = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "booksync",
			Name:      "sequence_cursor",
			Help:      "Last applied sequence number (-1 while unsynced).",
		},
		[]string{"product"},
	)

	ResyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "booksync",
			Name:      "resyncs_total",
			Help:      "Resyncs started after the first sync, by reason (gap/requested).",
		},
		[]string{"product", "reason"},
	)

	ResyncFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "booksync",
			Name:      "resync_failures_total",
			Help:      "Resync retry budgets exhausted.",
		},
		[]string{"product"},
	)

	FeedReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "booksync",
			Name:      "feed_reconnects_total",
			Help:      "Websocket feed reconnects.",
		},
		[]string{"source"},
	)

	CBState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "booksync",
			Name:      "circuitbreaker_state",
			Help:      "Circuit breaker state (0/1).",
		},
		[]string{"name", "state"}, // state: closed/open/half_open
	)
)

var once sync.Once

// MustRegister 只注册一次，测试里多次调用不会 panic
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(EventsTotal, GapsTotal, SnapshotsTotal, SnapshotDuration,
			PendingDepth, Cursor, ResyncsTotal, ResyncFailuresTotal, FeedReconnectsTotal, CBState,
			NotificationsTotal, BrokerPublishDuration, RedisPoolConns, RedisPoolTimeouts)
	})
}
