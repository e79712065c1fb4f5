package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "booksync",
			Name:      "notifications_total",
			Help:      "Notifications handed to the broker sink, by result (published/failed/dropped).",
		},
		[]string{"kind", "result"},
	)

	BrokerPublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "booksync",
			Name:      "broker_publish_seconds",
			Help:      "Broker publish latency",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15), // 100µs ~ 1.6s
		},
		[]string{"driver"},
	)

	RedisPoolConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "booksync",
			Name:      "redis_pool_conns",
			Help:      "Redis connection pool, by state (total/idle/stale).",
		},
		[]string{"state"},
	)
	RedisPoolTimeouts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "booksync",
		Name:      "redis_pool_timeouts",
		Help:      "Times a connection was not obtained from the pool in time (cumulative).",
	})
)
