// Package metrics exposes Prometheus counters for polling and delivery.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch results.
const (
	FetchOK         = "ok"
	FetchConnection = "connection"
	FetchHTTP       = "http"
	FetchParse      = "parse"
	FetchSkipped    = "backoff"
)

var (
	PollTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "youtube_poll_ticks_total",
		Help: "Number of completed poll ticks",
	})
	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "youtube_poll_tick_duration_seconds",
		Help:    "Duration of one poll tick",
		Buckets: prometheus.DefBuckets,
	})
	Fetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "youtube_feed_fetches_total",
		Help: "Feed fetch attempts by result",
	}, []string{"result"})
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "youtube_notifications_total",
		Help: "Video announcements by result (sent, skipped, failed)",
	}, []string{"result"})
	OwnerNotices = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "youtube_owner_notices_total",
		Help: "Direct messages to guild owners by kind",
	}, []string{"kind"})
	Deletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "youtube_subscriptions_deleted_total",
		Help: "Subscriptions removed by the poller by reason",
	}, []string{"reason"})
	Subscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "youtube_subscriptions",
		Help: "Tracked YouTube channels at the last tick",
	})
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "youtube_rate_limited_total",
		Help: "Ticks cut short by a rate-limit response",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTick records a finished tick that started at start.
func ObserveTick(start time.Time, subscriptions int) {
	PollTicks.Inc()
	PollDuration.Observe(time.Since(start).Seconds())
	Subscriptions.Set(float64(subscriptions))
}
