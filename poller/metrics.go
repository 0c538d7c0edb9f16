package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupfeed_polls_total",
		Help: "The total number of timeline polls, by result",
	}, []string{"result"})

	pollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "groupfeed_poll_fetch_duration_seconds",
		Help:    "Duration of timeline fetches",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // Start at 10ms, double each bucket
	})

	duplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupfeed_poll_duplicate_posts_total",
		Help: "The total number of fetched posts discarded as already seen",
	})

	lastSeen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "groupfeed_poll_last_seen_id",
		Help: "The highest post id distributed so far",
	})

	pollerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "groupfeed_poller_state",
		Help: "The current poller state (0 idle, 1 fetching, 2 distributing, 3 failed)",
	})
)
