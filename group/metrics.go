package group

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	groupAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupfeed_group_admitted_posts_total",
		Help: "The total number of posts admitted into a group",
	}, []string{"group"})

	groupEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupfeed_group_evicted_posts_total",
		Help: "The total number of posts evicted from a group, by reason",
	}, []string{"group", "reason"})

	groupPosts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "groupfeed_group_posts",
		Help: "The current number of posts held by a group",
	}, []string{"group"})

	transfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupfeed_transfers_total",
		Help: "The total number of membership transfers requested, by result",
	}, []string{"result"})
)
