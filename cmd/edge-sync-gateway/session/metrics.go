package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	downlinkMsgsAdded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_downlink_msgs_added_total",
		Help: "Downlink messages queued for delivery",
	})
	downlinkMsgsPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_downlink_msgs_pushed_total",
		Help: "Downlink messages acknowledged by an edge",
	})
	downlinkMsgsTmpFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_downlink_msgs_tmp_failed_total",
		Help: "Downlink delivery attempts that will be retried",
	})
	downlinkMsgsPermanentlyFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_downlink_msgs_permanently_failed_total",
		Help: "Downlink messages discarded after exhausting delivery attempts",
	})
	highPriorityDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_high_priority_events_dropped_total",
		Help: "High priority events dropped because the queue was full",
	})
)
