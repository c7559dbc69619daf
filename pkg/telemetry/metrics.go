// Copyright 2024-2026 Aiku AI

// Package telemetry provides Prometheus metrics for the bridge core.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// PollsTotal counts feed polls by queue kind ("timeline" / "hashtag").
	PollsTotal *prometheus.CounterVec
	// PollErrors counts failed fetches by queue kind.
	PollErrors *prometheus.CounterVec
	// TweetsDelivered counts batches delivered to Matrix rooms.
	TweetsDelivered prometheus.Counter
	// TweetsDeduplicated counts inbound items dropped by the dedup cache.
	TweetsDeduplicated prometheus.Counter
	// StatusesPosted counts outbound tweets posted.
	StatusesPosted prometheus.Counter
	// DeliveryQueueDepth is the current delivery queue length.
	DeliveryQueueDepth prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "twbridge_feed_polls_total",
			Help: "Number of feed polls performed",
		}, []string{"kind"})
		PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "twbridge_feed_poll_errors_total",
			Help: "Number of feed polls that failed",
		}, []string{"kind"})
		TweetsDelivered = promauto.NewCounter(prometheus.CounterOpts{
			Name: "twbridge_tweets_delivered_total",
			Help: "Number of tweet batches delivered to rooms",
		})
		TweetsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
			Name: "twbridge_tweets_deduplicated_total",
			Help: "Number of inbound tweets dropped as duplicates",
		})
		StatusesPosted = promauto.NewCounter(prometheus.CounterOpts{
			Name: "twbridge_statuses_posted_total",
			Help: "Number of statuses posted to the platform",
		})
		DeliveryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "twbridge_delivery_queue_depth",
			Help: "Current delivery queue length",
		})
	})
}

// AddPoll records a completed poll for the given queue kind.
func AddPoll(kind string) {
	if PollsTotal != nil {
		PollsTotal.WithLabelValues(kind).Inc()
	}
}

// AddPollError records a failed poll for the given queue kind.
func AddPollError(kind string) {
	if PollErrors != nil {
		PollErrors.WithLabelValues(kind).Inc()
	}
}

// AddDelivered records a batch delivered to a room.
func AddDelivered() {
	if TweetsDelivered != nil {
		TweetsDelivered.Inc()
	}
}

// AddDeduplicated records an inbound item dropped as a duplicate.
func AddDeduplicated() {
	if TweetsDeduplicated != nil {
		TweetsDeduplicated.Inc()
	}
}

// AddStatusPosted records an outbound post.
func AddStatusPosted() {
	if StatusesPosted != nil {
		StatusesPosted.Inc()
	}
}

// SetQueueDepth records the current delivery queue length.
func SetQueueDepth(n int) {
	if DeliveryQueueDepth != nil {
		DeliveryQueueDepth.Set(float64(n))
	}
}
