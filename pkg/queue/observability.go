package queue

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	itemsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workqueue_items_published_total",
			Help: "Total number of work items inserted by publishers",
		},
		[]string{"queue", "result"},
	)

	itemsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workqueue_items_claimed_total",
			Help: "Total number of work items claimed by consumers",
		},
		[]string{"queue"},
	)

	itemsAckedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workqueue_items_acked_total",
			Help: "Total number of acknowledge calls by outcome",
		},
		[]string{"queue", "result"},
	)

	itemsRequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workqueue_items_requeued_total",
			Help: "Total number of explicit requeue calls by outcome",
		},
		[]string{"queue", "result"},
	)

	lostLeasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workqueue_lost_leases_total",
			Help: "Total number of heartbeats that found no item to extend",
		},
		[]string{"queue"},
	)

	claimFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workqueue_claim_failures_total",
			Help: "Total number of claim attempts degraded to nothing because the store was unavailable",
		},
		[]string{"queue"},
	)

	itemsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workqueue_items_processed_total",
			Help: "Total number of items handled by listeners, by outcome",
		},
		[]string{"queue", "result"},
	)

	claimWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workqueue_claim_wait_seconds",
			Help:    "Time spent inside Get, by outcome",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"queue", "result"},
	)
)

// Collectors returns the queue metric collectors for registration in a metrics registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		itemsPublishedTotal,
		itemsClaimedTotal,
		itemsAckedTotal,
		itemsRequeuedTotal,
		lostLeasesTotal,
		claimFailuresTotal,
		itemsProcessedTotal,
		claimWaitSeconds,
	}
}

func recordPublished(queue, result string) {
	itemsPublishedTotal.WithLabelValues(metricLabel(queue), result).Inc()
}

func recordClaimed(queue string) {
	itemsClaimedTotal.WithLabelValues(metricLabel(queue)).Inc()
}

func recordAcked(queue string, deleted bool) {
	itemsAckedTotal.WithLabelValues(metricLabel(queue), hitLabel(deleted)).Inc()
}

func recordRequeued(queue string, matched bool) {
	itemsRequeuedTotal.WithLabelValues(metricLabel(queue), hitLabel(matched)).Inc()
}

func recordLostLease(queue string) {
	lostLeasesTotal.WithLabelValues(metricLabel(queue)).Inc()
}

func recordClaimFailure(queue string) {
	claimFailuresTotal.WithLabelValues(metricLabel(queue)).Inc()
}

func recordProcessed(queue, result string) {
	itemsProcessedTotal.WithLabelValues(metricLabel(queue), result).Inc()
}

func observeClaimWait(queue string, claimed bool, started time.Time) {
	result := "none"
	if claimed {
		result = "claimed"
	}
	claimWaitSeconds.WithLabelValues(metricLabel(queue), result).Observe(time.Since(started).Seconds())
}

func hitLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

func metricLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

var depthDesc = prometheus.NewDesc(
	"workqueue_items",
	"Number of stored work items by state",
	[]string{"queue", "state"},
	nil,
)

// DepthCollector exports per-queue item counts gathered with Consumer.Count at scrape time.
type DepthCollector struct {
	consumers []Consumer
	timeout   time.Duration
}

// NewDepthCollector creates a collector over the given consumers.
func NewDepthCollector(timeout time.Duration, consumers ...Consumer) *DepthCollector {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &DepthCollector{consumers: consumers, timeout: timeout}
}

// Describe implements prometheus.Collector.
func (c *DepthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- depthDesc
}

// Collect implements prometheus.Collector. Queues whose count fails are skipped.
func (c *DepthCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for _, consumer := range c.consumers {
		for _, filter := range []CountFilter{CountAll, CountRunning, CountNotRunning} {
			count, err := consumer.Count(ctx, filter)
			if err != nil {
				continue
			}
			ch <- prometheus.MustNewConstMetric(depthDesc, prometheus.GaugeValue, float64(count), consumer.Name(), filter.String())
		}
	}
}
