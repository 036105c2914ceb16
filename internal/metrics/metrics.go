// Package metrics exposes the counters the pipeline components already keep
// as Prometheus metrics. Components stay metric-agnostic: each contributes a
// snapshot function and the collectors read through it on scrape.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/temporal-graph-ingest/internal/queue"
	"github.com/temporal-graph-ingest/internal/webhook"
	"github.com/temporal-graph-ingest/internal/worker"
)

// Sources bundles the snapshot functions. Nil entries are skipped.
type Sources struct {
	Queue   func() queue.Stats
	Pool    func() worker.Counters
	Webhook func() webhook.Stats
	// Connected websocket clients.
	WSClients func() int
}

// Registry wraps a dedicated Prometheus registry so tests can scrape in
// isolation from the default global one.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry builds the registry and registers every collector the given
// sources support, plus the standard Go runtime collectors.
func NewRegistry(src Sources) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if src.Queue != nil {
		registerQueue(reg, src.Queue)
	}
	if src.Pool != nil {
		registerPool(reg, src.Pool)
	}
	if src.Webhook != nil {
		registerWebhook(reg, src.Webhook)
	}
	if src.WSClients != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ingest_websocket_clients",
			Help: "Connected websocket event-stream clients.",
		}, func() float64 { return float64(src.WSClients()) }))
	}
	return &Registry{reg: reg}
}

func registerQueue(reg *prometheus.Registry, snap func() queue.Stats) {
	counter := func(name, help string, value func(queue.Stats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(value(snap())) })
	}
	reg.MustRegister(
		counter("ingest_queue_pushed_total", "Tasks pushed to the broker.",
			func(s queue.Stats) int64 { return s.Pushed }),
		counter("ingest_queue_polled_total", "Tasks polled from the broker.",
			func(s queue.Stats) int64 { return s.Polled }),
		counter("ingest_queue_completed_total", "Tasks acked as completed.",
			func(s queue.Stats) int64 { return s.Completed }),
		counter("ingest_queue_failed_total", "Tasks recorded as failed.",
			func(s queue.Stats) int64 { return s.Failed }),
		counter("ingest_queue_retried_total", "Task deliveries retried.",
			func(s queue.Stats) int64 { return s.Retried }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ingest_queue_success_rate",
			Help: "Completed over polled, in [0, 1].",
		}, func() float64 { return snap().SuccessRate() }),
	)
}

func registerPool(reg *prometheus.Registry, snap func() worker.Counters) {
	counter := func(name, help string, value func(worker.Counters) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(value(snap())) })
	}
	reg.MustRegister(
		counter("ingest_worker_processed_total", "Tasks taken up by the pool.",
			func(c worker.Counters) int64 { return c.Processed }),
		counter("ingest_worker_completed_total", "Tasks completed by the pool.",
			func(c worker.Counters) int64 { return c.Completed }),
		counter("ingest_worker_retried_total", "Tasks pushed back for retry.",
			func(c worker.Counters) int64 { return c.Retried }),
		counter("ingest_worker_rate_limited_total", "Tasks deferred by the rate limiter.",
			func(c worker.Counters) int64 { return c.RateLimited }),
		counter("ingest_worker_dead_lettered_total", "Tasks moved to the dead-letter queue.",
			func(c worker.Counters) int64 { return c.DeadLettered }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ingest_worker_success_rate",
			Help: "Completed over processed, in [0, 1].",
		}, func() float64 { return snap().SuccessRate() }),
	)
}

func registerWebhook(reg *prometheus.Registry, snap func() webhook.Stats) {
	counter := func(name, help string, value func(webhook.Stats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(value(snap())) })
	}
	reg.MustRegister(
		counter("ingest_webhook_dispatched_total", "Events delivered to subscribers.",
			func(s webhook.Stats) int64 { return s.Dispatched }),
		counter("ingest_webhook_failed_total", "Event deliveries that failed.",
			func(s webhook.Stats) int64 { return s.Failed }),
		counter("ingest_webhook_retried_total", "Event delivery retries.",
			func(s webhook.Stats) int64 { return s.Retried }),
		counter("ingest_webhook_dropped_total", "Events dropped on queue overflow.",
			func(s webhook.Stats) int64 { return s.Dropped }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ingest_webhook_queue_max_seen",
			Help: "High-water mark of the webhook queue.",
		}, func() float64 { return float64(snap().QueueMaxSeen) }),
	)
}

// Handler serves the scrape endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
