// Package metrics exports component snapshots as prometheus metrics.
//
// Components keep their own counters; the collector reads them on every
// scrape, so there is nothing to update on the hot path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"flowcore/internal/eventbus"
	"flowcore/internal/resource"
	"flowcore/internal/storage"
	"flowcore/internal/task/pool"
	"flowcore/internal/task/scheduler"
)

const namespace = "flowcore"

// Sources are optional; nil entries are skipped.
type Sources struct {
	Bus       func() eventbus.Stats
	Pool      func() pool.Stats
	Scheduler func() scheduler.Metrics
	Resource  func() (resource.Sample, bool)
	Levels    func(resource.Kind) resource.Level
	Journal   func() storage.JournalStats
	// AlertsDropped counts alert log lines shed by the alert sink limiter.
	AlertsDropped func() uint64
}

type Collector struct {
	src Sources

	busPublished, busDelivered, busFailures, busTimeouts, busSkipped *prometheus.Desc
	busSubscribers, busHistory                                         *prometheus.Desc

	poolWorkers, poolBusy, poolQueued *prometheus.Desc
	poolJobs                          *prometheus.Desc

	tasks, taskAttempts, taskRetries, taskLive, taskLatency *prometheus.Desc

	resUsage, resLevel *prometheus.Desc

	journalWrites *prometheus.Desc
	alertsDropped *prometheus.Desc
}

func NewCollector(src Sources) *Collector {
	d := func(sub, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, labels, nil)
	}
	return &Collector{
		src: src,

		busPublished:   d("eventbus", "published_total", "Events published."),
		busDelivered:   d("eventbus", "delivered_total", "Handler invocations that returned."),
		busFailures:    d("eventbus", "handler_failures_total", "Handler errors and panics."),
		busTimeouts:    d("eventbus", "handler_timeouts_total", "Handlers cut off by the handler timeout."),
		busSkipped:     d("eventbus", "skipped_total", "Deliveries skipped by the publish timeout."),
		busSubscribers: d("eventbus", "subscribers", "Active subscriptions."),
		busHistory:     d("eventbus", "history_events", "Events currently retained in history."),

		poolWorkers: d("pool", "workers", "Worker target size."),
		poolBusy:    d("pool", "busy_workers", "Workers executing a job."),
		poolQueued:  d("pool", "queued_jobs", "Jobs waiting for a worker."),
		poolJobs:    d("pool", "jobs_total", "Jobs by outcome.", "outcome"),

		tasks:        d("scheduler", "tasks_total", "Tasks by terminal outcome.", "outcome"),
		taskAttempts: d("scheduler", "attempts_total", "Task attempts started."),
		taskRetries:  d("scheduler", "retries_total", "Retries scheduled."),
		taskLive:     d("scheduler", "tasks", "Non-terminal tasks by phase.", "phase"),
		taskLatency:  d("scheduler", "avg_latency_seconds", "Mean first-start to completion time."),

		resUsage: d("resource", "usage_percent", "Latest sampled usage.", "kind"),
		resLevel: d("resource", "level", "Pressure level (0 normal, 1 warning, 2 critical).", "kind"),

		journalWrites: d("journal", "events_total", "Journal outcomes.", "outcome"),
		alertsDropped: d("log", "alerts_dropped_total", "Alert lines dropped by the alert sink rate limit."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.busPublished, c.busDelivered, c.busFailures, c.busTimeouts, c.busSkipped, c.busSubscribers, c.busHistory,
		c.poolWorkers, c.poolBusy, c.poolQueued, c.poolJobs,
		c.tasks, c.taskAttempts, c.taskRetries, c.taskLive, c.taskLatency,
		c.resUsage, c.resLevel,
		c.journalWrites, c.alertsDropped,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	if c.src.Bus != nil {
		s := c.src.Bus()
		counter(c.busPublished, s.Published)
		counter(c.busDelivered, s.Delivered)
		counter(c.busFailures, s.Failures)
		counter(c.busTimeouts, s.Timeouts)
		counter(c.busSkipped, s.Skipped)
		gauge(c.busSubscribers, float64(s.Subscribers))
		gauge(c.busHistory, float64(s.HistoryLen))
	}

	if c.src.Pool != nil {
		s := c.src.Pool()
		gauge(c.poolWorkers, float64(s.Size))
		gauge(c.poolBusy, float64(s.Busy))
		gauge(c.poolQueued, float64(s.Queued))
		counter(c.poolJobs, s.Completed, "completed")
		counter(c.poolJobs, s.Failed, "failed")
		counter(c.poolJobs, s.Cancelled, "cancelled")
		counter(c.poolJobs, s.Rejected, "rejected")
		counter(c.poolJobs, s.Panics, "panicked")
	}

	if c.src.Scheduler != nil {
		m := c.src.Scheduler()
		counter(c.tasks, m.Completed, "completed")
		counter(c.tasks, m.Failed, "failed")
		counter(c.tasks, m.Cancelled, "cancelled")
		counter(c.tasks, m.Purged, "purged")
		counter(c.taskAttempts, m.Attempts)
		counter(c.taskRetries, m.Retries)
		gauge(c.taskLive, float64(m.Ready), "ready")
		gauge(c.taskLive, float64(m.Running), "running")
		gauge(c.taskLive, float64(m.Live), "live")
		gauge(c.taskLatency, m.AvgLatency.Seconds())
	}

	if c.src.Resource != nil {
		if s, ok := c.src.Resource(); ok {
			for _, k := range resource.Kinds {
				if v, ok := s.Value(k); ok {
					gauge(c.resUsage, v, string(k))
				}
			}
		}
	}
	if c.src.Levels != nil {
		for _, k := range resource.Kinds {
			gauge(c.resLevel, float64(c.src.Levels(k)), string(k))
		}
	}

	if c.src.Journal != nil {
		s := c.src.Journal()
		counter(c.journalWrites, s.Written, "written")
		counter(c.journalWrites, s.Dropped, "dropped")
		counter(c.journalWrites, s.Failed, "failed")
	}
	if c.src.AlertsDropped != nil {
		counter(c.alertsDropped, c.src.AlertsDropped())
	}
}

// NewRegistry returns a registry carrying the process and Go collectors plus
// c.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{Namespace: namespace}),
		prometheus.NewGoCollector(),
	)
	if c != nil {
		reg.MustRegister(c)
	}
	return reg
}
