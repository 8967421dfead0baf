// Package metrics wraps the prometheus collectors for the plugin server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the server registers.
type Metrics struct {
	registry *prometheus.Registry

	eventsConsumed   prometheus.Counter
	eventsIngested   prometheus.Counter
	eventsDropped    *prometheus.CounterVec
	eventsFailed     *prometheus.CounterVec
	pluginErrors     *prometheus.CounterVec
	vmSetups         *prometheus.CounterVec
	personsCreated   prometheus.Counter
	personsMerged    prometheus.Counter
	tasksTimedOut    prometheus.Counter

	pipelineDuration *prometheus.HistogramVec
	taskDuration     *prometheus.HistogramVec

	inFlight        prometheus.Gauge
	consumerPaused  prometheus.Gauge
	workerQueueSize *prometheus.GaugeVec
	schedulerLeader prometheus.Gauge
}

// Default histogram buckets for pipeline/task duration (in milliseconds).
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var server *Metrics

// Init initializes the metrics subsystem with the given namespace.
func Init(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		eventsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_consumed_total",
			Help:      "Events pulled from the ingestion topic",
		}),
		eventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Events published to the analytics topics",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped before ingestion",
		}, []string{"reason"}),
		eventsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_failed_total",
			Help:      "Events whose pipeline task failed",
		}, []string{"stage"}),
		pluginErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_errors_total",
			Help:      "Errors recorded against plugin configs",
		}, []string{"phase"}),
		vmSetups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vm_setups_total",
			Help:      "Plugin VM compilation outcomes",
		}, []string{"outcome"}),
		personsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persons_created_total",
			Help:      "Person rows created",
		}),
		personsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persons_merged_total",
			Help:      "Person rows merged away by alias resolution",
		}),
		tasksTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_timed_out_total",
			Help:      "Worker tasks abandoned on deadline",
		}),

		pipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_ms",
			Help:      "Plugin pipeline execution duration in milliseconds",
			Buckets:   buckets,
		}, []string{"team"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_ms",
			Help:      "Worker task execution duration in milliseconds",
			Buckets:   buckets,
		}, []string{"kind"}),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_in_flight",
			Help:      "Pipeline tasks currently outstanding",
		}),
		consumerPaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_paused",
			Help:      "1 while broker polling is paused for backpressure",
		}),
		workerQueueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_queue_size",
			Help:      "Tasks queued per worker",
		}, []string{"worker"}),
		schedulerLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_leader",
			Help:      "1 while this replica holds the plugin-scheduler lock",
		}),
	}

	registry.MustRegister(
		m.eventsConsumed, m.eventsIngested, m.eventsDropped, m.eventsFailed,
		m.pluginErrors, m.vmSetups, m.personsCreated, m.personsMerged,
		m.tasksTimedOut, m.pipelineDuration, m.taskDuration,
		m.inFlight, m.consumerPaused, m.workerQueueSize, m.schedulerLeader,
	)

	server = m
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	if server == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(server.registry, promhttp.HandlerOpts{})
}

func EventConsumed() {
	if server != nil {
		server.eventsConsumed.Inc()
	}
}

func EventIngested() {
	if server != nil {
		server.eventsIngested.Inc()
	}
}

func EventDropped(reason string) {
	if server != nil {
		server.eventsDropped.WithLabelValues(reason).Inc()
	}
}

func EventFailed(stage string) {
	if server != nil {
		server.eventsFailed.WithLabelValues(stage).Inc()
	}
}

func PluginError(phase string) {
	if server != nil {
		server.pluginErrors.WithLabelValues(phase).Inc()
	}
}

func VMSetup(outcome string) {
	if server != nil {
		server.vmSetups.WithLabelValues(outcome).Inc()
	}
}

func PersonCreated() {
	if server != nil {
		server.personsCreated.Inc()
	}
}

func PersonMerged() {
	if server != nil {
		server.personsMerged.Inc()
	}
}

func TaskTimedOut() {
	if server != nil {
		server.tasksTimedOut.Inc()
	}
}

func ObservePipeline(team string, d time.Duration) {
	if server != nil {
		server.pipelineDuration.WithLabelValues(team).Observe(float64(d.Milliseconds()))
	}
}

func ObserveTask(kind string, d time.Duration) {
	if server != nil {
		server.taskDuration.WithLabelValues(kind).Observe(float64(d.Milliseconds()))
	}
}

func SetInFlight(n int) {
	if server != nil {
		server.inFlight.Set(float64(n))
	}
}

func SetConsumerPaused(paused bool) {
	if server != nil {
		if paused {
			server.consumerPaused.Set(1)
		} else {
			server.consumerPaused.Set(0)
		}
	}
}

func SetWorkerQueueSize(worker string, n int) {
	if server != nil {
		server.workerQueueSize.WithLabelValues(worker).Set(float64(n))
	}
}

func SetSchedulerLeader(leader bool) {
	if server != nil {
		if leader {
			server.schedulerLeader.Set(1)
		} else {
			server.schedulerLeader.Set(0)
		}
	}
}
