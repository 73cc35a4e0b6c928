// Package metrics exposes pipeline, selection and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Catrobat/mArIne3D/pkg/pipeline"
	"github.com/Catrobat/mArIne3D/pkg/selection"
	"github.com/Catrobat/mArIne3D/pkg/types"
)

// DefaultNamespace prefixes every metric name
const DefaultNamespace = "marine3d"

var (
	_ pipeline.Observer  = (*Collector)(nil)
	_ selection.Observer = (*Collector)(nil)
)

// Collector records metrics on its own registry
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	generationsTotal   *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	stageDuration      *prometheus.HistogramVec
	stageFailures      *prometheus.CounterVec

	selectionCandidates prometheus.Counter
	selectionCrops      prometheus.Counter
	selectionDuration   prometheus.Histogram
	itemFailures        *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector with Go runtime and process metrics registered
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.generationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Total number of generation runs by final state",
		},
		[]string{"method", "state"},
	)

	c.generationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Generation run duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"method"},
	)

	c.stageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"stage"},
	)

	c.stageFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Total number of failed pipeline stages",
		},
		[]string{"stage"},
	)

	c.selectionCandidates = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "selection_candidates_total",
		Help:      "Total number of retrieved image candidates",
	})

	c.selectionCrops = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "selection_crops_total",
		Help:      "Total number of scored crops",
	})

	c.selectionDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "selection_duration_seconds",
		Help:      "Image selection duration in seconds",
		Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 180},
	})

	c.itemFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selection_item_failures_total",
			Help:      "Total number of candidates dropped during selection",
		},
		[]string{"stage"},
	)

	return c
}

// ObserveStage implements pipeline.Observer
func (c *Collector) ObserveStage(stage pipeline.State, elapsed time.Duration, err error) {
	c.stageDuration.WithLabelValues(stage.String()).Observe(elapsed.Seconds())
	if err != nil {
		c.stageFailures.WithLabelValues(stage.String()).Inc()
	}
}

// ObserveRun implements pipeline.Observer
func (c *Collector) ObserveRun(method types.Method, final pipeline.State, elapsed time.Duration) {
	c.generationsTotal.WithLabelValues(string(method), final.String()).Inc()
	c.generationDuration.WithLabelValues(string(method)).Observe(elapsed.Seconds())
}

// ObserveSelection implements selection.Observer
func (c *Collector) ObserveSelection(concept string, candidates, crops, failures int, elapsed time.Duration) {
	c.selectionCandidates.Add(float64(candidates))
	c.selectionCrops.Add(float64(crops))
	c.selectionDuration.Observe(elapsed.Seconds())
}

// ObserveItemFailure implements selection.Observer
func (c *Collector) ObserveItemFailure(stage string) {
	c.itemFailures.WithLabelValues(stage).Inc()
}

// RecordHTTPRequest records one served request
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// WatchDispatcher exports the queue depth and activity of d as gauges
func (c *Collector) WatchDispatcher(namespace string, d *pipeline.Dispatcher) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(c.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Generation requests waiting in the queue",
	}, func() float64 { return float64(d.Stats().Queued) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "generations_active",
		Help:      "Generation requests currently running",
	}, func() float64 { return float64(d.Stats().Active) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_rejections_total",
		Help:      "Generation requests rejected because the queue was full",
	}, func() float64 { return float64(d.Stats().Rejected) })
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
