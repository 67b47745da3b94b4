// Copyright © 2025 Medroster Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package orchestrator

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/medroster/medroster/pkg/saga"
)

// NoopCollector discards all metrics. It is the default collector when a
// Config carries no MetricsCollector.
type NoopCollector struct{}

// NewNoopCollector returns a collector that records nothing.
func NewNoopCollector() *NoopCollector { return &NoopCollector{} }

func (NoopCollector) RecordSagaStarted(string)                                       {}
func (NoopCollector) RecordSagaCompleted(string, time.Duration)                      {}
func (NoopCollector) RecordSagaFailed(string, time.Duration)                         {}
func (NoopCollector) RecordSagaTimedOut(string, time.Duration)                       {}
func (NoopCollector) RecordStepExecuted(string, string, bool, time.Duration)         {}
func (NoopCollector) RecordStepRetried(string, string, int)                          {}
func (NoopCollector) RecordCompensationExecuted(string, string, bool, time.Duration) {}

var _ saga.MetricsCollector = NoopCollector{}

// PrometheusCollector implements saga.MetricsCollector on top of
// prometheus counters and histograms. All metrics carry the saga name as
// a label; step-level metrics add the step name.
type PrometheusCollector struct {
	sagaStartedTotal  *prometheus.CounterVec
	sagaFinishedTotal *prometheus.CounterVec
	sagaDuration      *prometheus.HistogramVec

	stepExecutedTotal *prometheus.CounterVec
	stepRetriedTotal  *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec

	compensationExecutedTotal *prometheus.CounterVec
	compensationDuration      *prometheus.HistogramVec

	registry *prometheus.Registry
}

// PrometheusConfig configures a PrometheusCollector.
type PrometheusConfig struct {
	// Namespace for all metrics. Defaults to "saga".
	Namespace string

	// Subsystem for all metrics. Defaults to "orchestrator".
	Subsystem string

	// Registry to register the metrics with. A new registry is created
	// when nil.
	Registry *prometheus.Registry

	// DurationBuckets for the duration histograms. Defaults to buckets
	// ranging from 10ms to 60s.
	DurationBuckets []float64
}

// DefaultPrometheusConfig returns the default collector configuration.
func DefaultPrometheusConfig() *PrometheusConfig {
	return &PrometheusConfig{
		Namespace: "saga",
		Subsystem: "orchestrator",
		Registry:  prometheus.NewRegistry(),
		DurationBuckets: []float64{
			0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0,
		},
	}
}

// NewPrometheusCollector creates and registers the orchestrator metrics.
func NewPrometheusCollector(config *PrometheusConfig) (*PrometheusCollector, error) {
	if config == nil {
		config = DefaultPrometheusConfig()
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	if config.Namespace == "" {
		config.Namespace = "saga"
	}
	if config.Subsystem == "" {
		config.Subsystem = "orchestrator"
	}
	if config.DurationBuckets == nil {
		config.DurationBuckets = []float64{
			0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0,
		}
	}

	c := &PrometheusCollector{registry: config.Registry}

	c.sagaStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "saga_started_total",
			Help:      "Total number of sagas started",
		},
		[]string{"saga_name"},
	)

	c.sagaFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "saga_finished_total",
			Help:      "Total number of sagas that reached a terminal status",
		},
		[]string{"saga_name", "status"},
	)

	c.sagaDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "saga_duration_seconds",
			Help:      "Duration of saga execution in seconds",
			Buckets:   config.DurationBuckets,
		},
		[]string{"saga_name", "status"},
	)

	c.stepExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "step_executed_total",
			Help:      "Total number of step executions",
		},
		[]string{"saga_name", "step_name", "success"},
	)

	c.stepRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "step_retried_total",
			Help:      "Total number of step retry attempts",
		},
		[]string{"saga_name", "step_name"},
	)

	c.stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "step_duration_seconds",
			Help:      "Duration of step execution in seconds",
			Buckets:   config.DurationBuckets,
		},
		[]string{"saga_name", "step_name", "success"},
	)

	c.compensationExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "compensation_executed_total",
			Help:      "Total number of compensation operations executed",
		},
		[]string{"saga_name", "step_name", "success"},
	)

	c.compensationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "compensation_duration_seconds",
			Help:      "Duration of compensation execution in seconds",
			Buckets:   config.DurationBuckets,
		},
		[]string{"saga_name", "step_name", "success"},
	)

	collectors := []prometheus.Collector{
		c.sagaStartedTotal,
		c.sagaFinishedTotal,
		c.sagaDuration,
		c.stepExecutedTotal,
		c.stepRetriedTotal,
		c.stepDuration,
		c.compensationExecutedTotal,
		c.compensationDuration,
	}
	for _, collector := range collectors {
		if err := config.Registry.Register(collector); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Registry returns the registry the collector's metrics are registered
// with, for wiring into an HTTP exposition handler.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordSagaStarted increments the count of started sagas.
func (c *PrometheusCollector) RecordSagaStarted(sagaName string) {
	c.sagaStartedTotal.WithLabelValues(sagaName).Inc()
}

// RecordSagaCompleted records a successful saga and its duration.
func (c *PrometheusCollector) RecordSagaCompleted(sagaName string, duration time.Duration) {
	c.recordFinished(sagaName, string(saga.StatusCompleted), duration)
}

// RecordSagaFailed records a failed saga and its duration.
func (c *PrometheusCollector) RecordSagaFailed(sagaName string, duration time.Duration) {
	c.recordFinished(sagaName, string(saga.StatusFailed), duration)
}

// RecordSagaTimedOut records a timed-out saga and its duration.
func (c *PrometheusCollector) RecordSagaTimedOut(sagaName string, duration time.Duration) {
	c.recordFinished(sagaName, string(saga.StatusTimeout), duration)
}

func (c *PrometheusCollector) recordFinished(sagaName, status string, duration time.Duration) {
	c.sagaFinishedTotal.WithLabelValues(sagaName, status).Inc()
	c.sagaDuration.WithLabelValues(sagaName, status).Observe(duration.Seconds())
}

// RecordStepExecuted records one step attempt outcome and its duration.
func (c *PrometheusCollector) RecordStepExecuted(sagaName, stepName string, success bool, duration time.Duration) {
	ok := strconv.FormatBool(success)
	c.stepExecutedTotal.WithLabelValues(sagaName, stepName, ok).Inc()
	c.stepDuration.WithLabelValues(sagaName, stepName, ok).Observe(duration.Seconds())
}

// RecordStepRetried increments the retry counter for a step.
func (c *PrometheusCollector) RecordStepRetried(sagaName, stepName string, _ int) {
	c.stepRetriedTotal.WithLabelValues(sagaName, stepName).Inc()
}

// RecordCompensationExecuted records one compensation outcome and its duration.
func (c *PrometheusCollector) RecordCompensationExecuted(sagaName, stepName string, success bool, duration time.Duration) {
	ok := strconv.FormatBool(success)
	c.compensationExecutedTotal.WithLabelValues(sagaName, stepName, ok).Inc()
	c.compensationDuration.WithLabelValues(sagaName, stepName, ok).Observe(duration.Seconds())
}

var _ saga.MetricsCollector = (*PrometheusCollector)(nil)
