// Package metrics collects batch-job counters and optionally pushes them to a
// Prometheus Pushgateway when a command finishes.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "unthread_extractor"

// Metrics holds the counters shared by the API client and the batch jobs.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	APIRequests *prometheus.CounterVec
	APIRetries  *prometheus.CounterVec
	Items       *prometheus.CounterVec
	JobResults  *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Upstream API requests by method and outcome.",
		}, []string{"method", "outcome"}),
		APIRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_retries_total",
			Help:      "Upstream API attempts that failed and were retried.",
		}, []string{"method"}),
		Items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_stored_total",
			Help:      "Documents persisted by table.",
		}, []string{"table"}),
		JobResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_results_total",
			Help:      "Per-item batch job results by job and outcome.",
		}, []string{"job", "outcome"}),
	}
	reg.MustRegister(m.APIRequests, m.APIRetries, m.Items, m.JobResults)
	return m
}

// Registry exposes the underlying registry (used by tests and Push).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRequest(method string, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.APIRequests.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) ObserveRetry(method string) {
	if m == nil {
		return
	}
	m.APIRetries.WithLabelValues(method).Inc()
}

func (m *Metrics) ObserveStored(table string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Items.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) ObserveJob(job, outcome string) {
	if m == nil {
		return
	}
	m.JobResults.WithLabelValues(job, outcome).Inc()
}

// Push sends all collected metrics to the Pushgateway under the given job
// name. An empty url is a no-op.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	pusher := push.New(url, job).Gatherer(m.registry)
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
