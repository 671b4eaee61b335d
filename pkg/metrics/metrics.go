/*
Copyright 2024 The Hub Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics owns the Prometheus registry and the instruments shared
// between the ingress, the dispatcher, and the worker pool.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

// Metrics bundles every instrument the Hub records.
type Metrics struct {
	Registry *prometheus.Registry

	// ingress
	WebhookCounter   *prometheus.CounterVec
	WebhookDuration  prometheus.Histogram
	DuplicateWebhook prometheus.Counter

	// worker jobs, labeled by kind
	JobCurrent  *prometheus.GaugeVec
	JobDuration *prometheus.HistogramVec

	// outbound API calls, labeled by service and status
	APIResponses *prometheus.CounterVec
}

// New builds the registry with the process and Go collectors attached.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		WebhookCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hub",
			Name:      "webhook_events_total",
			Help:      "Webhook deliveries accepted, by event type.",
		}, []string{"event_type"}),
		WebhookDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hub",
			Name:      "webhook_duration_seconds",
			Help:      "Time spent handling one webhook delivery.",
			Buckets:   prometheus.DefBuckets,
		}),
		DuplicateWebhook: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hub",
			Name:      "webhook_duplicates_total",
			Help:      "Webhook deliveries rejected as duplicates.",
		}),
		JobCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hub",
			Name:      "jobs_current",
			Help:      "Worker jobs currently running, by kind.",
		}, []string{"kind"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hub",
			Name:      "job_duration_seconds",
			Help:      "Worker job duration, by kind.",
			Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 900},
		}, []string{"kind"}),
		APIResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hub",
			Name:      "api_responses_total",
			Help:      "Outbound API responses, by service and status.",
		}, []string{"service", "status"}),
	}

	for _, c := range []prometheus.Collector{
		m.WebhookCounter,
		m.WebhookDuration,
		m.DuplicateWebhook,
		m.JobCurrent,
		m.JobDuration,
		m.APIResponses,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(c); err != nil {
			logrus.WithError(err).Error("failed to register metrics collector")
		}
	}

	return m
}

// Transport wraps a RoundTripper so every response from the named
// service lands in APIResponses. A nil next uses http.DefaultTransport.
func (m *Metrics) Transport(service string, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &countingTransport{service: service, next: next, responses: m.APIResponses}
}

type countingTransport struct {
	service   string
	next      http.RoundTripper
	responses *prometheus.CounterVec
}

func (t *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err == nil {
		t.responses.WithLabelValues(t.service, strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, err
}
