/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "mailrouterd"

type metrics struct {
	registry *prometheus.Registry

	received        *prometheus.CounterVec
	delivered       *prometheus.CounterVec
	failed          *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec
	persistErrors   prometheus.Counter
	pipeReopens     *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),

		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Total number of raw messages taken from an input",
		}, []string{"source"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_delivered_total",
			Help:      "Total number of messages accepted by an environment backend",
		}, []string{"environment"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_failed_total",
			Help:      "Total number of messages which could not be routed or delivered",
		}, []string{"reason"}),
		forwardDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "forward_duration_seconds",
			Help:      "Duration of delivery requests to environment backends",
			Buckets:   prometheus.DefBuckets,
		}, []string{"environment"}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "failure_persist_errors_total",
			Help:      "Total number of failed messages which could not be written to disk",
		}),
		pipeReopens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pipe_reopens_total",
			Help:      "Total number of pipe reopens after a stream with data or an error, by cause",
		}, []string{"cause"}),
	}

	m.registry.MustRegister(
		m.received,
		m.delivered,
		m.failed,
		m.forwardDuration,
		m.persistErrors,
		m.pipeReopens,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
