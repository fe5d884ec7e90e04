// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package metrics exports guestvm's Prometheus metrics.

# Metrics Exported

Negotiation (negotiator subsystem):

  - guestvm_negotiator_runs_total: Counter by mode
  - guestvm_negotiator_remapped_ports_total: Counter of relocated host ports
  - guestvm_negotiator_exhausted_total: Counter of failed searches

Runtime commands (runtime subsystem):

  - guestvm_runtime_commands_total: Counter by runtime, verb, outcome
  - guestvm_runtime_command_duration_seconds: Histogram by runtime, verb

Lifecycle (lifecycle subsystem):

  - guestvm_lifecycle_status_transitions_total: Counter by from, to
  - guestvm_lifecycle_container_status: Gauge by status, 1 for the current one
  - guestvm_lifecycle_poller_skipped_ticks_total: Counter by poller

Installation (install subsystem):

  - guestvm_install_stage: Gauge by stage, 1 for the current one
  - guestvm_install_duration_seconds: Histogram by outcome

Metrics live in a private registry so several instances (tests, a second
server) never collide on the default one. Handler serves it.
*/
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "guestvm"

// Metrics holds every collector and the registry they are registered in.
//
// # Thread Safety
//
// Safe for concurrent use; Prometheus collectors are.
type Metrics struct {
	registry *prometheus.Registry

	negotiations *prometheus.CounterVec
	remapped     prometheus.Counter
	exhausted    prometheus.Counter

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec

	transitions     *prometheus.CounterVec
	containerStatus *prometheus.GaugeVec
	pollerSkips     *prometheus.CounterVec

	installStage    *prometheus.GaugeVec
	installDuration *prometheus.HistogramVec
}

// New creates and registers all collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		negotiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "negotiator",
			Name:      "runs_total",
			Help:      "Port negotiations by mode.",
		}, []string{"mode"}),
		remapped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "negotiator",
			Name:      "remapped_ports_total",
			Help:      "Host ports moved because the desired one was taken.",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "negotiator",
			Name:      "exhausted_total",
			Help:      "Negotiations that found no free port in the search window.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "commands_total",
			Help:      "Container runtime invocations.",
		}, []string{"runtime", "verb", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "command_duration_seconds",
			Help:      "Container runtime invocation latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60, 300},
		}, []string{"runtime", "verb"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "status_transitions_total",
			Help:      "Observed container status changes.",
		}, []string{"from", "to"}),
		containerStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "container_status",
			Help:      "1 for the container's current status, 0 otherwise.",
		}, []string{"status"}),
		pollerSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "poller_skipped_ticks_total",
			Help:      "Poll ticks skipped because the previous one was still running.",
		}, []string{"poller"}),
		installStage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "install",
			Name:      "stage",
			Help:      "1 for the current installation stage, 0 otherwise.",
		}, []string{"stage"}),
		installDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "install",
			Name:      "duration_seconds",
			Help:      "Wall time of installation runs.",
			Buckets:   prometheus.ExponentialBuckets(30, 2, 8),
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.negotiations, m.remapped, m.exhausted,
		m.commands, m.commandDuration,
		m.transitions, m.containerStatus, m.pollerSkips,
		m.installStage, m.installDuration,
	)
	return m
}

// Registry exposes the registry for tests and additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveNegotiation implements negotiator.Recorder.
func (m *Metrics) ObserveNegotiation(mode string, remapped int) {
	m.negotiations.WithLabelValues(mode).Inc()
	m.remapped.Add(float64(remapped))
}

// ObserveExhaustion implements negotiator.Recorder.
func (m *Metrics) ObserveExhaustion() {
	m.exhausted.Inc()
}

// ObserveCommand implements engine.Recorder.
func (m *Metrics) ObserveCommand(runtime, verb string, d time.Duration, failed bool) {
	outcome := "success"
	if failed {
		outcome = "failure"
	}
	m.commands.WithLabelValues(runtime, verb, outcome).Inc()
	m.commandDuration.WithLabelValues(runtime, verb).Observe(d.Seconds())
}

// ObservePollerSkip implements poller.Recorder.
func (m *Metrics) ObservePollerSkip(name string) {
	m.pollerSkips.WithLabelValues(name).Inc()
}

// ObserveStatusTransition records a container status change and moves the
// one-hot status gauge.
func (m *Metrics) ObserveStatusTransition(from, to string) {
	m.transitions.WithLabelValues(from, to).Inc()
	m.containerStatus.Reset()
	m.containerStatus.WithLabelValues(to).Set(1)
}

// SetInstallStage moves the one-hot stage gauge.
func (m *Metrics) SetInstallStage(stage string) {
	m.installStage.Reset()
	m.installStage.WithLabelValues(stage).Set(1)
}

// ObserveInstall records the duration of a finished run.
func (m *Metrics) ObserveInstall(d time.Duration, succeeded bool) {
	outcome := "completed"
	if !succeeded {
		outcome = "failed"
	}
	m.installDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
