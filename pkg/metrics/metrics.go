/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package metrics exports the progress of an engine as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hyperledger-labs/trainloop/pkg/engine"
	"github.com/hyperledger-labs/trainloop/pkg/events"
	"github.com/hyperledger-labs/trainloop/pkg/logging"
)

const namespace = "trainloop"

// Metrics holds the collectors of one or more engines, labelled by engine name.
type Metrics struct {
	registry *prometheus.Registry

	Iteration *prometheus.GaugeVec
	Epoch     *prometheus.GaugeVec

	// Iterations counts processed batches, across resumed runs of the same process.
	Iterations *prometheus.CounterVec

	IterationDuration *prometheus.HistogramVec
	EpochDuration     *prometheus.GaugeVec

	// Values of State.Metrics, by metric name.
	Values *prometheus.GaugeVec
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Iteration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "iteration",
				Help:      "Current iteration of the engine",
			},
			[]string{"engine"},
		),
		Epoch: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "epoch",
				Help:      "Current epoch of the engine",
			},
			[]string{"engine"},
		),
		Iterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "iterations_total",
				Help:      "Total number of processed batches",
			},
			[]string{"engine"},
		),
		IterationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "iteration_duration_seconds",
				Help:      "Time from fetching a batch to the end of its processing",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"engine"},
		),
		EpochDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "epoch_duration_seconds",
				Help:      "Duration of the last completed epoch",
			},
			[]string{"engine"},
		),
		Values: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "value",
				Help:      "Metrics computed by the engine, e.g. the loss",
			},
			[]string{"engine", "name"},
		),
	}
	m.registry.MustRegister(m.Iteration, m.Epoch, m.Iterations, m.IterationDuration, m.EpochDuration, m.Values)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Attach makes m follow e.
func (m *Metrics) Attach(e *engine.Engine) error {
	name := e.Name()
	var batchStart time.Time

	handlers := []struct {
		ev events.Event
		h  engine.Handler
	}{
		{events.GetBatchStarted.Event(), func(context.Context, *engine.Engine) error {
			batchStart = time.Now()
			return nil
		}},
		{events.IterationCompleted.Event(), func(_ context.Context, e *engine.Engine) error {
			m.Iteration.WithLabelValues(name).Set(float64(e.State().Iteration))
			m.Iterations.WithLabelValues(name).Inc()
			if !batchStart.IsZero() {
				m.IterationDuration.WithLabelValues(name).Observe(time.Since(batchStart).Seconds())
			}
			for k, v := range e.State().Metrics {
				m.Values.WithLabelValues(name, k).Set(v)
			}
			return nil
		}},
		{events.EpochStarted.Event(), func(_ context.Context, e *engine.Engine) error {
			m.Epoch.WithLabelValues(name).Set(float64(e.State().Epoch))
			return nil
		}},
		{events.EpochCompleted.Event(), func(_ context.Context, e *engine.Engine) error {
			if d, ok := e.State().Times[string(events.EpochCompleted)]; ok {
				m.EpochDuration.WithLabelValues(name).Set(d.Seconds())
			}
			return nil
		}},
	}
	for _, h := range handlers {
		if err := e.On(h.ev, h.h); err != nil {
			return errors.WithMessagef(err, "could not attach metrics to %s", h.ev)
		}
	}
	return nil
}

// Exporter serves the metrics over HTTP at /metrics.
type Exporter struct {
	server *http.Server
	logger logging.Logger
}

// NewExporter creates an exporter of m listening on addr.
func NewExporter(m *Metrics, addr string, logger logging.Logger) *Exporter {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	return &Exporter{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger,
	}
}

// Handler returns the HTTP handler serving /metrics.
func (ex *Exporter) Handler() http.Handler {
	return ex.server.Handler
}

// Start serves in the background until Stop is called.
func (ex *Exporter) Start() {
	go func() {
		if err := ex.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ex.logger.Log(logging.LevelError, "Metrics exporter failed.", "addr", ex.server.Addr, "error", err)
		}
	}()
}

// Stop stops the exporter.
func (ex *Exporter) Stop() error {
	return ex.server.Close()
}
