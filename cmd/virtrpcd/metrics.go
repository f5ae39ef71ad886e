// Copyright 2017-2018 Virtkit, Inc.
// This software is released under an MIT/X11 open source license.

package main

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/virtkit/go-virtrpc/server"
)

var connectedClients = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "virtkit",
		Subsystem: "virtrpc",
		Name:      "connected_clients",
		Help:      "Number of currently tracked client connections",
	},
)

var jobsDispatched = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "virtkit",
		Subsystem: "virtrpc",
		Name:      "jobs_dispatched_total",
		Help:      "Messages handed to the worker pool or processed inline",
	},
)

var dispatchErrors = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "virtkit",
		Subsystem: "virtrpc",
		Name:      "dispatch_errors_total",
		Help:      "Message dispatches that failed and closed their client",
	},
)

var droppedOneWay = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "virtkit",
		Subsystem: "virtrpc",
		Name:      "dropped_oneway_total",
		Help:      "One-way messages dropped for lack of a matching program",
	},
)

var signalWriteErrors = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "virtkit",
		Subsystem: "virtrpc",
		Name:      "signal_write_errors_total",
		Help:      "Signal notifications lost on the relay pipe",
	},
)

func init() {
	prometheus.MustRegister(connectedClients)
	prometheus.MustRegister(jobsDispatched)
	prometheus.MustRegister(dispatchErrors)
	prometheus.MustRegister(droppedOneWay)
	prometheus.MustRegister(signalWriteErrors)
}

// observe periodically copies server counters into the Prometheus
// gauges.
func observe(srv *server.Server) {
	for {
		stats := srv.Stats()
		connectedClients.Set(float64(stats.Clients))
		jobsDispatched.Set(float64(stats.JobsDispatched))
		dispatchErrors.Set(float64(stats.DispatchErrors))
		droppedOneWay.Set(float64(stats.DroppedOneWay))
		signalWriteErrors.Set(float64(stats.SignalWriteErrors))
		time.Sleep(5 * time.Second)
	}
}

// serveHTTP runs the metrics endpoint on the given local address.
// This serves connections forever and wants to be run in a goroutine.
func serveHTTP(laddr string) {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	http.ListenAndServe(laddr, r)
}
