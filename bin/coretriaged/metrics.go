package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	received        *prometheus.CounterVec
	receivedSizes   *prometheus.HistogramVec
	failures        *prometheus.CounterVec
	archiveFailures prometheus.Counter
	symbolication   prometheus.Histogram
	reported        prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coretriaged_received_total",
			Help: "number of coredumps received",
		}, []string{"source"}),
		receivedSizes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coretriaged_received_size_megabytes",
			Help:    "size of the coredumps received",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		}, []string{"source"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coretriaged_failures_total",
			Help: "number of coredumps that couldn't be triaged",
		}, []string{"kind"}),
		archiveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coretriaged_archive_failures_total",
			Help: "number of coredumps that couldn't be archived",
		}),
		symbolication: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coretriaged_symbolication_seconds",
			Help:    "time spent reconstructing stacks",
			Buckets: prometheus.DefBuckets,
		}),
		reported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coretriaged_reported_total",
			Help: "number of incidents reported",
		}),
	}

	reg.MustRegister(
		m.received,
		m.receivedSizes,
		m.failures,
		m.archiveFailures,
		m.symbolication,
		m.reported,
	)
	return m
}
