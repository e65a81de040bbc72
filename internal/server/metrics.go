package server

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()

	m := &metrics{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "julea",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Number of protocol frames handled, by operation.",
		}, []string{"op"}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "julea",
			Subsystem: "server",
			Name:      "object_read_bytes_total",
			Help:      "Bytes returned by object read operations.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "julea",
			Subsystem: "server",
			Name:      "object_written_bytes_total",
			Help:      "Bytes stored by object write operations.",
		}),
	}

	registry.MustRegister(m.requests, m.bytesRead, m.bytesWritten)

	return m
}
