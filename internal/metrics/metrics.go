// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FieldsTotal counts appended field records by origin (observed or gap)
	FieldsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldtrace_fields_total",
			Help: "Total number of field records appended to traces",
		},
		[]string{"direction", "origin"},
	)

	// OutOfOrderTotal counts field events whose offset went backwards
	OutOfOrderTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldtrace_out_of_order_total",
			Help: "Total number of field events with an offset before the last known offset",
		},
		[]string{"direction"},
	)

	// InterleavedTotal counts field events attributed to a buffer other than the bound one
	InterleavedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldtrace_interleaved_total",
			Help: "Total number of field events for a buffer other than the one being traced",
		},
		[]string{"direction"},
	)

	// TracesFlushedTotal counts flushed traces by outcome (complete or aborted)
	TracesFlushedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldtrace_traces_flushed_total",
			Help: "Total number of traces handed to the persistence sink",
		},
		[]string{"direction", "outcome"},
	)

	// PersistErrorsTotal counts failed record writes
	PersistErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldtrace_persist_errors_total",
			Help: "Total number of trace records that failed to persist",
		},
		[]string{"direction"},
	)

	// RawBytesTotal counts payload bytes attached to persisted records
	RawBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldtrace_raw_bytes_total",
			Help: "Total number of raw payload bytes attached to trace records",
		},
		[]string{"direction"},
	)

	// RPCRequestsTotal counts observer transport requests
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldtrace_rpc_requests_total",
			Help: "Total number of observer transport requests by method and status",
		},
		[]string{"method", "status"},
	)
)

// Label values shared by callers.
const (
	OriginObserved = "observed"
	OriginGap      = "gap"

	OutcomeComplete = "complete"
	OutcomeAborted  = "aborted"

	StatusOK    = "ok"
	StatusError = "error"
)
