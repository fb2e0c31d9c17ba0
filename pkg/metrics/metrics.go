// Package metrics exposes the controller's Prometheus metrics and health
// endpoints.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks resilience controller metrics
type Metrics struct {
	Registry *prometheus.Registry

	// File operation metrics
	FileOpsIndexed    prometheus.Gauge
	FileOpsWaiting    *prometheus.GaugeVec
	FileOpsRunning    prometheus.Gauge
	FileOpsRegistered prometheus.Counter
	FileOpsTerminated *prometheus.CounterVec
	FileOpsFailures   *prometheus.CounterVec
	FileSweepLatency  prometheus.Histogram

	// Pool operation metrics
	PoolOpsState *prometheus.GaugeVec
	PoolScans    *prometheus.CounterVec
	PoolScanned  prometheus.Counter

	// Checkpoint metrics
	CheckpointLatency  prometheus.Histogram
	CheckpointRecords  prometheus.Gauge
	CheckpointFailures prometheus.Counter
	CheckpointLast     prometheus.Gauge

	// Topology metrics
	TopologyRefreshes *prometheus.CounterVec
	TopologyPools     prometheus.Gauge
}

// New creates and registers the metrics on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

func NewWithRegistry(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,

		FileOpsIndexed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "resilience_file_operations",
			Help: "Number of file operations in the index",
		}),
		FileOpsWaiting: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "resilience_file_operations_waiting",
			Help: "Number of waiting file operations by class",
		}, []string{"class"}),
		FileOpsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "resilience_file_operations_running",
			Help: "Number of running file operations",
		}),
		FileOpsRegistered: factory.NewCounter(prometheus.CounterOpts{
			Name: "resilience_file_operations_registered_total",
			Help: "Total number of file operations created",
		}),
		FileOpsTerminated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resilience_file_operations_terminated_total",
			Help: "Total number of terminal file operation passes by outcome",
		}, []string{"outcome"}),
		FileOpsFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resilience_file_operation_failures_total",
			Help: "Total number of classified file operation failures",
		}, []string{"type"}),
		FileSweepLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "resilience_file_sweep_seconds",
			Help:    "File operation scheduler sweep duration",
			Buckets: prometheus.DefBuckets,
		}),

		PoolOpsState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "resilience_pool_operations",
			Help: "Number of pool operations by state",
		}, []string{"state"}),
		PoolScans: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resilience_pool_scans_total",
			Help: "Total number of pool scans by result",
		}, []string{"result"}),
		PoolScanned: factory.NewCounter(prometheus.CounterOpts{
			Name: "resilience_pool_scanned_files_total",
			Help: "Total number of files visited by pool scans",
		}),

		CheckpointLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "resilience_checkpoint_seconds",
			Help:    "Checkpoint write duration",
			Buckets: prometheus.DefBuckets,
		}),
		CheckpointRecords: factory.NewGauge(prometheus.GaugeOpts{
			Name: "resilience_checkpoint_records",
			Help: "Number of records in the last checkpoint",
		}),
		CheckpointFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "resilience_checkpoint_failures_total",
			Help: "Total number of failed checkpoint writes",
		}),
		CheckpointLast: factory.NewGauge(prometheus.GaugeOpts{
			Name: "resilience_checkpoint_last_timestamp_seconds",
			Help: "Unix time of the last successful checkpoint",
		}),

		TopologyRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resilience_topology_refreshes_total",
			Help: "Total number of topology refreshes by result",
		}, []string{"result"}),
		TopologyPools: factory.NewGauge(prometheus.GaugeOpts{
			Name: "resilience_topology_pools",
			Help: "Number of pools in the topology map",
		}),
	}
}
