// Package metrics exposes the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScanOutcomes counts MarkAttendance results by outcome label.
	ScanOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrattend_scan_outcomes_total",
		Help: "Scan validation results partitioned by outcome.",
	}, []string{"outcome"})

	// ScanStoreErrors counts scans that failed at the store layer.
	ScanStoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_scan_store_errors_total",
		Help: "Scans aborted by a storage failure (fully rolled back).",
	})

	// ReconcileDuplicatesRemoved counts rows deleted by deduplication.
	ReconcileDuplicatesRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_reconcile_duplicates_removed_total",
		Help: "Attendance rows removed by the reconciler's dedup pass.",
	})

	// ReconcileLateInvalidated counts rows reclassified as Invalid.
	ReconcileLateInvalidated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_reconcile_late_invalidated_total",
		Help: "Attendance rows reclassified Invalid for scanning late.",
	})
)
