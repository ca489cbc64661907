package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReplenishmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_replenishments_total",
		Help: "Total number of committed replenishments",
	})

	ReplenishedUnitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_replenished_units_total",
		Help: "Total number of units received into stock",
	})

	DepletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_depletions_total",
		Help: "Total number of committed depletions",
	}, []string{"kind"})

	DepletedUnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_depleted_units_total",
		Help: "Total number of units removed from stock",
	}, []string{"kind"})

	LedgerOperationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_failed_total",
		Help: "Total number of failed ledger operations",
	}, []string{"operation", "reason"})

	InsufficientStockTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_insufficient_stock_total",
		Help: "Total number of depletions rejected for insufficient stock",
	})

	LockContentionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_lock_contention_total",
		Help: "Total number of ledger operations that lost a lock race",
	}, []string{"reason"})

	LedgerOperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_operation_latency_seconds",
		Help:    "Latency of ledger operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	LedgerDriftDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_drift_detected_total",
		Help: "Total number of reconciliations that found drift",
	})

	SalesCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sales_completed_total",
		Help: "Total number of completed sales",
	})

	SalesFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sales_failed_total",
		Help: "Total number of failed sales",
	}, []string{"reason"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
