package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// TxMetrics holds all the metric instruments for the transaction core.
type TxMetrics struct {
	TxBegunCounter           metric.Int64Counter
	TxCommittedCounter       metric.Int64Counter
	TxRolledBackCounter      metric.Int64Counter
	ActiveTxUpDownCounter    metric.Int64UpDownCounter
	TxDurationHistogram      metric.Int64Histogram
	LockConflictCounter      metric.Int64Counter
	SemaphoreConflictCounter metric.Int64Counter
	LeakedWorkerCounter      metric.Int64Counter
	ScheduledFailureCounter  metric.Int64Counter
}

// NewTxMetrics creates and registers all the metrics for the transaction core.
func NewTxMetrics(meter metric.Meter) (*TxMetrics, error) {
	m := &TxMetrics{}
	var err error

	if m.TxBegunCounter, err = meter.Int64Counter(
		"gojotx.tx.begun_total",
		metric.WithDescription("Total number of transactions begun."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.TxCommittedCounter, err = meter.Int64Counter(
		"gojotx.tx.committed_total",
		metric.WithDescription("Total number of transactions committed."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.TxRolledBackCounter, err = meter.Int64Counter(
		"gojotx.tx.rolled_back_total",
		metric.WithDescription("Total number of transactions rolled back."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.ActiveTxUpDownCounter, err = meter.Int64UpDownCounter(
		"gojotx.tx.active",
		metric.WithDescription("Number of live transactions, including suspended ones."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.TxDurationHistogram, err = meter.Int64Histogram(
		"gojotx.tx.duration",
		metric.WithDescription("Wall-clock time from begin to commit or rollback."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.LockConflictCounter, err = meter.Int64Counter(
		"gojotx.lock.conflicts_total",
		metric.WithDescription("Record lock registrations that found holders from other transactions."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.SemaphoreConflictCounter, err = meter.Int64Counter(
		"gojotx.semaphore.conflicts_total",
		metric.WithDescription("Unit-of-work calls rejected because a semaphore was occupied."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.LeakedWorkerCounter, err = meter.Int64Counter(
		"gojotx.worker.leaked_total",
		metric.WithDescription("Pooled tasks that returned with an execution context or transaction still in place."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.ScheduledFailureCounter, err = meter.Int64Counter(
		"gojotx.scheduled.failures_total",
		metric.WithDescription("Scheduled task runs that failed."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// NewNoopTxMetrics returns instruments that record nothing.
func NewNoopTxMetrics() *TxMetrics {
	m, _ := NewTxMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
