package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the application-specific instruments every subsystem
// records against, built once at startup from the global meter.
type Metrics struct {
	OrdersPlaced     metric.Int64Counter
	OrdersRejected   metric.Int64Counter
	FillsRecorded    metric.Int64Counter
	FifoAllocations  metric.Int64Counter
	SignalEvaluations metric.Int64Counter
	SignalScoreHist  metric.Float64Histogram
	ReconnectCount   metric.Int64Counter
	ExitOrdersPlaced metric.Int64Counter
	WatchdogSilenceSeconds metric.Float64Histogram
}

// NewMetrics creates every instrument under the "spotbot" meter name.
func NewMetrics() (*Metrics, error) {
	m := GetMeter("spotbot")

	ordersPlaced, err := m.Int64Counter("spotbot.orders.placed",
		metric.WithDescription("orders successfully submitted to the exchange"))
	if err != nil {
		return nil, err
	}
	ordersRejected, err := m.Int64Counter("spotbot.orders.rejected",
		metric.WithDescription("orders rejected by the exchange or dropped locally"))
	if err != nil {
		return nil, err
	}
	fillsRecorded, err := m.Int64Counter("spotbot.fills.recorded",
		metric.WithDescription("fills written to the trade ledger"))
	if err != nil {
		return nil, err
	}
	fifoAllocations, err := m.Int64Counter("spotbot.fifo.allocations",
		metric.WithDescription("FIFO allocation rows emitted"))
	if err != nil {
		return nil, err
	}
	signalEvaluations, err := m.Int64Counter("spotbot.signal.evaluations",
		metric.WithDescription("signal engine evaluations performed"))
	if err != nil {
		return nil, err
	}
	signalScoreHist, err := m.Float64Histogram("spotbot.signal.score",
		metric.WithDescription("buy/sell score distribution across evaluations"))
	if err != nil {
		return nil, err
	}
	reconnectCount, err := m.Int64Counter("spotbot.ingest.reconnects",
		metric.WithDescription("ingestion orchestrator reconnect attempts"))
	if err != nil {
		return nil, err
	}
	exitOrdersPlaced, err := m.Int64Counter("spotbot.position.exits",
		metric.WithDescription("position monitor exit orders placed, by kind"))
	if err != nil {
		return nil, err
	}
	watchdogSilence, err := m.Float64Histogram("spotbot.ingest.watchdog_silence_seconds",
		metric.WithDescription("seconds of channel silence observed when a watchdog trips"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		OrdersPlaced:           ordersPlaced,
		OrdersRejected:         ordersRejected,
		FillsRecorded:          fillsRecorded,
		FifoAllocations:        fifoAllocations,
		SignalEvaluations:      signalEvaluations,
		SignalScoreHist:        signalScoreHist,
		ReconnectCount:         reconnectCount,
		ExitOrdersPlaced:       exitOrdersPlaced,
		WatchdogSilenceSeconds: watchdogSilence,
	}, nil
}

// RecordSignal is a small convenience wrapper the ingestion orchestrator
// calls after each signal evaluation.
func (m *Metrics) RecordSignal(ctx context.Context, buyScore, sellScore float64) {
	m.SignalEvaluations.Add(ctx, 1)
	m.SignalScoreHist.Record(ctx, buyScore, metric.WithAttributes())
	m.SignalScoreHist.Record(ctx, sellScore, metric.WithAttributes())
}
