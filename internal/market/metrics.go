package market

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "market"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of own orders that are open.
	OpenOrders metrics.Gauge
	// Number of ticks in the order book, by side.
	BookTicks metrics.Gauge
	// Remaining quantity offered in the order book, by side.
	BookDepth metrics.Gauge
	// Number of remote ticks received, by outcome (inserted, refreshed,
	// rejected).
	Ticks metrics.Counter
	// Number of matches found by the matching engine.
	Matches metrics.Counter
	// Number of trade proposals by outcome (sent, countered, accepted,
	// declined, timeout, failed).
	Proposals metrics.Counter
	// Number of messages dropped, by reason (duplicate, invalid).
	DroppedMessages metrics.Counter
	// Number of tick and cancel records that could not be written to the
	// ledger.
	LedgerWriteFailures metrics.Counter
	// Number of accounting invariant violations.
	Incidents metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	with := func(extra ...string) []string {
		return append(append([]string(nil), labels...), extra...)
	}
	return &Metrics{
		OpenOrders: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "open_orders",
			Help:      "Number of own open orders.",
		}, labels).With(labelsAndValues...),
		BookTicks: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "book_ticks",
			Help:      "Number of ticks in the order book by side.",
		}, with("side")).With(labelsAndValues...),
		BookDepth: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "book_depth",
			Help:      "Remaining quantity offered in the order book by side.",
		}, with("side")).With(labelsAndValues...),
		Ticks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "remote_ticks",
			Help:      "Number of ticks received from peers by outcome.",
		}, with("outcome")).With(labelsAndValues...),
		Matches: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "matches",
			Help:      "Number of matches found.",
		}, labels).With(labelsAndValues...),
		Proposals: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "proposals",
			Help:      "Number of trade proposals by outcome.",
		}, with("outcome")).With(labelsAndValues...),
		DroppedMessages: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "dropped_messages",
			Help:      "Number of peer messages dropped by reason.",
		}, with("reason")).With(labelsAndValues...),
		LedgerWriteFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "ledger_write_failures",
			Help:      "Number of tick and cancel records that could not be written.",
		}, labels).With(labelsAndValues...),
		Incidents: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "incidents",
			Help:      "Number of order accounting invariant violations.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		OpenOrders:          discard.NewGauge(),
		BookTicks:           discard.NewGauge(),
		BookDepth:           discard.NewGauge(),
		Ticks:               discard.NewCounter(),
		Matches:             discard.NewCounter(),
		Proposals:           discard.NewCounter(),
		DroppedMessages:     discard.NewCounter(),
		LedgerWriteFailures: discard.NewCounter(),
		Incidents:           discard.NewCounter(),
	}
}
