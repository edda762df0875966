package settlement

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "settlement"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of transactions that are neither completed nor failed.
	ActiveTransactions metrics.Gauge
	// Number of transactions by outcome: started, completed or error.
	Transactions metrics.Counter
	// Number of payments by direction (sent, received) and success.
	Payments metrics.Counter
	// Number of ledger records that could not be written.
	LedgerWriteFailures metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		ActiveTransactions: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "active_transactions",
			Help:      "Number of transactions still settling.",
		}, labels).With(labelsAndValues...),
		Transactions: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "transactions",
			Help:      "Number of transactions by outcome.",
		}, extend(labels, "status")).With(labelsAndValues...),
		Payments: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "payments",
			Help:      "Number of payments by direction and success.",
		}, extend(labels, "direction", "success")).With(labelsAndValues...),
		LedgerWriteFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "ledger_write_failures",
			Help:      "Number of ledger records that could not be written.",
		}, labels).With(labelsAndValues...),
	}
}

func extend(labels []string, extra ...string) []string {
	return append(append([]string(nil), labels...), extra...)
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		ActiveTransactions:  discard.NewGauge(),
		Transactions:        discard.NewCounter(),
		Payments:            discard.NewCounter(),
		LedgerWriteFailures: discard.NewCounter(),
	}
}
