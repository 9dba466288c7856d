package metrics

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketMetrics tracks marketplace lifecycle transitions and the custodial
// balance the engine currently holds.
type MarketMetrics struct {
	transitions      *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	custodialBalance prometheus.Gauge
	itemsListed      prometheus.Counter
}

var (
	marketOnce     sync.Once
	marketRegistry *MarketMetrics
)

// Market returns the process-wide marketplace metrics, registering the
// collectors on first use.
func Market() *MarketMetrics {
	marketOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_transitions_total",
				Help: "Count of successful lifecycle transitions by operation.",
			}, []string{"op"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_rejections_total",
				Help: "Count of rejected operations by error kind.",
			}, []string{"op", "kind"}),
			custodialBalance: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "market_custodial_balance",
				Help: "Native units currently held in escrow custody.",
			}),
			itemsListed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_items_listed_total",
				Help: "Total number of items ever listed.",
			}),
		}
		prometheus.MustRegister(
			marketRegistry.transitions,
			marketRegistry.rejections,
			marketRegistry.custodialBalance,
			marketRegistry.itemsListed,
		)
	})
	return marketRegistry
}

// ObserveTransition records a successful lifecycle transition.
func (m *MarketMetrics) ObserveTransition(op string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(op).Inc()
	if op == "listItem" {
		m.itemsListed.Inc()
	}
}

// ObserveRejection records a rejected operation by error kind.
func (m *MarketMetrics) ObserveRejection(op, kind string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(op, kind).Inc()
}

// SetCustodialBalance publishes the engine's current custody total. Values
// beyond float64 precision are reported best-effort.
func (m *MarketMetrics) SetCustodialBalance(total *big.Int) {
	if m == nil || total == nil {
		return
	}
	value, _ := new(big.Float).SetInt(total).Float64()
	m.custodialBalance.Set(value)
}
