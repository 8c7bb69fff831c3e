// Package monitoring defines the proxy's Prometheus collectors on a private
// registry and exposes the exposition handler.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the proxy publishes.
type Metrics struct {
	registry *prometheus.Registry

	DownstreamConnections prometheus.Gauge
	UpstreamConnections   *prometheus.GaugeVec
	MessagesRx            *prometheus.CounterVec
	MessagesTx            *prometheus.CounterVec
	SharesSubmitted       prometheus.Counter
	SharesAccepted        *prometheus.CounterVec
	SharesRejected        *prometheus.CounterVec
	JobsForwarded         *prometheus.CounterVec
	AcceptedDifficultySum *prometheus.CounterVec
	DownstreamDifficulty  prometheus.Gauge
	ActivePool            *prometheus.GaugeVec

	OracleHashrate *prometheus.GaugeVec
	OracleRatio    *prometheus.GaugeVec
	OracleWeight   *prometheus.GaugeVec
	OracleStatus   prometheus.Gauge
	OracleAge      prometheus.Gauge
}

// New creates the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DownstreamConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dpmp_downstream_connections",
			Help: "Active downstream miner connections",
		}),
		UpstreamConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dpmp_upstream_connections",
			Help: "Active upstream pool connections",
		}, []string{"pool"}),
		MessagesRx: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dpmp_messages_rx_total",
			Help: "Messages received",
		}, []string{"side"}),
		MessagesTx: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dpmp_messages_tx_total",
			Help: "Messages sent",
		}, []string{"side"}),
		SharesSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "dpmp_shares_submitted_total",
			Help: "Shares submitted by miners",
		}),
		SharesAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dpmp_shares_accepted_total",
			Help: "Shares accepted by pools",
		}, []string{"pool"}),
		SharesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dpmp_shares_rejected_total",
			Help: "Shares rejected by pools",
		}, []string{"pool"}),
		JobsForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dpmp_jobs_forwarded_total",
			Help: "Jobs forwarded to miner",
		}, []string{"pool"}),
		AcceptedDifficultySum: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dpmp_accepted_difficulty_sum",
			Help: "Sum of difficulty for accepted shares",
		}, []string{"pool"}),
		DownstreamDifficulty: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dpmp_downstream_difficulty",
			Help: "Current downstream difficulty",
		}),
		ActivePool: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dpmp_active_pool",
			Help: "Active pool (1=active,0=inactive)",
		}, []string{"pool"}),
		OracleHashrate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dpmp_oracle_hashrate",
			Help: "Network hashrate from oracle",
		}, []string{"chain", "window"}),
		OracleRatio: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dpmp_oracle_ratio",
			Help: "Hashrate ratio (short/baseline)",
		}, []string{"chain"}),
		OracleWeight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dpmp_oracle_weight",
			Help: "Oracle-calculated pool weight",
		}, []string{"pool"}),
		OracleStatus: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dpmp_oracle_status",
			Help: "Oracle status (1=healthy, 0=error)",
		}),
		OracleAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dpmp_oracle_data_age_seconds",
			Help: "Age of oracle data in seconds",
		}),
	}
}

// Handler returns the exposition handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetActivePool flips the active-pool gauge pair.
func (m *Metrics) SetActivePool(pool string) {
	for _, p := range []string{"A", "B"} {
		v := 0.0
		if p == pool {
			v = 1.0
		}
		m.ActivePool.WithLabelValues(p).Set(v)
	}
}
