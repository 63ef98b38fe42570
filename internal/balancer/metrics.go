package balancer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chalabi2/chain-rpc-gateway/internal/model"
)

// Metrics are the Load Balancer's Prometheus collectors, labeled by chain.
type Metrics struct {
	selectionsTotal *prometheus.CounterVec
	forwardsTotal   *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec
	breakerTrips    *prometheus.CounterVec
	weightGauge     *prometheus.GaugeVec
}

// NewMetrics registers the balancer's collectors with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	selectionsTotal, err := model.RegisterCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: model.Namespace,
		Subsystem: "balancer",
		Name:      "selections_total",
		Help:      "Upstream selections, by chain and whether breakers were bypassed.",
	}, []string{"chain", "mode"}))
	if err != nil {
		return nil, err
	}
	forwardsTotal, err := model.RegisterCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: model.Namespace,
		Subsystem: "balancer",
		Name:      "forwards_total",
		Help:      "Upstream forward attempts, by chain, endpoint, and outcome.",
	}, []string{"chain", "endpoint", "outcome"}))
	if err != nil {
		return nil, err
	}
	forwardDuration, err := model.RegisterHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: model.Namespace,
		Subsystem: "balancer",
		Name:      "forward_duration_seconds",
		Help:      "Duration of a single upstream forward attempt, by chain.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"chain"}))
	if err != nil {
		return nil, err
	}
	breakerTrips, err := model.RegisterCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: model.Namespace,
		Subsystem: "balancer",
		Name:      "breaker_trips_total",
		Help:      "Circuit breaker open transitions, by chain and endpoint.",
	}, []string{"chain", "endpoint"}))
	if err != nil {
		return nil, err
	}
	weightGauge, err := model.RegisterGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: model.Namespace,
		Subsystem: "balancer",
		Name:      "endpoint_weight",
		Help:      "Current selection weight of an endpoint, by chain and endpoint.",
	}, []string{"chain", "endpoint"}))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		selectionsTotal: selectionsTotal,
		forwardsTotal:   forwardsTotal,
		forwardDuration: forwardDuration,
		breakerTrips:    breakerTrips,
		weightGauge:     weightGauge,
	}, nil
}
