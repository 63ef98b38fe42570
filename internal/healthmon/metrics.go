package healthmon

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chalabi2/chain-rpc-gateway/internal/model"
)

// Metrics are the Health Monitor's Prometheus collectors, labeled by chain.
type Metrics struct {
	probesTotal   *prometheus.CounterVec
	healthyGauge  *prometheus.GaugeVec
	archiveGauge  *prometheus.GaugeVec
	medianGauge   *prometheus.GaugeVec
	probeDuration *prometheus.HistogramVec
}

// NewMetrics registers the monitor's collectors with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	probesTotal, err := model.RegisterCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: model.Namespace,
		Subsystem: "health",
		Name:      "probes_total",
		Help:      "Total /status probes performed, by chain and outcome.",
	}, []string{"chain", "outcome"}))
	if err != nil {
		return nil, err
	}
	healthyGauge, err := model.RegisterGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: model.Namespace,
		Subsystem: "health",
		Name:      "healthy_endpoints",
		Help:      "Number of endpoints currently classified healthy, by chain.",
	}, []string{"chain"}))
	if err != nil {
		return nil, err
	}
	archiveGauge, err := model.RegisterGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: model.Namespace,
		Subsystem: "health",
		Name:      "archive_endpoints",
		Help:      "Number of endpoints currently classified archive, by chain.",
	}, []string{"chain"}))
	if err != nil {
		return nil, err
	}
	medianGauge, err := model.RegisterGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: model.Namespace,
		Subsystem: "health",
		Name:      "median_height",
		Help:      "Median reported block height across live endpoints, by chain.",
	}, []string{"chain"}))
	if err != nil {
		return nil, err
	}
	probeDuration, err := model.RegisterHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: model.Namespace,
		Subsystem: "health",
		Name:      "probe_duration_seconds",
		Help:      "Duration of /status probes in seconds, by chain.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"chain"}))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		probesTotal:   probesTotal,
		healthyGauge:  healthyGauge,
		archiveGauge:  archiveGauge,
		medianGauge:   medianGauge,
		probeDuration: probeDuration,
	}, nil
}
