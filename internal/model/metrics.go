package model

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace is the shared Prometheus namespace for every collector the
// engine registers, across all packages.
const Namespace = "chain_rpc_gateway"

// RegisterCounterVec registers vec with reg, returning the already-
// registered collector instead of erroring when two chain instances
// (sharing a process-wide registerer) register the same metric name.
func RegisterCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				return nil, fmt.Errorf("expected counter vec, got %T", are.ExistingCollector)
			}
			return existing, nil
		}
		return nil, err
	}
	return vec, nil
}

// RegisterGaugeVec is the GaugeVec counterpart of RegisterCounterVec.
func RegisterGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := are.ExistingCollector.(*prometheus.GaugeVec)
			if !ok {
				return nil, fmt.Errorf("expected gauge vec, got %T", are.ExistingCollector)
			}
			return existing, nil
		}
		return nil, err
	}
	return vec, nil
}

// RegisterHistogramVec is the HistogramVec counterpart of RegisterCounterVec.
func RegisterHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := are.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				return nil, fmt.Errorf("expected histogram vec, got %T", are.ExistingCollector)
			}
			return existing, nil
		}
		return nil, err
	}
	return vec, nil
}
