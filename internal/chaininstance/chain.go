// Package chaininstance wires a Registry Poller, Health Monitor, and Load
// Balancer into the lifecycle of a single chain: initialization order,
// state machine, and the route/status/metrics/refresh/shutdown contract.
package chaininstance

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chalabi2/chain-rpc-gateway/internal/balancer"
	"github.com/chalabi2/chain-rpc-gateway/internal/healthmon"
	"github.com/chalabi2/chain-rpc-gateway/internal/model"
	"github.com/chalabi2/chain-rpc-gateway/internal/registryfeed"
)

// State is one stage of the chain instance's lifecycle.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateDegraded      State = "degraded"
	StateStopping      State = "stopping"
	StateStopped       State = "stopped"
)

// StateChangeFunc is invoked on every state change made during
// initialization and health updates (into initializing, ready, degraded, or
// back to uninitialized), for the operational event fan-out. Shutdown's
// moves into stopping and stopped do not invoke it.
type StateChangeFunc func(chainKey string, from, to State)

// Metrics bundles the three per-component metric sets a chain instance
// wires together.
type Metrics struct {
	Poller   *registryfeed.Metrics
	Monitor  *healthmon.Metrics
	Balancer *balancer.Metrics
}

// ChainStatus is a point-in-time snapshot for the status() operation.
type ChainStatus struct {
	ChainKey     string
	State        State
	HealthyCount int
	ArchiveCount int
	TrackedCount int
	MedianHeight int64
	LastProbeAt  time.Time
	Endpoints    []EndpointStatus
}

// EndpointStatus is the per-endpoint detail inside ChainStatus.
type EndpointStatus struct {
	model.Endpoint
	BreakerState model.BreakerState
	Weight       float64
}

// ChainMetrics is the snapshot for the metrics() operation.
type ChainMetrics struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	SuccessRate        float64
	AvgResponseTimeMS  float64
}

// ChainInstance composes a Registry Poller, Health Monitor, and Load
// Balancer for exactly one chain.
type ChainInstance struct {
	cfg     model.ChainConfig
	logger  *zap.Logger
	poller  *registryfeed.Poller
	monitor *healthmon.Monitor
	lb      *balancer.Balancer

	onStateChange StateChangeFunc

	mu          sync.RWMutex
	state       State
	lastHealthy []*model.Endpoint
	lastArchive []*model.Endpoint
	lastProbeAt time.Time

	totalRequests int64
	successCount  int64
	failCount     int64
	rtMu          sync.Mutex
	avgRTMS       float64
}

// New builds a ChainInstance for one chain. client is a connection-pool
// dedicated to this chain, shared by its poller, monitor, and balancer.
func New(cfg model.ChainConfig, client *http.Client, logger *zap.Logger, metrics Metrics, onStateChange StateChangeFunc) *ChainInstance {
	cfg = model.DefaultChainConfig(cfg)

	ci := &ChainInstance{
		cfg:           cfg,
		logger:        logger,
		onStateChange: onStateChange,
		state:         StateUninitialized,
	}

	ci.lb = balancer.New(cfg.Key, balancer.Config{
		RequestTimeout: cfg.RequestTimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryDelayBase: cfg.RetryDelayBase,
	}, client, logger, metrics.Balancer)
	ci.monitor = healthmon.New(cfg.Key, healthmon.Config{
		ProbeTimeout:   cfg.ProbeTimeout,
		ProbeInterval:  cfg.ProbeInterval,
		SyncThreshold:  cfg.SyncThreshold,
		ProbeWebSocket: cfg.ProbeWebSocket,
	}, client, logger, metrics.Monitor, ci.handleHealthChanged, ci.handleRPCRecovered, ci.handleAllUnhealthy)
	ci.poller = registryfeed.New(cfg.Key, cfg.RegistryURL, cfg.PollInterval, logger, metrics.Poller, ci.monitor.SetEndpoints,
		registryfeed.WithHTTPClient(client))

	return ci
}

// Initialize performs the synchronous startup sequence: one registry fetch,
// one probe round, an initial pool handoff to the balancer, then starts the
// periodic schedulers. A fetch failure aborts initialization and leaves the
// instance uninitialized.
func (ci *ChainInstance) Initialize(ctx context.Context) error {
	ci.setState(StateInitializing)

	endpoints, err := ci.poller.Fetch(ctx)
	if err != nil {
		ci.logger.Error("chain initialization aborted: registry fetch failed",
			zap.String("chain", ci.cfg.Key), zap.Error(err))
		ci.setState(StateUninitialized)
		return err
	}

	ci.monitor.SetEndpoints(endpoints)
	ci.monitor.ProbeAll(ctx)

	ci.poller.Start(ctx)
	ci.monitor.Start(ctx)

	ci.mu.RLock()
	ready := len(ci.lastHealthy) > 0
	ci.mu.RUnlock()
	if ready {
		ci.setState(StateReady)
	} else {
		ci.setState(StateDegraded)
	}
	return nil
}

func (ci *ChainInstance) setState(s State) {
	ci.mu.Lock()
	old := ci.state
	if old == StateStopping || old == StateStopped {
		ci.mu.Unlock()
		return
	}
	ci.state = s
	ci.mu.Unlock()

	if old != s && ci.onStateChange != nil {
		ci.onStateChange(ci.cfg.Key, old, s)
	}
}

func (ci *ChainInstance) handleHealthChanged(healthy, archive []*model.Endpoint) {
	ci.mu.Lock()
	ci.lastHealthy = healthy
	ci.lastArchive = archive
	ci.lastProbeAt = time.Now()
	ci.mu.Unlock()

	ci.lb.SetPools(healthy, archive)

	if len(healthy) > 0 {
		ci.setState(StateReady)
	} else {
		ci.setState(StateDegraded)
	}
}

func (ci *ChainInstance) handleRPCRecovered(ep *model.Endpoint) {
	ci.logger.Info("endpoint recovered", zap.String("chain", ci.cfg.Key), zap.String("endpoint", ep.URL))
}

func (ci *ChainInstance) handleAllUnhealthy() {
	ci.logger.Warn("all endpoints unhealthy", zap.String("chain", ci.cfg.Key))
}

// Route is the single entry point for an inbound request: it forwards
// through the balancer and updates end-to-end chain metrics.
func (ci *ChainInstance) Route(ctx context.Context, isArchive bool, method, requestPath string, body []byte) (*balancer.Result, error) {
	ci.mu.RLock()
	state := ci.state
	ci.mu.RUnlock()

	if state != StateReady && state != StateDegraded {
		return nil, model.NewError(model.KindNotReady, "chain has not completed initialization")
	}

	atomic.AddInt64(&ci.totalRequests, 1)
	result, err := ci.lb.Forward(ctx, isArchive, method, requestPath, body)
	if err != nil {
		atomic.AddInt64(&ci.failCount, 1)
		return nil, err
	}

	atomic.AddInt64(&ci.successCount, 1)
	rtMS := float64(result.ResponseTime) / float64(time.Millisecond)
	ci.rtMu.Lock()
	if ci.avgRTMS == 0 {
		ci.avgRTMS = rtMS
	} else {
		ci.avgRTMS = 0.8*ci.avgRTMS + 0.2*rtMS
	}
	ci.rtMu.Unlock()

	return result, nil
}

// Status returns a snapshot of the chain's current state.
func (ci *ChainInstance) Status() ChainStatus {
	ci.mu.RLock()
	state := ci.state
	lastProbeAt := ci.lastProbeAt
	healthyCount := len(ci.lastHealthy)
	archiveCount := len(ci.lastArchive)
	ci.mu.RUnlock()

	tracked := ci.monitor.Snapshot()
	endpoints := make([]EndpointStatus, len(tracked))
	for i, ep := range tracked {
		endpoints[i] = EndpointStatus{
			Endpoint:     ep,
			BreakerState: ci.lb.BreakerState(ep.URL),
			Weight:       ci.lb.Weight(ep.URL),
		}
	}

	return ChainStatus{
		ChainKey:     ci.cfg.Key,
		State:        state,
		HealthyCount: healthyCount,
		ArchiveCount: archiveCount,
		TrackedCount: ci.monitor.TrackedCount(),
		MedianHeight: ci.monitor.LastMedian(),
		LastProbeAt:  lastProbeAt,
		Endpoints:    endpoints,
	}
}

// Metrics returns the chain's end-to-end request metrics.
func (ci *ChainInstance) Metrics() ChainMetrics {
	total := atomic.LoadInt64(&ci.totalRequests)
	success := atomic.LoadInt64(&ci.successCount)
	fail := atomic.LoadInt64(&ci.failCount)

	ci.rtMu.Lock()
	avgRT := ci.avgRTMS
	ci.rtMu.Unlock()

	var rate float64
	if total > 0 {
		rate = float64(success) / float64(total)
	}

	return ChainMetrics{
		TotalRequests:      total,
		SuccessfulRequests: success,
		FailedRequests:     fail,
		SuccessRate:        rate,
		AvgResponseTimeMS:  avgRT,
	}
}

// RefreshRegistry forces an off-schedule registry fetch.
func (ci *ChainInstance) RefreshRegistry(ctx context.Context) error {
	return ci.poller.Force(ctx)
}

// ProbeNow forces an off-schedule probe round.
func (ci *ChainInstance) ProbeNow(ctx context.Context) {
	ci.monitor.ProbeAll(ctx)
}

// Key returns the chain's configured identifier.
func (ci *ChainInstance) Key() string { return ci.cfg.Key }

// Config returns the chain's resolved configuration.
func (ci *ChainInstance) Config() model.ChainConfig { return ci.cfg }

// Shutdown stops the schedulers and marks the instance terminally stopped.
// Idempotent.
func (ci *ChainInstance) Shutdown() {
	ci.mu.Lock()
	if ci.state == StateStopped {
		ci.mu.Unlock()
		return
	}
	ci.state = StateStopping
	ci.mu.Unlock()

	ci.poller.Stop()
	ci.monitor.Stop()

	ci.mu.Lock()
	ci.state = StateStopped
	ci.mu.Unlock()
}
