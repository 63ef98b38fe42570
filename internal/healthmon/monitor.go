// Package healthmon implements the Health Monitor: it probes a chain's
// tracked endpoints, classifies each as healthy/archive, and maintains the
// median reported height used as the sync-gating reference.
package healthmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chalabi2/chain-rpc-gateway/internal/model"
)

// HealthChangedFunc is invoked whenever the (healthy count, archive count,
// median height) tuple changes after a probe round.
type HealthChangedFunc func(healthy, archive []*model.Endpoint)

// RPCRecoveredFunc is invoked once per endpoint the moment it transitions
// from unhealthy to healthy.
type RPCRecoveredFunc func(endpoint *model.Endpoint)

// AllUnhealthyFunc is invoked exactly once on the transition into
// "healthy pool is empty while the tracked set is nonempty".
type AllUnhealthyFunc func()

type entry struct {
	mu         sync.Mutex
	ep         *model.Endpoint
	wasHealthy bool
}

func (e *entry) snapshot() model.Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.ep
}

// Monitor is the Health Monitor for a single chain.
type Monitor struct {
	chainKey       string
	client         *http.Client
	logger         *zap.Logger
	metrics        *Metrics
	probeTimeout   time.Duration
	probeInterval  time.Duration
	syncThreshold  int64
	probeWebSocket bool

	onHealthChanged HealthChangedFunc
	onRPCRecovered  RPCRecoveredFunc
	onAllUnhealthy  AllUnhealthyFunc

	mu               sync.RWMutex
	tracked          map[string]*entry
	lastHealthyCount int
	lastArchiveCount int
	lastMedian       int64
	everProbed       bool
	allUnhealthyFlag bool

	running bool
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Config bundles the tunables New reads; zero values fall back to spec
// defaults (probe timeout 5s, probe interval 30s, sync threshold 50).
type Config struct {
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
	SyncThreshold  int64
	ProbeWebSocket bool
}

// New builds a Monitor for one chain.
func New(chainKey string, cfg Config, client *http.Client, logger *zap.Logger, metrics *Metrics,
	onHealthChanged HealthChangedFunc, onRPCRecovered RPCRecoveredFunc, onAllUnhealthy AllUnhealthyFunc) *Monitor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.SyncThreshold <= 0 {
		cfg.SyncThreshold = 50
	}
	return &Monitor{
		chainKey:        chainKey,
		client:          client,
		logger:          logger,
		metrics:         metrics,
		probeTimeout:    cfg.ProbeTimeout,
		probeInterval:   cfg.ProbeInterval,
		syncThreshold:   cfg.SyncThreshold,
		probeWebSocket:  cfg.ProbeWebSocket,
		onHealthChanged: onHealthChanged,
		onRPCRecovered:  onRPCRecovered,
		onAllUnhealthy:  onAllUnhealthy,
		tracked:         map[string]*entry{},
		lastMedian:      -1, // force the first healthChanged emit
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Snapshot returns a point-in-time copy of every tracked endpoint's health
// fields, safe to read while probes are concurrently in flight.
func (m *Monitor) Snapshot() []model.Endpoint {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.tracked))
	for _, e := range m.tracked {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]model.Endpoint, len(entries))
	for i, e := range entries {
		out[i] = e.snapshot()
	}
	return out
}

// LastMedian returns the median height computed in the most recent probe
// round.
func (m *Monitor) LastMedian() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastMedian
}

// TrackedCount returns the number of endpoints currently tracked.
func (m *Monitor) TrackedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tracked)
}

// SetEndpoints replaces the tracked set. If the URL membership is unchanged
// from the current set, existing per-URL history is preserved; otherwise
// the whole set is replaced with fresh records. When the membership changed
// and the monitor is running, triggers an immediate probe.
func (m *Monitor) SetEndpoints(endpoints []model.Endpoint) {
	m.mu.Lock()
	changed := !sameMembership(m.tracked, endpoints)
	if changed {
		next := make(map[string]*entry, len(endpoints))
		for i := range endpoints {
			ep := endpoints[i]
			next[ep.URL] = &entry{ep: &ep}
		}
		m.tracked = next
	}
	running := m.isRunning()
	m.mu.Unlock()

	if changed && running {
		go m.ProbeAll(context.Background())
	}
}

func sameMembership(tracked map[string]*entry, endpoints []model.Endpoint) bool {
	if len(tracked) != len(endpoints) {
		return false
	}
	for _, ep := range endpoints {
		if _, ok := tracked[ep.URL]; !ok {
			return false
		}
	}
	return true
}

// ProbeAll probes every tracked endpoint concurrently, waits for all probes
// to settle, recomputes the healthy/archive pools and median height, and
// emits events for whatever changed.
func (m *Monitor) ProbeAll(ctx context.Context) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.tracked))
	for _, e := range m.tracked {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	wg.Add(len(entries))
	for _, e := range entries {
		e := e
		go func() {
			defer wg.Done()
			m.probeOne(ctx, e)
		}()
	}
	wg.Wait()

	all := make([]*model.Endpoint, len(entries))
	for i, e := range entries {
		all[i] = e.ep
	}
	median := model.MedianHeight(all)
	healthy, archive := model.Classify(all, median, m.syncThreshold)

	m.metrics.healthyGauge.WithLabelValues(m.chainKey).Set(float64(len(healthy)))
	m.metrics.archiveGauge.WithLabelValues(m.chainKey).Set(float64(len(archive)))
	m.metrics.medianGauge.WithLabelValues(m.chainKey).Set(float64(median))

	healthySet := make(map[string]bool, len(healthy))
	for _, e := range healthy {
		healthySet[e.URL] = true
	}

	var recovered []*model.Endpoint
	for _, e := range entries {
		nowHealthy := healthySet[e.ep.URL]
		if nowHealthy && !e.wasHealthy {
			recovered = append(recovered, e.ep)
		}
		e.wasHealthy = nowHealthy
	}
	for _, ep := range recovered {
		m.onRPCRecovered(ep)
	}

	m.mu.Lock()
	tupleChanged := !m.everProbed ||
		len(healthy) != m.lastHealthyCount ||
		len(archive) != m.lastArchiveCount ||
		median != m.lastMedian
	m.everProbed = true
	m.lastHealthyCount = len(healthy)
	m.lastArchiveCount = len(archive)
	m.lastMedian = median

	var fireAllUnhealthy bool
	if len(healthy) == 0 && len(entries) > 0 {
		if !m.allUnhealthyFlag {
			fireAllUnhealthy = true
			m.allUnhealthyFlag = true
		}
	} else {
		m.allUnhealthyFlag = false
	}
	m.mu.Unlock()

	if tupleChanged {
		m.onHealthChanged(healthy, archive)
	}
	if fireAllUnhealthy {
		m.onAllUnhealthy()
	}
}

func (m *Monitor) probeOne(ctx context.Context, e *entry) {
	result := probeStatus(ctx, m.client, e.ep.URL, m.probeTimeout)

	var reachable *bool
	if result.err == nil && m.probeWebSocket {
		ok := probeWebSocket(ctx, e.ep.URL, m.logger)
		reachable = &ok
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ep := e.ep

	if result.err != nil {
		m.metrics.probesTotal.WithLabelValues(m.chainKey, "failure").Inc()
		ep.Live = false
		ep.ConsecutiveFailures++
		ep.ErrorCount++
		ep.LastError = result.err.Error()
		ep.LastProbeAt = time.Now()
		// Archive classification is left untouched: failures never demote or
		// promote it, only a successful probe does.
		return
	}

	m.metrics.probesTotal.WithLabelValues(m.chainKey, "success").Inc()
	m.metrics.probeDuration.WithLabelValues(m.chainKey).Observe(result.latency.Seconds())

	ep.ConsecutiveFailures = 0
	ep.Height = result.height
	ep.CatchingUp = result.catchingUp
	ep.Archive = result.archive
	ep.ResponseTimeMS = result.latency.Milliseconds()
	ep.LastProbeAt = time.Now()
	ep.LastError = ""
	ep.Live = result.latency <= time.Duration(0.8*float64(m.probeTimeout))
	ep.WebSocketReachable = reachable
}

// Start begins periodic probing every probe_interval, starting immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.running = true
	m.started = true
	m.mu.Unlock()

	go m.loop(ctx)
}

func (m *Monitor) isRunning() bool {
	return m.running
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.doneCh)

	m.ProbeAll(ctx)

	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

// Stop cancels the scheduler. Idempotent. Safe to call even if Start was
// never called (loop never ran, so there is nothing to wait on).
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.running = false
	started := m.started
	m.mu.Unlock()

	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	if !started {
		return
	}
	<-m.doneCh
}
