// Package registryfeed implements the Registry Poller: it fetches a chain's
// registry URL on a schedule, parses the endpoint list, and emits an update
// only when the set of endpoints (by URL) actually changed.
package registryfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/chalabi2/chain-rpc-gateway/internal/model"
)

const requestTimeout = 10 * time.Second

// Metrics are the poller's Prometheus collectors, shared across chains and
// labeled by chain key.
type Metrics struct {
	pollsTotal    *prometheus.CounterVec
	failuresTotal *prometheus.CounterVec
	lastSize      *prometheus.GaugeVec
}

// NewMetrics registers the poller's collectors with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	pollsTotal, err := model.RegisterCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: model.Namespace,
		Subsystem: "registry",
		Name:      "polls_total",
		Help:      "Total registry polls attempted, by chain and outcome.",
	}, []string{"chain", "outcome"}))
	if err != nil {
		return nil, err
	}
	failuresTotal, err := model.RegisterCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: model.Namespace,
		Subsystem: "registry",
		Name:      "fetch_failures_total",
		Help:      "Registry fetch failures after retries exhausted, by chain.",
	}, []string{"chain"}))
	if err != nil {
		return nil, err
	}
	lastSize, err := model.RegisterGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: model.Namespace,
		Subsystem: "registry",
		Name:      "endpoints_last_fetch",
		Help:      "Number of endpoints parsed in the last successful registry fetch.",
	}, []string{"chain"}))
	if err != nil {
		return nil, err
	}
	return &Metrics{pollsTotal: pollsTotal, failuresTotal: failuresTotal, lastSize: lastSize}, nil
}

// UpdateFunc is invoked with the new endpoint list whenever the poller
// observes a change in the endpoint set (by URL membership).
type UpdateFunc func(endpoints []model.Endpoint)

// Poller is the Registry Poller for a single chain.
type Poller struct {
	chainKey    string
	registryURL string
	maxRetries  int
	interval    time.Duration
	client      *http.Client
	logger      *zap.Logger
	metrics     *Metrics
	onUpdate    UpdateFunc

	mu       sync.Mutex
	lastURLs map[string]bool
	started  bool

	forceCh chan chan error
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option customizes a Poller at construction.
type Option func(*Poller)

// WithMaxRetries overrides the default retry count of 3.
func WithMaxRetries(n int) Option {
	return func(p *Poller) { p.maxRetries = n }
}

// WithHTTPClient overrides the default http.Client (timeout is still forced
// to requestTimeout on every call via context, so a zero-Timeout client is
// fine to pass in).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Poller) { p.client = c }
}

// New builds a Poller for one chain. interval is the fixed polling period
// (clamped to a 1 minute floor by model.DefaultChainConfig upstream).
func New(chainKey, registryURL string, interval time.Duration, logger *zap.Logger, metrics *Metrics, onUpdate UpdateFunc, opts ...Option) *Poller {
	p := &Poller{
		chainKey:    chainKey,
		registryURL: registryURL,
		maxRetries:  3,
		interval:    interval,
		client:      &http.Client{},
		logger:      logger,
		metrics:     metrics,
		onUpdate:    onUpdate,
		lastURLs:    map[string]bool{},
		forceCh:     make(chan chan error),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fetch performs one poll with retry, returning the parsed endpoint list on
// success. It does not consult or update the change-detection state; call
// it directly in tests, or go through Start/Force for the full poller
// lifecycle.
func (p *Poller) Fetch(ctx context.Context) ([]model.Endpoint, error) {
	backoff := time.Second
	var lastErr error

	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		endpoints, err := p.fetchOnce(ctx)
		if err == nil {
			return endpoints, nil
		}
		lastErr = err
		p.logger.Debug("registry fetch attempt failed",
			zap.String("chain", p.chainKey),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < p.maxRetries {
			select {
			case <-ctx.Done():
				return nil, model.Wrap(model.KindRegistryFetchError, "registry fetch canceled", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
			}
		}
	}
	return nil, model.Wrap(model.KindRegistryFetchError, "registry fetch failed after retries", lastErr)
}

func (p *Poller) fetchOnce(ctx context.Context) ([]model.Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.registryURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("registry returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var raw []map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing registry body: %w", err)
	}

	endpoints := make([]model.Endpoint, 0, len(raw))
	for _, entry := range raw {
		e, ok := model.ExtractEndpoint(entry)
		if !ok {
			continue
		}
		endpoints = append(endpoints, e)
	}

	if len(endpoints) == 0 {
		return nil, fmt.Errorf("registry returned an empty or entirely invalid endpoint list")
	}

	return endpoints, nil
}

// runFetch performs one fetch, updates metrics, and emits onUpdate iff the
// URL set changed. It never replaces a populated snapshot with a failed or
// empty fetch.
func (p *Poller) runFetch(ctx context.Context) error {
	endpoints, err := p.Fetch(ctx)
	if err != nil {
		p.metrics.pollsTotal.WithLabelValues(p.chainKey, "failure").Inc()
		p.metrics.failuresTotal.WithLabelValues(p.chainKey).Inc()
		p.logger.Warn("registry fetch failed, keeping previous snapshot",
			zap.String("chain", p.chainKey), zap.Error(err))
		return err
	}

	p.metrics.pollsTotal.WithLabelValues(p.chainKey, "success").Inc()
	p.metrics.lastSize.WithLabelValues(p.chainKey).Set(float64(len(endpoints)))

	p.mu.Lock()
	urls := make(map[string]bool, len(endpoints))
	for _, e := range endpoints {
		urls[e.URL] = true
	}
	changed := !sameURLSet(p.lastURLs, urls)
	if changed {
		p.lastURLs = urls
	}
	p.mu.Unlock()

	if changed {
		p.logger.Info("registry endpoint set changed",
			zap.String("chain", p.chainKey), zap.Int("count", len(endpoints)))
		p.onUpdate(endpoints)
	}
	return nil
}

func sameURLSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for u := range a {
		if !b[u] {
			return false
		}
	}
	return true
}

// Start runs an immediate fetch, then fetches on the configured fixed
// interval, until the context is canceled or Stop is called. Safe to call
// exactly once.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	go p.loop(ctx)
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.doneCh)

	_ = p.runFetch(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			_ = p.runFetch(ctx)
		case reply := <-p.forceCh:
			reply <- p.runFetch(ctx)
		}
	}
}

// Force runs one off-schedule fetch and waits for it to complete, returning
// its error (if any). Must be called after Start.
func (p *Poller) Force(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case p.forceCh <- reply:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.doneCh:
		return fmt.Errorf("poller for chain %q is stopped", p.chainKey)
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the scheduler. No further events are emitted. Idempotent.
// Safe to call even if Start was never called (loop never ran, so there is
// nothing to wait on).
func (p *Poller) Stop() {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()

	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	if !started {
		return
	}
	<-p.doneCh
}
