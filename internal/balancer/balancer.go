// Package balancer implements the Load Balancer: weighted selection over
// the healthy/archive sub-pools, a deterministic retry cursor, per-endpoint
// circuit breakers, and upstream request forwarding.
package balancer

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chalabi2/chain-rpc-gateway/internal/model"
)

const (
	defaultRetryAttempts  = 3
	defaultRetryDelayBase = time.Second
)

// Config bundles the Load Balancer's tunables.
type Config struct {
	RequestTimeout time.Duration
	RetryAttempts  int
	RetryDelayBase time.Duration
}

// Balancer is the Load Balancer for a single chain.
type Balancer struct {
	chainKey       string
	client         *http.Client
	logger         *zap.Logger
	metrics        *Metrics
	requestTimeout time.Duration
	retryAttempts  int
	retryDelayBase time.Duration

	poolMu  sync.RWMutex
	healthy []*model.Endpoint
	archive []*model.Endpoint

	statsMu          sync.Mutex
	weights          map[string]*model.Weight
	breakers         map[string]*model.Breaker
	retryCursor      int64
	roundRobinCursor int64
}

// New builds a Balancer for one chain. client is expected to be a
// connection-pool-sharing client dedicated to this chain, per the
// resource-discipline rule that one chain's slow upstreams must not starve
// another chain's keep-alive slots.
func New(chainKey string, cfg Config, client *http.Client, logger *zap.Logger, metrics *Metrics) *Balancer {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = defaultRetryDelayBase
	}
	return &Balancer{
		chainKey:       chainKey,
		client:         client,
		logger:         logger,
		metrics:        metrics,
		requestTimeout: cfg.RequestTimeout,
		retryAttempts:  cfg.RetryAttempts,
		weights:        map[string]*model.Weight{},
		breakers:       map[string]*model.Breaker{},
		retryDelayBase: cfg.RetryDelayBase,
	}
}

// SetPools installs the current healthy/archive sub-pools, published by the
// Health Monitor. The swap is atomic: in-flight selections see either the
// old or the new pool in full, never a mixture.
func (b *Balancer) SetPools(healthy, archive []*model.Endpoint) {
	b.poolMu.Lock()
	b.healthy = healthy
	b.archive = archive
	b.poolMu.Unlock()
}

func (b *Balancer) pool(archive bool) []*model.Endpoint {
	b.poolMu.RLock()
	defer b.poolMu.RUnlock()
	if archive {
		return b.archive
	}
	return b.healthy
}

func (b *Balancer) weightLocked(url string) *model.Weight {
	w, ok := b.weights[url]
	if !ok {
		w = model.NewWeight()
		b.weights[url] = w
	}
	return w
}

func (b *Balancer) breakerLocked(url string) *model.Breaker {
	br, ok := b.breakers[url]
	if !ok {
		br = model.NewBreaker()
		b.breakers[url] = br
	}
	return br
}

// Result is what Forward returns for a successfully completed (possibly
// retried) request.
type Result struct {
	Body         []byte
	Status       int
	Endpoint     string
	ResponseTime time.Duration
	IsArchive    bool
	AttemptsMade int
}

// Forward selects an upstream from the target pool, forwards the inbound
// request, retries on failure per the configured policy, and updates
// weight/breaker bookkeeping for every attempt made.
func (b *Balancer) Forward(ctx context.Context, archive bool, method, requestPath string, body []byte) (*Result, error) {
	pool := b.pool(archive)
	if len(pool) == 0 {
		return nil, model.NewError(model.KindNoUpstreamsAvailable, "target pool is empty")
	}

	b.statsMu.Lock()
	cursor := nextCursor(&b.retryCursor)
	b.statsMu.Unlock()

	attempts := b.retryAttempts
	if attempts > len(pool) {
		attempts = len(pool)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		var ep *model.Endpoint
		if attempt == 1 {
			ep = b.selectFirst(pool)
		} else {
			ep = selectRetry(pool, cursor, attempt, func(e *model.Endpoint) bool {
				b.statsMu.Lock()
				defer b.statsMu.Unlock()
				return b.breakerLocked(e.URL).Eligible(time.Now())
			})
		}
		if ep == nil {
			continue
		}

		b.statsMu.Lock()
		br := b.breakerLocked(ep.URL)
		br.CanExecute(time.Now())
		b.statsMu.Unlock()

		start := time.Now()
		res := b.doForward(ctx, ep.URL, method, requestPath, body)
		rt := time.Since(start)
		b.metrics.forwardDuration.WithLabelValues(b.chainKey).Observe(rt.Seconds())

		if res.err == nil && res.status < 400 {
			b.recordSuccess(ep.URL, rt)
			b.metrics.forwardsTotal.WithLabelValues(b.chainKey, ep.URL, "success").Inc()
			return &Result{
				Body:         res.body,
				Status:       res.status,
				Endpoint:     ep.URL,
				ResponseTime: rt,
				IsArchive:    archive,
				AttemptsMade: attempt,
			}, nil
		}

		if res.err != nil {
			lastErr = res.err
			b.metrics.forwardsTotal.WithLabelValues(b.chainKey, ep.URL, "transport_error").Inc()
		} else {
			lastErr = model.NewUpstreamHttpError(res.status, res.body)
			b.metrics.forwardsTotal.WithLabelValues(b.chainKey, ep.URL, "http_error").Inc()
		}
		b.recordFailure(ep.URL)

		if attempt < attempts {
			delay := time.Duration(attempt) * b.retryDelayBase
			select {
			case <-ctx.Done():
				return nil, model.Wrap(model.KindAllAttemptsFailed, "request canceled during retry backoff", ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	if lastErr == nil {
		lastErr = model.NewError(model.KindNoUpstreamsAvailable, "no eligible endpoints for retry")
	}
	return nil, model.Wrap(model.KindAllAttemptsFailed, "all forwarding attempts failed", lastErr)
}

func (b *Balancer) recordSuccess(url string, rt time.Duration) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.weightLocked(url).RecordSuccess(rt.Milliseconds())
	b.breakerLocked(url).RecordSuccess()
	b.metrics.weightGauge.WithLabelValues(b.chainKey, url).Set(b.weightLocked(url).Value)
}

func (b *Balancer) recordFailure(url string) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.weightLocked(url).RecordFailure()
	br := b.breakerLocked(url)
	wasOpen := br.State == model.BreakerOpen
	br.RecordFailure(time.Now())
	if !wasOpen && br.State == model.BreakerOpen {
		b.metrics.breakerTrips.WithLabelValues(b.chainKey, url).Inc()
	}
}

// BreakerState returns the current state of the breaker for url, for status
// reporting. Returns closed for a URL never seen.
func (b *Balancer) BreakerState(url string) model.BreakerState {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.breakerLocked(url).State
}

// Weight returns the current weight value for url, for status reporting.
func (b *Balancer) Weight(url string) float64 {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.weightLocked(url).Value
}
