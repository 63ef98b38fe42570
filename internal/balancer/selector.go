package balancer

import (
	"math/rand"
	"time"

	"github.com/chalabi2/chain-rpc-gateway/internal/model"
)

// selectFirst implements the first-attempt selection rule: weighted random
// draw over the breaker-eligible subset of pool, falling back to plain
// round robin over the whole pool when every breaker is open.
func (b *Balancer) selectFirst(pool []*model.Endpoint) *model.Endpoint {
	now := time.Now()

	b.statsMu.Lock()
	defer b.statsMu.Unlock()

	candidates := make([]*model.Endpoint, 0, len(pool))
	for _, e := range pool {
		if b.breakerLocked(e.URL).Eligible(now) {
			candidates = append(candidates, e)
		}
	}

	if len(candidates) == 0 {
		b.metrics.selectionsTotal.WithLabelValues(b.chainKey, "breakers_bypassed").Inc()
		idx := int(nextCursor(&b.roundRobinCursor)) % len(pool)
		return pool[idx]
	}

	b.metrics.selectionsTotal.WithLabelValues(b.chainKey, "weighted").Inc()

	total := 0.0
	for _, e := range candidates {
		total += b.weightLocked(e.URL).Value
	}
	if total <= 0 {
		return candidates[0]
	}

	r := rand.Float64() * total
	for _, e := range candidates {
		r -= b.weightLocked(e.URL).Value
		if r <= 0 {
			return e
		}
	}
	return candidates[len(candidates)-1]
}

// selectRetry implements the deterministic retry rule: attempt k picks
// exactly pool[(cursor+k) mod |pool|]. If that endpoint's breaker is open,
// the attempt is skipped (nil), and the caller moves on to attempt k+1
// rather than searching for a substitute at this attempt.
func selectRetry(pool []*model.Endpoint, cursor int64, attempt int, isEligible func(*model.Endpoint) bool) *model.Endpoint {
	n := int64(len(pool))
	if n == 0 {
		return nil
	}
	idx := ((cursor+int64(attempt))%n + n) % n
	ep := pool[idx]
	if !isEligible(ep) {
		return nil
	}
	return ep
}

func nextCursor(cursor *int64) int64 {
	*cursor++
	return *cursor
}
