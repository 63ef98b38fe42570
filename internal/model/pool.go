package model

import "sort"

// Pool is a read-only view over a set of Endpoints with nil-safe lookup
// helpers. The balancer does not use it; it holds its sub-pools as plain
// slices swapped under a lock (see balancer.SetPools).
type Pool struct {
	Endpoints []*Endpoint
}

// ByURL returns the endpoint with the given URL, or nil.
func (p *Pool) ByURL(u string) *Endpoint {
	if p == nil {
		return nil
	}
	for _, e := range p.Endpoints {
		if e.URL == u {
			return e
		}
	}
	return nil
}

// Len is nil-safe.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Endpoints)
}

// MedianHeight computes the median of reported heights across live
// endpoints with a known height. Returns 0 if no such endpoint exists.
// Order-independent: the input slice is not mutated, a copy is sorted.
func MedianHeight(endpoints []*Endpoint) int64 {
	heights := make([]int64, 0, len(endpoints))
	for _, e := range endpoints {
		if e.Live && e.Height >= 0 {
			heights = append(heights, e.Height)
		}
	}
	if len(heights) == 0 {
		return 0
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	// lower-middle index on ties (even count)
	mid := (len(heights) - 1) / 2
	return heights[mid]
}

// Classify partitions endpoints into the healthy and archive sub-pools
// given the per-chain sync threshold and the already-computed median
// height. healthy ⊆ all and archive ⊆ healthy are maintained by
// construction.
func Classify(all []*Endpoint, median int64, syncThresholdBlocks int64) (healthy, archive []*Endpoint) {
	for _, e := range all {
		if !e.Live {
			continue
		}
		if e.CatchingUp {
			continue
		}
		if median == 0 {
			continue
		}
		diff := e.Height - median
		if diff < 0 {
			diff = -diff
		}
		if diff > syncThresholdBlocks {
			continue
		}
		healthy = append(healthy, e)
		if e.Archive {
			archive = append(archive, e)
		}
	}
	return healthy, archive
}
