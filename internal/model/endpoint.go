// Package model holds the data types shared across the registry feed, health
// monitor, balancer, chain instance, and manager: endpoints, pool snapshots,
// weight and circuit-breaker records, and chain configuration.
package model

import (
	"net/url"
	"strings"
	"time"
)

// Endpoint is an addressable CometBFT-style RPC upstream, identified by its
// normalized base URL.
type Endpoint struct {
	URL                 string
	ContributorName     string
	Live                bool
	Archive             bool
	Height              int64 // -1 means unknown
	CatchingUp          bool
	ResponseTimeMS      int64
	ErrorCount          int
	ConsecutiveFailures int
	LastProbeAt         time.Time
	LastError           string

	// WebSocketReachable is set by the auxiliary websocket probe, for
	// observability only. nil means the probe is disabled or hasn't run yet.
	WebSocketReachable *bool
}

// Key returns the identity of the endpoint: its normalized URL.
func (e *Endpoint) Key() string {
	return e.URL
}

// NormalizeURL validates and strips a trailing slash from a raw endpoint
// URL. An entry is acceptable iff it parses as an absolute http(s) URL.
func NormalizeURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host == "" {
		return "", false
	}
	return strings.TrimSuffix(raw, "/"), true
}

// ExtractEndpoint pulls the RPC address and contributor name out of a
// registry entry, honoring the field-name fallbacks from the registry
// format, and normalizes the URL. Returns ok=false for entries that don't
// yield a valid http(s) URL under any recognized key.
func ExtractEndpoint(entry map[string]interface{}) (Endpoint, bool) {
	rawURL := firstString(entry, "RPC Address", "rpc_address", "rpc", "url")
	name := firstString(entry, "Team or Contributor Name", "team_name", "team", "name")

	normalized, ok := NormalizeURL(rawURL)
	if !ok {
		return Endpoint{}, false
	}

	return Endpoint{
		URL:             normalized,
		ContributorName: name,
		Height:          -1,
	}, true
}

func firstString(entry map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := entry[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
