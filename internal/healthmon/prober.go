package healthmon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// statusResponse mirrors the CometBFT `/status` JSON-RPC response shape.
type statusResponse struct {
	Result struct {
		SyncInfo struct {
			LatestBlockHeight   string `json:"latest_block_height"`
			EarliestBlockHeight string `json:"earliest_block_height"`
			CatchingUp          bool   `json:"catching_up"`
		} `json:"sync_info"`
	} `json:"result"`
}

// probeResult is what one /status probe observed.
type probeResult struct {
	height     int64
	catchingUp bool
	archive    bool
	latency    time.Duration
	err        error
}

// probeStatus issues GET {url}/status with the given timeout and parses the
// sync_info block. The returned latency covers only the network round trip,
// for the liveness-within-0.8x-timeout rule.
func probeStatus(ctx context.Context, client *http.Client, endpointURL string, timeout time.Duration) probeResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusURL := strings.TrimSuffix(endpointURL, "/") + "/status"

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return probeResult{err: err}
	}

	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return probeResult{latency: latency, err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return probeResult{latency: latency, err: fmt.Errorf("status endpoint returned HTTP %d", resp.StatusCode)}
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return probeResult{latency: latency, err: fmt.Errorf("decoding status response: %w", err)}
	}

	height, err := strconv.ParseInt(status.Result.SyncInfo.LatestBlockHeight, 10, 64)
	if err != nil {
		return probeResult{latency: latency, err: fmt.Errorf("parsing latest_block_height: %w", err)}
	}

	return probeResult{
		height:     height,
		catchingUp: status.Result.SyncInfo.CatchingUp,
		// Possibly-buggy upstream behavior preserved verbatim: archive detection is a
		// string comparison against "1", not a parsed-integer comparison.
		archive: status.Result.SyncInfo.EarliestBlockHeight == "1",
		latency: latency,
	}
}

// probeWebSocket is the auxiliary, observability-only reachability check
// against the CometBFT websocket subscription endpoint. It never influences
// healthy/archive classification.
func probeWebSocket(ctx context.Context, endpointURL string, logger *zap.Logger) bool {
	u, err := url.Parse(endpointURL)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return false
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		logger.Debug("websocket reachability probe failed to dial", zap.String("url", u.String()), zap.Error(err))
		return false
	}
	defer conn.Close()

	testMsg := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "subscribe",
		"id":      1,
		"params":  map[string]interface{}{"query": "tm.event = 'NewBlock'"},
	}
	if err := conn.WriteJSON(testMsg); err != nil {
		return false
	}
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		return false
	}
	var reply map[string]interface{}
	return conn.ReadJSON(&reply) == nil
}
