package balancer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/chalabi2/chain-rpc-gateway/internal/model"
)

const userAgent = "chain-rpc-gateway/1.0"

// forwardResult is the raw outcome of one HTTP attempt against an upstream,
// before it is folded into weight/breaker bookkeeping.
type forwardResult struct {
	body   []byte
	status int
	err    error // transport-level error; nil even for a non-2xx status
}

// doForward issues one HTTP request against endpoint.URL, either POSTing
// body verbatim or GETting requestPath, mirroring the inbound request
// exactly so the upstream sees the same bytes the caller sent.
func (b *Balancer) doForward(ctx context.Context, endpointURL, method, requestPath string, body []byte) forwardResult {
	ctx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	defer cancel()

	var req *http.Request
	var err error
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpointURL+requestPath, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return forwardResult{err: err}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := b.client.Do(req)
	if err != nil {
		return forwardResult{err: classifyTransportError(err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return forwardResult{err: err}
	}

	return forwardResult{body: respBody, status: resp.StatusCode}
}

// classifyTransportError gives connect-refused, DNS, timeout, and TLS
// failures a stable, loggable shape without losing the underlying error.
func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.Wrap(model.KindUpstreamTimeout, "upstream request timed out", err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return model.Wrap(model.KindUpstreamTransportError, "upstream name resolution failed", err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return model.Wrap(model.KindUpstreamTransportError, "upstream connection refused", err)
		}
	}

	var tlsErr *tls.RecordHeaderError
	if errors.As(err, &tlsErr) {
		return model.Wrap(model.KindUpstreamTransportError, "upstream TLS handshake failed", err)
	}

	return model.Wrap(model.KindUpstreamTransportError, "upstream request failed", err)
}
