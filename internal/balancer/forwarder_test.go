package balancer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalabi2/chain-rpc-gateway/internal/model"
)

// TestForwardUpstreamTimeoutYieldsDistinctTimeoutKind confirms a request
// timeout is classified as KindUpstreamTimeout rather than the generic
// KindUpstreamTransportError, per spec.md §7's distinct 502/504 mapping.
func TestForwardUpstreamTimeoutYieldsDistinctTimeoutKind(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer slow.Close()

	b := newTestBalancer(t, Config{
		RequestTimeout: 10 * time.Millisecond,
		RetryAttempts:  1,
		RetryDelayBase: time.Millisecond,
	})
	b.SetPools([]*model.Endpoint{{URL: slow.URL}}, nil)

	_, err := b.Forward(context.Background(), false, http.MethodGet, "/status", nil)
	require.Error(t, err)

	var merr *model.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, model.KindAllAttemptsFailed, merr.Kind)

	var cause *model.Error
	require.ErrorAs(t, merr.Cause, &cause)
	assert.Equal(t, model.KindUpstreamTimeout, cause.Kind)
}
