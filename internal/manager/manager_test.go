package manager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chalabi2/chain-rpc-gateway/internal/balancer"
	"github.com/chalabi2/chain-rpc-gateway/internal/chaininstance"
	"github.com/chalabi2/chain-rpc-gateway/internal/healthmon"
	"github.com/chalabi2/chain-rpc-gateway/internal/model"
	"github.com/chalabi2/chain-rpc-gateway/internal/registryfeed"
)

func newChainMetrics(t *testing.T, reg *prometheus.Registry) chaininstance.Metrics {
	t.Helper()
	pm, err := registryfeed.NewMetrics(reg)
	require.NoError(t, err)
	hm, err := healthmon.NewMetrics(reg)
	require.NoError(t, err)
	bm, err := balancer.NewMetrics(reg)
	require.NoError(t, err)
	return chaininstance.Metrics{Poller: pm, Monitor: hm, Balancer: bm}
}

func statusOK(height string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{
				"sync_info": map[string]interface{}{
					"latest_block_height":   height,
					"earliest_block_height": "1",
					"catching_up":           false,
				},
			},
		})
	}
}

func registryWith(rpcURL string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"RPC Address": rpcURL, "Team or Contributor Name": "p1"},
		})
	}))
}

func TestAddChainRegistersBaseAndArchivePrefixes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(zap.NewNop(), nil)
	m.AddChain(model.ChainConfig{
		Key:           "osmosis",
		RegistryURL:   "http://unused.invalid",
		BasePrefix:    "/osmosis",
		ArchivePrefix: "/osmosis/archive",
	}, &http.Client{}, newChainMetrics(t, reg))

	_, ok := m.Chain("osmosis")
	assert.True(t, ok)
	assert.Len(t, m.routes, 2)
}

func TestResolveLongestMatchWinsForArchivePrefix(t *testing.T) {
	rpc := httptest.NewServer(statusOK("100"))
	defer rpc.Close()
	registry := registryWith(rpc.URL)
	defer registry.Close()

	reg := prometheus.NewRegistry()
	m := New(zap.NewNop(), nil)
	m.AddChain(model.ChainConfig{
		Key:           "osmosis",
		RegistryURL:   registry.URL,
		BasePrefix:    "/osmosis",
		ArchivePrefix: "/osmosis/archive",
	}, &http.Client{}, newChainMetrics(t, reg))
	defer m.ShutdownAll()

	require.NoError(t, m.InitializeAll(context.Background()))

	_, prefix, isArchive, err := m.resolve("/osmosis/archive/status")
	require.NoError(t, err)
	assert.Equal(t, "/osmosis/archive", prefix)
	assert.True(t, isArchive)

	_, prefix2, isArchive2, err := m.resolve("/osmosis/status")
	require.NoError(t, err)
	assert.Equal(t, "/osmosis", prefix2)
	assert.False(t, isArchive2)
}

func TestResolveReturnsChainNotFoundForUnmatchedPath(t *testing.T) {
	m := New(zap.NewNop(), nil)
	_, _, _, err := m.resolve("/unknown/status")
	require.Error(t, err)
	var merr *model.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, model.KindChainNotFound, merr.Kind)
}

func TestRouteIsolatesRequestsToTheMatchedChain(t *testing.T) {
	rpcA := httptest.NewServer(statusOK("100"))
	defer rpcA.Close()
	registryA := registryWith(rpcA.URL)
	defer registryA.Close()

	rpcB := httptest.NewServer(statusOK("200"))
	defer rpcB.Close()
	registryB := registryWith(rpcB.URL)
	defer registryB.Close()

	reg := prometheus.NewRegistry()
	m := New(zap.NewNop(), nil)
	m.AddChain(model.ChainConfig{
		Key: "chainA", RegistryURL: registryA.URL, BasePrefix: "/chainA",
	}, &http.Client{}, newChainMetrics(t, reg))
	m.AddChain(model.ChainConfig{
		Key: "chainB", RegistryURL: registryB.URL, BasePrefix: "/chainB",
	}, &http.Client{}, newChainMetrics(t, reg))
	defer m.ShutdownAll()

	require.NoError(t, m.InitializeAll(context.Background()))

	res, err := m.Route(context.Background(), "/chainA/status", http.MethodGet, nil)
	require.NoError(t, err)
	assert.Equal(t, rpcA.URL, res.Endpoint)

	res, err = m.Route(context.Background(), "/chainB/status", http.MethodGet, nil)
	require.NoError(t, err)
	assert.Equal(t, rpcB.URL, res.Endpoint)
}

func TestInitializeAllFailsFastWhenOneChainFails(t *testing.T) {
	rpc := httptest.NewServer(statusOK("100"))
	defer rpc.Close()
	goodRegistry := registryWith(rpc.URL)
	defer goodRegistry.Close()

	badRegistry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badRegistry.Close()

	reg := prometheus.NewRegistry()
	m := New(zap.NewNop(), nil)
	m.AddChain(model.ChainConfig{
		Key: "good", RegistryURL: goodRegistry.URL, BasePrefix: "/good",
	}, &http.Client{}, newChainMetrics(t, reg))
	m.AddChain(model.ChainConfig{
		Key: "bad", RegistryURL: badRegistry.URL, BasePrefix: "/bad",
	}, &http.Client{}, newChainMetrics(t, reg))
	defer m.ShutdownAll()

	err := m.InitializeAll(context.Background())
	require.Error(t, err)
}

func TestAggregateStatusRollsUpCounts(t *testing.T) {
	rpcA := httptest.NewServer(statusOK("100"))
	defer rpcA.Close()
	registryA := registryWith(rpcA.URL)
	defer registryA.Close()

	rpcB := httptest.NewServer(statusOK("200"))
	defer rpcB.Close()
	registryB := registryWith(rpcB.URL)
	defer registryB.Close()

	reg := prometheus.NewRegistry()
	m := New(zap.NewNop(), nil)
	m.AddChain(model.ChainConfig{
		Key: "chainA", RegistryURL: registryA.URL, BasePrefix: "/chainA",
	}, &http.Client{}, newChainMetrics(t, reg))
	m.AddChain(model.ChainConfig{
		Key: "chainB", RegistryURL: registryB.URL, BasePrefix: "/chainB",
	}, &http.Client{}, newChainMetrics(t, reg))
	defer m.ShutdownAll()

	require.NoError(t, m.InitializeAll(context.Background()))

	status := m.AggregateStatus()
	assert.True(t, status.Ready)
	assert.Equal(t, 2, status.ChainsTotal)
	assert.Equal(t, 2, status.ChainsReady)
	assert.Equal(t, 2, status.EndpointsTotal)
	assert.Equal(t, 2, status.EndpointsHealthy)
}

func TestShutdownAllIsBestEffortAcrossChains(t *testing.T) {
	rpc := httptest.NewServer(statusOK("100"))
	defer rpc.Close()
	registry := registryWith(rpc.URL)
	defer registry.Close()

	reg := prometheus.NewRegistry()
	m := New(zap.NewNop(), nil)
	m.AddChain(model.ChainConfig{
		Key: "chainA", RegistryURL: registry.URL, BasePrefix: "/chainA",
	}, &http.Client{}, newChainMetrics(t, reg))
	m.AddChain(model.ChainConfig{
		Key: "chainB", RegistryURL: registry.URL, BasePrefix: "/chainB",
	}, &http.Client{}, newChainMetrics(t, reg))

	require.NoError(t, m.InitializeAll(context.Background()))
	m.ShutdownAll()

	for _, key := range []string{"chainA", "chainB"} {
		ci, _ := m.Chain(key)
		assert.Equal(t, chaininstance.StateStopped, ci.Status().State)
	}
}
