package healthmon

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chalabi2/chain-rpc-gateway/internal/model"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

func statusServer(height string, catchingUp bool, earliest string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"result":{"sync_info":{"latest_block_height":%q,"catching_up":%v,"earliest_block_height":%q}}}`,
			height, catchingUp, earliest)
	}))
}

func TestProbeAllClassifiesHealthyAndArchive(t *testing.T) {
	synced := statusServer("1000", false, "1")
	defer synced.Close()
	behind := statusServer("100", false, "1")
	defer behind.Close()
	syncing := statusServer("1000", true, "500")
	defer syncing.Close()

	var healthyGot, archiveGot []*model.Endpoint
	m := New("osmosis", Config{SyncThreshold: 50}, &http.Client{}, zap.NewNop(), newTestMetrics(t),
		func(healthy, archive []*model.Endpoint) { healthyGot, archiveGot = healthy, archive },
		func(*model.Endpoint) {}, func() {})

	m.SetEndpoints([]model.Endpoint{
		{URL: synced.URL, Height: -1},
		{URL: behind.URL, Height: -1},
		{URL: syncing.URL, Height: -1},
	})
	m.ProbeAll(context.Background())

	require.Len(t, healthyGot, 1)
	assert.Equal(t, synced.URL, healthyGot[0].URL)
	require.Len(t, archiveGot, 1)
	assert.Equal(t, synced.URL, archiveGot[0].URL)
}

func TestProbeAllArchiveSubsetOfHealthy(t *testing.T) {
	nonArchive := statusServer("1000", false, "500")
	defer nonArchive.Close()
	archive := statusServer("1000", false, "1")
	defer archive.Close()

	var healthyGot, archiveGot []*model.Endpoint
	m := New("osmosis", Config{SyncThreshold: 50}, &http.Client{}, zap.NewNop(), newTestMetrics(t),
		func(healthy, archive []*model.Endpoint) { healthyGot, archiveGot = healthy, archive },
		func(*model.Endpoint) {}, func() {})

	m.SetEndpoints([]model.Endpoint{{URL: nonArchive.URL, Height: -1}, {URL: archive.URL, Height: -1}})
	m.ProbeAll(context.Background())

	assert.Len(t, healthyGot, 2)
	assert.Len(t, archiveGot, 1)
}

func TestFailureNeverPromotesOrDemotesArchive(t *testing.T) {
	var fail int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&fail) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"result":{"sync_info":{"latest_block_height":"1000","catching_up":false,"earliest_block_height":"1"}}}`)
	}))
	defer srv.Close()

	m := New("osmosis", Config{SyncThreshold: 50}, &http.Client{}, zap.NewNop(), newTestMetrics(t),
		func([]*model.Endpoint, []*model.Endpoint) {}, func(*model.Endpoint) {}, func() {})
	m.SetEndpoints([]model.Endpoint{{URL: srv.URL, Height: -1}})
	m.ProbeAll(context.Background())

	m.mu.RLock()
	ep := m.tracked[srv.URL].ep
	m.mu.RUnlock()
	require.True(t, ep.Archive)

	atomic.StoreInt32(&fail, 1)
	m.ProbeAll(context.Background())

	m.mu.RLock()
	ep = m.tracked[srv.URL].ep
	m.mu.RUnlock()
	assert.True(t, ep.Archive, "archive flag must survive a failed probe")
	assert.False(t, ep.Live)
}

func TestRPCRecoveredFiresOnUnhealthyToHealthyTransition(t *testing.T) {
	var healthyNow int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&healthyNow) == 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"result":{"sync_info":{"latest_block_height":"1000","catching_up":false,"earliest_block_height":"500"}}}`)
	}))
	defer srv.Close()

	var recovered int32
	m := New("osmosis", Config{SyncThreshold: 50}, &http.Client{}, zap.NewNop(), newTestMetrics(t),
		func([]*model.Endpoint, []*model.Endpoint) {},
		func(*model.Endpoint) { atomic.AddInt32(&recovered, 1) },
		func() {})
	m.SetEndpoints([]model.Endpoint{{URL: srv.URL, Height: -1}})

	m.ProbeAll(context.Background())
	assert.Equal(t, int32(0), atomic.LoadInt32(&recovered))

	atomic.StoreInt32(&healthyNow, 1)
	m.ProbeAll(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&recovered))

	// staying healthy must not re-fire
	m.ProbeAll(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&recovered))
}

func TestAllUnhealthyFiresExactlyOncePerTransition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var fires int32
	m := New("osmosis", Config{SyncThreshold: 50}, &http.Client{}, zap.NewNop(), newTestMetrics(t),
		func([]*model.Endpoint, []*model.Endpoint) {}, func(*model.Endpoint) {},
		func() { atomic.AddInt32(&fires, 1) })
	m.SetEndpoints([]model.Endpoint{{URL: srv.URL, Height: -1}})

	m.ProbeAll(context.Background())
	m.ProbeAll(context.Background())
	m.ProbeAll(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&fires))
}

func TestSetEndpointsPreservesHistoryWhenMembershipUnchanged(t *testing.T) {
	srv := statusServer("1000", false, "1")
	defer srv.Close()

	m := New("osmosis", Config{SyncThreshold: 50}, &http.Client{}, zap.NewNop(), newTestMetrics(t),
		func([]*model.Endpoint, []*model.Endpoint) {}, func(*model.Endpoint) {}, func() {})
	m.SetEndpoints([]model.Endpoint{{URL: srv.URL, Height: -1}})
	m.ProbeAll(context.Background())

	m.mu.RLock()
	before := m.tracked[srv.URL].ep
	m.mu.RUnlock()

	m.SetEndpoints([]model.Endpoint{{URL: srv.URL, ContributorName: "new name"}})

	m.mu.RLock()
	after := m.tracked[srv.URL].ep
	m.mu.RUnlock()
	assert.Same(t, before, after, "unchanged URL membership must preserve the tracked record")
}

func TestSetEndpointsDiscardsHistoryOnMembershipChange(t *testing.T) {
	a := statusServer("1000", false, "1")
	defer a.Close()

	m := New("osmosis", Config{SyncThreshold: 50}, &http.Client{}, zap.NewNop(), newTestMetrics(t),
		func([]*model.Endpoint, []*model.Endpoint) {}, func(*model.Endpoint) {}, func() {})
	m.SetEndpoints([]model.Endpoint{{URL: a.URL, Height: -1}})
	m.ProbeAll(context.Background())

	b := statusServer("2000", false, "1")
	defer b.Close()
	m.SetEndpoints([]model.Endpoint{{URL: a.URL, Height: -1}, {URL: b.URL, Height: -1}})

	m.mu.RLock()
	_, stillPresent := m.tracked[a.URL]
	fresh := m.tracked[a.URL].ep.Height
	m.mu.RUnlock()
	assert.True(t, stillPresent)
	assert.Equal(t, int64(-1), fresh, "membership change replaces all records, even unchanged URLs")
}

func TestStartTriggersImmediateProbe(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"result":{"sync_info":{"latest_block_height":"1000","catching_up":false,"earliest_block_height":"1"}}}`)
	}))
	defer srv.Close()

	m := New("osmosis", Config{SyncThreshold: 50, ProbeInterval: time.Hour}, &http.Client{}, zap.NewNop(), newTestMetrics(t),
		func([]*model.Endpoint, []*model.Endpoint) {}, func(*model.Endpoint) {}, func() {})
	m.SetEndpoints([]model.Endpoint{{URL: srv.URL, Height: -1}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, time.Second, 10*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	srv := statusServer("1", false, "1")
	defer srv.Close()
	m := New("osmosis", Config{ProbeInterval: time.Hour}, &http.Client{}, zap.NewNop(), newTestMetrics(t),
		func([]*model.Endpoint, []*model.Endpoint) {}, func(*model.Endpoint) {}, func() {})
	m.Start(context.Background())
	m.Stop()
	m.Stop()
}

func TestProbeFanOutIsConcurrent(t *testing.T) {
	const n = 8
	var inFlight, maxInFlight int32
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inFlight, 1)
		mu.Lock()
		if cur > maxInFlight {
			maxInFlight = cur
		}
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		fmt.Fprint(w, `{"result":{"sync_info":{"latest_block_height":"1","catching_up":false,"earliest_block_height":"1"}}}`)
	}))
	defer srv.Close()

	endpoints := make([]model.Endpoint, 0, n)
	for i := 0; i < n; i++ {
		endpoints = append(endpoints, model.Endpoint{URL: fmt.Sprintf("%s/%d", srv.URL, i), Height: -1})
	}

	m := New("osmosis", Config{SyncThreshold: 50}, &http.Client{}, zap.NewNop(), newTestMetrics(t),
		func([]*model.Endpoint, []*model.Endpoint) {}, func(*model.Endpoint) {}, func() {})
	m.SetEndpoints(endpoints)
	m.ProbeAll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, int(maxInFlight), 1, "probes must fan out concurrently")
}
