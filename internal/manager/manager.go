// Package manager implements the Multi-Chain Manager: one Chain Instance
// per configured chain, prefix-based request routing, and aggregate status.
package manager

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chalabi2/chain-rpc-gateway/internal/balancer"
	"github.com/chalabi2/chain-rpc-gateway/internal/chaininstance"
	"github.com/chalabi2/chain-rpc-gateway/internal/model"
)

// route is a resolved prefix match: which chain, and whether the archive
// prefix (rather than the base prefix) was the one that matched.
type route struct {
	chainKey  string
	prefix    string
	isArchive bool
}

// StateChangeHook is notified of every chain state change that a chain
// instance reports (see chaininstance.StateChangeFunc), in addition to the
// manager's own logging. Wired to notify.Publisher by
// callers that configure an operational event bus.
type StateChangeHook func(chainKey, from, to string)

// Manager owns one ChainInstance per configured chain.
type Manager struct {
	logger  *zap.Logger
	onState StateChangeHook

	mu     sync.RWMutex
	chains map[string]*chaininstance.ChainInstance
	routes []route // sorted by prefix length descending, for longest-match-wins
}

// New builds an empty Manager. Use AddChain to register chains before
// calling InitializeAll. onState may be nil.
func New(logger *zap.Logger, onState StateChangeHook) *Manager {
	return &Manager{
		logger:  logger,
		onState: onState,
		chains:  map[string]*chaininstance.ChainInstance{},
	}
}

// AddChain registers a chain's ChainInstance and its routing prefixes.
// Must be called before InitializeAll.
func (m *Manager) AddChain(cfg model.ChainConfig, client *http.Client, metrics chaininstance.Metrics) {
	ci := chaininstance.New(cfg, client, m.logger, metrics, m.handleStateChange)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[cfg.Key] = ci
	if cfg.BasePrefix != "" {
		m.routes = append(m.routes, route{chainKey: cfg.Key, prefix: cfg.BasePrefix, isArchive: false})
	}
	if cfg.ArchivePrefix != "" {
		m.routes = append(m.routes, route{chainKey: cfg.Key, prefix: cfg.ArchivePrefix, isArchive: true})
	}
	sort.Slice(m.routes, func(i, j int) bool {
		return len(m.routes[i].prefix) > len(m.routes[j].prefix)
	})
}

func (m *Manager) handleStateChange(chainKey string, from, to chaininstance.State) {
	m.logger.Info("chain state changed",
		zap.String("chain", chainKey),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if m.onState != nil {
		m.onState(chainKey, string(from), string(to))
	}
}

// InitializeAll initializes every registered chain in parallel. Startup
// fails as a whole iff any single chain fails to initialize; chains already
// initialized are left running (callers typically respond to a failure by
// shutting the whole manager down).
func (m *Manager) InitializeAll(ctx context.Context) error {
	m.mu.RLock()
	instances := make([]*chaininstance.ChainInstance, 0, len(m.chains))
	for _, ci := range m.chains {
		instances = append(instances, ci)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(instances))
	for _, ci := range instances {
		ci := ci
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ci.Initialize(ctx); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// ShutdownAll stops every chain in parallel, best-effort: one chain's
// cleanup never blocks another's.
func (m *Manager) ShutdownAll() {
	m.mu.RLock()
	instances := make([]*chaininstance.ChainInstance, 0, len(m.chains))
	for _, ci := range m.chains {
		instances = append(instances, ci)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	wg.Add(len(instances))
	for _, ci := range instances {
		ci := ci
		go func() {
			defer wg.Done()
			ci.Shutdown()
		}()
	}
	wg.Wait()
}

// resolve finds the chain instance whose base or archive prefix is the
// longest matching prefix of path. Archive prefixes are expected to
// strictly extend their chain's base prefix, so the longest match is
// always unambiguous.
func (m *Manager) resolve(path string) (*chaininstance.ChainInstance, string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.routes {
		if strings.HasPrefix(path, r.prefix) {
			ci, ok := m.chains[r.chainKey]
			if !ok {
				continue
			}
			return ci, r.prefix, r.isArchive, nil
		}
	}
	return nil, "", false, model.NewError(model.KindChainNotFound, "no configured chain matches path "+path)
}

// Route resolves path to a chain and forwards the request through it.
// requestPath is what follows the matched prefix; a GET appends it to the
// chosen upstream URL verbatim, while a POST goes to the upstream base URL
// and does not use it.
func (m *Manager) Route(ctx context.Context, path, method string, body []byte) (*balancer.Result, error) {
	ci, prefix, isArchive, err := m.resolve(path)
	if err != nil {
		return nil, err
	}
	requestPath := strings.TrimPrefix(path, prefix)
	return ci.Route(ctx, isArchive, method, requestPath, body)
}

// Chain returns the named chain's instance, for direct status/metrics/
// refresh/probe operator calls.
func (m *Manager) Chain(key string) (*chaininstance.ChainInstance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ci, ok := m.chains[key]
	return ci, ok
}

// ChainKeys returns every registered chain's key, in no particular order.
func (m *Manager) ChainKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.chains))
	for k := range m.chains {
		keys = append(keys, k)
	}
	return keys
}

// Status is the aggregate manager-wide snapshot.
type Status struct {
	Ready            bool
	ChainsTotal      int
	ChainsReady      int
	EndpointsTotal   int
	EndpointsHealthy int
	Chains           map[string]chaininstance.ChainStatus
	GeneratedAt      time.Time
}

// AggregateStatus snapshots every chain's status and rolls up summary
// counts plus a global ready flag (all chains report ready).
func (m *Manager) AggregateStatus() Status {
	m.mu.RLock()
	instances := make(map[string]*chaininstance.ChainInstance, len(m.chains))
	for k, ci := range m.chains {
		instances[k] = ci
	}
	m.mu.RUnlock()

	out := Status{
		Chains:      make(map[string]chaininstance.ChainStatus, len(instances)),
		GeneratedAt: time.Now(),
	}
	allReady := len(instances) > 0
	for key, ci := range instances {
		s := ci.Status()
		out.Chains[key] = s
		out.ChainsTotal++
		out.EndpointsTotal += s.TrackedCount
		out.EndpointsHealthy += s.HealthyCount
		if s.State == chaininstance.StateReady {
			out.ChainsReady++
		} else {
			allReady = false
		}
	}
	out.Ready = allReady
	return out
}
