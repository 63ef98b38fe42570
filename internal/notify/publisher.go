// Package notify publishes operational events (chain state transitions,
// manager readiness changes) to an optional external subscriber over NATS.
// This is a side-channel notification path only: it never participates in
// the request-routing data flow, and publish failures never affect routing.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const subjectPrefix = "CHAIN_RPC_GATEWAY"

// Event is one operational event published to the bus.
type Event struct {
	Kind      string    `json:"kind"`
	ChainKey  string    `json:"chain_key,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Kinds of events this package publishes.
const (
	KindChainStateChanged = "chain_state_changed"
	KindManagerReady      = "manager_ready"
	KindManagerNotReady   = "manager_not_ready"
)

// Publisher is a plain NATS publish side. No JetStream, no persistence:
// subscribers that are offline simply miss events, which is acceptable for
// an observability fan-out that is never consulted for routing decisions.
type Publisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewPublisher connects to natsURL and returns a Publisher. A nil Publisher
// with a nil error is never returned; callers that want notify to be
// optional should treat a connection error as "run without notify" rather
// than a fatal startup condition.
func NewPublisher(natsURL string, logger *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("chain-rpc-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("notify bus disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("notify bus reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to notify bus: %w", err)
	}
	return &Publisher{nc: nc, logger: logger}, nil
}

// PublishChainStateChanged publishes one chain state transition.
func (p *Publisher) PublishChainStateChanged(chainKey, from, to string) {
	p.publish(KindChainStateChanged, Event{
		Kind:      KindChainStateChanged,
		ChainKey:  chainKey,
		From:      from,
		To:        to,
		Timestamp: time.Now(),
	})
}

// PublishManagerReadyChanged publishes the manager-wide readiness flag
// flipping.
func (p *Publisher) PublishManagerReadyChanged(ready bool) {
	kind := KindManagerReady
	if !ready {
		kind = KindManagerNotReady
	}
	p.publish(kind, Event{Kind: kind, Timestamp: time.Now()})
}

func (p *Publisher) publish(kind string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal notify event", zap.Error(err))
		return
	}
	subject := fmt.Sprintf("%s.%s", subjectPrefix, kind)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish notify event",
			zap.String("subject", subject), zap.Error(err))
	}
}

// Close closes the NATS connection, if there is one. It does not drain
// subscriptions first.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// Healthy reports whether the underlying NATS connection is currently up.
func (p *Publisher) Healthy() bool {
	return p.nc != nil && p.nc.IsConnected()
}
