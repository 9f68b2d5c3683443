// Package tapnode is the composition root for a Transaction Authorization
// Protocol node: it wires the crypto boundary, agent registry, event bus,
// transaction engine, customer extractor, and ingress pipeline together
// behind the four public entry points external collaborators (the CLI, an
// HTTP server) call: Receive, Send, RegisterAgent, and
// Subscribe. The node itself speaks no transport and no DID method; both
// are supplied by the caller through crypto.DIDResolver and crypto.KeyOps.
package tapnode

import (
	"context"
	"fmt"

	"github.com/tap-rsvp/tap-node/internal/config"
	"github.com/tap-rsvp/tap-node/internal/crypto"
	"github.com/tap-rsvp/tap-node/internal/customer"
	"github.com/tap-rsvp/tap-node/internal/envelope"
	"github.com/tap-rsvp/tap-node/internal/events"
	"github.com/tap-rsvp/tap-node/internal/pipeline"
	"github.com/tap-rsvp/tap-node/internal/registry"
	"github.com/tap-rsvp/tap-node/internal/router"
	"github.com/tap-rsvp/tap-node/internal/txn"
)

// Node is a running TAP node: one registry of owned agents, one event bus,
// one transaction engine, and one ingress pipeline shared across every
// owned agent's otherwise isolated storage.
type Node struct {
	cfg      *config.Config
	Registry *registry.Registry
	Bus      *events.Bus
	Boundary *crypto.Boundary
	Pipeline *pipeline.Pipeline
}

// New builds a Node from cfg, a DID resolver, and a key-ops implementation.
// Both are external collaborators; pass crypto.NewStubResolver() and
// crypto.NewJoseKeyOps() for a no-network development node.
func New(cfg *config.Config, resolver crypto.DIDResolver, keys crypto.KeyOps) (*Node, error) {
	bus := events.New(cfg.Pool.EventBufferCap)
	boundary := crypto.New(keys, resolver)
	reg := registry.New(cfg.Root, cfg.Pool.RegistryLimit, cfg.Pool.DBConnections, cfg.LegacyDBPath, bus)
	engine := txn.New(bus)
	extractor := customer.New()

	pl := pipeline.New(pipeline.Config{
		Registry:      reg,
		Boundary:      boundary,
		Bus:           bus,
		Engine:        engine,
		Extractor:     extractor,
		Policy:        pipeline.Policy{AllowPlaintext: cfg.Policy.AllowPlaintext},
		Workers:       cfg.Pool.Workers,
		QueueCapacity: cfg.Pool.QueueCapacity,
		Retry: router.RetryConfig{
			MaxRetries:     cfg.Retry.MaxRetries,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxDelay:       cfg.Retry.MaxDelay,
			HTTPTimeout:    cfg.Retry.HTTPTimeout,
		},
	})

	n := &Node{cfg: cfg, Registry: reg, Bus: bus, Boundary: boundary, Pipeline: pl}

	if cfg.AgentDID != "" {
		if err := n.RegisterAgent(registry.Handle{DID: cfg.AgentDID}); err != nil {
			return nil, fmt.Errorf("tapnode: registering default agent: %w", err)
		}
	}
	return n, nil
}

// Receive is the entry point for an envelope arriving from external
// transport: raw, opaque bytes off the wire. It returns one outcome
// summarizing every owned recipient's persistence and the fan-out dispatch.
func (n *Node) Receive(envelopeBytes []byte) (*pipeline.Result, error) {
	return n.Pipeline.Receive(envelopeBytes)
}

// Send is the entry point for a message one of this node's own agents
// originates: env must already carry its typed body; fromDID must be a
// registered agent.
func (n *Node) Send(fromDID string, env *envelope.Envelope) (*pipeline.Result, error) {
	return n.Pipeline.Send(fromDID, env)
}

// RegisterAgent adds h to the node's registry, lazily creating its storage
// handle on first use.
func (n *Node) RegisterAgent(h registry.Handle) error {
	return n.Registry.Register(&h)
}

// UnregisterAgent removes did from the node's registry.
func (n *Node) UnregisterAgent(did string) {
	n.Registry.Unregister(did)
}

// Subscribe is the entry point for an in-process observer of lifecycle
// events (e.g. a CLI progress view or an HTTP webhook forwarder).
func (n *Node) Subscribe(kind events.Kind) *events.Subscription {
	return n.Bus.Subscribe(kind)
}

// Shutdown drains in-flight ingress work and closes every owned agent's
// storage handle.
func (n *Node) Shutdown(ctx context.Context) error {
	return n.Pipeline.Shutdown(ctx)
}
