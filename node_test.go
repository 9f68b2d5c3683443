package tapnode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tap-rsvp/tap-node/internal/config"
	"github.com/tap-rsvp/tap-node/internal/crypto"
	"github.com/tap-rsvp/tap-node/internal/envelope"
	"github.com/tap-rsvp/tap-node/internal/events"
	"github.com/tap-rsvp/tap-node/internal/message"
	"github.com/tap-rsvp/tap-node/internal/registry"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	cfg := &config.Config{Root: t.TempDir()}
	cfg.Policy.AllowPlaintext = true
	cfg.Pool.Workers = 2
	cfg.Pool.QueueCapacity = 10
	cfg.Pool.DBConnections = 5
	cfg.Pool.RegistryLimit = 10
	cfg.Pool.EventBufferCap = 64
	cfg.Retry.MaxRetries = 3
	cfg.Retry.InitialBackoff = time.Millisecond
	cfg.Retry.MaxDelay = 10 * time.Millisecond
	require.NoError(t, cfg.Validate())

	n, err := New(cfg, crypto.NewStubResolver(), crypto.NewJoseKeyOps())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = n.Shutdown(ctx)
	})
	return n
}

func TestNodeReceiveCreatesTransactionAndEmitsEvent(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.RegisterAgent(registry.Handle{DID: "did:key:bob"}))

	sub := n.Subscribe(events.KindTransactionCreated)

	env, err := envelope.New("did:key:alice", []string{"did:key:bob"}, message.TypeTransfer, &message.Transfer{
		Asset:      "eip155:1/erc20:0xdac17f958d2ee523a2206206994597c13d831ec7",
		Amount:     "50",
		Originator: message.Party{ID: "did:key:alice"},
		Agents:     []message.Agent{},
	})
	require.NoError(t, err)
	raw, err := env.ToJSON()
	require.NoError(t, err)

	res, err := n.Receive(raw)
	require.NoError(t, err)
	require.Len(t, res.Recipients, 1)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, events.KindTransactionCreated, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a TransactionCreated event")
	}
}

func TestNodeSendRequiresRegisteredAgent(t *testing.T) {
	n := newTestNode(t)

	env, err := envelope.New("did:key:ghost", []string{"did:key:bob"}, message.TypeBasicMessage, &message.BasicMessage{Content: "hi"})
	require.NoError(t, err)

	_, err = n.Send("did:key:ghost", env)
	require.Error(t, err)
}
