package txn

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tap-rsvp/tap-node/internal/events"
	"github.com/tap-rsvp/tap-node/internal/message"
	"github.com/tap-rsvp/tap-node/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "transactions.db"), 5)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func messageJSON(t *testing.T, body message.Body) string {
	t.Helper()
	raw, err := message.IntoWire(body)
	require.NoError(t, err)
	return string(raw)
}

// S1: a minimal Transfer opens a new thread in Pending status.
func TestApplyTransferCreatesPendingTransaction(t *testing.T) {
	store := newTestStore(t)
	bus := events.New(8)
	sub := bus.Subscribe(events.KindTransactionCreated)
	e := New(bus)

	xfer := &message.Transfer{Originator: message.Party{ID: "did:key:alice"}}
	out, err := e.Apply(store, "did:key:owned", "thread-1", xfer, "did:key:alice", "did:key:bob", messageJSON(t, xfer))
	require.NoError(t, err)
	assert.Equal(t, Status(""), out.OldStatus)
	assert.Equal(t, StatusPending, out.NewStatus)
	assert.True(t, out.Transitioned)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "thread-1", ev.ThreadID)
	default:
		t.Fatal("expected a TransactionCreated event")
	}
}

// S2: Authorize then Settle walks Pending -> Authorized -> Settled.
func TestApplyAuthorizeThenSettle(t *testing.T) {
	store := newTestStore(t)
	bus := events.New(8)
	e := New(bus)

	xfer := &message.Transfer{Originator: message.Party{ID: "did:key:alice"}}
	_, err := e.Apply(store, "did:key:owned", "thread-2", xfer, "did:key:alice", "did:key:bob", messageJSON(t, xfer))
	require.NoError(t, err)

	auth := &message.Authorize{}
	auth.ThreadIDField = "thread-2"
	out, err := e.Apply(store, "did:key:owned", "thread-2", auth, "did:key:bob", "did:key:alice", messageJSON(t, auth))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, out.OldStatus)
	assert.Equal(t, StatusAuthorized, out.NewStatus)

	settle := &message.Settle{}
	settle.ThreadIDField = "thread-2"
	out, err = e.Apply(store, "did:key:owned", "thread-2", settle, "did:key:alice", "did:key:bob", messageJSON(t, settle))
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, out.OldStatus)
	assert.Equal(t, StatusSettled, out.NewStatus)
}

// S3: a Settle on a thread that was already Rejected is an illegal
// transition; status is left unchanged and no TransactionUpdated fires.
func TestApplyIllegalTransitionLeavesStatusUnchanged(t *testing.T) {
	store := newTestStore(t)
	bus := events.New(8)
	sub := bus.Subscribe(events.KindTransactionUpdated)
	e := New(bus)

	xfer := &message.Transfer{Originator: message.Party{ID: "did:key:alice"}}
	_, err := e.Apply(store, "did:key:owned", "thread-3", xfer, "did:key:alice", "did:key:bob", messageJSON(t, xfer))
	require.NoError(t, err)

	reject := &message.Reject{}
	reject.ThreadIDField = "thread-3"
	_, err = e.Apply(store, "did:key:owned", "thread-3", reject, "did:key:bob", "did:key:alice", messageJSON(t, reject))
	require.NoError(t, err)

	settle := &message.Settle{}
	settle.ThreadIDField = "thread-3"
	_, err = e.Apply(store, "did:key:owned", "thread-3", settle, "did:key:alice", "did:key:bob", messageJSON(t, settle))
	require.Error(t, err)
	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, StatusRejected, illegal.From)

	tx, err := store.GetTransactionByThreadID("thread-3")
	require.NoError(t, err)
	assert.Equal(t, string(StatusRejected), tx.Status)

	select {
	case <-sub.Events():
		t.Fatal("illegal transition must not publish TransactionUpdated")
	default:
	}
}

// Partial-settlement policy: a Settle amount above a prior Complete's amount
// is rejected, below or equal succeeds.
func TestApplySettleRespectsCompletedAmountCeiling(t *testing.T) {
	store := newTestStore(t)
	e := New(nil)

	xfer := &message.Transfer{Originator: message.Party{ID: "did:key:alice"}}
	_, err := e.Apply(store, "did:key:owned", "thread-4", xfer, "did:key:alice", "did:key:bob", messageJSON(t, xfer))
	require.NoError(t, err)

	complete := &message.Complete{Amount: "100.00"}
	complete.ThreadIDField = "thread-4"
	out, err := e.Apply(store, "did:key:owned", "thread-4", complete, "did:key:bob", "did:key:alice", messageJSON(t, complete))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, out.OldStatus)
	assert.Equal(t, StatusPending, out.NewStatus)

	tx, err := store.GetTransactionByThreadID("thread-4")
	require.NoError(t, err)
	require.NotNil(t, tx.CompletedAmount)
	assert.Equal(t, "100.00", *tx.CompletedAmount)

	tooMuch := &message.Settle{Amount: "150.00"}
	tooMuch.ThreadIDField = "thread-4"
	_, err = e.Apply(store, "did:key:owned", "thread-4", tooMuch, "did:key:alice", "did:key:bob", messageJSON(t, tooMuch))
	require.Error(t, err)
	var partial *PartialSettlementError
	require.ErrorAs(t, err, &partial)

	withinCeiling := &message.Settle{Amount: "100.00"}
	withinCeiling.ThreadIDField = "thread-4"
	out, err = e.Apply(store, "did:key:owned", "thread-4", withinCeiling, "did:key:alice", "did:key:bob", messageJSON(t, withinCeiling))
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, out.NewStatus)
}

// Amendment bodies (e.g. AddAgents) leave status untouched on an existing
// thread and fail when no thread exists yet.
func TestApplyAmendmentLeavesStatusUnchanged(t *testing.T) {
	store := newTestStore(t)
	e := New(nil)

	xfer := &message.Transfer{Originator: message.Party{ID: "did:key:alice"}}
	_, err := e.Apply(store, "did:key:owned", "thread-5", xfer, "did:key:alice", "did:key:bob", messageJSON(t, xfer))
	require.NoError(t, err)

	add := &message.AddAgents{}
	add.ThreadIDField = "thread-5"
	out, err := e.Apply(store, "did:key:owned", "thread-5", add, "did:key:alice", "did:key:bob", messageJSON(t, add))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, out.OldStatus)
	assert.Equal(t, StatusPending, out.NewStatus)

	orphanAdd := &message.AddAgents{}
	orphanAdd.ThreadIDField = "thread-unknown"
	_, err = e.Apply(store, "did:key:owned", "thread-unknown", orphanAdd, "did:key:alice", "did:key:bob", messageJSON(t, orphanAdd))
	require.Error(t, err)
	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
}
