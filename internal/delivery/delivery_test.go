package delivery

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tap-rsvp/tap-node/internal/storage"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "transactions.db"), 5)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s)
}

func TestRecordPendingThenMarkFailedIsRetryEligible(t *testing.T) {
	tr := newTestTracker(t)
	id, err := tr.RecordPending("m1", "{}", "did:key:B", TypeHTTPS, "https://b.example/didcomm")
	require.NoError(t, err)

	code := 503
	require.NoError(t, tr.MarkFailed(id, &code, "service unavailable"))

	d, err := tr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryStatusFailed, d.Status)
	assert.Equal(t, 1, d.RetryCount)

	pending, err := tr.ListPending(3, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
}

func TestMarkSuccess(t *testing.T) {
	tr := newTestTracker(t)
	id, err := tr.RecordPending("m1", "{}", "did:key:B", TypeInternal, "")
	require.NoError(t, err)
	require.NoError(t, tr.MarkSuccess(id, nil))

	d, err := tr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryStatusSuccess, d.Status)
	assert.NotNil(t, d.DeliveredAt)
}

func TestListForMessage(t *testing.T) {
	tr := newTestTracker(t)
	_, err := tr.RecordPending("m1", "{}", "did:key:B", TypeHTTPS, "")
	require.NoError(t, err)
	_, err = tr.RecordPending("m1", "{}", "did:key:C", TypeHTTPS, "")
	require.NoError(t, err)

	rows, err := tr.ListForMessage("m1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
