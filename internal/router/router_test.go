package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tap-rsvp/tap-node/internal/crypto"
	"github.com/tap-rsvp/tap-node/internal/delivery"
	"github.com/tap-rsvp/tap-node/internal/envelope"
	"github.com/tap-rsvp/tap-node/internal/registry"
	"github.com/tap-rsvp/tap-node/internal/storage"
)

func newTestTracker(t *testing.T) *delivery.Tracker {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "deliveries.db"), 5)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return delivery.New(s)
}

func TestDispatchInternalHandoffRecordsSuccess(t *testing.T) {
	tracker := newTestTracker(t)
	reg := registry.New(t.TempDir(), 10, 5, "", nil)
	require.NoError(t, reg.Register(&registry.Handle{DID: "did:key:bob"}))

	var handed []string
	var mu sync.Mutex
	r := New(reg, nil, tracker, nil, func(recipient string, env *envelope.Envelope) error {
		mu.Lock()
		handed = append(handed, recipient)
		mu.Unlock()
		return nil
	}, RetryConfig{})

	env, err := envelope.New("did:key:alice", []string{"did:key:bob"}, "https://tap.rsvp/schema/1.0#BasicMessage", map[string]string{"content": "hi"})
	require.NoError(t, err)

	outcome, err := r.Dispatch(env)
	require.NoError(t, err)
	require.Contains(t, outcome, "did:key:bob")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"did:key:bob"}, handed)

	d, err := tracker.Get(outcome["did:key:bob"])
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryStatusSuccess, d.Status)
	assert.Equal(t, storage.DeliveryTypeInternal, d.DeliveryType)
}

func TestDispatchExternalHTTPSuccess(t *testing.T) {
	tracker := newTestTracker(t)
	reg := registry.New(t.TempDir(), 10, 5, "", nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	resolver := crypto.NewStubResolver()
	resolver.Put(&crypto.Document{
		ID: "did:key:carol",
		Service: []crypto.ServiceEndpoint{
			{ID: "did:key:carol#didcomm", Type: "DIDCommMessaging", ServiceEndpoint: srv.URL},
		},
	})
	boundary := crypto.New(nil, resolver)

	r := New(reg, boundary, tracker, nil, nil, RetryConfig{})
	env, err := envelope.New("did:key:alice", []string{"did:key:carol"}, "https://tap.rsvp/schema/1.0#BasicMessage", map[string]string{"content": "hi"})
	require.NoError(t, err)

	outcome, err := r.Dispatch(env)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		d, err := tracker.Get(outcome["did:key:carol"])
		return err == nil && d.Status != storage.DeliveryStatusPending
	}, 2*time.Second, 10*time.Millisecond)

	d, err := tracker.Get(outcome["did:key:carol"])
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryStatusSuccess, d.Status)
	require.NotNil(t, d.LastHTTPStatusCode)
	assert.Equal(t, http.StatusAccepted, *d.LastHTTPStatusCode)
}

func TestDispatchExternalNoEndpointFails(t *testing.T) {
	tracker := newTestTracker(t)
	reg := registry.New(t.TempDir(), 10, 5, "", nil)
	resolver := crypto.NewStubResolver()
	boundary := crypto.New(nil, resolver)

	r := New(reg, boundary, tracker, nil, nil, RetryConfig{})
	env, err := envelope.New("did:key:alice", []string{"did:key:unknown"}, "https://tap.rsvp/schema/1.0#BasicMessage", map[string]string{"content": "hi"})
	require.NoError(t, err)

	outcome, err := r.Dispatch(env)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		d, err := tracker.Get(outcome["did:key:unknown"])
		return err == nil && d.Status != storage.DeliveryStatusPending
	}, 2*time.Second, 10*time.Millisecond)

	d, err := tracker.Get(outcome["did:key:unknown"])
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryStatusFailed, d.Status)
}

func TestDispatchSignsPlainEnvelopesWhenConfigured(t *testing.T) {
	tracker := newTestTracker(t)
	reg := registry.New(t.TempDir(), 10, 5, "", nil)

	var mu sync.Mutex
	var gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		gotContentType = req.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(req.Body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	keys := crypto.NewJoseKeyOps()
	ref, err := keys.GenerateKey("sign")
	require.NoError(t, err)

	resolver := crypto.NewStubResolver()
	resolver.Put(&crypto.Document{
		ID: "did:key:carol",
		Service: []crypto.ServiceEndpoint{
			{ID: "did:key:carol#didcomm", Type: "DIDCommMessaging", ServiceEndpoint: srv.URL},
		},
	})
	boundary := crypto.New(keys, resolver)

	r := New(reg, boundary, tracker, nil, nil, RetryConfig{})
	r.SetSigningKey(ref)

	env, err := envelope.New("did:key:alice", []string{"did:key:carol"}, "https://tap.rsvp/schema/1.0#BasicMessage", map[string]string{"content": "hi"})
	require.NoError(t, err)

	outcome, err := r.Dispatch(env)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		d, err := tracker.Get(outcome["did:key:carol"])
		return err == nil && d.Status == storage.DeliveryStatusSuccess
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "application/didcomm-signed+json", gotContentType)

	sent, err := envelope.Parse(gotBody, 0)
	require.NoError(t, err)
	assert.Equal(t, envelope.MediaTypeSigned, sent.Typ)
	require.NotEmpty(t, sent.Signatures)
}

func TestRetryPassKeepsEnvelopeMediaType(t *testing.T) {
	tracker := newTestTracker(t)
	reg := registry.New(t.TempDir(), 10, 5, "", nil)

	var mu sync.Mutex
	var contentTypes []string
	fail := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		contentTypes = append(contentTypes, req.Header.Get("Content-Type"))
		failNow := fail
		mu.Unlock()
		if failNow {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resolver := crypto.NewStubResolver()
	resolver.Put(&crypto.Document{
		ID: "did:key:carol",
		Service: []crypto.ServiceEndpoint{
			{ID: "did:key:carol#didcomm", Type: "DIDCommMessaging", ServiceEndpoint: srv.URL},
		},
	})
	boundary := crypto.New(nil, resolver)

	r := New(reg, boundary, tracker, nil, nil, RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
	})

	env, err := envelope.New("did:key:alice", []string{"did:key:carol"}, "https://tap.rsvp/schema/1.0#BasicMessage", map[string]string{"content": "hi"})
	require.NoError(t, err)
	env.Typ = envelope.MediaTypeSigned
	env.Signatures = []envelope.Signature{{Protected: "p", Signature: "s", KeyID: "k1"}}

	outcome, err := r.Dispatch(env)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		d, err := tracker.Get(outcome["did:key:carol"])
		return err == nil && d.Status == storage.DeliveryStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	fail = false
	mu.Unlock()

	require.NoError(t, r.RetryPass())

	d, err := tracker.Get(outcome["did:key:carol"])
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryStatusSuccess, d.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, contentTypes, 2)
	assert.Equal(t, "application/didcomm-signed+json", contentTypes[0])
	assert.Equal(t, "application/didcomm-signed+json", contentTypes[1], "retry must keep the stored envelope's media type")
}

func TestSenderQueuePreservesOrder(t *testing.T) {
	q := newSenderQueue()
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		q.enqueue(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}
