// Package router implements the per-recipient dispatcher: fan-out to
// every DID in an envelope's `to` list, internal handoff for owned agents,
// and external HTTP/WebSocket transport with backoff retry for everyone
// else.
//
// Key Features:
// - One single-sender queue per recipient DID, preserving per-recipient order
// - Internal handoff for DIDs the registry owns; no network round trip
// - HTTP POST by default, WebSocket push when a persistent connection exists
// - Exponential backoff with jitter bounded by configured max retries/delay
//
// Called by: internal/pipeline (ingress stage 8, outbound dispatch)
// Calls: internal/registry, internal/crypto, internal/delivery,
// internal/events, net/http, github.com/gorilla/websocket,
// github.com/cenkalti/backoff/v4
package router

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/tap-rsvp/tap-node/internal/crypto"
	"github.com/tap-rsvp/tap-node/internal/delivery"
	"github.com/tap-rsvp/tap-node/internal/envelope"
	"github.com/tap-rsvp/tap-node/internal/events"
	"github.com/tap-rsvp/tap-node/internal/registry"
	"github.com/tap-rsvp/tap-node/internal/storage"
)

// InternalHandoff receives an envelope destined for a locally owned DID.
// The pipeline implements this; the router only calls it.
type InternalHandoff func(recipient string, env *envelope.Envelope) error

// RetryConfig bounds the dispatcher's backoff schedule and its
// per-request HTTP timeout.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxDelay       time.Duration
	HTTPTimeout    time.Duration
}

// DispatchOutcome maps each recipient DID to the delivery row recorded for
// it.
type DispatchOutcome map[string]uint

// ResourceError reports a dispatch failure unrelated to any single
// recipient (e.g. no resolver configured).
type ResourceError struct{ Reason string }

func (e *ResourceError) Error() string { return fmt.Sprintf("router: %s", e.Reason) }

// Router fans an outbound envelope out to every recipient, choosing
// internal handoff or external transport per recipient.
type Router struct {
	registry *registry.Registry
	boundary *crypto.Boundary
	tracker  *delivery.Tracker
	bus      *events.Bus
	handoff  InternalHandoff
	retry    RetryConfig
	client   *http.Client
	signKey  crypto.KeyRef

	mu      sync.Mutex
	senders map[string]*senderQueue

	wsMu    sync.RWMutex
	wsConns map[string]*websocket.Conn
}

// New builds a Router. tracker persists delivery rows for the owning
// agent's storage; callers with per-agent storage should build one Router
// instance per owned DID, matching the node's per-agent storage model.
func New(reg *registry.Registry, boundary *crypto.Boundary, tracker *delivery.Tracker, bus *events.Bus, handoff InternalHandoff, retry RetryConfig) *Router {
	if retry.MaxRetries <= 0 {
		retry.MaxRetries = 5
	}
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = 500 * time.Millisecond
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = 2 * time.Minute
	}
	if retry.HTTPTimeout <= 0 {
		retry.HTTPTimeout = 30 * time.Second
	}
	return &Router{
		registry: reg,
		boundary: boundary,
		tracker:  tracker,
		bus:      bus,
		handoff:  handoff,
		retry:    retry,
		client:   &http.Client{Timeout: retry.HTTPTimeout},
		senders:  make(map[string]*senderQueue),
		wsConns:  make(map[string]*websocket.Conn),
	}
}

// SetSigningKey configures the key plain envelopes are signed with before
// external dispatch. Left unset, envelopes go out in whatever shape the
// caller produced them.
func (r *Router) SetSigningKey(key crypto.KeyRef) {
	r.signKey = key
}

// RegisterWebSocket attaches a persistent outbound connection for recipient,
// preferred over HTTP for subsequent sends while it remains open.
func (r *Router) RegisterWebSocket(recipient string, conn *websocket.Conn) {
	r.wsMu.Lock()
	defer r.wsMu.Unlock()
	r.wsConns[recipient] = conn
}

// Dispatch fans envelope out to every recipient in its `to` list (order
// preserved, deduped), recording one delivery row per recipient. When a
// signing key is configured, plain envelopes are signed once here and the
// signed form is what external recipients receive; internal handoff keeps
// the original.
func (r *Router) Dispatch(env *envelope.Envelope) (DispatchOutcome, error) {
	raw, err := env.ToJSON()
	if err != nil {
		return nil, &ResourceError{Reason: fmt.Sprintf("serializing envelope: %v", err)}
	}

	wireEnv, wireRaw, err := r.prepareWire(env, raw)
	if err != nil {
		return nil, err
	}

	outcome := make(DispatchOutcome)
	for _, recipient := range env.Recipients() {
		id, err := r.sendTo(recipient, env, raw, wireEnv, wireRaw)
		if err != nil {
			return outcome, err
		}
		outcome[recipient] = id
	}
	return outcome, nil
}

// prepareWire signs a plain envelope when the router carries a signing key,
// returning the envelope and bytes to put on the wire for external
// recipients.
func (r *Router) prepareWire(env *envelope.Envelope, raw []byte) (*envelope.Envelope, []byte, error) {
	if r.signKey == "" || r.boundary == nil {
		return env, raw, nil
	}
	if shape, err := env.Classify(); err != nil || shape != envelope.ShapePlain {
		return env, raw, nil
	}
	signed, err := r.boundary.Sign(env, r.signKey)
	if err != nil {
		return nil, nil, err
	}
	signedRaw, err := signed.ToJSON()
	if err != nil {
		return nil, nil, &ResourceError{Reason: fmt.Sprintf("serializing signed envelope: %v", err)}
	}
	return signed, signedRaw, nil
}

func (r *Router) sendTo(recipient string, env *envelope.Envelope, raw []byte, wireEnv *envelope.Envelope, wireRaw []byte) (uint, error) {
	if _, owned := r.registry.Get(recipient); owned {
		return r.dispatchInternal(recipient, env, raw)
	}
	return r.dispatchExternal(recipient, wireEnv, wireRaw)
}

func (r *Router) dispatchInternal(recipient string, env *envelope.Envelope, raw []byte) (uint, error) {
	id, err := r.tracker.RecordPending(env.ID, string(raw), recipient, storage.DeliveryTypeInternal, "")
	if err != nil {
		return 0, err
	}
	if r.handoff == nil {
		_ = r.tracker.MarkFailed(id, nil, "no internal handoff configured")
		return id, nil
	}
	if err := r.handoff(recipient, env); err != nil {
		_ = r.tracker.MarkFailed(id, nil, err.Error())
		return id, nil
	}
	_ = r.tracker.MarkSuccess(id, nil)
	if r.bus != nil {
		r.bus.Publish(events.Event{Kind: events.KindDeliveryUpdated, ThreadID: env.ThID, AgentDID: recipient})
	}
	return id, nil
}

func (r *Router) dispatchExternal(recipient string, env *envelope.Envelope, raw []byte) (uint, error) {
	url := r.resolveEndpoint(recipient)
	// Https covers both HTTP POST and WebSocket push: the Delivery schema's
	// DeliveryType taxonomy doesn't distinguish transport, only
	// internal-vs-external; sendOnce picks WebSocket over HTTP per-attempt
	// when a persistent connection is registered.
	id, err := r.tracker.RecordPending(env.ID, string(raw), recipient, storage.DeliveryTypeHTTPS, url)
	if err != nil {
		return 0, err
	}

	q := r.queueFor(recipient)
	q.enqueue(func() {
		r.sendOnce(recipient, env.Typ, raw, id, url)
	})
	return id, nil
}

func (r *Router) resolveEndpoint(recipient string) string {
	if r.boundary == nil || r.boundary.Resolver == nil {
		return ""
	}
	doc, err := r.boundary.Resolver.Resolve(recipient)
	if err != nil {
		return ""
	}
	url, ok := doc.DIDCommEndpoint()
	if !ok {
		return ""
	}
	return url
}

// sendOnce performs a single delivery attempt (one HTTP POST or WebSocket
// write) and updates the delivery row. Retries are scheduled externally via
// RetryPass, not inline.
func (r *Router) sendOnce(recipient string, typ string, raw []byte, deliveryID uint, url string) {
	r.wsMu.RLock()
	conn, hasWS := r.wsConns[recipient]
	r.wsMu.RUnlock()

	if hasWS {
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			_ = r.tracker.MarkFailed(deliveryID, nil, err.Error())
			return
		}
		_ = r.tracker.MarkSuccess(deliveryID, nil)
		r.publishDeliveryUpdated(recipient)
		return
	}

	if url == "" {
		_ = r.tracker.MarkFailed(deliveryID, nil, "no endpoint resolved for recipient")
		return
	}

	status, err := r.postHTTP(url, typ, raw)
	if err != nil {
		slog.Warn("router: delivery attempt failed", "recipient", recipient, "url", url, "error", err)
		_ = r.tracker.MarkFailed(deliveryID, nil, err.Error())
		return
	}
	switch {
	case status >= 200 && status < 300:
		_ = r.tracker.MarkSuccess(deliveryID, &status)
	default:
		// 4xx and 5xx both recorded as Failed; retry eligibility for 4xx is
		// excluded by RetryPass checking the status code, not by skipping
		// the row here: 4xx means Failed with no retry.
		_ = r.tracker.MarkFailed(deliveryID, &status, fmt.Sprintf("unexpected status %d", status))
	}
	r.publishDeliveryUpdated(recipient)
}

func (r *Router) publishDeliveryUpdated(recipient string) {
	if r.bus != nil {
		r.bus.Publish(events.Event{Kind: events.KindDeliveryUpdated, AgentDID: recipient})
	}
}

func (r *Router) postHTTP(url, typ string, raw []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.retry.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", contentTypeFor(typ))

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func contentTypeFor(typ string) string {
	switch typ {
	case envelope.MediaTypeSigned:
		return "application/didcomm-signed+json"
	case envelope.MediaTypeEncrypted:
		return "application/didcomm-encrypted+json"
	default:
		return "application/didcomm-plain+json"
	}
}

func (r *Router) queueFor(recipient string) *senderQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.senders[recipient]
	if !ok {
		q = newSenderQueue()
		r.senders[recipient] = q
	}
	return q
}

// RetryPass re-submits every delivery eligible for retry (Failed,
// retry_count < max_retry, last HTTP status not 4xx) once, with an
// exponential backoff delay that grows with the row's retry_count applied
// before the attempt. It is a single exported function meant to be invoked by an
// external scheduler; the node does not start a background goroutine for
// this itself.
func (r *Router) RetryPass() error {
	pending, err := r.tracker.ListPending(r.retry.MaxRetries, 0)
	if err != nil {
		return err
	}
	for _, d := range pending {
		d := d
		if d.LastHTTPStatusCode != nil && *d.LastHTTPStatusCode >= 400 && *d.LastHTTPStatusCode < 500 {
			continue
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.retry.InitialBackoff
		b.MaxInterval = r.retry.MaxDelay
		delay := b.NextBackOff()
		for i := 1; i < d.RetryCount && delay != backoff.Stop; i++ {
			delay = b.NextBackOff()
		}
		if delay == backoff.Stop {
			delay = r.retry.MaxDelay
		}
		time.Sleep(delay)

		url := ""
		if d.DeliveryURL != nil {
			url = *d.DeliveryURL
		}
		// The stored message text is the wire envelope; its declared shape
		// decides the Content-Type the retry goes out under, so a signed or
		// encrypted envelope is never relabeled as plain.
		typ := envelope.MediaTypePlain
		if sent, err := envelope.Parse([]byte(d.MessageText), 0); err == nil {
			typ = sent.Typ
		}
		r.sendOnce(d.RecipientDID, typ, []byte(d.MessageText), d.ID, url)
	}
	return nil
}

// senderQueue is a single-sender FIFO per recipient DID, preserving
// per-recipient delivery order.
type senderQueue struct {
	mu      sync.Mutex
	running bool
	tasks   []func()
}

func newSenderQueue() *senderQueue { return &senderQueue{} }

func (q *senderQueue) enqueue(task func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.drain()
}

func (q *senderQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		task()
	}
}
