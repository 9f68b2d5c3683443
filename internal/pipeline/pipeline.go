// Package pipeline implements the ingress pipeline: the ordered
// middleware chain that turns raw envelope bytes into persisted,
// state-machine-applied, dispatched effects, run by a small bounded worker
// pool draining a bounded ingress queue.
//
// Key Features:
//   - Eight-stage chain: decode, unwrap security, parse+validate body,
//     persist inbound, apply state machine, emit events, extract customers
//     (asynchronously), dispatch
//   - Bounded worker pool and ingress queue; queue-full is backpressure, not a block
//   - Multi-agent storage fan-in: a message is persisted into every owned
//     participant's database, not only the envelope's declared recipients
//   - Outbound Send path for locally originated messages, mirroring persist +
//     dispatch without a decode/security stage
//
// Called by: node.go (Receive, Send)
// Calls: internal/envelope, internal/crypto, internal/message, internal/txn,
// internal/storage, internal/customer, internal/events, internal/router,
// internal/registry
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tap-rsvp/tap-node/internal/crypto"
	"github.com/tap-rsvp/tap-node/internal/customer"
	"github.com/tap-rsvp/tap-node/internal/delivery"
	"github.com/tap-rsvp/tap-node/internal/envelope"
	"github.com/tap-rsvp/tap-node/internal/events"
	"github.com/tap-rsvp/tap-node/internal/message"
	"github.com/tap-rsvp/tap-node/internal/registry"
	"github.com/tap-rsvp/tap-node/internal/router"
	"github.com/tap-rsvp/tap-node/internal/storage"
	"github.com/tap-rsvp/tap-node/internal/txn"
)

// Policy groups the ingress-time choices left to configuration.
type Policy struct {
	AllowPlaintext bool
}

// Config configures a Pipeline.
type Config struct {
	Registry        *registry.Registry
	Boundary        *crypto.Boundary
	Bus             *events.Bus
	Engine          *txn.Engine
	Extractor       *customer.Extractor
	Policy          Policy
	MaxEnvelopeSize int
	Workers         int
	QueueCapacity   int
	Retry           router.RetryConfig
}

// RecipientOutcome reports what happened to one owned participant's copy of
// a processed message.
type RecipientOutcome struct {
	DID        string
	Persisted  bool
	Transition *txn.Outcome
	Err        error

	// Redelivered is true when this participant's store had already seen
	// the message: its state machine step was skipped. Extraction and
	// dispatch are skipped for the envelope only when every owned
	// participant is a redelivery.
	Redelivered bool
}

// Result is the single, per-envelope outcome returned to the caller: one
// summary covering every owned recipient plus
// the fan-out dispatch outcome.
type Result struct {
	EnvelopeID string
	Envelope   *envelope.Envelope
	Recipients []RecipientOutcome
	Dispatch   router.DispatchOutcome
}

// ResourceError reports ingress backpressure: the bounded queue is full.
type ResourceError struct{ Reason string }

func (e *ResourceError) Error() string { return fmt.Sprintf("pipeline: %s", e.Reason) }

// DecodeError wraps a stage-1 failure: malformed JSON or an unknown
// envelope shape.
type DecodeError struct{ Cause error }

func (e *DecodeError) Error() string { return fmt.Sprintf("pipeline: decode: %v", e.Cause) }
func (e *DecodeError) Unwrap() error { return e.Cause }

// SecurityError wraps a stage-2 failure: signature, decryption, or
// plaintext-policy rejection.
type SecurityError struct{ Cause error }

func (e *SecurityError) Error() string { return fmt.Sprintf("pipeline: security: %v", e.Cause) }
func (e *SecurityError) Unwrap() error { return e.Cause }

// BodyError wraps a stage-3 failure, covering both an
// unrecognized type URI and a per-variant Validate() rejection.
type BodyError struct{ Cause error }

func (e *BodyError) Error() string { return fmt.Sprintf("pipeline: body: %v", e.Cause) }
func (e *BodyError) Unwrap() error { return e.Cause }

type job struct {
	raw    []byte
	result chan jobResult
}

type jobResult struct {
	res *Result
	err error
}

// Pipeline runs the eight ingress stages over a bounded worker pool and
// exposes the node's Send path for locally originated messages.
type Pipeline struct {
	reg       *registry.Registry
	boundary  *crypto.Boundary
	bus       *events.Bus
	engine    *txn.Engine
	extractor *customer.Extractor
	policy    Policy
	maxSize   int
	retry     router.RetryConfig

	queue chan job

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once

	routersMu sync.Mutex
	routers   map[string]*router.Router
}

// New builds a Pipeline and starts its worker pool. Callers must call
// Shutdown to drain in-flight work and stop the workers.
func New(cfg Config) *Pipeline {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 100
	}

	p := &Pipeline{
		reg:       cfg.Registry,
		boundary:  cfg.Boundary,
		bus:       cfg.Bus,
		engine:    cfg.Engine,
		extractor: cfg.Extractor,
		policy:    cfg.Policy,
		maxSize:   cfg.MaxEnvelopeSize,
		retry:     cfg.Retry,
		queue:     make(chan job, capacity),
		shutdown:  make(chan struct{}),
		routers:   make(map[string]*router.Router),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.shutdown:
			return
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			res, err := p.process(j.raw)
			j.result <- jobResult{res: res, err: err}
		}
	}
}

// Receive is the public entry point for an envelope arriving from
// external transport: it enqueues the work onto the bounded ingress queue
// (failing fast with ResourceError if it is full, surfacing backpressure
// to the caller) and waits for the worker pool to run the full chain.
func (p *Pipeline) Receive(raw []byte) (*Result, error) {
	j := job{raw: raw, result: make(chan jobResult, 1)}
	select {
	case p.queue <- j:
	default:
		return nil, &ResourceError{Reason: "ingress queue full"}
	}

	select {
	case r := <-j.result:
		return r.res, r.err
	case <-p.shutdown:
		return nil, &ResourceError{Reason: "pipeline shutting down"}
	}
}

// Shutdown stops accepting new work, lets in-flight envelopes finish, and
// closes every cached per-agent storage handle via the registry.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.once.Do(func() { close(p.shutdown) })
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.reg.CloseAll()
}

// process runs stages 1-8 against one envelope's raw bytes.
func (p *Pipeline) process(raw []byte) (*Result, error) {
	env, err := envelope.Parse(raw, p.maxSize)
	if err != nil {
		return nil, &DecodeError{Cause: err}
	}
	if err := env.Validate(); err != nil {
		return nil, &DecodeError{Cause: err}
	}

	if err := p.unwrapSecurity(env); err != nil {
		return nil, &SecurityError{Cause: err}
	}

	body, err := message.FromWire(env.Type, env.Body)
	if err != nil {
		return nil, &BodyError{Cause: err}
	}
	if err := body.Validate(); err != nil {
		return nil, &BodyError{Cause: err}
	}
	if err := adoptThread(env, body); err != nil {
		return nil, &BodyError{Cause: err}
	}
	if err := env.Validate(); err != nil {
		return nil, &BodyError{Cause: err}
	}

	raw, err = env.ToJSON()
	if err != nil {
		return nil, &DecodeError{Cause: err}
	}

	recipients := p.persistToOwnedParticipants(env, body, raw, storage.DirectionIncoming)

	// A redelivered envelope already produced its delivery rows and
	// extraction effects on first sight; running dispatch again would grow
	// the deliveries table on every redelivery.
	if allRedelivered(recipients) {
		return &Result{EnvelopeID: env.ID, Envelope: env, Recipients: recipients}, nil
	}

	if p.extractor != nil {
		p.extractAsync(env, body, recipients)
	}

	outcome, dispatchErr := p.dispatchFor(env, recipients)
	if dispatchErr != nil {
		return &Result{EnvelopeID: env.ID, Envelope: env, Recipients: recipients}, dispatchErr
	}

	return &Result{EnvelopeID: env.ID, Envelope: env, Recipients: recipients, Dispatch: outcome}, nil
}

func allRedelivered(recipients []RecipientOutcome) bool {
	if len(recipients) == 0 {
		return false
	}
	for _, r := range recipients {
		if !r.Redelivered {
			return false
		}
	}
	return true
}

// unwrapSecurity implements stage 2: decrypt under an owned recipient's key
// if encrypted, verify the sender's signatures if signed, or apply the
// plaintext policy if plain.
func (p *Pipeline) unwrapSecurity(env *envelope.Envelope) error {
	shape, err := env.Classify()
	if err != nil {
		return err
	}
	switch shape {
	case envelope.ShapeEncrypted:
		owned := p.ownedKeyRefs(env.Recipients())
		if len(owned) == 0 {
			return fmt.Errorf("no owned recipient key matches this encrypted envelope")
		}
		plain, err := p.boundary.Decrypt(env, owned)
		if err != nil {
			return err
		}
		*env = *plain
		return nil
	case envelope.ShapeSigned:
		return p.boundary.Verify(env)
	case envelope.ShapePlain:
		if !p.policy.AllowPlaintext {
			return fmt.Errorf("plaintext envelopes are disabled by policy")
		}
		return nil
	default:
		return fmt.Errorf("unrecognized envelope shape")
	}
}

func (p *Pipeline) ownedKeyRefs(recipients []string) map[string]crypto.KeyRef {
	out := make(map[string]crypto.KeyRef)
	for _, did := range recipients {
		h, ok := p.reg.Get(did)
		if !ok || h.KeyRef == "" {
			continue
		}
		out[did] = crypto.KeyRef(h.KeyRef)
	}
	return out
}

// adoptThread implements the threading rule: a body carrying its own
// thread id must agree with (or set) the envelope's thid; a thread-starting
// body with no envelope thid adopts the envelope's own id.
func adoptThread(env *envelope.Envelope, body message.Body) error {
	if tid := body.ThreadID(); tid != "" {
		return env.AdoptThread(tid)
	}
	if env.ThID == "" {
		env.ThID = env.ID
	}
	return nil
}

// ownedParticipantSet unions the envelope's declared recipients with every
// owned DID named as a participant in the body (originator, beneficiary,
// agents): every owned participant gets a local record, not only the DIDs
// the envelope was explicitly addressed to.
func (p *Pipeline) ownedParticipantSet(env *envelope.Envelope, body message.Body) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(did string) {
		if did == "" || seen[did] {
			return
		}
		if _, owned := p.reg.Get(did); !owned {
			return
		}
		seen[did] = true
		out = append(out, did)
	}
	for _, r := range env.Recipients() {
		add(r)
	}
	for _, ref := range body.Participants() {
		add(ref.DID)
	}
	sort.Strings(out)
	return out
}

// persistToOwnedParticipants implements stages 4-6: for every owned
// participant, append a message audit row, apply the state machine
// (skipping bodies with no thread-lifecycle semantics), and publish
// MessageReceived/MessageSent.
func (p *Pipeline) persistToOwnedParticipants(env *envelope.Envelope, body message.Body, raw []byte, direction string) []RecipientOutcome {
	dids := p.ownedParticipantSet(env, body)
	var out []RecipientOutcome
	for _, did := range dids {
		out = append(out, p.persistOne(env, body, raw, direction, did))
	}
	return out
}

func (p *Pipeline) persistOne(env *envelope.Envelope, body message.Body, raw []byte, direction, did string) RecipientOutcome {
	store, err := p.reg.StorageFor(did)
	if err != nil {
		return RecipientOutcome{DID: did, Err: err}
	}

	toDID := did
	if direction == storage.DirectionOutgoing {
		toDID = firstOther(env.Recipients(), did)
	}

	// Check first-sight before inserting: a redelivery of the same
	// (direction, message_id) must not re-apply the state machine, even
	// though the insert itself is a harmless no-op.
	alreadySeen, existsErr := store.MessageExists(direction, env.ID)
	if existsErr != nil {
		return RecipientOutcome{DID: did, Err: existsErr}
	}

	insertErr := store.InsertMessage(&storage.Message{
		MessageID:      env.ID,
		MessageType:    env.Type,
		FromDID:        env.From,
		ToDID:          toDID,
		ThreadID:       env.ThID,
		ParentThreadID: env.PThID,
		Direction:      direction,
		MessageJSON:    string(raw),
	})
	out := RecipientOutcome{DID: did, Persisted: insertErr == nil, Redelivered: alreadySeen}
	if insertErr != nil {
		out.Err = insertErr
		return out
	}

	kind := events.KindMessageReceived
	if direction == storage.DirectionOutgoing {
		kind = events.KindMessageSent
	}
	if p.bus != nil {
		p.bus.Publish(events.Event{Kind: kind, ThreadID: env.ThID, AgentDID: did})
	}

	if alreadySeen {
		return out
	}

	if txn.Relevant(body.TypeURI()) && p.engine != nil {
		transition, txErr := p.engine.Apply(store, did, env.ThID, body, env.From, toDID, string(raw))
		out.Transition = &transition
		// An illegal transition is recorded (message already persisted
		// above) but does not fail the recipient outcome outright; the
		// caller inspects RecipientOutcome.Err to distinguish it from a
		// storage failure.
		out.Err = txErr
		if txErr != nil {
			slog.Warn("pipeline: state machine rejected transition",
				"correlation_id", env.ID, "agent", did, "type", env.Type, "error", txErr)
		}
	}
	return out
}

func firstOther(dids []string, exclude string) string {
	for _, d := range dids {
		if d != exclude {
			return d
		}
	}
	return ""
}

func (p *Pipeline) extractAsync(env *envelope.Envelope, body message.Body, recipients []RecipientOutcome) {
	for _, r := range recipients {
		if !r.Persisted {
			continue
		}
		did := r.DID
		go func() {
			store, err := p.reg.StorageFor(did)
			if err != nil {
				return
			}
			_ = p.extractor.Process(store, did, body)
		}()
	}
}

// dispatchFor implements stage 8: fan the envelope out to every recipient
// using the router owned by the first owned participant (the agent this
// node attributes outbound delivery bookkeeping to). Internal handoff is a
// no-op success: the owned recipient's own copy was already persisted and
// state-machine-applied by persistToOwnedParticipants above, so handing off
// again would double-process it.
func (p *Pipeline) dispatchFor(env *envelope.Envelope, recipients []RecipientOutcome) (router.DispatchOutcome, error) {
	if len(recipients) == 0 {
		return nil, nil
	}
	r := p.routerFor(recipients[0].DID)
	return r.Dispatch(env)
}

func (p *Pipeline) routerFor(ownerDID string) *router.Router {
	p.routersMu.Lock()
	defer p.routersMu.Unlock()
	if r, ok := p.routers[ownerDID]; ok {
		return r
	}
	store, err := p.reg.StorageFor(ownerDID)
	var tracker *delivery.Tracker
	if err == nil {
		tracker = delivery.New(store)
	}
	r := router.New(p.reg, p.boundary, tracker, p.bus, noopHandoff, p.retry)
	if h, ok := p.reg.Get(ownerDID); ok && h.KeyRef != "" {
		r.SetSigningKey(crypto.KeyRef(h.KeyRef))
	}
	p.routers[ownerDID] = r
	return r
}

func noopHandoff(string, *envelope.Envelope) error { return nil }

// Send implements the node's outbound entry point: a locally
// originated envelope skips decode/security, is persisted as an Outgoing
// row (and applied against the state machine) under fromDID's own storage,
// then dispatched to every recipient.
func (p *Pipeline) Send(fromDID string, env *envelope.Envelope) (*Result, error) {
	body, err := message.FromWire(env.Type, env.Body)
	if err != nil {
		return nil, &BodyError{Cause: err}
	}
	if err := body.Validate(); err != nil {
		return nil, &BodyError{Cause: err}
	}
	if err := adoptThread(env, body); err != nil {
		return nil, &BodyError{Cause: err}
	}
	if err := env.Validate(); err != nil {
		return nil, &BodyError{Cause: err}
	}

	raw, err := env.ToJSON()
	if err != nil {
		return nil, &DecodeError{Cause: err}
	}

	if _, owned := p.reg.Get(fromDID); !owned {
		return nil, &registry.ResourceError{Reason: fmt.Sprintf("%s is not a registered agent", fromDID)}
	}
	out := p.persistOne(env, body, raw, storage.DirectionOutgoing, fromDID)
	if out.Redelivered {
		return &Result{EnvelopeID: env.ID, Envelope: env, Recipients: []RecipientOutcome{out}}, nil
	}

	r := p.routerFor(fromDID)
	outcome, err := r.Dispatch(env)
	if err != nil {
		return &Result{EnvelopeID: env.ID, Envelope: env, Recipients: []RecipientOutcome{out}}, err
	}
	return &Result{EnvelopeID: env.ID, Envelope: env, Recipients: []RecipientOutcome{out}, Dispatch: outcome}, nil
}
