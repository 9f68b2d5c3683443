// Package txn implements the transaction engine: the state machine
// over a transaction thread, the per-thid mutex that serializes concurrent
// updates, and the partial-settlement policy between Complete and Settle.
//
// Called by: internal/pipeline (stage 5)
// Calls: internal/storage, internal/message, internal/events
package txn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tap-rsvp/tap-node/internal/events"
	"github.com/tap-rsvp/tap-node/internal/message"
	"github.com/tap-rsvp/tap-node/internal/storage"
)

// Status is a transaction's lifecycle state.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusAuthorized Status = "Authorized"
	StatusSettled    Status = "Settled"
	StatusCancelled  Status = "Cancelled"
	StatusRejected   Status = "Rejected"
	StatusReverted   Status = "Reverted"
)

// transitions maps (current status, trigger type URI) -> next status. The
// empty Status key models "no transaction yet".
var transitions = map[Status]map[string]Status{
	"": {
		message.TypeTransfer: StatusPending,
		message.TypePayment:  StatusPending,
	},
	StatusPending: {
		message.TypeAuthorize: StatusAuthorized,
		message.TypeReject:    StatusRejected,
		message.TypeCancel:    StatusCancelled,
		message.TypeSettle:    StatusSettled,
	},
	StatusAuthorized: {
		message.TypeSettle: StatusSettled,
		message.TypeReject: StatusRejected,
		message.TypeCancel: StatusCancelled,
	},
	StatusSettled: {
		message.TypeRevert: StatusReverted,
	},
}

// amendmentTypes leave a transaction's status unchanged but require an
// existing thread. Apply only checks that the thread exists; the
// transaction row holds no participant set, so AddAgents, ReplaceAgent,
// RemoveAgent and UpdatePolicies change no stored participant list. The
// parties of UpdateParty and ConfirmRelationship are recorded by
// internal/customer.
var amendmentTypes = map[string]bool{
	message.TypeAddAgents:           true,
	message.TypeReplaceAgent:        true,
	message.TypeRemoveAgent:         true,
	message.TypeUpdateParty:         true,
	message.TypeUpdatePolicies:      true,
	message.TypeConfirmRelationship: true,
}

// Relevant reports whether typeURI participates in the state machine at
// all: the Transfer/Payment triggers that create a transaction, the reply
// bodies that transition one, or the amendment bodies that require an
// existing thread without changing status. Auxiliary DIDComm bodies
// (BasicMessage, TrustPing, Connect, AuthorizationRequired, Presentation,
// Error) carry no thread-lifecycle semantics and are never passed to Apply.
func Relevant(typeURI string) bool {
	switch typeURI {
	case message.TypeTransfer, message.TypePayment,
		message.TypeAuthorize, message.TypeReject, message.TypeCancel,
		message.TypeSettle, message.TypeRevert, message.TypeComplete:
		return true
	default:
		return amendmentTypes[typeURI]
	}
}

// IllegalTransitionError reports a trigger body that has no arrow from the
// transaction's current status. The message is still
// persisted by the caller; this error only blocks the status mutation.
type IllegalTransitionError struct {
	From    Status
	Trigger string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("txn: illegal transition: no arrow from %q on trigger %q", e.From, e.Trigger)
}

// PartialSettlementError reports a Settle amount exceeding a prior
// Complete's amount ceiling.
type PartialSettlementError struct {
	CompletedAmount string
	SettleAmount    string
}

func (e *PartialSettlementError) Error() string {
	return fmt.Sprintf("txn: settle amount %s exceeds completed amount %s", e.SettleAmount, e.CompletedAmount)
}

// Outcome summarizes the effect of applying one body to the engine.
type Outcome struct {
	ThreadID     string
	OldStatus    Status
	NewStatus    Status
	Transitioned bool
}

// Engine serializes state-machine transitions per thread id. The per-thread
// lock is held for the whole of Apply, including its storage reads and
// writes, so read-decide-write sequences on one thread never interleave.
type Engine struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	bus   *events.Bus
}

// New builds an Engine that publishes transition events to bus.
func New(bus *events.Bus) *Engine {
	return &Engine{locks: make(map[string]*sync.Mutex), bus: bus}
}

func (e *Engine) lockFor(threadID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[threadID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[threadID] = l
	}
	return l
}

// Apply drives the state machine for one trigger body on threadID, against
// store. If no transaction exists yet, only Transfer/Payment triggers are
// legal (they create one). The caller is responsible for persisting the
// message audit row regardless of the outcome: an illegal transition is
// logged but the message is still persisted for the audit trail.
func (e *Engine) Apply(store *storage.Store, agentDID, threadID string, body message.Body, fromDID, toDID, messageJSON string) (Outcome, error) {
	lock := e.lockFor(threadID)
	lock.Lock()
	defer lock.Unlock()

	current, currentStatus, err := e.lookup(store, threadID)
	if err != nil {
		return Outcome{}, err
	}

	typeURI := body.TypeURI()

	if amendmentTypes[typeURI] {
		if current == nil {
			return Outcome{}, &IllegalTransitionError{From: "", Trigger: typeURI}
		}
		return Outcome{ThreadID: threadID, OldStatus: currentStatus, NewStatus: currentStatus}, nil
	}

	// Complete is amendment-style too: it leaves status unchanged but
	// records the partial-settlement ceiling a later Settle is checked
	// against (checkPartialSettlement), so it must persist even though it
	// never appears in the transitions table.
	if complete, ok := body.(*message.Complete); ok {
		if current == nil {
			return Outcome{}, &IllegalTransitionError{From: "", Trigger: typeURI}
		}
		if err := store.SetCompletedAmount(threadID, complete.Amount); err != nil {
			return Outcome{}, err
		}
		if complete.SettlementID != "" {
			if err := store.UpdateTransactionStatus(threadID, string(currentStatus), complete.SettlementID); err != nil {
				return Outcome{}, err
			}
		}
		return Outcome{ThreadID: threadID, OldStatus: currentStatus, NewStatus: currentStatus}, nil
	}

	next, ok := transitions[currentStatus][typeURI]
	if !ok {
		return Outcome{ThreadID: threadID, OldStatus: currentStatus}, &IllegalTransitionError{From: currentStatus, Trigger: typeURI}
	}

	if settle, isSettle := body.(*message.Settle); isSettle && current != nil {
		if err := checkPartialSettlement(current, settle); err != nil {
			return Outcome{ThreadID: threadID, OldStatus: currentStatus}, err
		}
	}

	if current == nil {
		if err := store.UpsertTransaction(&storage.Transaction{
			Type:        typeTag(body),
			ReferenceID: threadID,
			FromDID:     fromDID,
			ToDID:       toDID,
			ThreadID:    threadID,
			MessageType: typeURI,
			Status:      string(next),
			MessageJSON: messageJSON,
		}); err != nil {
			return Outcome{}, err
		}
		if e.bus != nil {
			e.bus.Publish(events.Event{Kind: events.KindTransactionCreated, ThreadID: threadID, AgentDID: agentDID})
		}
		return Outcome{ThreadID: threadID, OldStatus: "", NewStatus: next, Transitioned: true}, nil
	}

	settlementID := ""
	if settle, ok := body.(*message.Settle); ok {
		settlementID = settle.SettlementID
	}
	if err := store.UpdateTransactionStatus(threadID, string(next), settlementID); err != nil {
		return Outcome{}, err
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Kind: events.KindTransactionUpdated, ThreadID: threadID, AgentDID: agentDID,
			OldValue: string(currentStatus), NewValue: string(next),
		})
	}
	return Outcome{ThreadID: threadID, OldStatus: currentStatus, NewStatus: next, Transitioned: true}, nil
}

func (e *Engine) lookup(store *storage.Store, threadID string) (*storage.Transaction, Status, error) {
	t, err := store.GetTransactionByThreadID(threadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", nil
		}
		return nil, "", err
	}
	return t, Status(t.Status), nil
}

func checkPartialSettlement(current *storage.Transaction, settle *message.Settle) error {
	if current.CompletedAmount == nil || *current.CompletedAmount == "" || settle.Amount == "" {
		return nil
	}
	completed, err := decimal.NewFromString(*current.CompletedAmount)
	if err != nil {
		return nil
	}
	requested, err := decimal.NewFromString(settle.Amount)
	if err != nil {
		return nil
	}
	if requested.GreaterThan(completed) {
		return &PartialSettlementError{CompletedAmount: *current.CompletedAmount, SettleAmount: settle.Amount}
	}
	return nil
}

func typeTag(body message.Body) string {
	switch body.(type) {
	case *message.Payment:
		return "Payment"
	default:
		return "Transfer"
	}
}
