// Package delivery implements the delivery tracker: bookkeeping for
// outbound dispatch attempts, their retries, and their terminal status, on
// top of the agent's storage layer.
//
// Called by: internal/router (every dispatch attempt)
// Calls: internal/storage
package delivery

import (
	"github.com/tap-rsvp/tap-node/internal/storage"
)

// Type mirrors storage.DeliveryType* for callers that don't want to import
// the storage package directly.
type Type = string

const (
	TypeInternal   Type = storage.DeliveryTypeInternal
	TypeHTTPS      Type = storage.DeliveryTypeHTTPS
	TypeReturnPath Type = storage.DeliveryTypeReturnPath
	TypePickup     Type = storage.DeliveryTypePickup
)

// Tracker records and queries outbound delivery attempts for one agent.
type Tracker struct {
	store *storage.Store
}

// New builds a Tracker backed by store.
func New(store *storage.Store) *Tracker {
	return &Tracker{store: store}
}

// RecordPending creates a new delivery row in Pending status and returns its
// id.
func (t *Tracker) RecordPending(messageID, messageText, recipient string, deliveryType Type, url string) (uint, error) {
	d := &storage.Delivery{
		MessageID:    messageID,
		MessageText:  messageText,
		RecipientDID: recipient,
		DeliveryType: deliveryType,
		Status:       storage.DeliveryStatusPending,
	}
	if url != "" {
		d.DeliveryURL = &url
	}
	return t.store.InsertDelivery(d)
}

// MarkSuccess transitions a delivery row to Success, recording the HTTP
// status code when one applies (internal handoffs pass nil).
func (t *Tracker) MarkSuccess(id uint, httpCode *int) error {
	return t.store.MarkDeliverySuccess(id, httpCode)
}

// MarkFailed transitions a delivery row to Failed and increments its retry
// count.
func (t *Tracker) MarkFailed(id uint, httpCode *int, errMsg string) error {
	return t.store.MarkDeliveryFailed(id, httpCode, errMsg)
}

// Get returns one delivery row by id.
func (t *Tracker) Get(id uint) (*storage.Delivery, error) {
	return t.store.GetDelivery(id)
}

// ListForMessage returns every delivery row created for a message.
func (t *Tracker) ListForMessage(messageID string) ([]storage.Delivery, error) {
	return t.store.ListDeliveriesForMessage(messageID)
}

// ListFailedForRecipient paginates a recipient's failed deliveries.
func (t *Tracker) ListFailedForRecipient(recipient string, limit, offset int) ([]storage.Delivery, error) {
	return t.store.ListFailedDeliveriesForRecipient(recipient, limit, offset)
}

// ListPending returns Failed rows eligible for retry (retry_count <
// maxRetry), the query an external retry driver consumes on its schedule.
func (t *Tracker) ListPending(maxRetry, limit int) ([]storage.Delivery, error) {
	return t.store.ListPendingDeliveries(maxRetry, limit)
}
