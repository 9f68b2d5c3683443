// Package storage implements the node's per-agent embedded relational
// store: a gorm-backed SQLite database file per sanitized agent DID, with
// the transaction, message, delivery, and customer tables and append-only,
// idempotent-insert semantics.
//
// Key Features:
// - One database file per agent, keyed by Sanitize(did)
// - AutoMigrate on first open; write-ahead journaling; bounded connection pool
// - Idempotent inserts under the declared unique constraints
// - JSON columns validated as JSON before insert
//
// Called by: internal/registry (lazy storage-handle cache), internal/pipeline,
// internal/txn, internal/delivery, internal/customer
// Calls: gorm.io/gorm, gorm.io/driver/sqlite
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned by point lookups when no row matches; callers
// test for it with errors.Is.
var ErrNotFound = gorm.ErrRecordNotFound

// Store is one agent's isolated database handle.
type Store struct {
	DB  *gorm.DB
	DID string
}

// Open creates (if needed) and opens the SQLite database file at path,
// applying migrations and the configured connection pool size.
func Open(path string, maxConns int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &StorageError{Op: "open", Cause: fmt.Errorf("creating storage directory: %w", err)}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, &StorageError{Op: "open", Cause: err}
	}

	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return nil, &StorageError{Op: "open", Cause: fmt.Errorf("enabling WAL: %w", err)}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, &StorageError{Op: "open", Cause: err}
	}
	if maxConns <= 0 {
		maxConns = 10
	}
	sqlDB.SetMaxOpenConns(maxConns)

	if err := db.AutoMigrate(
		&Transaction{},
		&Message{},
		&Delivery{},
		&Customer{},
		&CustomerIdentifier{},
		&CustomerRelationship{},
	); err != nil {
		return nil, &StorageError{Op: "migrate", Cause: err}
	}

	return &Store{DB: db, DID: ""}, nil
}

// Close releases the underlying database connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func validateJSON(label, raw string) error {
	if !json.Valid([]byte(raw)) {
		return &StorageError{Op: "validate", Cause: fmt.Errorf("%s is not valid JSON", label)}
	}
	return nil
}

// MessageExists reports whether a message audit row already exists for
// (direction, messageID), letting a caller distinguish a fresh delivery from
// a redelivery before it re-applies anything keyed off first-sight (e.g. the
// transaction engine).
func (s *Store) MessageExists(direction, messageID string) (bool, error) {
	var count int64
	if err := s.DB.Model(&Message{}).Where("direction = ? AND message_id = ?", direction, messageID).Count(&count).Error; err != nil {
		return false, &StorageError{Op: "check message existence", Cause: err}
	}
	return count > 0, nil
}

// InsertMessage appends a message audit row. Duplicate (direction,
// message_id) is a no-op (testable property: idempotent persistence).
func (s *Store) InsertMessage(m *Message) error {
	if err := validateJSON("message_json", m.MessageJSON); err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	result := s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "direction"}, {Name: "message_id"}},
		DoNothing: true,
	}).Create(m)
	if result.Error != nil {
		return &StorageError{Op: "insert message", Cause: result.Error}
	}
	return nil
}

// UpsertTransaction inserts a transaction row, or updates its status,
// to_did, settlement_id and updated_at columns if reference_id already
// exists (idempotent, append-semantics
// preserved: the row is never deleted).
func (s *Store) UpsertTransaction(t *Transaction) error {
	if err := validateJSON("message_json", t.MessageJSON); err != nil {
		return err
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	result := s.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "reference_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "to_did", "settlement_id", "updated_at",
		}),
	}).Create(t)
	if result.Error != nil {
		return &StorageError{Op: "upsert transaction", Cause: result.Error}
	}
	return nil
}

// GetTransactionByThreadID returns the transaction keyed by thread id, or
// gorm.ErrRecordNotFound if none exists.
func (s *Store) GetTransactionByThreadID(threadID string) (*Transaction, error) {
	var t Transaction
	if err := s.DB.Where("thread_id = ?", threadID).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// SetCompletedAmount records a Complete body's amount against its
// transaction, without changing status.
func (s *Store) SetCompletedAmount(threadID, amount string) error {
	result := s.DB.Model(&Transaction{}).Where("thread_id = ?", threadID).
		Updates(map[string]interface{}{"completed_amount": amount, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return &StorageError{Op: "set completed amount", Cause: result.Error}
	}
	return nil
}

// UpdateTransactionStatus moves a transaction to a new status, recording the
// settlement id when non-empty.
func (s *Store) UpdateTransactionStatus(threadID, status, settlementID string) error {
	updates := map[string]interface{}{"status": status, "updated_at": time.Now().UTC()}
	if settlementID != "" {
		updates["settlement_id"] = settlementID
	}
	result := s.DB.Model(&Transaction{}).Where("thread_id = ?", threadID).Updates(updates)
	if result.Error != nil {
		return &StorageError{Op: "update transaction status", Cause: result.Error}
	}
	return nil
}

// InsertDelivery creates a new delivery row with the status the caller set
// on d and returns its id.
func (s *Store) InsertDelivery(d *Delivery) (uint, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	d.UpdatedAt = d.CreatedAt
	result := s.DB.Create(d)
	if result.Error != nil {
		return 0, &StorageError{Op: "insert delivery", Cause: result.Error}
	}
	return d.ID, nil
}

// MarkDeliverySuccess transitions a delivery row to Success.
func (s *Store) MarkDeliverySuccess(id uint, httpCode *int) error {
	now := time.Now().UTC()
	result := s.DB.Model(&Delivery{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":                DeliveryStatusSuccess,
		"last_http_status_code": httpCode,
		"delivered_at":          &now,
		"updated_at":            now,
	})
	if result.Error != nil {
		return &StorageError{Op: "mark delivery success", Cause: result.Error}
	}
	return nil
}

// MarkDeliveryFailed transitions a delivery row to Failed and increments its
// retry count.
func (s *Store) MarkDeliveryFailed(id uint, httpCode *int, errMsg string) error {
	result := s.DB.Model(&Delivery{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":                DeliveryStatusFailed,
		"last_http_status_code": httpCode,
		"last_error":            errMsg,
		"retry_count":           gorm.Expr("retry_count + 1"),
		"updated_at":            time.Now().UTC(),
	})
	if result.Error != nil {
		return &StorageError{Op: "mark delivery failed", Cause: result.Error}
	}
	return nil
}

// GetDelivery returns the delivery row with the given id.
func (s *Store) GetDelivery(id uint) (*Delivery, error) {
	var d Delivery
	if err := s.DB.First(&d, id).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDeliveriesForMessage returns every delivery row created for a message.
func (s *Store) ListDeliveriesForMessage(messageID string) ([]Delivery, error) {
	var ds []Delivery
	if err := s.DB.Where("message_id = ?", messageID).Find(&ds).Error; err != nil {
		return nil, err
	}
	return ds, nil
}

// ListFailedDeliveriesForRecipient paginates a recipient's failed
// deliveries.
func (s *Store) ListFailedDeliveriesForRecipient(recipient string, limit, offset int) ([]Delivery, error) {
	var ds []Delivery
	q := s.DB.Where("recipient_did = ? AND status = ?", recipient, DeliveryStatusFailed).
		Order("created_at").Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&ds).Error; err != nil {
		return nil, err
	}
	return ds, nil
}

// ListPendingDeliveries returns Failed rows with retry_count < maxRetry, the
// query an external retry driver consumes.
func (s *Store) ListPendingDeliveries(maxRetry, limit int) ([]Delivery, error) {
	var ds []Delivery
	q := s.DB.Where("status = ? AND retry_count < ?", DeliveryStatusFailed, maxRetry).Order("created_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&ds).Error; err != nil {
		return nil, err
	}
	return ds, nil
}

// StorageError wraps a storage-layer failure with the operation that
// produced it.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Cause)
}
func (e *StorageError) Unwrap() error { return e.Cause }
