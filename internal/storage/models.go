package storage

import "time"

// Transaction is the persisted lifecycle object keyed by thread id for
// Transfer/Payment threads.
type Transaction struct {
	ID           uint   `gorm:"primarykey"`
	Type         string `gorm:"index;not null"`
	ReferenceID  string `gorm:"uniqueIndex;not null"`
	FromDID      string `gorm:"index;not null"`
	ToDID        string `gorm:"index"`
	ThreadID     string `gorm:"index;not null"`
	MessageType  string `gorm:"not null"`
	Status       string `gorm:"index;not null"`
	MessageJSON  string `gorm:"type:text;not null"`
	SettlementID string
	// CompletedAmount caches a Complete body's amount, the ceiling a later
	// Settle amount must not exceed under the partial-settlement policy.
	CompletedAmount *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Message is one row per envelope seen or sent, per agent storage.
type Message struct {
	ID             uint   `gorm:"primarykey"`
	MessageID      string `gorm:"uniqueIndex:idx_direction_message_id;not null"`
	MessageType    string `gorm:"not null"`
	FromDID        string `gorm:"index;not null"`
	ToDID          string `gorm:"index"`
	ThreadID       string `gorm:"index"`
	ParentThreadID string
	Direction      string `gorm:"uniqueIndex:idx_direction_message_id;not null"`
	MessageJSON    string `gorm:"type:text;not null"`
	CreatedAt      time.Time
}

// Direction values for Message.Direction.
const (
	DirectionIncoming = "Incoming"
	DirectionOutgoing = "Outgoing"
)

// Delivery is created on outbound dispatch and progresses Pending ->
// (Success | Failed).
type Delivery struct {
	ID                 uint   `gorm:"primarykey"`
	MessageID          string `gorm:"index;not null"`
	MessageText        string `gorm:"type:text;not null"`
	RecipientDID       string `gorm:"index;not null"`
	DeliveryURL        *string
	DeliveryType       string `gorm:"not null"`
	Status             string `gorm:"index;not null"`
	RetryCount         int    `gorm:"not null;default:0"`
	LastHTTPStatusCode *int
	LastError          *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeliveredAt        *time.Time
}

// Delivery type and status constants.
const (
	DeliveryTypeInternal   = "Internal"
	DeliveryTypeHTTPS      = "Https"
	DeliveryTypeReturnPath = "ReturnPath"
	DeliveryTypePickup     = "Pickup"

	DeliveryStatusPending = "Pending"
	DeliveryStatusSuccess = "Success"
	DeliveryStatusFailed  = "Failed"
)

// Customer is a per-agent projection of a recognized party, with a
// Schema.org JSON-LD profile and a cached IVMS101 blob.
type Customer struct {
	ID              uint   `gorm:"primarykey"`
	AgentDID        string `gorm:"index;not null"`
	SchemaType      string
	GivenName       string
	FamilyName      string
	DisplayName     string
	LegalName       string
	LEICode         string
	MCCCode         string
	AddressCountry  string
	AddressLocality string
	PostalCode      string
	StreetAddress   string
	Profile         string `gorm:"type:text"`
	IVMS101Data     string `gorm:"type:text"`
	ProfileHash     string `gorm:"index"`
	VerifiedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CustomerIdentifier is one recognized identifier (did/email/phone/url/
// account) belonging to a Customer.
type CustomerIdentifier struct {
	ID                 uint   `gorm:"primarykey"`
	CustomerID         uint   `gorm:"index;not null"`
	Identifier         string `gorm:"uniqueIndex;not null"`
	IdentifierType     string `gorm:"not null"`
	Verified           bool   `gorm:"not null;default:false"`
	VerificationMethod string
	VerifiedAt         *time.Time
	CreatedAt          time.Time
}

// Identifier kind constants.
const (
	IdentifierKindDID     = "did"
	IdentifierKindEmail   = "email"
	IdentifierKindPhone   = "phone"
	IdentifierKindURL     = "url"
	IdentifierKindAccount = "account"
)

// CustomerRelationship records a confirmed relationship (controls/owns/
// manages) between a Customer and a related identifier.
type CustomerRelationship struct {
	ID                uint   `gorm:"primarykey"`
	CustomerID        uint   `gorm:"index;not null"`
	RelationshipType  string `gorm:"not null"`
	RelatedIdentifier string `gorm:"not null"`
	Proof             string `gorm:"type:text"`
	ConfirmedAt       *time.Time
	CreatedAt         time.Time
}

// Relationship type constants.
const (
	RelationshipControls = "controls"
	RelationshipOwns     = "owns"
	RelationshipManages  = "manages"
)
