package customer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestProcessTransferUpsertsOriginatorAndBeneficiary(t *testing.T) {
	store := newTestStore(t)
	e := New()

	xfer := &message.Transfer{
		Originator:  message.Party{ID: "did:key:A", Name: "Jane Doe"},
		Beneficiary: &message.Party{ID: "did:key:B", Name: "John Roe"},
	}
	require.NoError(t, e.Process(store, "did:key:owned", xfer))

	var count int64
	store.DB.Model(&storage.Customer{}).Count(&count)
	assert.EqualValues(t, 2, count)
}

func TestProcessExtractsContactIdentifiersAndNameParts(t *testing.T) {
	store := newTestStore(t)
	e := New()

	xfer := &message.Transfer{
		Originator: message.Party{
			ID:             "did:key:A",
			Name:           "Jane Q Doe",
			Email:          "jane@example.com",
			Telephone:      "+1-555-0100",
			AddressCountry: "US",
		},
	}
	require.NoError(t, e.Process(store, "did:key:owned", xfer))

	var ident storage.CustomerIdentifier
	require.NoError(t, store.DB.Where("identifier = ?", "did:key:A").First(&ident).Error)

	cust, err := store.GetCustomer(ident.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, "Jane Q", cust.GivenName)
	assert.Equal(t, "Doe", cust.FamilyName)
	assert.Equal(t, "US", cust.AddressCountry)

	var email storage.CustomerIdentifier
	require.NoError(t, store.DB.Where("identifier = ?", "jane@example.com").First(&email).Error)
	assert.Equal(t, storage.IdentifierKindEmail, email.IdentifierType)
	assert.Equal(t, ident.CustomerID, email.CustomerID)

	var phone storage.CustomerIdentifier
	require.NoError(t, store.DB.Where("identifier = ?", "+1-555-0100").First(&phone).Error)
	assert.Equal(t, storage.IdentifierKindPhone, phone.IdentifierType)
}

func TestProcessMarksOrganizationsByLEI(t *testing.T) {
	store := newTestStore(t)
	e := New()

	xfer := &message.Transfer{
		Originator: message.Party{ID: "did:web:vasp.example", Name: "Example VASP", LEICode: "529900T8BM49AURSDO55"},
	}
	require.NoError(t, e.Process(store, "did:key:owned", xfer))

	var ident storage.CustomerIdentifier
	require.NoError(t, store.DB.Where("identifier = ?", "did:web:vasp.example").First(&ident).Error)
	cust, err := store.GetCustomer(ident.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, "Organization", cust.SchemaType)
	assert.Equal(t, "529900T8BM49AURSDO55", cust.LEICode)
}

func TestProcessConfirmRelationshipCreatesRow(t *testing.T) {
	store := newTestStore(t)
	e := New()

	confirm := &message.ConfirmRelationship{
		RelationshipType:  storage.RelationshipControls,
		RelatedIdentifier: "did:key:C",
		Proof:             `{"type":"sig"}`,
	}
	require.NoError(t, e.Process(store, "did:key:owned", confirm))

	var count int64
	store.DB.Model(&storage.CustomerRelationship{}).Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestIVMS101CachedUntilProfileChanges(t *testing.T) {
	store := newTestStore(t)
	e := New()

	xfer := &message.Transfer{Originator: message.Party{ID: "did:key:A", Name: "Jane Doe"}}
	require.NoError(t, e.Process(store, "did:key:owned", xfer))

	var ident storage.CustomerIdentifier
	require.NoError(t, store.DB.Where("identifier = ?", "did:key:A").First(&ident).Error)

	blob1, err := e.GetIVMS101(store, ident.CustomerID)
	require.NoError(t, err)
	assert.NotEmpty(t, blob1)

	blob2, err := e.GetIVMS101(store, ident.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, blob1, blob2, "unchanged profile should return the cached blob")
}
