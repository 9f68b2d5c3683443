package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferValidate(t *testing.T) {
	xfer := &Transfer{
		Asset:      "eip155:1/erc20:0xdac17f958d2ee523a2206206994597c13d831ec7",
		Amount:     "100.0",
		Originator: Party{ID: "did:key:A"},
		Agents:     []Agent{{ID: "did:key:C", For: "did:key:A"}},
	}
	assert.NoError(t, xfer.Validate())

	bad := &Transfer{Asset: "not-a-caip19", Amount: "100.0", Originator: Party{ID: "did:key:A"}}
	assert.Error(t, bad.Validate())
}

func TestTransferAgentForMustReferenceKnownParty(t *testing.T) {
	xfer := &Transfer{
		Asset:      "eip155:1/erc20:0xdac17f958d2ee523a2206206994597c13d831ec7",
		Amount:     "1",
		Originator: Party{ID: "did:key:A"},
		Agents:     []Agent{{ID: "did:key:X", For: "did:key:unknown"}},
	}
	assert.Error(t, xfer.Validate())
}

func TestPaymentRequiresExactlyOneAssetOrCurrency(t *testing.T) {
	p := &Payment{Amount: "1.0", Merchant: Party{ID: "did:key:M"}}
	assert.Error(t, p.Validate())

	p.Currency = "USD"
	assert.NoError(t, p.Validate())

	p.Asset = "eip155:1/erc20:0xdac17f958d2ee523a2206206994597c13d831ec7"
	assert.Error(t, p.Validate())
}

func TestPaymentInvoiceEpsilon(t *testing.T) {
	p := &Payment{
		Currency: "USD",
		Amount:   "30.00",
		Merchant: Party{ID: "did:key:M"},
		Invoice: &Invoice{
			Total: "30.00",
			LineItems: []LineItem{
				{Total: "10.00"},
				{Total: "20.00"},
			},
		},
	}
	assert.NoError(t, p.Validate())

	p.Invoice.Total = "31.00"
	assert.Error(t, p.Validate())
}

func TestReplyBodiesRequireThreadID(t *testing.T) {
	bodies := []Body{&Authorize{}, &Reject{}, &Cancel{}, &Settle{}, &AddAgents{}}
	for _, b := range bodies {
		assert.Error(t, b.Validate(), "%T should require a thread id", b)
	}
}

func TestSettleAllowsMissingAmount(t *testing.T) {
	s := &Settle{replyBody: replyBody{ThreadIDField: "m1"}}
	assert.NoError(t, s.Validate())
}

func TestRevertRequiresReason(t *testing.T) {
	r := &Revert{replyBody: replyBody{ThreadIDField: "m1"}}
	assert.Error(t, r.Validate())
	r.Reason = "compliance hold"
	assert.NoError(t, r.Validate())
}

func TestFromWireRoundTrip(t *testing.T) {
	xfer := &Transfer{
		Asset:      "eip155:1/erc20:0xdac17f958d2ee523a2206206994597c13d831ec7",
		Amount:     "100.0",
		Originator: Party{ID: "did:key:A"},
		Agents:     []Agent{},
	}
	raw, err := IntoWire(xfer)
	require.NoError(t, err)

	body, err := FromWire(TypeTransfer, raw)
	require.NoError(t, err)
	back, ok := body.(*Transfer)
	require.True(t, ok)
	assert.Equal(t, xfer.Originator.ID, back.Originator.ID)
}

func TestFromWireUnknownType(t *testing.T) {
	_, err := FromWire("https://example.com#Unknown", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestComputeNameHashIgnoresWhitespaceAndCase(t *testing.T) {
	a := ComputeNameHash("Jane Doe")
	b := ComputeNameHash("JANE DOE")
	c := ComputeNameHash(" jane   doe ")
	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
}

func TestAllTwentyVariantsRegistered(t *testing.T) {
	types := []string{
		TypeTransfer, TypePayment, TypeAuthorize, TypeReject, TypeCancel, TypeSettle,
		TypeRevert, TypeComplete, TypeAddAgents, TypeReplaceAgent, TypeRemoveAgent,
		TypeUpdateParty, TypeUpdatePolicies, TypeConfirmRelationship, TypeConnect,
		TypeAuthorizationRequired, TypePresentation, TypeBasicMessage, TypeTrustPing, TypeError,
	}
	assert.Len(t, types, 20)
	for _, ty := range types {
		assert.True(t, IsKnownType(ty), "%s should be registered", ty)
	}
}
