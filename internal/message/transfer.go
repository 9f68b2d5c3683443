package message

import (
	"fmt"
)

// Transfer initiates a value-transfer workflow and always starts a new
// thread; its own envelope's id becomes the thread id.
type Transfer struct {
	noThreadID

	Asset        string            `json:"asset"`
	Amount       string            `json:"amount"`
	Originator   Party             `json:"originator"`
	Beneficiary  *Party            `json:"beneficiary,omitempty"`
	Agents       []Agent           `json:"agents"`
	SettlementID string            `json:"settlementId,omitempty"`
	Memo         string            `json:"memo,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (t *Transfer) TypeURI() string { return TypeTransfer }

func (t *Transfer) Validate() error {
	if !caip19Pattern.MatchString(t.Asset) {
		return &ValidationError{TypeURI: TypeTransfer, Field: "asset", Message: "must be a CAIP-19 asset identifier"}
	}
	if !amountPattern.MatchString(t.Amount) {
		return &ValidationError{TypeURI: TypeTransfer, Field: "amount", Message: "must match -?\\d+(\\.\\d+)?"}
	}
	if t.Originator.ID == "" {
		return &ValidationError{TypeURI: TypeTransfer, Field: "originator", Message: "originator DID is required"}
	}

	known := map[string]bool{t.Originator.ID: true}
	if t.Beneficiary != nil {
		known[t.Beneficiary.ID] = true
	}
	for _, a := range t.Agents {
		if a.For != "" && !known[a.For] {
			return &ValidationError{
				TypeURI: TypeTransfer,
				Field:   "agents",
				Message: fmt.Sprintf("agent %s's for=%q references neither originator, beneficiary, nor an earlier agent", a.ID, a.For),
			}
		}
		known[a.ID] = true
	}
	return nil
}

func (t *Transfer) Participants() []Reference {
	refs := []Reference{{DID: t.Originator.ID, Role: "originator"}}
	if t.Beneficiary != nil {
		refs = append(refs, Reference{DID: t.Beneficiary.ID, Role: "beneficiary"})
	}
	for _, a := range t.Agents {
		refs = append(refs, Reference{DID: a.ID, Role: "agent"})
	}
	return refs
}
