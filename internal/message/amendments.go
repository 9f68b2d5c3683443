package message

// AddAgents appends one or more agents to an existing transaction's
// participant set without changing its status.
type AddAgents struct {
	replyBody
	Agents []Agent `json:"agents"`
}

func (a *AddAgents) TypeURI() string { return TypeAddAgents }
func (a *AddAgents) Validate() error {
	if a.ThreadIDField == "" {
		return &ValidationError{TypeURI: TypeAddAgents, Field: "thid", Message: "thread id is required"}
	}
	return nil
}
func (a *AddAgents) Participants() []Reference {
	refs := make([]Reference, 0, len(a.Agents))
	for _, ag := range a.Agents {
		refs = append(refs, Reference{DID: ag.ID, Role: "agent"})
	}
	return refs
}

// ReplaceAgent swaps one agent in an existing transaction's participant set
// for another.
type ReplaceAgent struct {
	replyBody
	OriginalAgent string `json:"originalAgent"`
	Replacement   Agent  `json:"replacement"`
}

func (r *ReplaceAgent) TypeURI() string { return TypeReplaceAgent }
func (r *ReplaceAgent) Validate() error {
	if r.ThreadIDField == "" {
		return &ValidationError{TypeURI: TypeReplaceAgent, Field: "thid", Message: "thread id is required"}
	}
	if r.OriginalAgent == "" {
		return &ValidationError{TypeURI: TypeReplaceAgent, Field: "originalAgent", Message: "originalAgent DID is required"}
	}
	return nil
}
func (r *ReplaceAgent) Participants() []Reference {
	return []Reference{{DID: r.Replacement.ID, Role: "agent"}}
}

// RemoveAgent removes an agent from an existing transaction's participant
// set.
type RemoveAgent struct {
	replyBody
	Agent string `json:"agent"`
}

func (r *RemoveAgent) TypeURI() string { return TypeRemoveAgent }
func (r *RemoveAgent) Validate() error {
	if r.ThreadIDField == "" {
		return &ValidationError{TypeURI: TypeRemoveAgent, Field: "thid", Message: "thread id is required"}
	}
	if r.Agent == "" {
		return &ValidationError{TypeURI: TypeRemoveAgent, Field: "agent", Message: "agent DID is required"}
	}
	return nil
}
func (r *RemoveAgent) Participants() []Reference { return nil }

// UpdateParty replaces a party's details (originator, beneficiary,
// merchant, or customer) on an existing transaction.
type UpdateParty struct {
	replyBody
	PartyRole string `json:"partyRole"`
	Party     Party  `json:"party"`
}

func (u *UpdateParty) TypeURI() string { return TypeUpdateParty }
func (u *UpdateParty) Validate() error {
	if u.ThreadIDField == "" {
		return &ValidationError{TypeURI: TypeUpdateParty, Field: "thid", Message: "thread id is required"}
	}
	if u.PartyRole == "" {
		return &ValidationError{TypeURI: TypeUpdateParty, Field: "partyRole", Message: "partyRole is required"}
	}
	return nil
}
func (u *UpdateParty) Participants() []Reference {
	return []Reference{{DID: u.Party.ID, Role: u.PartyRole}}
}

// UpdatePolicies replaces the policy list attached to an existing
// transaction.
type UpdatePolicies struct {
	replyBody
	Policies []string `json:"policies"`
}

func (u *UpdatePolicies) TypeURI() string { return TypeUpdatePolicies }
func (u *UpdatePolicies) Validate() error {
	if u.ThreadIDField == "" {
		return &ValidationError{TypeURI: TypeUpdatePolicies, Field: "thid", Message: "thread id is required"}
	}
	return nil
}
func (u *UpdatePolicies) Participants() []Reference { return nil }

// ConfirmRelationship attaches proof that a relationship between a party and
// a related identifier has been confirmed.
type ConfirmRelationship struct {
	replyBody
	RelationshipType  string `json:"relationshipType"`
	RelatedIdentifier string `json:"relatedIdentifier"`
	Proof             string `json:"proof,omitempty"`
}

func (c *ConfirmRelationship) TypeURI() string { return TypeConfirmRelationship }
func (c *ConfirmRelationship) Validate() error {
	if c.ThreadIDField == "" {
		return &ValidationError{TypeURI: TypeConfirmRelationship, Field: "thid", Message: "thread id is required"}
	}
	if c.RelationshipType == "" {
		return &ValidationError{TypeURI: TypeConfirmRelationship, Field: "relationshipType", Message: "relationshipType is required"}
	}
	if c.RelatedIdentifier == "" {
		return &ValidationError{TypeURI: TypeConfirmRelationship, Field: "relatedIdentifier", Message: "relatedIdentifier is required"}
	}
	return nil
}
func (c *ConfirmRelationship) Participants() []Reference { return nil }
