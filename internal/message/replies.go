package message

// Authorize approves a pending transaction thread.
type Authorize struct {
	replyBody
	SettlementAddress string `json:"settlementAddress,omitempty"`
	Expiry            string `json:"expiry,omitempty"`
}

func (a *Authorize) TypeURI() string { return TypeAuthorize }
func (a *Authorize) Validate() error {
	if a.ThreadIDField == "" {
		return &ValidationError{TypeURI: TypeAuthorize, Field: "thid", Message: "thread id is required"}
	}
	return nil
}
func (a *Authorize) Participants() []Reference { return nil }

// Reject declines a pending transaction thread.
type Reject struct {
	replyBody
	Reason string `json:"reason,omitempty"`
}

func (r *Reject) TypeURI() string { return TypeReject }
func (r *Reject) Validate() error {
	if r.ThreadIDField == "" {
		return &ValidationError{TypeURI: TypeReject, Field: "thid", Message: "thread id is required"}
	}
	return nil
}
func (r *Reject) Participants() []Reference { return nil }

// Cancel withdraws a transaction that has not yet settled.
type Cancel struct {
	replyBody
	Reason string `json:"reason,omitempty"`
}

func (c *Cancel) TypeURI() string { return TypeCancel }
func (c *Cancel) Validate() error {
	if c.ThreadIDField == "" {
		return &ValidationError{TypeURI: TypeCancel, Field: "thid", Message: "thread id is required"}
	}
	return nil
}
func (c *Cancel) Participants() []Reference { return nil }

// Settle records the on-chain or off-chain completion of a transaction.
// Amount may be absent. The transaction engine checks Amount against a
// prior Complete's ceiling only when it is present; an absent Amount is
// not checked and is not resolved to the originating Transfer/Payment
// amount.
type Settle struct {
	replyBody
	SettlementID string `json:"settlementId,omitempty"`
	Amount       string `json:"amount,omitempty"`
}

func (s *Settle) TypeURI() string { return TypeSettle }
func (s *Settle) Validate() error {
	if s.ThreadIDField == "" {
		return &ValidationError{TypeURI: TypeSettle, Field: "thid", Message: "thread id is required"}
	}
	if s.Amount != "" && !amountPattern.MatchString(s.Amount) {
		return &ValidationError{TypeURI: TypeSettle, Field: "amount", Message: "must match -?\\d+(\\.\\d+)?"}
	}
	// SettlementID, when present, is stored verbatim without format checks.
	return nil
}
func (s *Settle) Participants() []Reference { return nil }

// Revert reverses a settled transaction; a reason is mandatory.
type Revert struct {
	replyBody
	Reason            string `json:"reason"`
	SettlementAddress string `json:"settlementAddress,omitempty"`
}

func (r *Revert) TypeURI() string { return TypeRevert }
func (r *Revert) Validate() error {
	if r.ThreadIDField == "" {
		return &ValidationError{TypeURI: TypeRevert, Field: "thid", Message: "thread id is required"}
	}
	if r.Reason == "" {
		return &ValidationError{TypeURI: TypeRevert, Field: "reason", Message: "reason is required"}
	}
	return nil
}
func (r *Revert) Participants() []Reference { return nil }

// Complete marks a transaction's terminal amount ahead of settlement,
// establishing the ceiling a subsequent Settle amount must not exceed
// (the partial-settlement policy).
type Complete struct {
	replyBody
	Amount       string `json:"amount,omitempty"`
	SettlementID string `json:"settlementId,omitempty"`
}

func (c *Complete) TypeURI() string { return TypeComplete }
func (c *Complete) Validate() error {
	if c.ThreadIDField == "" {
		return &ValidationError{TypeURI: TypeComplete, Field: "thid", Message: "thread id is required"}
	}
	if c.Amount != "" && !amountPattern.MatchString(c.Amount) {
		return &ValidationError{TypeURI: TypeComplete, Field: "amount", Message: "must match -?\\d+(\\.\\d+)?"}
	}
	return nil
}
func (c *Complete) Participants() []Reference { return nil }
