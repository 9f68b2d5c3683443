package message

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// invoiceEpsilon bounds the allowed rounding drift between an invoice's
// declared total and the sum of its line totals.
var invoiceEpsilon = decimal.New(1, -6) // 0.000001

// LineItem is one row of an embedded invoice.
type LineItem struct {
	Description string `json:"description,omitempty"`
	Quantity    string `json:"quantity,omitempty"`
	UnitPrice   string `json:"unitPrice,omitempty"`
	Total       string `json:"total"`
}

// Invoice is an embedded invoice, or a URL reference to one hosted
// elsewhere.
type Invoice struct {
	URL       string     `json:"url,omitempty"`
	Total     string     `json:"total,omitempty"`
	Currency  string     `json:"currency,omitempty"`
	LineItems []LineItem `json:"lineItems,omitempty"`
}

// Payment requests value in exchange for goods or services, denominated in
// exactly one of a CAIP-19 asset or an ISO-4217 currency.
type Payment struct {
	noThreadID

	Asset           string            `json:"asset,omitempty"`
	Currency        string            `json:"currency,omitempty"`
	Amount          string            `json:"amount"`
	Merchant        Party             `json:"merchant"`
	Customer        *Party            `json:"customer,omitempty"`
	SupportedAssets []string          `json:"supportedAssets,omitempty"`
	Invoice         *Invoice          `json:"invoice,omitempty"`
	Expiry          string            `json:"expiry,omitempty"`
	Agents          []Agent           `json:"agents"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

func (p *Payment) TypeURI() string { return TypePayment }

func (p *Payment) Validate() error {
	hasAsset := p.Asset != ""
	hasCurrency := p.Currency != ""
	if hasAsset == hasCurrency {
		return &ValidationError{TypeURI: TypePayment, Field: "asset/currency", Message: "exactly one of asset or currency is required"}
	}
	if hasAsset && !caip19Pattern.MatchString(p.Asset) {
		return &ValidationError{TypeURI: TypePayment, Field: "asset", Message: "must be a CAIP-19 asset identifier"}
	}
	if !amountPattern.MatchString(p.Amount) {
		return &ValidationError{TypeURI: TypePayment, Field: "amount", Message: "must match -?\\d+(\\.\\d+)?"}
	}
	if p.Merchant.ID == "" {
		return &ValidationError{TypeURI: TypePayment, Field: "merchant", Message: "merchant DID is required"}
	}

	if hasCurrency && iso4217Pattern.MatchString(p.Currency) && len(p.SupportedAssets) > 0 {
		for _, asset := range p.SupportedAssets {
			if !caip19Pattern.MatchString(asset) {
				return &ValidationError{TypeURI: TypePayment, Field: "supportedAssets", Message: "every supported asset must be a CAIP-19 identifier"}
			}
		}
	}

	if p.Invoice != nil && p.Invoice.URL == "" && p.Invoice.Total != "" {
		total, err := decimal.NewFromString(p.Invoice.Total)
		if err != nil {
			return &ValidationError{TypeURI: TypePayment, Field: "invoice.total", Message: "must be a decimal string"}
		}
		sum := decimal.Zero
		for i, li := range p.Invoice.LineItems {
			lineTotal, err := decimal.NewFromString(li.Total)
			if err != nil {
				return &ValidationError{TypeURI: TypePayment, Field: "invoice.lineItems", Message: "line item " + strconv.Itoa(i) + " total must be a decimal string"}
			}
			sum = sum.Add(lineTotal)
		}
		if total.Sub(sum).Abs().GreaterThan(invoiceEpsilon) {
			return &ValidationError{TypeURI: TypePayment, Field: "invoice.total", Message: "must equal the sum of line totals within epsilon"}
		}
	}
	return nil
}

func (p *Payment) Participants() []Reference {
	refs := []Reference{{DID: p.Merchant.ID, Role: "merchant"}}
	if p.Customer != nil {
		refs = append(refs, Reference{DID: p.Customer.ID, Role: "customer"})
	}
	for _, a := range p.Agents {
		refs = append(refs, Reference{DID: a.ID, Role: "agent"})
	}
	return refs
}
