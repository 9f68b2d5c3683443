// Package customer implements the customer extractor: on every
// processed message, for each encountered party, it upserts a customer row
// keyed by the party's identifier exactly as it appears in the body (no
// canonicalization is applied), merges extracted fields into a
// Schema.org profile, creates any missing identifier rows, and (on
// ConfirmRelationship) creates a relationship row with its proof.
//
// Called by: internal/pipeline (stage 7, invoked asynchronously)
// Calls: internal/storage, internal/message
package customer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/tap-rsvp/tap-node/internal/message"
	"github.com/tap-rsvp/tap-node/internal/storage"
)

// Profile is the Schema.org-shaped projection extracted from a party.
type Profile struct {
	Context         string `json:"@context"`
	Type            string `json:"@type"`
	GivenName       string `json:"givenName,omitempty"`
	FamilyName      string `json:"familyName,omitempty"`
	Name            string `json:"name,omitempty"`
	LegalName       string `json:"legalName,omitempty"`
	AddressCountry  string `json:"addressCountry,omitempty"`
	AddressLocality string `json:"addressLocality,omitempty"`
	PostalCode      string `json:"postalCode,omitempty"`
	StreetAddress   string `json:"streetAddress,omitempty"`
	Email           string `json:"email,omitempty"`
	Telephone       string `json:"telephone,omitempty"`
}

func (p Profile) hash() string {
	b, _ := json.Marshal(p)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Extractor derives per-party profiles, identifiers, and relationships from
// processed message bodies.
type Extractor struct{}

// New builds an Extractor. It holds no state of its own; every method takes
// the storage handle to write into explicitly.
func New() *Extractor { return &Extractor{} }

// Process examines body and upserts a customer row (plus identifier and,
// where applicable, relationship rows) for every party it names.
func (e *Extractor) Process(store *storage.Store, agentDID string, body message.Body) error {
	for _, p := range partiesIn(body) {
		if p.ID == "" {
			continue
		}
		given, family := splitName(p.Name)
		schemaType := "Person"
		legalName := ""
		if p.LEICode != "" {
			schemaType = "Organization"
			legalName = p.Name
			given, family = "", ""
		}
		profile := Profile{
			Context:         "https://schema.org",
			Type:            schemaType,
			GivenName:       given,
			FamilyName:      family,
			Name:            p.Name,
			LegalName:       legalName,
			AddressCountry:  p.AddressCountry,
			AddressLocality: p.AddressLocality,
			PostalCode:      p.PostalCode,
			StreetAddress:   p.StreetAddress,
			Email:           p.Email,
			Telephone:       p.Telephone,
		}
		row := storage.Customer{
			SchemaType:      schemaType,
			GivenName:       given,
			FamilyName:      family,
			DisplayName:     p.Name,
			LegalName:       legalName,
			LEICode:         p.LEICode,
			MCCCode:         p.MCC,
			AddressCountry:  p.AddressCountry,
			AddressLocality: p.AddressLocality,
			PostalCode:      p.PostalCode,
			StreetAddress:   p.StreetAddress,
		}
		if profileJSON, err := json.Marshal(profile); err == nil {
			row.Profile = string(profileJSON)
			row.ProfileHash = profile.hash()
		}
		cust, err := store.UpsertCustomerByIdentifier(agentDID, p.ID, storage.IdentifierKindDID, row)
		if err != nil {
			return err
		}
		if err := e.recordContactIdentifiers(store, cust.ID, p); err != nil {
			return err
		}
	}

	if confirm, ok := body.(*message.ConfirmRelationship); ok {
		if err := e.processConfirmRelationship(store, agentDID, confirm); err != nil {
			return err
		}
	}
	return nil
}

// recordContactIdentifiers adds identifier rows for a party's contact
// details, idempotent under the identifier unique constraint.
func (e *Extractor) recordContactIdentifiers(store *storage.Store, customerID uint, p message.Party) error {
	contacts := []struct {
		value string
		kind  string
	}{
		{p.Email, storage.IdentifierKindEmail},
		{p.Telephone, storage.IdentifierKindPhone},
	}
	for _, c := range contacts {
		if c.value == "" {
			continue
		}
		if err := store.InsertIdentifier(&storage.CustomerIdentifier{
			CustomerID:     customerID,
			Identifier:     c.value,
			IdentifierType: c.kind,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Extractor) processConfirmRelationship(store *storage.Store, agentDID string, c *message.ConfirmRelationship) error {
	row := storage.Customer{SchemaType: "Person"}
	cust, err := store.UpsertCustomerByIdentifier(agentDID, c.RelatedIdentifier, storage.IdentifierKindDID, row)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return store.InsertRelationship(&storage.CustomerRelationship{
		CustomerID:        cust.ID,
		RelationshipType:  c.RelationshipType,
		RelatedIdentifier: c.RelatedIdentifier,
		Proof:             c.Proof,
		ConfirmedAt:       &now,
	})
}

// splitName breaks a display name into given/family halves on the last
// space, the convention the IVMS101 natural-person fragment expects. A
// single-token name becomes the family name.
func splitName(name string) (given, family string) {
	fields := strings.Fields(name)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return "", fields[0]
	default:
		return strings.Join(fields[:len(fields)-1], " "), fields[len(fields)-1]
	}
}

// partiesIn unpacks the concrete Party values a body carries.
// message.Reference alone (DID + role) is not enough; this introspects the
// concrete variant once, here, rather than spreading type switches through
// the rest of the codebase.
func partiesIn(body message.Body) []message.Party {
	switch b := body.(type) {
	case *message.Transfer:
		out := []message.Party{b.Originator}
		if b.Beneficiary != nil {
			out = append(out, *b.Beneficiary)
		}
		return out
	case *message.Payment:
		out := []message.Party{b.Merchant}
		if b.Customer != nil {
			out = append(out, *b.Customer)
		}
		return out
	case *message.UpdateParty:
		return []message.Party{b.Party}
	default:
		return nil
	}
}
