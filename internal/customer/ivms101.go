package customer

import (
	"encoding/json"

	"github.com/tap-rsvp/tap-node/internal/storage"
)

// nameIdentifier and geographicAddress are minimal IVMS101 fragments: enough
// to attach Travel Rule data to a Transfer without depending on a full
// IVMS101 schema library; full IVMS101 serialization stays an external
// concern.
type nameIdentifier struct {
	PrimaryIdentifier   string `json:"primaryIdentifier"`
	SecondaryIdentifier string `json:"secondaryIdentifier,omitempty"`
	NameIdentifierType  string `json:"nameIdentifierType"`
}

type geographicAddress struct {
	StreetName string `json:"streetName,omitempty"`
	TownName   string `json:"townName,omitempty"`
	PostCode   string `json:"postCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

type naturalPerson struct {
	Name struct {
		NameIdentifier []nameIdentifier `json:"nameIdentifier"`
	} `json:"name"`
	GeographicAddress *geographicAddress `json:"geographicAddress,omitempty"`
}

type legalPerson struct {
	Name struct {
		NameIdentifier []nameIdentifier `json:"nameIdentifier"`
	} `json:"name"`
	GeographicAddress *geographicAddress `json:"geographicAddress,omitempty"`
	LEI               string             `json:"lei,omitempty"`
}

// GetIVMS101 returns the customer's cached IVMS101 blob, regenerating it
// first if the stored profile has changed since the cache was last
// populated, so a profile change always invalidates the cache.
func (e *Extractor) GetIVMS101(store *storage.Store, customerID uint) (string, error) {
	cust, err := store.GetCustomer(customerID)
	if err != nil {
		return "", err
	}

	var profile Profile
	if cust.Profile != "" {
		_ = json.Unmarshal([]byte(cust.Profile), &profile)
	}
	currentHash := profile.hash()

	if cust.IVMS101Data != "" && cust.ProfileHash == currentHash {
		return cust.IVMS101Data, nil
	}

	blob, err := generateIVMS101(cust)
	if err != nil {
		return "", err
	}
	if err := store.SaveIVMS101(customerID, currentHash, blob); err != nil {
		return "", err
	}
	return blob, nil
}

func generateIVMS101(cust *storage.Customer) (string, error) {
	var addr *geographicAddress
	if cust.AddressCountry != "" || cust.StreetAddress != "" {
		addr = &geographicAddress{
			StreetName: cust.StreetAddress,
			TownName:   cust.AddressLocality,
			PostCode:   cust.PostalCode,
			Country:    cust.AddressCountry,
		}
	}

	if cust.SchemaType == "Organization" {
		var lp legalPerson
		lp.Name.NameIdentifier = append(lp.Name.NameIdentifier, nameIdentifier{
			PrimaryIdentifier:  firstNonEmpty(cust.LegalName, cust.DisplayName),
			NameIdentifierType: "LEGL",
		})
		lp.GeographicAddress = addr
		lp.LEI = cust.LEICode
		b, err := json.Marshal(lp)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	var np naturalPerson
	np.Name.NameIdentifier = append(np.Name.NameIdentifier, nameIdentifier{
		PrimaryIdentifier:   cust.FamilyName,
		SecondaryIdentifier: cust.GivenName,
		NameIdentifierType:  "LEGL",
	})
	np.GeographicAddress = addr

	b, err := json.Marshal(np)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
