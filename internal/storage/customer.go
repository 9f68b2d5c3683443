package storage

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertCustomerByIdentifier finds the customer owning identifier (creating
// both the customer and identifier rows on first sight), merges non-empty
// profile fields into it, and returns the resulting row.
func (s *Store) UpsertCustomerByIdentifier(agentDID, identifier, identifierType string, fields Customer) (*Customer, error) {
	var existing CustomerIdentifier
	err := s.DB.Where("identifier = ?", identifier).First(&existing).Error
	switch {
	case err == nil:
		var cust Customer
		if err := s.DB.First(&cust, existing.CustomerID).Error; err != nil {
			return nil, &StorageError{Op: "load customer", Cause: err}
		}
		mergeCustomerFields(&cust, fields)
		cust.UpdatedAt = time.Now().UTC()
		if err := s.DB.Save(&cust).Error; err != nil {
			return nil, &StorageError{Op: "update customer", Cause: err}
		}
		return &cust, nil
	case err == gorm.ErrRecordNotFound:
		cust := fields
		cust.AgentDID = agentDID
		cust.CreatedAt = time.Now().UTC()
		cust.UpdatedAt = cust.CreatedAt
		if err := s.DB.Create(&cust).Error; err != nil {
			return nil, &StorageError{Op: "insert customer", Cause: err}
		}
		ident := CustomerIdentifier{
			CustomerID:     cust.ID,
			Identifier:     identifier,
			IdentifierType: identifierType,
			CreatedAt:      time.Now().UTC(),
		}
		if err := s.DB.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "identifier"}},
			DoNothing: true,
		}).Create(&ident).Error; err != nil {
			return nil, &StorageError{Op: "insert identifier", Cause: err}
		}
		return &cust, nil
	default:
		return nil, &StorageError{Op: "lookup identifier", Cause: err}
	}
}

func mergeCustomerFields(cust *Customer, fields Customer) {
	if fields.GivenName != "" {
		cust.GivenName = fields.GivenName
	}
	if fields.FamilyName != "" {
		cust.FamilyName = fields.FamilyName
	}
	if fields.DisplayName != "" {
		cust.DisplayName = fields.DisplayName
	}
	if fields.LegalName != "" {
		cust.LegalName = fields.LegalName
	}
	if fields.LEICode != "" {
		cust.LEICode = fields.LEICode
	}
	if fields.MCCCode != "" {
		cust.MCCCode = fields.MCCCode
	}
	if fields.AddressCountry != "" {
		cust.AddressCountry = fields.AddressCountry
	}
	if fields.AddressLocality != "" {
		cust.AddressLocality = fields.AddressLocality
	}
	if fields.PostalCode != "" {
		cust.PostalCode = fields.PostalCode
	}
	if fields.StreetAddress != "" {
		cust.StreetAddress = fields.StreetAddress
	}
	if fields.Profile != "" {
		cust.Profile = fields.Profile
		cust.ProfileHash = fields.ProfileHash
		// a changed profile invalidates any cached IVMS101 blob
		cust.IVMS101Data = ""
	}
}

// InsertIdentifier adds an identifier row for an existing customer,
// idempotent under the identifier unique constraint.
func (s *Store) InsertIdentifier(ident *CustomerIdentifier) error {
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = time.Now().UTC()
	}
	result := s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identifier"}},
		DoNothing: true,
	}).Create(ident)
	if result.Error != nil {
		return &StorageError{Op: "insert identifier", Cause: result.Error}
	}
	return nil
}

// InsertRelationship records a confirmed relationship between a customer and
// a related identifier.
func (s *Store) InsertRelationship(rel *CustomerRelationship) error {
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}
	result := s.DB.Create(rel)
	if result.Error != nil {
		return &StorageError{Op: "insert relationship", Cause: result.Error}
	}
	return nil
}

// SaveIVMS101 stores a freshly generated IVMS101 blob for a customer,
// keeping the profile hash it was generated from so future reads can detect
// staleness.
func (s *Store) SaveIVMS101(customerID uint, profileHash, blob string) error {
	result := s.DB.Model(&Customer{}).Where("id = ?", customerID).Updates(map[string]interface{}{
		"ivms101_data": blob,
		"profile_hash": profileHash,
		"updated_at":   time.Now().UTC(),
	})
	if result.Error != nil {
		return &StorageError{Op: "save ivms101", Cause: result.Error}
	}
	return nil
}

// GetCustomer returns the customer row with the given id.
func (s *Store) GetCustomer(id uint) (*Customer, error) {
	var c Customer
	if err := s.DB.First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}
