package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/TaxDesk/internal/pkg/fatturapa"
	"gorm.io/gorm"
)

// UserSettings stores the seller fiscal profile and API credentials of a user.
type UserSettings struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	UserID           uint           `gorm:"uniqueIndex" json:"user_id"`
	VATNumber        string         `gorm:"type:varchar(32);default:''" json:"vat_number"`
	FiscalCode       string         `gorm:"type:varchar(32);default:''" json:"fiscal_code"`
	LegalName        string         `gorm:"type:varchar(200);default:''" json:"legal_name"`
	TaxRegime        string         `gorm:"type:varchar(8);default:'RF19'" json:"tax_regime"`
	Street           string         `gorm:"type:varchar(200);default:''" json:"street"`
	PostalCode       string         `gorm:"type:varchar(10);default:''" json:"postal_code"`
	City             string         `gorm:"type:varchar(100);default:''" json:"city"`
	Province         string         `gorm:"type:varchar(2);default:''" json:"province"`
	Country          string         `gorm:"type:varchar(2);default:'IT'" json:"country"`
	PreferredGateway string         `gorm:"type:varchar(50);default:''" json:"preferred_gateway"`
	APIKeyHash       string         `gorm:"type:char(64);default:'';index" json:"-"`
	APIKeyPrefix     string         `gorm:"type:varchar(20);default:''" json:"api_key_prefix"`
	APIKeyCreatedAt  *time.Time     `json:"api_key_created_at"`
	APIKeyLastUsedAt *time.Time     `json:"api_key_last_used_at"`
	APIKeyRevokedAt  *time.Time     `json:"api_key_revoked_at"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

var apiKeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

const apiKeyPrefix = "txd_"

// GetOrCreateUserSettings returns existing settings or creates defaults
func GetOrCreateUserSettings(db *gorm.DB, userID uint) (*UserSettings, error) {
	var us UserSettings
	if err := db.Where("user_id = ?", userID).First(&us).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			us = UserSettings{UserID: userID, TaxRegime: fatturapa.RegimeFlatTax, Country: "IT"}
			if err := db.Create(&us).Error; err != nil {
				return nil, err
			}
			return &us, nil
		}
		return nil, err
	}
	return &us, nil
}

// Seller converts the stored profile into the issuer block of an invoice.
func (us *UserSettings) Seller() fatturapa.Seller {
	return fatturapa.Seller{
		VATNumber:  us.VATNumber,
		FiscalCode: us.FiscalCode,
		LegalName:  us.LegalName,
		TaxRegime:  us.TaxRegime,
		Address: fatturapa.Address{
			Street:     us.Street,
			PostalCode: us.PostalCode,
			City:       us.City,
			Province:   us.Province,
			Country:    us.Country,
		},
	}
}

// HasActiveAPIKey reports whether the user has an active API key configured
func (us *UserSettings) HasActiveAPIKey() bool {
	return us != nil && us.APIKeyHash != "" && us.APIKeyRevokedAt == nil
}

// IssueAPIKey generates a new API key and returns the raw secret. Callers must
// persist the settings afterwards.
func (us *UserSettings) IssueAPIKey() (string, error) {
	rawKey, prefix, hash, err := generateAPIKeyMaterial()
	if err != nil {
		return "", err
	}
	now := time.Now()
	us.APIKeyHash = hash
	us.APIKeyPrefix = prefix
	us.APIKeyCreatedAt = &now
	us.APIKeyRevokedAt = nil
	us.APIKeyLastUsedAt = nil
	return rawKey, nil
}

func (us *UserSettings) RevokeAPIKey() {
	us.APIKeyHash = ""
	us.APIKeyPrefix = ""
	now := time.Now()
	us.APIKeyRevokedAt = &now
	us.APIKeyLastUsedAt = nil
}

func (us *UserSettings) TouchAPIKeyUsage() {
	now := time.Now()
	us.APIKeyLastUsedAt = &now
}

// HashAPIKey returns the SHA-256 hash for the provided API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

func generateAPIKeyMaterial() (string, string, string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", "", err
	}
	rawKey := apiKeyPrefix + strings.ToLower(apiKeyEncoding.EncodeToString(b))
	if len(rawKey) < 16 {
		return "", "", "", fmt.Errorf("api key generation failed: key too short")
	}
	return rawKey, rawKey[:16], HashAPIKey(rawKey), nil
}
