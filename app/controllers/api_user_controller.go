package controllers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/TaxDesk/app/models"
	"github.com/ManuelReschke/TaxDesk/app/repository"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/fatturapa"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/usercontext"
)

// AccountController exposes the caller's account and seller profile.
type AccountController struct {
	users repository.UserRepository
}

func NewAccountController(users repository.UserRepository) *AccountController {
	return &AccountController{users: users}
}

type sellerProfileRequest struct {
	VATNumber        string `json:"vat_number" validate:"required,max=32"`
	FiscalCode       string `json:"fiscal_code" validate:"required,max=32"`
	LegalName        string `json:"legal_name" validate:"required,max=200"`
	TaxRegime        string `json:"tax_regime" validate:"omitempty,len=4"`
	Street           string `json:"street" validate:"required,max=200"`
	PostalCode       string `json:"postal_code" validate:"required,len=5,numeric"`
	City             string `json:"city" validate:"required,max=100"`
	Province         string `json:"province" validate:"required,len=2,alpha"`
	Country          string `json:"country" validate:"omitempty,len=2,alpha"`
	PreferredGateway string `json:"preferred_gateway" validate:"omitempty,oneof=broker_a broker_b direct"`
}

func accountResponse(account *models.User, settings *models.UserSettings) fiber.Map {
	return fiber.Map{
		"id":                   account.ID,
		"username":             account.Name,
		"email":                account.Email,
		"status":               account.Status,
		"subscription_status":  account.SubscriptionStatus,
		"is_admin":             account.IsAdmin(),
		"created_at":           account.CreatedAt.UTC().Format(time.RFC3339),
		"api_key_prefix":       settings.APIKeyPrefix,
		"api_key_last_used_at": formatTimePtr(settings.APIKeyLastUsedAt),
		"preferred_gateway":    settings.PreferredGateway,
		"seller":               settings.Seller(),
	}
}

func (ac *AccountController) load(c *fiber.Ctx) (*models.User, *models.UserSettings, error) {
	userID := usercontext.GetUserID(c)
	account, err := ac.users.GetByID(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, jsonError(c, fiber.StatusNotFound, "not_found", "User not found")
		}
		log.Errorf("[Account] Loading user %d failed: %v", userID, err)
		return nil, nil, jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load user")
	}
	settings, err := ac.users.GetSettings(userID)
	if err != nil {
		log.Errorf("[Account] Loading settings of user %d failed: %v", userID, err)
		return nil, nil, jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load user settings")
	}
	return account, settings, nil
}

// HandleGetUserAccount returns account information for the authenticated user.
func (ac *AccountController) HandleGetUserAccount(c *fiber.Ctx) error {
	account, settings, err := ac.load(c)
	if account == nil {
		return err
	}
	return c.JSON(accountResponse(account, settings))
}

// HandleUpdateSellerProfile replaces the issuer data used on new invoices.
func (ac *AccountController) HandleUpdateSellerProfile(c *fiber.Ctx) error {
	var req sellerProfileRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_body", "Request body must be a JSON seller profile")
	}
	if errs := validateRequest(req); len(errs) > 0 {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "validation_failed", "errors": errs})
	}

	account, settings, err := ac.load(c)
	if account == nil {
		return err
	}

	settings.VATNumber = strings.TrimSpace(req.VATNumber)
	settings.FiscalCode = strings.ToUpper(strings.TrimSpace(req.FiscalCode))
	settings.LegalName = strings.TrimSpace(req.LegalName)
	settings.TaxRegime = fatturapa.RegimeFlatTax
	if req.TaxRegime != "" {
		settings.TaxRegime = strings.ToUpper(req.TaxRegime)
	}
	settings.Street = strings.TrimSpace(req.Street)
	settings.PostalCode = req.PostalCode
	settings.City = strings.TrimSpace(req.City)
	settings.Province = strings.ToUpper(req.Province)
	settings.Country = "IT"
	if req.Country != "" {
		settings.Country = strings.ToUpper(req.Country)
	}
	settings.PreferredGateway = strings.TrimSpace(req.PreferredGateway)

	if err := ac.users.SaveSettings(settings); err != nil {
		log.Errorf("[Account] Saving seller profile of user %d failed: %v", account.ID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to save seller profile")
	}
	return c.JSON(accountResponse(account, settings))
}
