package controllers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/TaxDesk/app/models"
	"github.com/ManuelReschke/TaxDesk/app/repository"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/einvoice"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/fatturapa"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/gateway"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/usercontext"
)

const dateLayout = "2006-01-02"

// InvoiceController serves the transmission endpoints of the public API.
type InvoiceController struct {
	invoices *einvoice.Service
	users    repository.UserRepository
	timeout  time.Duration
}

func NewInvoiceController(invoices *einvoice.Service, users repository.UserRepository, timeout time.Duration) *InvoiceController {
	return &InvoiceController{invoices: invoices, users: users, timeout: timeout}
}

type invoiceLineRequest struct {
	Description string           `json:"description" validate:"max=1000"`
	Quantity    decimal.Decimal  `json:"quantity"`
	UnitPrice   decimal.Decimal  `json:"unit_price"`
	VATRate     *decimal.Decimal `json:"vat_rate"`
}

// submitInvoiceRequest only guards shape and size; fiscal rules are checked
// when the document is rendered so the caller gets the full list at once.
type submitInvoiceRequest struct {
	Provider string               `json:"provider" validate:"omitempty,max=50"`
	Number   string               `json:"number" validate:"omitempty,max=20"`
	Date     string               `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Note     string               `json:"note" validate:"max=4000"`
	Buyer    fatturapa.Buyer      `json:"buyer" validate:"-"`
	Lines    []invoiceLineRequest `json:"lines" validate:"max=500,dive"`
	Total    *decimal.Decimal     `json:"total"`
}

func (r submitInvoiceRequest) draft() fatturapa.Draft {
	d := fatturapa.Draft{
		Number:        strings.TrimSpace(r.Number),
		Note:          r.Note,
		Buyer:         r.Buyer,
		DeclaredTotal: r.Total,
	}
	if r.Date != "" {
		d.Date, _ = time.Parse(dateLayout, r.Date)
	}
	for _, l := range r.Lines {
		d.Lines = append(d.Lines, fatturapa.LineItem{
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			VATRate:     l.VATRate,
		})
	}
	return d
}

// invoiceView is the narrow read model of a transmission.
type invoiceView struct {
	ID                uint            `json:"id"`
	UUID              string          `json:"uuid"`
	InvoiceNumber     string          `json:"invoice_number"`
	DocumentDate      string          `json:"document_date"`
	ProgressivoInvio  string          `json:"progressivo_invio"`
	FileName          string          `json:"file_name"`
	Provider          string          `json:"provider"`
	ProviderInvoiceID string          `json:"provider_invoice_id"`
	Status            string          `json:"status"`
	NativeStatus      string          `json:"native_status,omitempty"`
	NativeDescription string          `json:"native_description,omitempty"`
	SDIIdentifier     string          `json:"sdi_identifier,omitempty"`
	NetTotal          decimal.Decimal `json:"net_total"`
	TaxTotal          decimal.Decimal `json:"tax_total"`
	GrossTotal        decimal.Decimal `json:"gross_total"`
	LastSyncAt        interface{}     `json:"last_sync_at"`
	CreatedAt         interface{}     `json:"created_at"`
}

func newInvoiceView(rec *models.TransmittedInvoice) invoiceView {
	created := rec.CreatedAt
	return invoiceView{
		ID:                rec.ID,
		UUID:              rec.UUID,
		InvoiceNumber:     rec.InvoiceNumber,
		DocumentDate:      rec.DocumentDate.Format(dateLayout),
		ProgressivoInvio:  rec.ProgressivoInvio,
		FileName:          rec.FileName,
		Provider:          rec.Provider,
		ProviderInvoiceID: rec.ProviderInvoiceID,
		Status:            rec.Status,
		NativeStatus:      rec.NativeStatus,
		NativeDescription: rec.NativeDescription,
		SDIIdentifier:     rec.SDIIdentifier,
		NetTotal:          rec.NetTotal,
		TaxTotal:          rec.TaxTotal,
		GrossTotal:        rec.GrossTotal,
		LastSyncAt:        formatTimePtr(rec.LastSyncAt),
		CreatedAt:         formatTimePtr(&created),
	}
}

// HandleSubmitInvoice renders, transmits and records a draft for the caller.
func (ic *InvoiceController) HandleSubmitInvoice(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)

	var req submitInvoiceRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_body", "Request body must be a JSON invoice draft")
	}
	if errs := validateRequest(req); len(errs) > 0 {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "validation_failed", "errors": errs})
	}

	settings, err := ic.users.GetSettings(userID)
	if err != nil {
		log.Errorf("[Invoice] Loading seller profile for user %d failed: %v", userID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load seller profile")
	}
	provider := strings.TrimSpace(req.Provider)
	if provider == "" {
		provider = settings.PreferredGateway
	}

	ctx, cancel := requestContext(c, ic.timeout)
	defer cancel()

	sub, err := ic.invoices.Submit(ctx, einvoice.SubmitInput{
		UserID:         userID,
		Provider:       provider,
		Seller:         settings.Seller(),
		Draft:          req.draft(),
		IdempotencyKey: c.Get("Idempotency-Key"),
	})
	if err != nil {
		return submissionError(c, err)
	}

	status := fiber.StatusCreated
	if sub.Replayed {
		status = fiber.StatusOK
		c.Set("Idempotent-Replayed", "true")
	}
	return c.Status(status).JSON(newInvoiceView(sub.Invoice))
}

// HandleGetInvoice returns one transmission by local id, UUID or provider id.
func (ic *InvoiceController) HandleGetInvoice(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c, ic.timeout)
	defer cancel()

	rec, err := ic.invoices.Get(ctx, usercontext.GetUserID(c), c.Params("id"))
	if err != nil {
		if errors.Is(err, einvoice.ErrNotFound) {
			return jsonError(c, fiber.StatusNotFound, "not_found", "Invoice not found")
		}
		log.Errorf("[Invoice] Lookup of %q failed: %v", c.Params("id"), err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load invoice")
	}
	return c.JSON(newInvoiceView(rec))
}

// HandleSyncInvoiceStatus asks the gateway for the current SdI outcome.
func (ic *InvoiceController) HandleSyncInvoiceStatus(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c, ic.timeout)
	defer cancel()

	rec, err := ic.invoices.SyncStatus(ctx, usercontext.GetUserID(c), c.Params("id"))
	if err != nil {
		if errors.Is(err, einvoice.ErrNotFound) {
			return jsonError(c, fiber.StatusNotFound, "not_found", "Invoice not found")
		}
		return submissionError(c, err)
	}
	return c.JSON(newInvoiceView(rec))
}

func submissionError(c *fiber.Ctx, err error) error {
	var invalid *einvoice.ValidationFailed
	var transmission *gateway.TransmissionError
	var auth *gateway.AuthenticationError
	var persistence *einvoice.PersistenceError

	switch {
	case errors.As(err, &invalid):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":  "validation_failed",
			"errors": invalid.Errors,
		})
	case errors.Is(err, einvoice.ErrSubmissionInProgress):
		return jsonError(c, fiber.StatusConflict, "submission_in_progress", err.Error())
	case errors.Is(err, gateway.ErrUnknownProvider):
		return jsonError(c, fiber.StatusBadRequest, "unknown_provider", err.Error())
	case errors.As(err, &auth):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":    "gateway_authentication_failed",
			"provider": auth.Provider,
			"message":  err.Error(),
		})
	case errors.As(err, &transmission):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":             "transmission_failed",
			"provider":          transmission.Provider,
			"provider_status":   transmission.StatusCode,
			"provider_response": transmission.Body,
		})
	case errors.As(err, &persistence):
		log.Errorf("[Invoice] %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":               "not_recorded",
			"message":             "The invoice was transmitted but could not be recorded; retry with the same Idempotency-Key",
			"provider":            persistence.Provider,
			"provider_invoice_id": persistence.ProviderInvoiceID,
			"progressivo_invio":   persistence.ProgressivoInvio,
		})
	}
	log.Errorf("[Invoice] Unexpected failure: %v", err)
	return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Invoice transmission failed")
}
