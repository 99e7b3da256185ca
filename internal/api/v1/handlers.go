package apiv1

import (
	"github.com/gofiber/fiber/v2"

	// Delegate to existing controllers to keep behavior consistent
	"github.com/ManuelReschke/TaxDesk/app/controllers"
)

// APIServer implements the ServerInterface
type APIServer struct {
	invoices *controllers.InvoiceController
	billing  *controllers.BillingController
	account  *controllers.AccountController
}

// NewAPIServer creates a new API server instance
func NewAPIServer(invoices *controllers.InvoiceController, billing *controllers.BillingController, account *controllers.AccountController) *APIServer {
	return &APIServer{invoices: invoices, billing: billing, account: account}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

// GetUserProfile returns account information for the authenticated user (API key).
// Security is enforced via API key middleware attached in the router.
func (s *APIServer) GetUserProfile(c *fiber.Ctx) error {
	return s.account.HandleGetUserAccount(c)
}

func (s *APIServer) PutSellerProfile(c *fiber.Ctx) error {
	return s.account.HandleUpdateSellerProfile(c)
}

func (s *APIServer) GetBillingState(c *fiber.Ctx) error {
	return s.billing.HandleGetBillingState(c)
}

func (s *APIServer) ListBillingInvoices(c *fiber.Ctx) error {
	return s.billing.HandleListBillingInvoices(c)
}

// PatchBillingInvoiceNote is admin only; the router attaches RequireAdmin.
func (s *APIServer) PatchBillingInvoiceNote(c *fiber.Ctx, id string) error {
	// Controller reads id from route params; wrapper already checked it.
	return s.billing.HandleSetAdminNote(c)
}

// PostInvoice needs an active account; the router attaches RequireActiveAccount.
func (s *APIServer) PostInvoice(c *fiber.Ctx) error {
	return s.invoices.HandleSubmitInvoice(c)
}

func (s *APIServer) GetInvoice(c *fiber.Ctx, id string) error {
	return s.invoices.HandleGetInvoice(c)
}

func (s *APIServer) PostInvoiceSyncStatus(c *fiber.Ctx, id string) error {
	return s.invoices.HandleSyncInvoiceStatus(c)
}
