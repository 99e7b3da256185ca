package apiv1

import (
	"github.com/gofiber/fiber/v2"
)

// Pong is the body of GET /ping.
type Pong struct {
	Ping string `json:"ping"`
}

// ServerInterface lists the operations published in public/docs/v1/openapi.yml.
type ServerInterface interface {
	// (GET /ping)
	GetPing(c *fiber.Ctx) error
	// (GET /account)
	GetUserProfile(c *fiber.Ctx) error
	// (PUT /account/profile)
	PutSellerProfile(c *fiber.Ctx) error
	// (GET /account/billing)
	GetBillingState(c *fiber.Ctx) error
	// (GET /billing/invoices)
	ListBillingInvoices(c *fiber.Ctx) error
	// (PATCH /billing/invoices/{id}/note)
	PatchBillingInvoiceNote(c *fiber.Ctx, id string) error
	// (POST /invoices)
	PostInvoice(c *fiber.Ctx) error
	// (GET /invoices/{id})
	GetInvoice(c *fiber.Ctx, id string) error
	// (POST /invoices/{id}/sync-status)
	PostInvoiceSyncStatus(c *fiber.Ctx, id string) error
}

// ServerInterfaceWrapper extracts path parameters before delegating.
type ServerInterfaceWrapper struct {
	Handler ServerInterface
}

// MiddlewareFunc runs ahead of every registered operation.
type MiddlewareFunc fiber.Handler

func (siw *ServerInterfaceWrapper) GetPing(c *fiber.Ctx) error {
	return siw.Handler.GetPing(c)
}

func (siw *ServerInterfaceWrapper) GetUserProfile(c *fiber.Ctx) error {
	return siw.Handler.GetUserProfile(c)
}

func (siw *ServerInterfaceWrapper) PutSellerProfile(c *fiber.Ctx) error {
	return siw.Handler.PutSellerProfile(c)
}

func (siw *ServerInterfaceWrapper) GetBillingState(c *fiber.Ctx) error {
	return siw.Handler.GetBillingState(c)
}

func (siw *ServerInterfaceWrapper) ListBillingInvoices(c *fiber.Ctx) error {
	return siw.Handler.ListBillingInvoices(c)
}

func (siw *ServerInterfaceWrapper) PatchBillingInvoiceNote(c *fiber.Ctx) error {
	id, err := pathParam(c, "id")
	if err != nil {
		return err
	}
	return siw.Handler.PatchBillingInvoiceNote(c, id)
}

func (siw *ServerInterfaceWrapper) PostInvoice(c *fiber.Ctx) error {
	return siw.Handler.PostInvoice(c)
}

func (siw *ServerInterfaceWrapper) GetInvoice(c *fiber.Ctx) error {
	id, err := pathParam(c, "id")
	if err != nil {
		return err
	}
	return siw.Handler.GetInvoice(c, id)
}

func (siw *ServerInterfaceWrapper) PostInvoiceSyncStatus(c *fiber.Ctx) error {
	id, err := pathParam(c, "id")
	if err != nil {
		return err
	}
	return siw.Handler.PostInvoiceSyncStatus(c, id)
}

func pathParam(c *fiber.Ctx, name string) (string, error) {
	v := c.Params(name)
	if v == "" {
		return "", fiber.NewError(fiber.StatusBadRequest, "Invalid format for parameter "+name)
	}
	return v, nil
}

// FiberServerOptions provides options for the Fiber server.
type FiberServerOptions struct {
	BaseURL     string
	Middlewares []MiddlewareFunc
}

// RegisterHandlers mounts every operation of public/docs/v1/openapi.yml.
func RegisterHandlers(router fiber.Router, si ServerInterface) {
	RegisterHandlersWithOptions(router, si, FiberServerOptions{})
}

// RegisterHandlersWithOptions creates http.Handler with additional options
func RegisterHandlersWithOptions(router fiber.Router, si ServerInterface, options FiberServerOptions) {
	wrapper := ServerInterfaceWrapper{
		Handler: si,
	}

	for _, m := range options.Middlewares {
		router.Use(fiber.Handler(m))
	}

	router.Get(options.BaseURL+"/ping", wrapper.GetPing)
	router.Get(options.BaseURL+"/account", wrapper.GetUserProfile)
	router.Put(options.BaseURL+"/account/profile", wrapper.PutSellerProfile)
	router.Get(options.BaseURL+"/account/billing", wrapper.GetBillingState)
	router.Get(options.BaseURL+"/billing/invoices", wrapper.ListBillingInvoices)
	router.Patch(options.BaseURL+"/billing/invoices/:id/note", wrapper.PatchBillingInvoiceNote)
	router.Post(options.BaseURL+"/invoices", wrapper.PostInvoice)
	router.Get(options.BaseURL+"/invoices/:id", wrapper.GetInvoice)
	router.Post(options.BaseURL+"/invoices/:id/sync-status", wrapper.PostInvoiceSyncStatus)
}
