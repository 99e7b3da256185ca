package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/TaxDesk/app/models"
	apiv1 "github.com/ManuelReschke/TaxDesk/internal/api/v1"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Deps
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(h.limiterConfig()))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "TaxDesk API",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1", middleware.APIKeyAuthMiddleware(h.deps.Users))
	v1.Post("/invoices", middleware.RequireActiveAccount)
	v1.Patch("/billing/invoices/:id/note", middleware.RequireAdmin)

	apiServer := apiv1.NewAPIServer(h.deps.Invoices, h.deps.Billing, h.deps.Account)
	apiv1.RegisterHandlers(v1, apiServer)
}

func NewApiRouter(deps Deps) *ApiRouter {
	return &ApiRouter{deps: deps}
}

func (h ApiRouter) limiterConfig() limiter.Config {
	cfg := limiter.Config{
		Max:        h.deps.RateLimit,
		Expiration: h.deps.RateWindow,
		Storage:    h.deps.LimiterStorage,
		KeyGenerator: func(c *fiber.Ctx) string {
			// Limit per key when one is presented so clients behind a NAT
			// do not share a window.
			if key := c.Get("X-API-Key"); key != "" {
				return "key:" + models.HashAPIKey(key)
			}
			return "ip:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited", "message": "Too many requests"})
		},
	}
	if cfg.Max <= 0 {
		cfg.Max = 60
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = limiter.ConfigDefault.Expiration
	}
	return cfg
}
