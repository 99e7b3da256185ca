package middleware

import (
	icuser "github.com/ManuelReschke/TaxDesk/internal/pkg/usercontext"
	"github.com/gofiber/fiber/v2"
)

// RequireActiveAccount rejects callers whose subscription is not active.
func RequireActiveAccount(c *fiber.Ctx) error {
	uc := icuser.GetUserContext(c)
	if uc.UserID == 0 {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "API key required",
		})
	}
	if !uc.IsActive {
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error":   "subscription_inactive",
			"message": "An active subscription is required to transmit invoices",
		})
	}
	return c.Next()
}

// RequireAdmin ensures an authenticated admin; JSON 403 otherwise.
func RequireAdmin(c *fiber.Ctx) error {
	if icuser.GetUserID(c) == 0 {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "API key required",
		})
	}
	if isAdmin, ok := c.Locals(icuser.KeyIsAdmin).(bool); !ok || !isAdmin {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":   "forbidden",
			"message": "admin only",
		})
	}
	return c.Next()
}
