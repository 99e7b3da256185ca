package router

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/monitor"

	"github.com/ManuelReschke/TaxDesk/internal/pkg/metrics/counter"
)

// HttpRouter mounts the unauthenticated operational routes and the
// payment processor webhook.
type HttpRouter struct {
	deps Deps
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", h.handleHealth)

	metrics := app.Group("/metrics", h.metricsAuth())
	metrics.Get("/counters", h.handleCounters)
	metrics.Get("/", monitor.New(monitor.Config{Title: "TaxDesk Metrics"}))

	app.Post("/webhooks/stripe", h.deps.Billing.HandleStripeWebhook)
}

func NewHttpRouter(deps Deps) *HttpRouter {
	return &HttpRouter{deps: deps}
}

func (h HttpRouter) metricsAuth() fiber.Handler {
	if h.deps.MetricsPassword == "" {
		log.Warn("[Router] METRICS_PASSWORD is empty, /metrics is disabled")
		return func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusNotFound)
		}
	}
	return basicauth.New(basicauth.Config{
		Users: map[string]string{
			h.deps.MetricsUser: h.deps.MetricsPassword,
		},
	})
}

func (h HttpRouter) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.deps.Health))
	for name := range h.deps.Health {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := fiber.Map{}
	healthy := true
	for _, name := range names {
		ok := h.deps.Health[name](ctx)
		checks[name] = ok
		healthy = healthy && ok
	}

	status := fiber.StatusOK
	if !healthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"ok": healthy, "checks": checks})
}

func (h HttpRouter) handleCounters(c *fiber.Ctx) error {
	if h.deps.Counters == nil {
		return c.JSON(fiber.Map{"counters": fiber.Map{}})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snapshot, err := h.deps.Counters.Snapshot(ctx)
	if err != nil {
		log.Errorf("[Router] Counter snapshot failed: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "counters_unavailable"})
	}
	return c.JSON(fiber.Map{"counters": snapshot, "names": counter.Names(snapshot)})
}
