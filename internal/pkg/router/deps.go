package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/TaxDesk/app/controllers"
	"github.com/ManuelReschke/TaxDesk/app/repository"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/env"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/metrics/counter"
)

// HealthCheck reports whether one backing service is reachable.
type HealthCheck func(ctx context.Context) bool

// Deps carries everything the routers mount.
type Deps struct {
	Users    repository.UserRepository
	Invoices *controllers.InvoiceController
	Billing  *controllers.BillingController
	Account  *controllers.AccountController
	Counters counter.Snapshotter
	Health   map[string]HealthCheck

	// LimiterStorage keeps rate limit windows; nil uses process memory.
	LimiterStorage fiber.Storage
	RateLimit      int
	RateWindow     time.Duration

	MetricsUser     string
	MetricsPassword string
}

// LoadLimits fills the rate limit and metrics credentials from env.
func (d *Deps) LoadLimits() {
	d.RateLimit = env.GetInt("API_RATE_LIMIT", 60)
	d.RateWindow = env.GetDuration("API_RATE_WINDOW", time.Minute)
	d.MetricsUser = env.GetEnv("METRICS_USER", "admin")
	d.MetricsPassword = env.GetEnv("METRICS_PASSWORD", "")
}
