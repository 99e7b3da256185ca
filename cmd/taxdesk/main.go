package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/TaxDesk/app/controllers"
	"github.com/ManuelReschke/TaxDesk/app/models"
	"github.com/ManuelReschke/TaxDesk/app/repository"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/archive"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/billing"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/cache"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/database"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/einvoice"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/env"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/gateway"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/mail"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/router"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/sequence"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/statussync"
)

// limiterDatabase keeps rate limit windows apart from cache keys (DB 0).
const limiterDatabase = 1

func main() {
	env.SetupEnvFile()

	if len(os.Args) > 1 && os.Args[1] == "create-user" {
		if err := createUser(os.Args[2:]); err != nil {
			log.Fatal(err)
		}
		return
	}

	app, worker := NewApplication()
	worker.Start()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	}()

	select {
	case err := <-serverErrors:
		worker.Stop()
		log.Fatal(err)
	case sig := <-shutdown:
		fiberlog.Infof("[Main] %v: shutting down", sig)
		worker.Stop()
		if err := app.Shutdown(); err != nil {
			fiberlog.Errorf("[Main] Shutdown failed: %v", err)
		}
		if err := cache.Close(); err != nil {
			fiberlog.Warnf("[Main] Closing cache failed: %v", err)
		}
	}
}

// NewApplication wires storage, gateways, billing and the HTTP surface.
func NewApplication() (*fiber.App, *statussync.Manager) {
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	redisClient := cache.GetClient()
	repository.InitializeFactory(db)
	repos := repository.GetGlobalFactory().GetRepositories()
	users := repos.User

	counters := counter.NewRedisCounter(redisClient)

	gatewayCfg := gateway.LoadConfig()
	var tokens gateway.TokenStore
	if gatewayCfg.TokenStore == "redis" {
		tokens = gateway.NewRedisTokenStore(redisClient)
	} else {
		tokens = gateway.NewMemoryTokenStore()
	}
	gateways := gateway.NewRegistryFromConfig(gatewayCfg, tokens, repos.Tenants)

	sequences := repos.Sequences
	if strings.EqualFold(env.GetEnv("SEQUENCE_STORE", "database"), "redis") {
		sequences = sequence.NewRedisStore(redisClient)
	}

	deps := einvoice.Deps{
		Repo:      repos.Invoices,
		Gateways:  gateways,
		Sequences: sequences,
		Journal:   einvoice.NewRedisJournal(redisClient),
		Counters:  counters,
	}
	archiveCfg, err := archive.LoadConfig()
	if err != nil {
		panic(err)
	}
	if archiveCfg.Enabled {
		client, err := archive.NewClient(context.Background(), archiveCfg)
		if err != nil {
			panic(err)
		}
		deps.Archive = client
	}
	invoices := einvoice.NewService(deps)

	reconciler := billing.NewReconciler(repos.Billing, sequence.NewNumberer(sequences), mail.NewSMTPMailer(mail.LoadConfig()))
	stripeSecret := env.GetEnv("STRIPE_WEBHOOK_SECRET", "")
	if stripeSecret == "" {
		fiberlog.Warn("[Main] STRIPE_WEBHOOK_SECRET is empty, every webhook will be rejected")
	}

	worker := statussync.NewManager(invoices, statussync.LoadConfig(), statussync.NewRedisLocker(redisClient))

	basePath := findBasePath()
	app := fiber.New(fiber.Config{
		AppName:   "TaxDesk",
		BodyLimit: 4 * 1024 * 1024,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: basePath + "public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	routes := router.Deps{
		Users:    users,
		Invoices: controllers.NewInvoiceController(invoices, users, controllers.DefaultRequestTimeout),
		Billing:  controllers.NewBillingController(billing.NewService(repos.Billing), reconciler, counters, stripeSecret),
		Account:  controllers.NewAccountController(users),
		Counters: counters,
		Health: map[string]router.HealthCheck{
			"database": database.Healthy,
			"cache":    cache.Healthy,
		},
		LimiterStorage: cache.NewFiberStorage(limiterDatabase),
	}
	routes.LoadLimits()

	// ROUTER
	router.InstallRouter(app, routes)

	return app, worker
}

func findBasePath() string {
	// Define possible base paths
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/taxdesk to project root
		"../../../", // Fallback
	}
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public/docs/v1/openapi.yml"); err == nil {
			return path
		}
	}
	panic("Could not find project root directory")
}

// createUser registers an account and prints its first API key. The key is
// shown once; only its hash is stored.
func createUser(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: taxdesk create-user <name> <email> [admin]")
	}
	database.SetupDatabase()
	repository.InitializeFactory(database.GetDB())
	users := repository.GetGlobalFactory().GetUserRepository()

	user, err := models.CreateUser(args[0], strings.ToLower(strings.TrimSpace(args[1])))
	if err != nil {
		return err
	}
	if len(args) > 2 && args[2] == "admin" {
		user.Role = models.ROLE_ADMIN
	}
	if err := users.Create(user); err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	settings, err := users.GetSettings(user.ID)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	key, err := settings.IssueAPIKey()
	if err != nil {
		return err
	}
	if err := users.SaveSettings(settings); err != nil {
		return fmt.Errorf("store api key: %w", err)
	}

	fmt.Printf("User %d (%s) created\nAPI key: %s\n", user.ID, user.Email, key)
	return nil
}
