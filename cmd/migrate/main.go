package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/ManuelReschke/TaxDesk/internal/pkg/database"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/env"
)

func main() {
	env.SetupEnvFile()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	source := "file://" + env.GetEnv("MIGRATIONS_PATH", "migrations")
	log.Printf("Migrating %s@%s:%s/%s from %s",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
		source,
	)

	m, err := migrate.New(source, "mysql://"+database.DSN()+"&multiStatements=true")
	if err != nil {
		log.Fatalf("Failed to initialize migrations: %v", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			log.Printf("Failed to close migration resources: %v, %v", srcErr, dbErr)
		}
	}()

	if err := run(m, os.Args[1], os.Args[2:]); err != nil {
		log.Fatal(err)
	}
}

func run(m *migrate.Migrate, command string, args []string) error {
	switch command {
	case "up":
		return report(m.Up(), "Migrations applied")
	case "down":
		// latest migration only
		return report(m.Steps(-1), "Latest migration rolled back")
	case "goto":
		if len(args) == 0 {
			return errors.New("goto needs a version number")
		}
		version, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		return report(m.Migrate(uint(version)), fmt.Sprintf("Migrated to version %d", version))
	case "status":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Println("No migrations have been applied yet")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read migration version: %w", err)
		}
		if dirty {
			log.Printf("Current migration version: %d (dirty)", version)
		} else {
			log.Printf("Current migration version: %d", version)
		}
		return nil
	default:
		printUsage()
		os.Exit(1)
	}
	return nil
}

func report(err error, done string) error {
	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("No change: database is already up to date")
		return nil
	}
	if err != nil {
		return err
	}
	log.Println(done)
	return nil
}

func printUsage() {
	fmt.Println("Usage: migrate <command>")
	fmt.Println("Commands:")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the latest migration")
	fmt.Println("  goto N - migrate to version N")
	fmt.Println("  status - print the current migration version")
}
