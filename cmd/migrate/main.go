package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	appmigrations "github.com/wolfman30/waitlist-backfill/migrations"
	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"))

	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	if err := run(databaseURL, os.Args[1:], logger); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

// run applies all pending migrations, or with "force <version>" marks the
// schema as being at version without running anything.
func run(databaseURL string, args []string, logger *logging.Logger) error {
	var force *int
	if len(args) > 0 {
		v, err := parseForce(args)
		if err != nil {
			return err
		}
		force = &v
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("db driver: %w", err)
	}
	srcDriver, err := iofs.New(appmigrations.FS, ".")
	if err != nil {
		return fmt.Errorf("source driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if force != nil {
		if err := m.Force(*force); err != nil {
			return fmt.Errorf("force version: %w", err)
		}
		logger.Info("forced schema version", "version", *force)
		return nil
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read version: %w", err)
	}
	logger.Info("migrations complete", "version", version, "dirty", dirty)
	return nil
}

func parseForce(args []string) (int, error) {
	if len(args) != 2 || args[0] != "force" {
		return 0, fmt.Errorf("usage: migrate [force <version>]")
	}
	version, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", args[1], err)
	}
	return version, nil
}
