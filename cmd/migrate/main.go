package main

import (
	"OptionLedger/internal/persistence"
	"context"
	"fmt"
	"os"

	"OptionLedger/internal/observability"

	"github.com/joho/godotenv"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down>")
		fmt.Println("  up   - apply all pending migrations")
		fmt.Println("  down - roll back the last migration")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  OPTLEDGER_POSTGRES_DSN    - Postgres connection string")
		fmt.Println("  OPTLEDGER_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
		os.Exit(1)
	}

	godotenv.Load()
	log := observability.NewLogger("migrate")

	dsn := os.Getenv("OPTLEDGER_POSTGRES_DSN")
	if dsn == "" {
		dsn = "postgres://localhost:5432/optionledger?sslmode=disable"
	}

	migrationsDir := os.Getenv("OPTLEDGER_MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}

	ctx := context.Background()
	db, err := persistence.OpenDB(ctx, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	migrator := persistence.NewMigrator(db, migrationsDir)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate up")
		}
		log.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate down")
		}
		log.Info().Msg("last migration rolled back")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'down')\n", os.Args[1])
		os.Exit(1)
	}
}
