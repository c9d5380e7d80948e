// Command migrate applies the embedded goose migrations.
//
//	migrate [up|down|status|version|redo|up-to N|down-to N]
//
// The connection comes from MIGRATE_DSN, or from DB_USER, DB_PASS, DB_HOST,
// DB_PORT and DB_NAME when MIGRATE_DSN is unset.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/iliyamo/club-license-service/internal/database"
	"github.com/iliyamo/club-license-service/internal/logging"
)

func main() {
	_ = godotenv.Load()
	log := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	timeout := flag.Duration("timeout", 5*time.Minute, "abort after this long")
	flag.Parse()

	command, args := "up", []string(nil)
	if flag.NArg() > 0 {
		command, args = flag.Arg(0), flag.Args()[1:]
	}

	db, err := open()
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := database.Migrate(ctx, db, command, args...); err != nil {
		log.WithError(err).Fatal("migrate")
	}
	log.WithField("command", command).Info("migrate done")
}

func open() (*sql.DB, error) {
	if dsn := os.Getenv("MIGRATE_DSN"); dsn != "" {
		return database.OpenDSN(dsn)
	}
	return database.Open(
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASS"),
		os.Getenv("DB_HOST"),
		os.Getenv("DB_PORT"),
		os.Getenv("DB_NAME"),
	)
}
