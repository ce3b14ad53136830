// Command migrate drives the versioned, file-based schema migrations that
// own the production (Postgres) path; the sqlite dev/test path stays on
// Database.Migrate's AutoMigrate instead (see internal/db/database.go).
//
// Usage:
//
//	go run ./cmd/migrate up
//	go run ./cmd/migrate down
//	go run ./cmd/migrate down-all
//	go run ./cmd/migrate version
//	go run ./cmd/migrate to N
//	go run ./cmd/migrate force N
package main

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"apex-control-plane/internal/db"
)

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			log.Println("no .env file found, using environment variables")
		}
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	config := &db.MigrationConfig{
		DatabaseURL:    databaseURL(),
		DatabaseType:   databaseType(),
		MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),
	}

	runner, err := db.NewMigrationRunner(config)
	if err != nil {
		log.Fatalf("migration runner: %v", err)
	}
	defer runner.Close()

	switch os.Args[1] {
	case "up":
		must(runner.Up())
	case "down":
		must(runner.Down())
	case "down-all":
		must(runner.DownAll())
	case "version":
		status, err := runner.Version()
		must(err)
		fmt.Printf("version=%d dirty=%v applied=%v\n", status.Version, status.Dirty, status.Applied)
	case "to":
		requireArg(2, "migrate to <version>")
		v, err := strconv.ParseUint(os.Args[2], 10, 32)
		if err != nil {
			log.Fatalf("invalid version: %s", os.Args[2])
		}
		must(runner.To(uint(v)))
	case "force":
		requireArg(2, "migrate force <version>")
		v, err := strconv.Atoi(os.Args[2])
		if err != nil {
			log.Fatalf("invalid version: %s", os.Args[2])
		}
		must(runner.Force(v))
	case "help":
		printUsage()
	default:
		log.Printf("unknown command: %s", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func requireArg(n int, usage string) {
	if len(os.Args) <= n {
		log.Fatalf("usage: %s", usage)
	}
}

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func printUsage() {
	fmt.Print(`apex-control-plane schema migration tool

Usage:
  migrate <command> [arguments]

Commands:
  up              Apply all pending migrations
  down            Roll back the last migration
  down-all        Roll back every migration (deletes all data)
  version         Show the current migration version
  to <N>          Migrate to a specific version
  force <N>       Force the recorded version (fix a dirty state)
  help            Show this help message

Environment:
  DATABASE_URL    Full postgres:// or sqlite:// connection string
  DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME, DB_SSL_MODE
  MIGRATIONS_PATH Defaults to ./migrations
`)
}

func databaseType() string {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return getEnv("DB_DRIVER", "postgres")
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "postgres"
	}
	switch u.Scheme {
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return "postgres"
	}
}

func databaseURL() string {
	if raw := os.Getenv("DATABASE_URL"); raw != "" {
		if u, err := url.Parse(raw); err == nil && (u.Scheme == "sqlite" || u.Scheme == "sqlite3") {
			return strings.TrimPrefix(raw, u.Scheme+"://")
		}
		return raw
	}

	host := getEnv("DB_HOST", "localhost")
	port := getEnvInt("DB_PORT", 5432)
	user := getEnv("DB_USER", "postgres")
	password := getEnv("DB_PASSWORD", "password")
	dbname := getEnv("DB_NAME", "apex_control_plane")
	sslmode := getEnv("DB_SSL_MODE", "disable")

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", user, password, host, port, dbname, sslmode)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
