package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"chatcore/config"
	"chatcore/pkg/database"
)

const usage = `
ChatCore - Database CLI Tool

Usage:
  migrate [command] [flags]

Commands:
  up          Run AutoMigrate (creates/updates the core schema)
  status      Show database connection and table status
  truncate    Truncate all core tables (DANGEROUS)

Flags:
  -migrations string   Path to raw .sql migrations directory (default "migrations")

Examples:
  go run cmd/migrate/main.go up
  go run cmd/migrate/main.go status
`

func main() {
	migrationsDir := flag.String("migrations", "migrations", "Path to migrations directory")

	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	command := flag.Arg(0)

	cfg := config.LoadConfig()
	database.Connect(cfg)

	switch command {
	case "up":
		runMigrationsUp(*migrationsDir)
	case "status":
		showStatus()
	case "truncate":
		runTruncate()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func runMigrationsUp(migrationsDir string) {
	log.Println("running raw .sql migrations...")
	if _, err := os.Stat(migrationsDir); err == nil {
		if err := database.ApplyRawMigrations(migrationsDir); err != nil {
			log.Fatalf("raw migration failed: %v", err)
		}
	}

	log.Println("running AutoMigrate...")
	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("AutoMigrate failed: %v", err)
	}
	log.Println("migrations completed")
}

func showStatus() {
	if err := database.HealthCheck(); err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	log.Println("database connection: OK")

	tables := []string{"users", "conversations", "conversation_unread", "messages"}
	for _, table := range tables {
		exists, err := database.TableExists(table)
		if err != nil {
			log.Printf("error checking table %s: %v", table, err)
			continue
		}
		if !exists {
			log.Printf("table %-20s does not exist", table)
			continue
		}
		count, _ := database.TableCount(table)
		log.Printf("table %-20s exists (%d rows)", table, count)
	}
}

func runTruncate() {
	log.Println("WARNING: this will TRUNCATE all core tables")
	for _, table := range []string{"messages", "conversation_unread", "conversations", "users"} {
		if err := database.DB.Exec(fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)).Error; err != nil {
			log.Fatalf("truncate failed for %s: %v", table, err)
		}
	}
	log.Println("all tables truncated")
}
