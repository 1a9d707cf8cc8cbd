package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"quantback/internal/config"
	"quantback/internal/database"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "configuration file path")
		up         = flag.Bool("up", false, "apply pending migrations")
		down       = flag.Bool("down", false, "roll back one migration")
		version    = flag.Bool("version", false, "print the current migration version")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: failed to load .env: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("warning: %v, using built-in defaults", err)
		cfg = config.Default()
	}

	db, err := database.NewConnection(&database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		MaxOpen:  cfg.Database.MaxOpen,
		MaxIdle:  cfg.Database.MaxIdle,
		Timeout:  cfg.Database.Timeout,
	})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	migrator, err := database.NewMigrator(db)
	if err != nil {
		log.Fatalf("failed to create migrator: %v", err)
	}
	defer migrator.Close()

	switch {
	case *down:
		if err := migrator.Down(); err != nil {
			log.Fatalf("rollback failed: %v", err)
		}
		fmt.Println("rolled back one migration")
	case *version:
		v, err := migrator.Version()
		if err != nil {
			log.Fatalf("failed to read version: %v", err)
		}
		fmt.Printf("migration version: %d\n", v)
	case *up:
		fallthrough
	default:
		if err := migrator.Up(); err != nil {
			log.Fatalf("migration failed: %v", err)
		}
		fmt.Println("migrations applied")
	}
}
