package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"quantback/internal/logger"
)

// DB wraps the sql connection pool
type DB struct {
	*sql.DB
	config *Config
}

// Config represents database configuration
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpen         int
	MaxIdle         int
	Timeout         time.Duration
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewConnection opens a Postgres connection pool and verifies it
func NewConnection(cfg *Config) (*DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = 25
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = time.Hour
	}
	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = 15 * time.Minute
	}

	db.SetMaxOpenConns(cfg.MaxOpen)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	var pingErr error
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		pingErr = db.PingContext(ctx)
		if pingErr == nil {
			break
		}
		logger.Warn("Database ping failed", "attempt", i+1, "max", maxRetries, "error", pingErr.Error())
		if i < maxRetries-1 {
			time.Sleep(time.Second * time.Duration(i+1))
		}
	}

	if pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database after %d attempts: %w", maxRetries, pingErr)
	}

	logger.Info("Database connection established",
		"max_open", cfg.MaxOpen, "max_idle", cfg.MaxIdle)

	return &DB{DB: db, config: cfg}, nil
}

// HealthCheck pings the database
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.PingContext(ctx)
}

// Close closes the connection pool
func (db *DB) Close() error {
	return db.DB.Close()
}
