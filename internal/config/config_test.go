package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	configContent := `
app:
  name: "quantback-test"
  version: "1.0.0"
  env: "test"

server:
  port: 8080
  host: "localhost"

database:
  host: "localhost"
  port: 5432
  user: "test"
  password: "test"
  dbname: "quantback_test"
  sslmode: "disable"

redis:
  enabled: false
  addr: "localhost:6379"

backtest:
  initial_capital: 500000
  commission_rate: 0.0005
`

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	config, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.App.Name != "quantback-test" {
		t.Errorf("Expected app name 'quantback-test', got '%s'", config.App.Name)
	}

	if config.Server.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", config.Server.Port)
	}

	if config.Backtest.InitialCapital != 500000 {
		t.Errorf("Expected initial capital 500000, got %f", config.Backtest.InitialCapital)
	}

	if config.Backtest.CommissionRate != 0.0005 {
		t.Errorf("Expected commission rate 0.0005, got %f", config.Backtest.CommissionRate)
	}

	// Omitted values fall back to defaults
	if config.Backtest.MinCommission != 5.0 {
		t.Errorf("Expected default min commission 5.0, got %f", config.Backtest.MinCommission)
	}

	if config.Backtest.StampTaxRate != 0.001 {
		t.Errorf("Expected default stamp tax 0.001, got %f", config.Backtest.StampTaxRate)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("QB_TEST_DB_HOST", "db.example.com")

	configContent := `
database:
  host: "${QB_TEST_DB_HOST}"
  port: 5432
`

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	config, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Database.Host != "db.example.com" {
		t.Errorf("Expected database host 'db.example.com', got '%s'", config.Database.Host)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestDefault(t *testing.T) {
	config := Default()

	if config.App.Name != "quantback" {
		t.Errorf("Expected app name 'quantback', got '%s'", config.App.Name)
	}
	if config.Server.Port != 8082 {
		t.Errorf("Expected port 8082, got %d", config.Server.Port)
	}
	if config.Backtest.RiskFreeRate != 0.03 {
		t.Errorf("Expected risk-free rate 0.03, got %f", config.Backtest.RiskFreeRate)
	}
	if config.Remote.MaxRetries != 3 {
		t.Errorf("Expected max retries 3, got %d", config.Remote.MaxRetries)
	}
}
