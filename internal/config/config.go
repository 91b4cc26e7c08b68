package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBFile        string
	APIAddr       string
	ICEIssuerURL  string
	ICETimeout    time.Duration
	CallTimeout   time.Duration
	SweepInterval time.Duration
}

func Load() (*Config, error) {
	// Optional .env for local runs; real deployments set the environment.
	_ = godotenv.Load()

	iceTimeout, err := time.ParseDuration(getEnv("ICE_ISSUER_TIMEOUT", "5s"))
	if err != nil {
		return nil, err
	}
	callTimeout, err := time.ParseDuration(getEnv("CALL_TIMEOUT", "45s"))
	if err != nil {
		return nil, err
	}
	sweepInterval, err := time.ParseDuration(getEnv("CALL_SWEEP_INTERVAL", "15s"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DBFile:        getEnv("PARLEY_DB", "parley.db"),
		APIAddr:       getEnv("API_ADDR", ":8080"),
		ICEIssuerURL:  os.Getenv("ICE_ISSUER_URL"),
		ICETimeout:    iceTimeout,
		CallTimeout:   callTimeout,
		SweepInterval: sweepInterval,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DBFile == "" {
		return fmt.Errorf("PARLEY_DB must not be empty")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("CALL_TIMEOUT must be greater than 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("CALL_SWEEP_INTERVAL must be greater than 0")
	}
	if c.ICETimeout <= 0 {
		return fmt.Errorf("ICE_ISSUER_TIMEOUT must be greater than 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
