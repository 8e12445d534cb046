package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL        string
	HTTPAddr           string
	PollInterval       int // seconds
	MaxRetries         int
	ShutdownTimeout    int // seconds
	GoogleClientID     string
	GoogleClientSecret string
	WebhookCallbackURL string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	googleClientID := os.Getenv("GOOGLE_CLIENT_ID")
	googleClientSecret := os.Getenv("GOOGLE_CLIENT_SECRET")
	if googleClientID == "" || googleClientSecret == "" {
		fmt.Println("Warning: GOOGLE_CLIENT_ID or GOOGLE_CLIENT_SECRET not set, Google APIs will not work")
	}

	callbackURL := os.Getenv("WEBHOOK_CALLBACK_URL")
	if callbackURL == "" {
		fmt.Println("Warning: WEBHOOK_CALLBACK_URL not set, push notifications will not work")
	}

	httpAddr := os.Getenv("HTTP_ADDR")
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	return &Config{
		DatabaseURL:        dbURL,
		HTTPAddr:           httpAddr,
		PollInterval:       envInt("POLL_INTERVAL_SECS", 10),
		MaxRetries:         envInt("MAX_RETRIES", 3),
		ShutdownTimeout:    envInt("SHUTDOWN_TIMEOUT_SECS", 30),
		GoogleClientID:     googleClientID,
		GoogleClientSecret: googleClientSecret,
		WebhookCallbackURL: callbackURL,
	}, nil
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Printf("Warning: %s is not a number, using default %d\n", key, fallback)
		return fallback
	}
	return v
}
