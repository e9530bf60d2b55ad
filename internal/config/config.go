// Package config loads the example binaries' settings from the
// environment and an optional .env file.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/vitwit/x402-onramp/types"
)

type Config struct {
	Port     string
	LogLevel string

	// resource server
	PayTo              string
	Network            types.Network
	Price              string
	FacilitatorURL     string
	FacilitatorTimeout time.Duration
	RPCURL             string
	FacilitatorKey     string
	RedisURL           string
	RoutesFile         string
	ConfigFile         string
	MetricsEnabled     bool
	CDPAPIKeyID        string
	CDPAPIKeySecret    string

	// paying client
	ServerURL   string
	WalletKey   string
	AppBaseURL  string
	TokenURL    string
	RequestPath string
	MaxPayment  string
}

// Load reads files (default ".env") into the environment, without
// overriding variables that are already set, and builds a Config.
// Missing files are ignored.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	return &Config{
		Port:               getEnv("PORT", "4021"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		PayTo:              getEnv("WALLET_ADDRESS", ""),
		Network:            types.Network(getEnv("NETWORK", string(types.NetworkBase))),
		Price:              getEnv("PRICE", "$0.001"),
		FacilitatorURL:     getEnv("FACILITATOR_URL", ""),
		FacilitatorTimeout: parseDuration(getEnv("FACILITATOR_TIMEOUT", "10s"), 10*time.Second),
		RPCURL:             getEnv("RPC_URL", ""),
		FacilitatorKey:     getEnv("FACILITATOR_PRIVATE_KEY", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		RoutesFile:         getEnv("ROUTES_FILE", ""),
		ConfigFile:         getEnv("CONFIG_FILE", ""),
		MetricsEnabled:     parseBool(getEnv("METRICS_ENABLED", "true")),
		CDPAPIKeyID:        getEnv("CDP_API_KEY_ID", ""),
		CDPAPIKeySecret:    getEnv("CDP_API_KEY_SECRET", ""),
		ServerURL:          getEnv("SERVER_URL", "http://localhost:4021"),
		WalletKey:          getEnv("WALLET_PRIVATE_KEY", ""),
		AppBaseURL:         getEnv("APP_BASE_URL", "http://localhost:3000"),
		TokenURL:           getEnv("SESSION_TOKEN_URL", "http://localhost:4021/api/session-token"),
		RequestPath:        getEnv("REQUEST_PATH", "/api/premium-content"),
		MaxPayment:         getEnv("MAX_PAYMENT", ""),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	duration, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return duration
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}
