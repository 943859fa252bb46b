package relay

import (
	"os"
	"strconv"
	"time"
)

// Config holds relay server configuration from environment variables.
type Config struct {
	// Server
	ListenAddr string
	ServerName string

	// Subscription store
	DatabasePath     string
	MaxSubscriptions int

	// Push gateway
	GatewayURL   string
	GatewayToken string

	// Logging
	LogLevel string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	return &Config{
		ListenAddr:       getEnv("PUSHRELAY_LISTEN", ":3000"),
		ServerName:       getEnv("PUSHRELAY_SERVER_NAME", "pushrelay"),
		DatabasePath:     getEnv("PUSHRELAY_DB_PATH", "./pushrelay.db"),
		MaxSubscriptions: parseInt("PUSHRELAY_MAX_SUBSCRIPTIONS", 1000),
		GatewayURL:       os.Getenv("PUSHRELAY_GATEWAY_URL"),
		GatewayToken:     os.Getenv("PUSHRELAY_GATEWAY_TOKEN"),
		LogLevel:         getEnv("PUSHRELAY_LOG_LEVEL", "info"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

// Timeouts shared by the socket handler.
const (
	writeWait = 10 * time.Second
)
