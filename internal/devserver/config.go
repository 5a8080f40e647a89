package devserver

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the dev server configuration. Load reads it from CHATSRV_*
// environment variables, which a .env file may provide.
type Config struct {
	Addr           string
	DBPath         string
	Secret         string
	AllowedOrigins []string
	TokenTTL       time.Duration
	// SendRate and SendBurst limit message:send frames per connection.
	SendRate  float64
	SendBurst int
}

// Load loads configuration from environment variables.
func Load() Config {
	cfg := Config{
		Addr:      getenv("CHATSRV_ADDR", ":8080"),
		DBPath:    getenv("CHATSRV_DB", "chatsrv.db"),
		Secret:    getenv("CHATSRV_JWT_SECRET", "dev-secret-change-me"),
		TokenTTL:  24 * time.Hour,
		SendRate:  10,
		SendBurst: 20,
	}
	if v, err := time.ParseDuration(os.Getenv("CHATSRV_TOKEN_TTL")); err == nil && v > 0 {
		cfg.TokenTTL = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("CHATSRV_SEND_RATE"), 64); err == nil && v > 0 {
		cfg.SendRate = v
	}
	origins := getenv("CHATSRV_ALLOWED_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
