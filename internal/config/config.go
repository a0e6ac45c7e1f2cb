package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port            string
	AllowedOrigin   string
	DatabaseURL     string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	StoreID         string
	LotCacheTTL     time.Duration
	UpstreamBaseURL string
	UpstreamTimeout time.Duration
	RateMaxAge      time.Duration
	AuthSecret      string
	ManagerPIN      string
	LogLevel        string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first if present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:            getEnv("PORT", "8080"),
		AllowedOrigin:   getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         redisDB,
		StoreID:         getEnv("DEFAULT_STORE_ID", "main-store"),
		LotCacheTTL:     getSeconds("LOT_CACHE_TTL_SECONDS", 60),
		UpstreamBaseURL: strings.TrimRight(getEnv("UPSTREAM_BASE_URL", "http://127.0.0.1:9000/api"), "/"),
		UpstreamTimeout: getSeconds("UPSTREAM_TIMEOUT_SECONDS", 10),
		RateMaxAge:      getSeconds("RATE_MAX_AGE_SECONDS", 300),
		AuthSecret:      strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		ManagerPIN:      strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getSeconds falls back when the value is missing, unparseable or below 1.
func getSeconds(key string, fallback int) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(getEnv(key, strconv.Itoa(fallback))))
	if err != nil || n < 1 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}
