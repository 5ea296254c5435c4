package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config carries everything the server binary needs, loaded from the
// environment. A .env file is honored in development when present.
type Config struct {
	ListenAddr string

	// PostgresDSN selects the Postgres store when non-empty; otherwise the
	// in-memory store (with its change feed) is used.
	PostgresDSN string

	// KafkaBrokers enables the Kafka event publisher when non-empty.
	KafkaBrokers []string

	// RedisAddr enables the Redis query-cache backend when non-empty.
	RedisAddr     string
	RedisPassword string

	// OverdraftGuard makes the ledger engine reject withdrawals that would
	// drive a balance negative.
	OverdraftGuard bool
}

// Load reads configuration from the environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
		PostgresDSN:    os.Getenv("POSTGRES_DSN"),
		KafkaBrokers:   splitList(os.Getenv("KAFKA_BROKERS")),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		OverdraftGuard: getBool("OVERDRAFT_GUARD", true),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
