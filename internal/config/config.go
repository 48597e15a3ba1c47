package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StoreBolt     = "bolt"
	StorePostgres = "postgres"
)

type Config struct {
	AppEnv       string
	Port         string
	JWTSecret    string
	VisitorTTL   time.Duration
	Store        string
	BoltPath     string
	DatabaseURL  string
	AMQPURL      string
	AMQPExchange string
	CORSOrigins  []string
}

func (c *Config) IsDev() bool { return c.AppEnv == "dev" }

// Load reads .env when present and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		AppEnv:       valueOr(getenv("APP_ENV"), "prod"),
		Port:         valueOr(getenv("PORT"), "8080"),
		JWTSecret:    getenv("JWT_SECRET"),
		VisitorTTL:   30 * 24 * time.Hour,
		Store:        valueOr(getenv("CHAT_STORE"), StoreMemory),
		BoltPath:     valueOr(getenv("BOLT_PATH"), "chats.db"),
		DatabaseURL:  getenv("DATABASE_URL"),
		AMQPURL:      getenv("AMQP_URL"),
		AMQPExchange: valueOr(getenv("AMQP_EXCHANGE"), "support"),
		CORSOrigins:  splitList(valueOr(getenv("CORS_ORIGINS"), "*")),
	}

	if raw := getenv("VISITOR_TOKEN_TTL_HOURS"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			return nil, fmt.Errorf("VISITOR_TOKEN_TTL_HOURS: invalid value %q", raw)
		}
		cfg.VisitorTTL = time.Duration(hours) * time.Hour
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT: invalid value %q", c.Port)
	}
	switch c.Store {
	case StoreMemory, StoreBolt:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for CHAT_STORE=postgres")
		}
	default:
		return fmt.Errorf("CHAT_STORE: unknown engine %q", c.Store)
	}
	return nil
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
