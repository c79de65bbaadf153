package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers selectable through STORE_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverDryRun   = "dryrun"
)

type Config struct {
	Port      string
	GinMode   string
	LogMode   string
	JWTSecret string

	StoreDriver string
	DB          DBConfig
	MongoURI    string
	MongoDB     string

	RedisURL          string
	DirectoryCacheTTL time.Duration
	DirectorySeedFile string

	KafkaBrokers []string
	KafkaTopic   string

	CORSOrigins []string
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

func (d DBConfig) DSN() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + d.Port + "/" + d.Name + "?sslmode=" + d.SSLMode
}

// LoadEnvFile loads path into the environment if it exists. Variables already
// set take precedence.
func LoadEnvFile(path string) error {
	return godotenv.Load(path)
}

// Load reads configuration from the environment, filling in defaults.
func Load() (*Config, error) {
	ttl, err := time.ParseDuration(getEnv("DIRECTORY_CACHE_TTL", "5m"))
	if err != nil {
		return nil, fmt.Errorf("DIRECTORY_CACHE_TTL: %w", err)
	}

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		GinMode:   getEnv("GIN_MODE", "debug"),
		LogMode:   getEnv("LOG_MODE", "production"),
		JWTSecret: os.Getenv("JWT_SECRET"),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", DriverPostgres)),
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Name:     getEnv("DB_NAME", "postgres"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		MongoURI: os.Getenv("MONGODB_URI"),
		MongoDB:  getEnv("MONGODB_DB", "hierarchyflow"),

		RedisURL:          os.Getenv("REDIS_URL"),
		DirectoryCacheTTL: ttl,
		DirectorySeedFile: os.Getenv("DIRECTORY_SEED_FILE"),

		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "workflow-events"),

		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "http://localhost:5173,http://127.0.0.1:5173")),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres, DriverDryRun:
	case DriverMongo:
		if c.MongoURI == "" {
			return errors.New("MONGODB_URI is required when STORE_DRIVER=mongo")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (want postgres, mongo or dryrun)", c.StoreDriver)
	}
	if c.GinMode == "release" && c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required in release mode")
	}
	if c.DirectoryCacheTTL <= 0 {
		return errors.New("DIRECTORY_CACHE_TTL must be positive")
	}
	return nil
}

// Secret returns the JWT signing key. Outside release mode an unset secret
// falls back to a development key; Validate refuses that in release mode.
func (c *Config) Secret() []byte {
	if c.JWTSecret == "" {
		return []byte("default_super_secret_key")
	}
	return []byte(c.JWTSecret)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
