package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	GeminiAPIKey string
	GeminiModel  string
	HTTPPort     string
	LogLevel     string
	JWTSecret    string

	StoreDriver string // sqlite or badger
	DatabaseURL string
	BadgerPath  string
	SeedReports bool

	DataSource       string // mock or sql
	DataSourceDriver string
	DataSourceURL    string
	CacheURL         string
	CacheTTL         time.Duration

	ModelTimeout     time.Duration
	QueryTimeout     time.Duration
	RenderTimeout    time.Duration
	QueryConcurrency int
	SessionTTL       time.Duration

	CORSOrigins []string
}

var AppConfig Config

func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	AppConfig = Config{
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		HTTPPort:     getEnv("HTTP_PORT", "8080"),
		LogLevel:     getEnv("LOG_LEVEL", "INFO"),
		JWTSecret:    getEnv("JWT_SECRET", ""),

		StoreDriver: getEnv("STORE_DRIVER", "sqlite"),
		DatabaseURL: getEnv("DATABASE_URL", "report_studio.db"),
		BadgerPath:  getEnv("BADGER_PATH", "report_studio.badger"),
		SeedReports: getEnvAsBool("SEED_REPORTS", true),

		DataSource:       getEnv("DATA_SOURCE", "mock"),
		DataSourceDriver: getEnv("DATA_SOURCE_DRIVER", "sqlite3"),
		DataSourceURL:    getEnv("DATA_SOURCE_URL", ""),
		CacheURL:         getEnv("CACHE_URL", ""),
		CacheTTL:         getEnvAsDuration("CACHE_TTL", 5*time.Minute),

		ModelTimeout:     getEnvAsDuration("MODEL_TIMEOUT", 90*time.Second),
		QueryTimeout:     getEnvAsDuration("QUERY_TIMEOUT", 30*time.Second),
		RenderTimeout:    getEnvAsDuration("RENDER_TIMEOUT", 2*time.Second),
		QueryConcurrency: getEnvAsInt("QUERY_CONCURRENCY", 4),
		SessionTTL:       getEnvAsDuration("SESSION_TTL", 30*time.Minute),

		CORSOrigins: getEnvAsList("CORS_ORIGINS", []string{"*"}),
	}

	if AppConfig.GeminiAPIKey == "" {
		log.Println("GEMINI_API_KEY is not set; model features and the mock data source are unavailable")
	}
	if AppConfig.JWTSecret == "" {
		log.Println("JWT_SECRET is not set; API authentication is disabled")
	}
}

// Debug reports whether extra diagnostics should be logged.
func (c Config) Debug() bool {
	return strings.EqualFold(c.LogLevel, "DEBUG")
}

// StoreDSN returns the location of the saved report store for the
// configured driver.
func (c Config) StoreDSN() string {
	if c.StoreDriver == "badger" {
		return c.BadgerPath
	}
	return c.DatabaseURL
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
