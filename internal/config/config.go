package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort string
	ServiceName string
	SpoolDir    string

	// Session validation
	ValidateEndpoint   string
	SessionCookieName  string
	SessionCookieValue string

	// Upload policy
	StrictUploads bool

	// Import retry policy
	ImportMaxAttempts      int
	ImportRetryDelaySecond int

	// Object storage (bucket and region come from the validation
	// endpoint's app config, not from the environment)
	S3Endpoint string
	S3UseSSL   bool

	// MySQL configuration (import ledger)
	MySQLHost     string
	MySQLPort     string
	MySQLUser     string
	MySQLPassword string
	MySQLDatabase string

	// Redis configuration (status cache)
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Jaeger configuration
	JaegerEndpoint string
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	config := &Config{
		// Service defaults
		ServicePort: getEnv("SERVICE_PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "ahi-uploader"),
		SpoolDir:    getEnv("SPOOL_DIR", os.TempDir()),

		// Session validation defaults
		ValidateEndpoint:   getEnv("VALIDATE_ENDPOINT", "http://localhost:8081/validate"),
		SessionCookieName:  getEnv("SESSION_COOKIE_NAME", "sessionCookie"),
		SessionCookieValue: getEnv("SESSION_COOKIE_VALUE", ""),

		// Upload policy defaults
		StrictUploads: getEnvAsBool("STRICT_UPLOADS", false),

		// Import retry defaults
		ImportMaxAttempts:      getEnvAsInt("IMPORT_MAX_ATTEMPTS", 10),
		ImportRetryDelaySecond: getEnvAsInt("IMPORT_RETRY_DELAY_SECONDS", 5),

		// Object storage defaults
		S3Endpoint: getEnv("S3_ENDPOINT", "s3.amazonaws.com"),
		S3UseSSL:   getEnvAsBool("S3_USE_SSL", true),

		// MySQL defaults
		MySQLHost:     getEnv("MYSQL_HOST", "localhost"),
		MySQLPort:     getEnv("MYSQL_PORT", "3306"),
		MySQLUser:     getEnv("MYSQL_USER", "root"),
		MySQLPassword: getEnv("MYSQL_PASSWORD", ""),
		MySQLDatabase: getEnv("MYSQL_DATABASE", "ahi_uploader"),

		// Redis defaults
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// Jaeger defaults
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:4318"),
	}

	return config, nil
}

// GetDSN returns the MySQL connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.MySQLUser,
		c.MySQLPassword,
		c.MySQLHost,
		c.MySQLPort,
		c.MySQLDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// GetImportRetryDelay returns the delay between import-trigger attempts
func (c *Config) GetImportRetryDelay() time.Duration {
	return time.Duration(c.ImportRetryDelaySecond) * time.Second
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
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
