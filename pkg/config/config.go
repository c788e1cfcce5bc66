// Package config loads server configuration from the environment and the
// certification policy profile from YAML.
package config

import "os"

// Config holds server configuration.
type Config struct {
	Port           string
	LogLevel       string
	DatabaseDriver string
	DatabaseURL    string
	RedisAddr      string
	WebhookURL     string
	ProfilePath    string
	ArchiveDir     string
	ArchiveBucket  string
	JWTSecret      string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	driver := os.Getenv("DATABASE_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to an embedded local database
		dbURL = "oddc.db"
	}

	archiveDir := os.Getenv("ARCHIVE_DIR")
	if archiveDir == "" {
		archiveDir = "archive"
	}

	return &Config{
		Port:           port,
		LogLevel:       logLevel,
		DatabaseDriver: driver,
		DatabaseURL:    dbURL,
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		WebhookURL:     os.Getenv("WEBHOOK_URL"),
		ProfilePath:    os.Getenv("POLICY_PROFILE"),
		ArchiveDir:     archiveDir,
		ArchiveBucket:  os.Getenv("ARCHIVE_BUCKET"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
	}
}
