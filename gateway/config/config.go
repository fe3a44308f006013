// Package config loads the gateway's environment configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the gateway configuration parsed from the environment.
type Config struct {
	Port string

	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	QueuePrefix   string

	MongoURI      string
	MongoDatabase string

	BufferSize  int
	CORSOrigins []string

	SentryDSN       string
	GeoIPCityDBPath string
	SlackBotToken   string
	SlackChannel    string
}

// cfg holds the parsed configuration
var cfg Config

// Get returns the loaded configuration.
func Get() Config {
	return cfg
}

// Load initializes configuration from environment variables.
func Load() error {
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "3000"
	}

	cfg.RedisHost = os.Getenv("REDIS_HOST")
	if cfg.RedisHost == "" {
		cfg.RedisHost = "localhost"
	}

	cfg.RedisPort = 6379
	if v := os.Getenv("REDIS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_PORT %q: %w", v, err)
		}
		cfg.RedisPort = port
	}

	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	cfg.RedisDB = 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
		cfg.RedisDB = db
	}

	cfg.QueuePrefix = os.Getenv("QUEUE_PREFIX")

	cfg.MongoURI = os.Getenv("MONGO_URI")
	if cfg.MongoURI == "" {
		cfg.MongoURI = "mongodb://localhost:27017"
	}

	cfg.MongoDatabase = os.Getenv("MONGO_DATABASE")
	if cfg.MongoDatabase == "" {
		cfg.MongoDatabase = "telemetry"
	}

	cfg.BufferSize = 100
	if v := os.Getenv("BUFFER_SIZE"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size <= 0 {
			return fmt.Errorf("invalid BUFFER_SIZE %q", v)
		}
		cfg.BufferSize = size
	}

	cfg.CORSOrigins = []string{"*"}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = strings.Split(origins, ",")
	}

	cfg.SentryDSN = os.Getenv("SENTRY_DSN")
	cfg.GeoIPCityDBPath = os.Getenv("GEOIP_CITY_DB_PATH")
	cfg.SlackBotToken = os.Getenv("SLACK_BOT_TOKEN")
	cfg.SlackChannel = os.Getenv("SLACK_ALERT_CHANNEL")

	return nil
}
