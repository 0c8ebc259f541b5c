package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config lists the tunable parameters for the asset tracking server.
type Config struct {
	HTTPPort        int
	BrokerURL       string
	TopicNamespace  string
	DatabasePath    string
	DBMaxConns      int
	LogLevel        string
	ReferenceZone   string
	DuplicateWindow time.Duration
	EnableMDNS      bool
}

const (
	defaultHTTPPort        = 8080
	defaultBrokerURL       = "tcp://localhost:1883"
	defaultTopicNamespace  = "asset_tracking"
	defaultDatabasePath    = "data/assettrack.db"
	defaultDBMaxConns      = 4
	defaultLogLevel        = "info"
	defaultReferenceZone   = "Asia/Kolkata"
	defaultDuplicateWindow = 10 * time.Second
)

// Load derives configuration values from environment variables, falling back
// to defaults. A .env file in the working directory is read first if present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPPort:        defaultHTTPPort,
		BrokerURL:       defaultBrokerURL,
		TopicNamespace:  defaultTopicNamespace,
		DatabasePath:    defaultDatabasePath,
		DBMaxConns:      defaultDBMaxConns,
		LogLevel:        defaultLogLevel,
		ReferenceZone:   defaultReferenceZone,
		DuplicateWindow: defaultDuplicateWindow,
		EnableMDNS:      true,
	}

	if v := os.Getenv("ASSETTRACK_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ASSETTRACK_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("ASSETTRACK_BROKER_URL"); v != "" {
		cfg.BrokerURL = v
	}

	if v := os.Getenv("ASSETTRACK_TOPIC_NAMESPACE"); v != "" {
		cfg.TopicNamespace = v
	}

	if v := os.Getenv("ASSETTRACK_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("ASSETTRACK_DB_MAX_CONNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("invalid ASSETTRACK_DB_MAX_CONNS: %q", v)
		}
		cfg.DBMaxConns = n
	}

	if v := os.Getenv("ASSETTRACK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("ASSETTRACK_REFERENCE_ZONE"); v != "" {
		cfg.ReferenceZone = v
	}

	if v := os.Getenv("ASSETTRACK_DUPLICATE_WINDOW_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			return Config{}, fmt.Errorf("invalid ASSETTRACK_DUPLICATE_WINDOW_SECONDS: %q", v)
		}
		cfg.DuplicateWindow = time.Duration(secs) * time.Second
	}

	if v := os.Getenv("ASSETTRACK_ENABLE_MDNS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ASSETTRACK_ENABLE_MDNS: %w", err)
		}
		cfg.EnableMDNS = enabled
	}

	return cfg, nil
}
