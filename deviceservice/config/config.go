package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

// Store backends.
const (
	StoreFirestore = "firestore"
	StoreMySQL     = "mysql"
	StoreSQLite    = "sqlite3"
	StoreMemory    = "memory"
)

// Gateway backends.
const (
	GatewayFCM     = "fcm"
	GatewayGCMHTTP = "gcm_http"
	GatewayAPNS    = "apns"
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type StoreConfig struct {
	Type       string
	DSN        string
	Collection string
}

type GatewayConfig struct {
	Type      string
	Endpoint  string
	ServerKey string
	Timeout   time.Duration
	BatchSize int
}

type APNSConfig struct {
	KeyID        string
	TeamID       string
	BundleID     string
	P8KeyContent string
	Sandbox      bool
}

type ReconcileConfig struct {
	// InvalidErrorCodes are the gateway errors that deactivate a device.
	// Empty means the built-in default set.
	InvalidErrorCodes []string
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int

	CorsConfig middleware.CorsConfig
	Redis      RedisConfig
	Store      StoreConfig
	Gateway    GatewayConfig
	APNS       APNSConfig
	Reconcile  ReconcileConfig

	TopicID              string
	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "TOPIC_ID", "source", "env")
		cfg.TopicID = val
	}
	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.SubscriptionID = val
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	if val := os.Getenv("SUBSCRIPTION_DLQ_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_DLQ_TOPIC_ID", "source", "env")
		cfg.SubscriptionDLQTopicID = val
	}
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_PIPELINE_WORKERS", "source", "env")
			cfg.NumPipelineWorkers = workers
		}
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_TTL"); val != "" {
		if ttl, err := time.ParseDuration(val); err == nil {
			cfg.Redis.TTL = ttl
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// Store Overrides
	if val := os.Getenv("STORE_TYPE"); val != "" {
		logger.Debug("Overriding config value", "key", "STORE_TYPE", "source", "env")
		cfg.Store.Type = val
	}
	if val := os.Getenv("STORE_DSN"); val != "" {
		logger.Debug("Overriding config value", "key", "STORE_DSN", "source", "env")
		cfg.Store.DSN = val
	}

	// Gateway Overrides
	if val := os.Getenv("GATEWAY_TYPE"); val != "" {
		logger.Debug("Overriding config value", "key", "GATEWAY_TYPE", "source", "env")
		cfg.Gateway.Type = val
	}
	if val := os.Getenv("GCM_ENDPOINT"); val != "" {
		cfg.Gateway.Endpoint = val
	}
	if val := os.Getenv("GCM_SERVER_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "GCM_SERVER_KEY", "source", "env")
		cfg.Gateway.ServerKey = val
	}

	// APNs Overrides
	if val := os.Getenv("APNS_KEY_ID"); val != "" {
		cfg.APNS.KeyID = val
	}
	if val := os.Getenv("APNS_TEAM_ID"); val != "" {
		cfg.APNS.TeamID = val
	}
	if val := os.Getenv("APNS_BUNDLE_ID"); val != "" {
		cfg.APNS.BundleID = val
	}
	if val := os.Getenv("APNS_P8_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "APNS_P8_KEY", "source", "env")
		cfg.APNS.P8KeyContent = val
	}
	if val := os.Getenv("APNS_SANDBOX"); val != "" {
		sandbox, _ := strconv.ParseBool(val)
		cfg.APNS.Sandbox = sandbox
	}

	if val := os.Getenv("INVALID_ERROR_CODES"); val != "" {
		logger.Debug("Overriding config value", "key", "INVALID_ERROR_CODES", "source", "env")
		cfg.Reconcile.InvalidErrorCodes = splitList(val)
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		cfg.CorsConfig.AllowedOrigins = splitList(corsOrigins)
	}

	// 2. Final Validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription_id is required (set via YAML or SUBSCRIPTION_ID env var)")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 24 * time.Hour
	}

	if err := validateStore(&cfg.Store); err != nil {
		return nil, err
	}
	if err := validateGateway(cfg); err != nil {
		return nil, err
	}

	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func validateStore(s *StoreConfig) error {
	if s.Type == "" {
		s.Type = StoreFirestore
	}
	switch s.Type {
	case StoreFirestore:
		if s.Collection == "" {
			s.Collection = "devices"
		}
	case StoreMySQL, StoreSQLite:
		if s.DSN == "" {
			return fmt.Errorf("store.dsn is required for store type %q (set via YAML or STORE_DSN env var)", s.Type)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store type %q", s.Type)
	}
	return nil
}

func validateGateway(cfg *Config) error {
	g := &cfg.Gateway
	if g.Type == "" {
		g.Type = GatewayFCM
	}
	switch g.Type {
	case GatewayFCM:
	case GatewayGCMHTTP:
		if g.ServerKey == "" {
			return fmt.Errorf("gateway.server_key is required for gcm_http (set via YAML or GCM_SERVER_KEY env var)")
		}
	case GatewayAPNS:
		a := cfg.APNS
		if a.KeyID == "" || a.TeamID == "" || a.BundleID == "" || a.P8KeyContent == "" {
			return fmt.Errorf("apns key_id, team_id, bundle_id and p8 key are required for the apns gateway")
		}
	default:
		return fmt.Errorf("unknown gateway type %q", g.Type)
	}
	if g.BatchSize < 0 {
		return fmt.Errorf("gateway.batch_size must not be negative")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
