package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
	TTL      string `yaml:"ttl"`
}

type YamlStoreConfig struct {
	Type       string `yaml:"type"`
	DSN        string `yaml:"dsn"`
	Collection string `yaml:"collection"`
}

type YamlGatewayConfig struct {
	Type      string `yaml:"type"`
	Endpoint  string `yaml:"endpoint"`
	ServerKey string `yaml:"server_key"`
	Timeout   string `yaml:"timeout"`
	BatchSize int    `yaml:"batch_size"`
}

type YamlAPNSConfig struct {
	KeyID    string `yaml:"key_id"`
	TeamID   string `yaml:"team_id"`
	BundleID string `yaml:"bundle_id"`
	P8Key    string `yaml:"p8_key"`
	Sandbox  bool   `yaml:"sandbox"`
}

type YamlReconcileConfig struct {
	InvalidErrorCodes []string `yaml:"invalid_error_codes"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string              `yaml:"project_id"`
	ListenAddr             string              `yaml:"listen_addr"`
	TopicID                string              `yaml:"topic_id"`
	SubscriptionID         string              `yaml:"subscription_id"`
	SubscriptionDLQTopicID string              `yaml:"subscription_dlq_topic_id"`
	CorsConfig             YamlCorsConfig      `yaml:"cors"`
	RedisConfig            YamlRedisConfig     `yaml:"redis"`
	StoreConfig            YamlStoreConfig     `yaml:"store"`
	GatewayConfig          YamlGatewayConfig   `yaml:"gateway"`
	APNSConfig             YamlAPNSConfig      `yaml:"apns"`
	ReconcileConfig        YamlReconcileConfig `yaml:"reconcile"`
	NumPipelineWorkers     int                 `yaml:"num_pipeline_workers"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	redisTTL, err := parseDuration("redis.ttl", baseCfg.RedisConfig.TTL)
	if err != nil {
		return nil, err
	}
	gatewayTimeout, err := parseDuration("gateway.timeout", baseCfg.GatewayConfig.Timeout)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ProjectID:      baseCfg.ProjectID,
		ListenAddr:     baseCfg.ListenAddr,
		TopicID:        baseCfg.TopicID,
		SubscriptionID: baseCfg.SubscriptionID,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
			TTL:      redisTTL,
		},
		Store: StoreConfig{
			Type:       baseCfg.StoreConfig.Type,
			DSN:        baseCfg.StoreConfig.DSN,
			Collection: baseCfg.StoreConfig.Collection,
		},
		Gateway: GatewayConfig{
			Type:      baseCfg.GatewayConfig.Type,
			Endpoint:  baseCfg.GatewayConfig.Endpoint,
			ServerKey: baseCfg.GatewayConfig.ServerKey,
			Timeout:   gatewayTimeout,
			BatchSize: baseCfg.GatewayConfig.BatchSize,
		},
		APNS: APNSConfig{
			KeyID:        baseCfg.APNSConfig.KeyID,
			TeamID:       baseCfg.APNSConfig.TeamID,
			BundleID:     baseCfg.APNSConfig.BundleID,
			P8KeyContent: baseCfg.APNSConfig.P8Key,
			Sandbox:      baseCfg.APNSConfig.Sandbox,
		},
		Reconcile: ReconcileConfig{
			InvalidErrorCodes: baseCfg.ReconcileConfig.InvalidErrorCodes,
		},
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"subscription_id", cfg.SubscriptionID,
		"store", cfg.Store.Type,
		"gateway", cfg.Gateway.Type,
	)

	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
