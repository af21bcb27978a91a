package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	firebase "firebase.google.com/go/v4"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/joho/godotenv"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-gcm-device-service/deviceservice"
	"github.com/tinywideclouds/go-gcm-device-service/deviceservice/config"
	"github.com/tinywideclouds/go-gcm-device-service/internal/dispatcher"
	"github.com/tinywideclouds/go-gcm-device-service/internal/platform/apns"
	"github.com/tinywideclouds/go-gcm-device-service/internal/platform/fcm"
	"github.com/tinywideclouds/go-gcm-device-service/internal/platform/gcmhttp"
	"github.com/tinywideclouds/go-gcm-device-service/internal/reconcile"
	"github.com/tinywideclouds/go-gcm-device-service/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-gcm-device-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-gcm-device-service/internal/storage/memory"
	"github.com/tinywideclouds/go-gcm-device-service/internal/storage/sqlstore"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/dispatch"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-gcm-device-service")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Infrastructure Clients ---
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("PubSub client failed", "err", err)
		os.Exit(1)
	}
	defer psClient.Close()

	// --- Device Store (optionally decorated) ---
	store, closeStore, err := newDeviceStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Device store failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		store = cache.NewCachedDeviceStore(store, redisClient, cfg.Redis.TTL, logger)
		logger.Info("DeviceStore upgraded", "type", "redis_cached_"+cfg.Store.Type)
	}

	// --- Auth ---
	identityURL := os.Getenv("IDENTITY_SERVICE_URL")
	if identityURL == "" {
		identityURL = "http://localhost:3000"
	}
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	if err != nil {
		logger.Error("JWT discovery failed", "err", err)
		os.Exit(1)
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		logger.Error("Auth middleware failed", "err", err)
		os.Exit(1)
	}

	// --- Gateway & Dispatcher ---
	gateway, err := newGateway(ctx, cfg, logger)
	if err != nil {
		logger.Error("Gateway failed", "err", err)
		os.Exit(1)
	}
	policy := reconcile.NewPolicy(cfg.Reconcile.InvalidErrorCodes)
	logger.Info("Reconciliation policy", "invalid_error_codes", policy.Codes())
	d := dispatcher.New(gateway, store, policy, logger)

	// --- Consumer & Service ---
	consumer, err := newIngestionConsumer(ctx, cfg, psClient, logger)
	if err != nil {
		logger.Error("Consumer failed", "err", err)
		os.Exit(1)
	}

	service, err := deviceservice.New(cfg, consumer, d, store, authMiddleware, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = service.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting service...", "store", cfg.Store.Type, "gateway", cfg.Gateway.Type)
	if err := service.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

func newDeviceStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dispatch.Store, func(), error) {
	switch cfg.Store.Type {
	case config.StoreFirestore:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client failed: %w", err)
		}
		logger.Info("DeviceStore initialized", "type", "firestore", "collection", cfg.Store.Collection)
		return fsStore.NewFirestoreStore(fsClient, cfg.Store.Collection), func() { _ = fsClient.Close() }, nil
	case config.StoreMySQL, config.StoreSQLite:
		db, err := sqlstore.InitDB(ctx, cfg.Store.Type, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("DeviceStore initialized", "type", cfg.Store.Type)
		return sqlstore.NewDeviceStore(db), func() { _ = db.Close() }, nil
	case config.StoreMemory:
		logger.Warn("DeviceStore is in-memory; registrations are lost on restart")
		return memory.NewStore(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
}

func newGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dispatch.GatewayClient, error) {
	switch cfg.Gateway.Type {
	case config.GatewayFCM:
		fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Firebase App: %w", err)
		}
		fcmMessaging, err := fbApp.Messaging(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create FCM messaging client: %w", err)
		}
		return fcm.NewGateway(fcmMessaging, cfg.Gateway.BatchSize, logger), nil
	case config.GatewayGCMHTTP:
		return gcmhttp.NewGateway(gcmhttp.Config{
			Endpoint:  cfg.Gateway.Endpoint,
			ServerKey: cfg.Gateway.ServerKey,
			Timeout:   cfg.Gateway.Timeout,
			BatchSize: cfg.Gateway.BatchSize,
		}, logger), nil
	case config.GatewayAPNS:
		return apns.NewGateway(apns.Config{
			KeyID:        cfg.APNS.KeyID,
			TeamID:       cfg.APNS.TeamID,
			BundleID:     cfg.APNS.BundleID,
			P8KeyContent: cfg.APNS.P8KeyContent,
			Sandbox:      cfg.APNS.Sandbox,
		}, logger)
	}
	return nil, fmt.Errorf("unknown gateway type %q", cfg.Gateway.Type)
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.PubsubConsumerConfig.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:               sub,
		Topic:              topicID,
		AckDeadlineSeconds: 10,
	}
	if cfg.SubscriptionDLQTopicID != "" {
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics"),
			MaxDeliveryAttempts: 5,
		}
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", sub)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
