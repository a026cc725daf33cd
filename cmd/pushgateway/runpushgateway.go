package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-gateway/internal/dispatch"
	"github.com/tinywideclouds/go-push-gateway/internal/engine"
	"github.com/tinywideclouds/go-push-gateway/internal/feedback"
	"github.com/tinywideclouds/go-push-gateway/internal/gateway"
	"github.com/tinywideclouds/go-push-gateway/internal/platform/apns"
	"github.com/tinywideclouds/go-push-gateway/internal/platform/bb10"
	"github.com/tinywideclouds/go-push-gateway/internal/platform/gcm"
	"github.com/tinywideclouds/go-push-gateway/internal/wire"
	"github.com/tinywideclouds/go-push-gateway/pkg/push"

	"github.com/tinywideclouds/go-push-gateway/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-push-gateway/internal/storage/firestore"

	"github.com/tinywideclouds/go-push-gateway/pushgateway"
	"github.com/tinywideclouds/go-push-gateway/pushgateway/config"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-push-gateway")
	slog.SetDefault(logger)

	ctx := context.Background()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Config mapping failed", "err", err)
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

	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("Firestore client failed", "err", err)
		os.Exit(1)
	}
	defer fsClient.Close()

	// --- Token Registry (Decorated) ---
	var registry push.TokenRegistry = fsStore.NewStore(fsClient, logger)
	logger.Info("TokenRegistry initialized", "type", "firestore")

	var suppressor push.Suppressor
	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		registry = cache.NewCachedRegistry(registry, redisClient, 24*time.Hour)
		suppressor = cache.NewSuppressionStore(redisClient, cache.DefaultSuppressionTTL, logger)
		logger.Info("TokenRegistry upgraded", "type", "redis_cached_firestore")
	}

	// --- Auth ---
	identityURL := os.Getenv("IDENTITY_SERVICE_URL")
	if identityURL == "" {
		identityURL = "http://localhost:3000"
	}
	jwksURL, _ := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	authMiddleware, _ := middleware.NewJWKSAuthMiddleware(jwksURL, logger)

	// --- Dispatch Engine ---
	routes, err := buildRoutes(cfg, logger)
	if err != nil {
		logger.Error("Vendor route setup failed", "err", err)
		os.Exit(1)
	}

	eng, err := engine.New(engine.Config{
		Routes:         routes,
		Feedback:       feedback.Config{PollInterval: cfg.Engine.FeedbackInterval},
		RetryBaseDelay: cfg.Engine.BackoffBase,
		RetryMaxDelay:  cfg.Engine.BackoffCap,
	}, logger)
	if err != nil {
		logger.Error("Engine creation failed", "err", err)
		os.Exit(1)
	}

	// --- Consumer & Service ---
	consumer, err := newIngestionConsumer(ctx, cfg, psClient, logger)
	if err != nil {
		logger.Error("Consumer setup failed", "err", err)
		os.Exit(1)
	}

	service, err := pushgateway.New(
		cfg,
		consumer,
		eng,
		registry,
		suppressor,
		authMiddleware,
		logger,
	)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	logger.Info("Starting service...")
	if err := service.Start(ctx); err != nil {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

// buildRoutes assembles one engine route per enabled vendor. Tracker and
// manager tuning is shared; only the codec, dialer and feedback source differ.
func buildRoutes(cfg *config.Config, logger *slog.Logger) ([]engine.RouteConfig, error) {
	tracker := dispatch.TrackerConfig{
		RetryBudget: cfg.Engine.RetryBudget,
		AckGrace:    cfg.Engine.AckGrace,
		MaxInFlight: cfg.Engine.MaxInFlight,
	}
	manager := gateway.ManagerConfig{
		InitialBackoff: cfg.Engine.BackoffBase,
		MaxBackoff:     cfg.Engine.BackoffCap,
		IdleTimeout:    cfg.Engine.IdleTimeout,
	}

	var routes []engine.RouteConfig

	if cfg.APNS.Enabled {
		apnsCfg := apns.Config{
			Environment:  push.EnvironmentProduction,
			GatewayAddr:  cfg.APNS.GatewayAddr,
			FeedbackAddr: cfg.APNS.FeedbackAddr,
		}
		if cfg.APNS.Sandbox {
			apnsCfg.Environment = push.EnvironmentSandbox
		}
		if cfg.APNS.CertFile != "" {
			certPEM, err := os.ReadFile(cfg.APNS.CertFile)
			if err != nil {
				return nil, fmt.Errorf("read apns cert_file: %w", err)
			}
			keyPEM, err := os.ReadFile(cfg.APNS.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("read apns key_file: %w", err)
			}
			apnsCfg.CertPEM = certPEM
			apnsCfg.KeyPEM = keyPEM
		}

		dialer, err := apns.NewDialer(apnsCfg, logger)
		if err != nil {
			return nil, err
		}
		feedbackClient, err := apns.NewFeedbackClient(apnsCfg, logger)
		if err != nil {
			return nil, err
		}
		routes = append(routes, engine.RouteConfig{
			Codec:          wire.NewAPNSCodec(),
			Dialer:         dialer,
			QueueDepth:     cfg.Engine.QueueDepth,
			Deferred:       true,
			FeedbackSource: feedbackClient,
			Tracker:        tracker,
			Manager:        manager,
		})
		logger.Info("APNs route enabled", "environment", string(apnsCfg.Environment))
	}

	if cfg.GCM.Enabled {
		dialer, err := gcm.NewDialer(gcm.Config{
			APIKey:   cfg.GCM.APIKey,
			Endpoint: cfg.GCM.Endpoint,
		}, logger)
		if err != nil {
			return nil, err
		}
		routes = append(routes, engine.RouteConfig{
			Codec:      wire.NewGCMCodec(),
			Dialer:     dialer,
			QueueDepth: cfg.Engine.QueueDepth,
			Tracker:    tracker,
			Manager:    manager,
		})
		logger.Info("GCM route enabled")
	}

	if cfg.BB10.Enabled {
		dialer, err := bb10.NewDialer(bb10.Config{
			ApplicationID: cfg.BB10.ApplicationID,
			Password:      cfg.BB10.Password,
			Endpoint:      cfg.BB10.Endpoint,
		}, logger)
		if err != nil {
			return nil, err
		}
		routes = append(routes, engine.RouteConfig{
			Codec:      wire.NewBB10Codec(cfg.BB10.ApplicationID),
			Dialer:     dialer,
			QueueDepth: cfg.Engine.QueueDepth,
			Tracker:    tracker,
			Manager:    manager,
		})
		logger.Info("BB10 route enabled", "application_id", cfg.BB10.ApplicationID)
	}

	return routes, nil
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.PubsubConsumerConfig.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")
	dlt := convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:               sub,
		Topic:              topicID,
		AckDeadlineSeconds: 10,
		DeadLetterPolicy: &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     dlt,
			MaxDeliveryAttempts: 5,
		},
		EnableMessageOrdering: false,
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
