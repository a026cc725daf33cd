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

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// EngineConfig tunes the dispatch core. Zero values defer to the engine's
// own defaults, so a minimal config stays minimal.
type EngineConfig struct {
	QueueDepth  int
	MaxInFlight int
	RetryBudget int
	// BackoffBase and BackoffCap bound both the per-notification retry
	// delay and the gateway redial schedule.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	AckGrace    time.Duration
	IdleTimeout time.Duration
	// FeedbackInterval is how often the APNs feedback service is drained.
	FeedbackInterval time.Duration
}

type APNSConfig struct {
	Enabled bool
	Sandbox bool
	// CertFile and KeyFile are paths to the PEM client certificate pair.
	CertFile string
	KeyFile  string
	// GatewayAddr and FeedbackAddr override the Apple endpoints, which is
	// how local stand-ins get wired in.
	GatewayAddr  string
	FeedbackAddr string
}

type GCMConfig struct {
	Enabled  bool
	APIKey   string
	Endpoint string
}

type BB10Config struct {
	Enabled       bool
	ApplicationID string
	Password      string
	Endpoint      string
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
	Engine     EngineConfig

	APNS APNSConfig
	GCM  GCMConfig
	BB10 BB10Config

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
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// APNs Overrides
	if val := os.Getenv("APNS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.APNS.Enabled = enabled
	}
	if val := os.Getenv("APNS_SANDBOX"); val != "" {
		sandbox, _ := strconv.ParseBool(val)
		cfg.APNS.Sandbox = sandbox
	}
	if val := os.Getenv("APNS_CERT_FILE"); val != "" {
		logger.Debug("Overriding config value", "key", "APNS_CERT_FILE", "source", "env")
		cfg.APNS.CertFile = val
	}
	if val := os.Getenv("APNS_KEY_FILE"); val != "" {
		logger.Debug("Overriding config value", "key", "APNS_KEY_FILE", "source", "env")
		cfg.APNS.KeyFile = val
	}

	// GCM Overrides
	if val := os.Getenv("GCM_API_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "GCM_API_KEY", "source", "env")
		cfg.GCM.APIKey = val
		cfg.GCM.Enabled = true
	}
	if val := os.Getenv("GCM_ENDPOINT"); val != "" {
		cfg.GCM.Endpoint = val
	}
	if val := os.Getenv("GCM_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.GCM.Enabled = enabled
	}

	// BB10 Overrides
	if val := os.Getenv("BB10_APPLICATION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "BB10_APPLICATION_ID", "source", "env")
		cfg.BB10.ApplicationID = val
	}
	if val := os.Getenv("BB10_PASSWORD"); val != "" {
		cfg.BB10.Password = val
	}
	if val := os.Getenv("BB10_ENDPOINT"); val != "" {
		cfg.BB10.Endpoint = val
	}
	if val := os.Getenv("BB10_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.BB10.Enabled = enabled
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
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

	if !cfg.APNS.Enabled && !cfg.GCM.Enabled && !cfg.BB10.Enabled {
		return nil, fmt.Errorf("at least one vendor must be enabled (apns, gcm or bb10)")
	}
	if cfg.APNS.Enabled && cfg.APNS.GatewayAddr == "" && (cfg.APNS.CertFile == "" || cfg.APNS.KeyFile == "") {
		return nil, fmt.Errorf("apns requires a client certificate pair (cert_file and key_file)")
	}
	if cfg.GCM.Enabled && cfg.GCM.APIKey == "" {
		return nil, fmt.Errorf("gcm requires an api key")
	}
	if cfg.BB10.Enabled && (cfg.BB10.ApplicationID == "" || cfg.BB10.Password == "") {
		return nil, fmt.Errorf("bb10 requires an application id and password")
	}

	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
