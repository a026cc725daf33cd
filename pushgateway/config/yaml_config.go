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
}

// YamlEngineConfig carries durations as strings ("500ms", "12h") since the
// yaml decoder has no native time.Duration support.
type YamlEngineConfig struct {
	QueueDepth       int    `yaml:"queue_depth"`
	MaxInFlight      int    `yaml:"max_in_flight"`
	RetryBudget      int    `yaml:"retry_budget"`
	BackoffBase      string `yaml:"backoff_base"`
	BackoffCap       string `yaml:"backoff_cap"`
	AckGrace         string `yaml:"ack_grace"`
	IdleTimeout      string `yaml:"idle_timeout"`
	FeedbackInterval string `yaml:"feedback_interval"`
}

type YamlAPNSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Sandbox      bool   `yaml:"sandbox"`
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	GatewayAddr  string `yaml:"gateway_addr"`
	FeedbackAddr string `yaml:"feedback_addr"`
}

type YamlGCMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
}

type YamlBB10Config struct {
	Enabled       bool   `yaml:"enabled"`
	ApplicationID string `yaml:"application_id"`
	Password      string `yaml:"password"`
	Endpoint      string `yaml:"endpoint"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string           `yaml:"project_id"`
	ListenAddr             string           `yaml:"listen_addr"`
	TopicID                string           `yaml:"topic_id"`
	SubscriptionID         string           `yaml:"subscription_id"`
	SubscriptionDLQTopicID string           `yaml:"subscription_dlq_topic_id"`
	CorsConfig             YamlCorsConfig   `yaml:"cors"`
	RedisConfig            YamlRedisConfig  `yaml:"redis"`
	EngineConfig           YamlEngineConfig `yaml:"engine"`
	APNSConfig             YamlAPNSConfig   `yaml:"apns"`
	GCMConfig              YamlGCMConfig    `yaml:"gcm"`
	BB10Config             YamlBB10Config   `yaml:"bb10"`
	NumPipelineWorkers     int              `yaml:"num_pipeline_workers"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	engineCfg, err := mapEngineConfig(baseCfg.EngineConfig)
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
		},
		Engine: engineCfg,
		APNS: APNSConfig{
			Enabled:      baseCfg.APNSConfig.Enabled,
			Sandbox:      baseCfg.APNSConfig.Sandbox,
			CertFile:     baseCfg.APNSConfig.CertFile,
			KeyFile:      baseCfg.APNSConfig.KeyFile,
			GatewayAddr:  baseCfg.APNSConfig.GatewayAddr,
			FeedbackAddr: baseCfg.APNSConfig.FeedbackAddr,
		},
		GCM: GCMConfig{
			Enabled:  baseCfg.GCMConfig.Enabled,
			APIKey:   baseCfg.GCMConfig.APIKey,
			Endpoint: baseCfg.GCMConfig.Endpoint,
		},
		BB10: BB10Config{
			Enabled:       baseCfg.BB10Config.Enabled,
			ApplicationID: baseCfg.BB10Config.ApplicationID,
			Password:      baseCfg.BB10Config.Password,
			Endpoint:      baseCfg.BB10Config.Endpoint,
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
	)

	return cfg, nil
}

func mapEngineConfig(yc YamlEngineConfig) (EngineConfig, error) {
	cfg := EngineConfig{
		QueueDepth:  yc.QueueDepth,
		MaxInFlight: yc.MaxInFlight,
		RetryBudget: yc.RetryBudget,
	}
	for _, field := range []struct {
		name  string
		value string
		dest  *time.Duration
	}{
		{"backoff_base", yc.BackoffBase, &cfg.BackoffBase},
		{"backoff_cap", yc.BackoffCap, &cfg.BackoffCap},
		{"ack_grace", yc.AckGrace, &cfg.AckGrace},
		{"idle_timeout", yc.IdleTimeout, &cfg.IdleTimeout},
		{"feedback_interval", yc.FeedbackInterval, &cfg.FeedbackInterval},
	} {
		if field.value == "" {
			continue
		}
		d, err := time.ParseDuration(field.value)
		if err != nil {
			return EngineConfig{}, fmt.Errorf("invalid engine.%s %q: %w", field.name, field.value, err)
		}
		*field.dest = d
	}
	return cfg, nil
}
