package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the process configuration shared by the gateway and the worker.
// Every key is read from the environment (upper-cased) or an optional config
// file.
type Config struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	LogLevel    string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Port        int    `mapstructure:"port" validate:"min=1,max=65535"`

	StateTable       string        `mapstructure:"state_table"`
	InboundQueueURL  string        `mapstructure:"inbound_queue_url" validate:"required,url"`
	ResponseQueueURL string        `mapstructure:"response_queue_url" validate:"omitempty,url"`
	ItemTTL          time.Duration `mapstructure:"item_ttl" validate:"min=0"`

	ParamPrefix         string        `mapstructure:"param_prefix"`
	SecretCacheTTL      time.Duration `mapstructure:"secret_cache_ttl" validate:"min=0"`
	APIKeySecret        string        `mapstructure:"api_key_secret" validate:"required"`
	WhatsAppSecret      string        `mapstructure:"whatsapp_app_secret"`
	TelegramSecretToken string        `mapstructure:"telegram_secret_token"`

	AIProvider          string        `mapstructure:"ai_provider" validate:"oneof=openai anthropic"`
	AITimeout           time.Duration `mapstructure:"ai_timeout" validate:"gt=0"`
	MaxTokens           int           `mapstructure:"max_tokens" validate:"min=1"`
	Temperature         float64       `mapstructure:"temperature" validate:"min=0,max=2"`
	OpenAIModel         string        `mapstructure:"openai_model" validate:"required"`
	OpenAIBaseURL       string        `mapstructure:"openai_base_url" validate:"omitempty,url"`
	OpenAIWindow        int           `mapstructure:"openai_history_window" validate:"min=0"`
	OpenAISecretName    string        `mapstructure:"openai_secret_name" validate:"required"`
	AnthropicModel      string        `mapstructure:"anthropic_model" validate:"required"`
	AnthropicBaseURL    string        `mapstructure:"anthropic_base_url" validate:"omitempty,url"`
	AnthropicWindow     int           `mapstructure:"anthropic_history_window" validate:"min=0"`
	AnthropicSecretName string        `mapstructure:"anthropic_secret_name" validate:"required"`

	MaxOutstanding           int           `mapstructure:"max_outstanding" validate:"min=1"`
	WorkerConcurrency        int           `mapstructure:"worker_concurrency" validate:"min=1"`
	WaitTimeSeconds          int           `mapstructure:"wait_time_seconds" validate:"min=0,max=20"`
	VisibilityTimeoutSeconds int           `mapstructure:"visibility_timeout_seconds" validate:"min=0,max=43200"`
	NackBaseDelay            time.Duration `mapstructure:"nack_base_delay" validate:"min=0"`
	NackMaxDelay             time.Duration `mapstructure:"nack_max_delay" validate:"min=0"`
}

var defaults = map[string]any{
	"service_name": "message-pipeline",
	"log_level":    "info",
	"port":         8080,

	"item_ttl": "0s",

	"param_prefix":     "",
	"secret_cache_ttl": "5m",
	"api_key_secret":   "api-webhook-key",

	"ai_provider":              "openai",
	"ai_timeout":               "30s",
	"max_tokens":               1000,
	"temperature":              0.7,
	"openai_model":             "gpt-4",
	"openai_base_url":          "",
	"openai_history_window":    10,
	"openai_secret_name":       "openai-api-key",
	"anthropic_model":          "claude-3-sonnet-20240229",
	"anthropic_base_url":       "",
	"anthropic_history_window": 5,
	"anthropic_secret_name":    "anthropic-api-key",

	"max_outstanding":            100,
	"worker_concurrency":         10,
	"wait_time_seconds":          20,
	"visibility_timeout_seconds": 0,
	"nack_base_delay":            "0s",
	"nack_max_delay":             "10m",

	// Registered so AutomaticEnv picks them up during Unmarshal.
	"state_table":           "",
	"inbound_queue_url":     "",
	"response_queue_url":    "",
	"whatsapp_app_secret":   "",
	"telegram_secret_token": "",
}

// Load reads configuration from the environment and, when configFile is not
// empty, from that file. Environment values win over the file.
func Load(configFile string) (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(`.`, `_`))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.AIProvider = strings.ToLower(strings.TrimSpace(cfg.AIProvider))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings both processes need.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ValidateWorker checks the additional settings the worker needs.
func (c Config) ValidateWorker() error {
	var missing []string
	if strings.TrimSpace(c.StateTable) == "" {
		missing = append(missing, "STATE_TABLE")
	}
	if strings.TrimSpace(c.ResponseQueueURL) == "" {
		missing = append(missing, "RESPONSE_QUEUE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: required for worker: %s", strings.Join(missing, ", "))
	}
	if c.NackMaxDelay > 0 && c.NackBaseDelay > c.NackMaxDelay {
		return errors.New("config: NACK_BASE_DELAY must not exceed NACK_MAX_DELAY")
	}
	return nil
}

// WaitTime is the SQS long-poll duration.
func (c Config) WaitTime() time.Duration {
	return time.Duration(c.WaitTimeSeconds) * time.Second
}

// VisibilityTimeout is the per-receive visibility override; zero keeps the
// queue default.
func (c Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSeconds) * time.Second
}
