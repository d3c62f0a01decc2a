// Package config loads service configuration from a yaml file and
// environment variables, env taking precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds everything the workers and CLI need to run.
type Config struct {
	// Infrastructure
	RedisAddr     string
	RedisPassword string
	StorePrefix   string
	MetricsAddr   string

	// Provider driver endpoints
	CloudAPIBaseURL   string
	WebSessionBaseURL string
	TurboBaseURL      string

	// Autopilot tuning
	DailyCapContact      int
	DailyCapWorkspace    int
	SendWindowStartHour  int
	SendWindowEndHour    int
	FollowupDelayMinutes int
	SilenceBeforeHours   int
	CycleBatchLimit      int

	// Queue and self-healer tuning
	FlowWorkers         int
	SendWorkers         int
	AutopilotWorkers    int
	DeadLetterInterval  time.Duration
	AlertCooldown       time.Duration
	AlertWebhookURL     string

	// Limits
	SkipRateLimits bool
}

// Load reads zapflow_config.yaml (working dir, ./config, $HOME/.zapflow) and
// overlays environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	envMappings := map[string]string{
		"RedisAddr":            "REDIS_ADDR",
		"RedisPassword":        "REDIS_PASSWORD",
		"StorePrefix":          "STORE_PREFIX",
		"MetricsAddr":          "METRICS_ADDR",
		"CloudAPIBaseURL":      "CLOUDAPI_BASE_URL",
		"WebSessionBaseURL":    "WEBSESSION_BASE_URL",
		"TurboBaseURL":         "TURBO_BASE_URL",
		"DailyCapContact":      "AUTOPILOT_DAILY_CAP_CONTACT",
		"DailyCapWorkspace":    "AUTOPILOT_DAILY_CAP_WORKSPACE",
		"SendWindowStartHour":  "SEND_WINDOW_START_HOUR",
		"SendWindowEndHour":    "SEND_WINDOW_END_HOUR",
		"FollowupDelayMinutes": "FOLLOWUP_DELAY_MINUTES",
		"SilenceBeforeHours":   "SILENCE_BEFORE_FOLLOWUP_HOURS",
		"CycleBatchLimit":      "CYCLE_BATCH_LIMIT",
		"FlowWorkers":          "FLOW_WORKERS",
		"SendWorkers":          "SEND_WORKERS",
		"AutopilotWorkers":     "AUTOPILOT_WORKERS",
		"DeadLetterInterval":   "DEAD_LETTER_INTERVAL",
		"AlertCooldown":        "ALERT_COOLDOWN",
		"AlertWebhookURL":      "ALERT_WEBHOOK_URL",
		"SkipRateLimits":       "SKIP_RATE_LIMITS",
	}
	for key, envVar := range envMappings {
		if err := v.BindEnv(key, envVar); err != nil {
			log.Warn().Err(err).Msgf("Failed to bind environment variable %s", envVar)
		}
	}

	v.SetConfigName("zapflow_config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.zapflow")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug().Msg("Config file not found, using environment variables and defaults")
	} else {
		log.Info().Msgf("Using config file: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("RedisAddr", "localhost:6379")
	v.SetDefault("StorePrefix", "zf")
	v.SetDefault("MetricsAddr", ":9090")

	v.SetDefault("CloudAPIBaseURL", "https://graph.facebook.com/v19.0")
	v.SetDefault("WebSessionBaseURL", "http://localhost:3333")

	v.SetDefault("DailyCapContact", 5)
	v.SetDefault("DailyCapWorkspace", 1000)
	v.SetDefault("SendWindowStartHour", 8)
	v.SetDefault("SendWindowEndHour", 22)
	v.SetDefault("FollowupDelayMinutes", 45)
	v.SetDefault("SilenceBeforeHours", 6)
	v.SetDefault("CycleBatchLimit", 100)

	v.SetDefault("FlowWorkers", 8)
	v.SetDefault("SendWorkers", 16)
	v.SetDefault("AutopilotWorkers", 4)
	v.SetDefault("DeadLetterInterval", 5*time.Minute)
	v.SetDefault("AlertCooldown", 15*time.Minute)
}
