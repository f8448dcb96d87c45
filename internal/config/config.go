/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the tipping-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	TipEventQueue        string `mapstructure:"TIP_EVENT_QUEUE"`
	AuthJWKSURL          string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience         string `mapstructure:"AUTH_AUDIENCE"`
	AuthIssuer           string `mapstructure:"AUTH_ISSUER"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`

	ChainRPCURL             string `mapstructure:"CHAIN_RPC_URL"`
	ChainID                 int64  `mapstructure:"CHAIN_ID"`
	TokenContractAddress    string `mapstructure:"TOKEN_CONTRACT_ADDRESS"`
	SettlementSignerKey     string `mapstructure:"SETTLEMENT_SIGNER_KEY"`
	SettlementConfirmations uint64 `mapstructure:"SETTLEMENT_CONFIRMATIONS"`
	SettlementPollMs        int64  `mapstructure:"SETTLEMENT_POLL_INTERVAL_MS"`

	TipRateLimitPerMinute  int    `mapstructure:"TIP_RATE_LIMIT_PER_MINUTE"`
	ReconcileSchedule      string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileMinAgeMinutes int    `mapstructure:"RECONCILE_MIN_AGE_MINUTES"`
	ReconcileBatchLimit    int    `mapstructure:"RECONCILE_BATCH_LIMIT"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("TIP_EVENT_QUEUE", "tipping_service.settlement_updates")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "tipjar:rate_limit")
	viper.SetDefault("TIP_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("CHAIN_ID", 8453)
	viper.SetDefault("SETTLEMENT_CONFIRMATIONS", 3)
	viper.SetDefault("SETTLEMENT_POLL_INTERVAL_MS", 2000)
	viper.SetDefault("RECONCILE_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("RECONCILE_MIN_AGE_MINUTES", 10)
	viper.SetDefault("RECONCILE_BATCH_LIMIT", 100)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "TIPPING_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("TIP_EVENT_QUEUE")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("AUTH_AUDIENCE")
	_ = viper.BindEnv("AUTH_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "TIPPING_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CHAIN_RPC_URL")
	_ = viper.BindEnv("CHAIN_ID")
	_ = viper.BindEnv("TOKEN_CONTRACT_ADDRESS")
	_ = viper.BindEnv("SETTLEMENT_SIGNER_KEY")
	_ = viper.BindEnv("SETTLEMENT_CONFIRMATIONS")
	_ = viper.BindEnv("SETTLEMENT_POLL_INTERVAL_MS")
	_ = viper.BindEnv("TIP_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_MIN_AGE_MINUTES")
	_ = viper.BindEnv("RECONCILE_BATCH_LIMIT")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("TIPPING_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "tipjar:rate_limit"
	}
	config.TokenContractAddress = strings.TrimSpace(config.TokenContractAddress)
	config.SettlementSignerKey = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(config.SettlementSignerKey), "0x"))

	if config.ChainID <= 0 {
		log.Printf("level=warn component=config msg=\"invalid chain id configured; using default\" chain_id=%d", config.ChainID)
		config.ChainID = 8453
	}
	if config.SettlementConfirmations == 0 {
		config.SettlementConfirmations = 3
	}
	if config.SettlementPollMs <= 0 {
		config.SettlementPollMs = 2000
	}
	if config.TipRateLimitPerMinute <= 0 {
		config.TipRateLimitPerMinute = 30
	}
	if strings.TrimSpace(config.ReconcileSchedule) == "" {
		config.ReconcileSchedule = "*/5 * * * *"
	}
	if config.ReconcileMinAgeMinutes <= 0 {
		config.ReconcileMinAgeMinutes = 10
	}
	if config.ReconcileBatchLimit <= 0 {
		config.ReconcileBatchLimit = 100
	}

	return
}
