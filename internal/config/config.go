/**
 * @description
 * This package handles the configuration management for the affiliate subscription service.
 * It uses the Viper library to read configuration from environment variables or an
 * optional .env file, applying defaults and coercing invalid values back to safe ones.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading.
 * - github.com/shopspring/decimal: price and rate settings.
 */
package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultSubscriptionPriceUSD = "5.00"
	defaultFallbackSuiUSDRate   = "1.00"
	defaultTrialDays            = 14
	defaultBonusDays            = 7
	defaultPriceFeedTimeoutSec  = 5
	defaultPendingPaymentTTLHrs = 24
	defaultUnappliedAlertMin    = 30
	defaultPaymentRateLimit     = 20
)

// Config holds all configuration for the application.
type Config struct {
	ServerPort      string `mapstructure:"SERVER_PORT"`
	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	RedisURL        string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix  string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL     string `mapstructure:"RABBITMQ_URL"`
	EventsExchange  string `mapstructure:"EVENTS_EXCHANGE"`
	// InboundExchange carries ticket purchases and payment confirmations from other services.
	InboundExchange string `mapstructure:"INBOUND_EXCHANGE"`
	BonusEventQueue string `mapstructure:"BONUS_EVENT_QUEUE"`
	JWKSURL         string `mapstructure:"JWKS_URL"`
	JWTAudience     string `mapstructure:"JWT_AUDIENCE"`
	JWTIssuer       string `mapstructure:"JWT_ISSUER"`
	InternalAPIKey  string `mapstructure:"INTERNAL_API_KEY"`

	PriceFeedURL            string `mapstructure:"PRICE_FEED_URL"`
	PriceFeedTimeoutSeconds int    `mapstructure:"PRICE_FEED_TIMEOUT_SECONDS"`
	SubscriptionPriceUSDRaw string `mapstructure:"SUBSCRIPTION_PRICE_USD"`
	FallbackSuiUSDRateRaw   string `mapstructure:"FALLBACK_SUI_USD_RATE"`
	SuiRPCURL               string `mapstructure:"SUI_RPC_URL"`
	ChainVerifierMode       string `mapstructure:"CHAIN_VERIFIER_MODE"`

	TrialDays                  int `mapstructure:"TRIAL_DAYS"`
	DefaultBonusDays           int `mapstructure:"DEFAULT_BONUS_DAYS"`
	PendingPaymentTTLHours     int `mapstructure:"PENDING_PAYMENT_TTL_HOURS"`
	UnappliedBonusAlertMinutes int `mapstructure:"UNAPPLIED_BONUS_ALERT_MINUTES"`
	PaymentRateLimitPerMinute  int `mapstructure:"PAYMENT_RATE_LIMIT_PER_MINUTE"`

	PendingPaymentJobSchedule string `mapstructure:"PENDING_PAYMENT_JOB_SCHEDULE"`
	UnappliedBonusJobSchedule string `mapstructure:"UNAPPLIED_BONUS_JOB_SCHEDULE"`

	SubscriptionPriceUSD decimal.Decimal `mapstructure:"-"`
	FallbackSuiUSDRate   decimal.Decimal `mapstructure:"-"`
}

// PriceFeedTimeout is the bound on a single price feed request.
func (c Config) PriceFeedTimeout() time.Duration {
	return time.Duration(c.PriceFeedTimeoutSeconds) * time.Second
}

// PendingPaymentTTL is how long a payment may stay pending before it is failed.
func (c Config) PendingPaymentTTL() time.Duration {
	return time.Duration(c.PendingPaymentTTLHours) * time.Hour
}

// UnappliedBonusAlertAfter is the age after which an unapplied bonus event is reported.
func (c Config) UnappliedBonusAlertAfter() time.Duration {
	return time.Duration(c.UnappliedBonusAlertMinutes) * time.Minute
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8085")
	viper.SetDefault("REDIS_KEY_PREFIX", "affiliate:subscriptions")
	viper.SetDefault("EVENTS_EXCHANGE", "affiliate.events")
	viper.SetDefault("INBOUND_EXCHANGE", "commerce.events")
	viper.SetDefault("BONUS_EVENT_QUEUE", "affiliate_subscription.inbound")
	viper.SetDefault("PRICE_FEED_URL", "https://api.coingecko.com/api/v3/simple/price?ids=sui&vs_currencies=usd")
	viper.SetDefault("PRICE_FEED_TIMEOUT_SECONDS", defaultPriceFeedTimeoutSec)
	viper.SetDefault("SUBSCRIPTION_PRICE_USD", defaultSubscriptionPriceUSD)
	viper.SetDefault("FALLBACK_SUI_USD_RATE", defaultFallbackSuiUSDRate)
	viper.SetDefault("SUI_RPC_URL", "https://fullnode.mainnet.sui.io:443")
	viper.SetDefault("CHAIN_VERIFIER_MODE", "rpc")
	viper.SetDefault("TRIAL_DAYS", defaultTrialDays)
	viper.SetDefault("DEFAULT_BONUS_DAYS", defaultBonusDays)
	viper.SetDefault("PENDING_PAYMENT_TTL_HOURS", defaultPendingPaymentTTLHrs)
	viper.SetDefault("UNAPPLIED_BONUS_ALERT_MINUTES", defaultUnappliedAlertMin)
	viper.SetDefault("PAYMENT_RATE_LIMIT_PER_MINUTE", defaultPaymentRateLimit)
	viper.SetDefault("PENDING_PAYMENT_JOB_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("UNAPPLIED_BONUS_JOB_SCHEDULE", "*/10 * * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("INBOUND_EXCHANGE")
	_ = viper.BindEnv("BONUS_EVENT_QUEUE")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("PRICE_FEED_URL")
	_ = viper.BindEnv("PRICE_FEED_TIMEOUT_SECONDS")
	_ = viper.BindEnv("SUBSCRIPTION_PRICE_USD")
	_ = viper.BindEnv("FALLBACK_SUI_USD_RATE")
	_ = viper.BindEnv("SUI_RPC_URL")
	_ = viper.BindEnv("CHAIN_VERIFIER_MODE")
	_ = viper.BindEnv("TRIAL_DAYS")
	_ = viper.BindEnv("DEFAULT_BONUS_DAYS")
	_ = viper.BindEnv("PENDING_PAYMENT_TTL_HOURS")
	_ = viper.BindEnv("UNAPPLIED_BONUS_ALERT_MINUTES")
	_ = viper.BindEnv("PAYMENT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("PENDING_PAYMENT_JOB_SCHEDULE")
	_ = viper.BindEnv("UNAPPLIED_BONUS_JOB_SCHEDULE")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "affiliate:subscriptions"
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)

	config.SubscriptionPriceUSD = parsePositiveDecimal("SUBSCRIPTION_PRICE_USD", config.SubscriptionPriceUSDRaw, defaultSubscriptionPriceUSD)
	config.FallbackSuiUSDRate = parsePositiveDecimal("FALLBACK_SUI_USD_RATE", config.FallbackSuiUSDRateRaw, defaultFallbackSuiUSDRate)

	config.ChainVerifierMode = strings.ToLower(strings.TrimSpace(config.ChainVerifierMode))
	switch config.ChainVerifierMode {
	case "rpc", "simulated":
	default:
		log.Printf("level=warn component=config msg=\"unknown chain verifier mode; using rpc\" mode=%q", config.ChainVerifierMode)
		config.ChainVerifierMode = "rpc"
	}

	if config.PriceFeedTimeoutSeconds <= 0 {
		config.PriceFeedTimeoutSeconds = defaultPriceFeedTimeoutSec
	}
	if config.TrialDays <= 0 {
		config.TrialDays = defaultTrialDays
	}
	if config.DefaultBonusDays <= 0 {
		config.DefaultBonusDays = defaultBonusDays
	}
	if config.PendingPaymentTTLHours <= 0 {
		config.PendingPaymentTTLHours = defaultPendingPaymentTTLHrs
	}
	if config.UnappliedBonusAlertMinutes <= 0 {
		config.UnappliedBonusAlertMinutes = defaultUnappliedAlertMin
	}

	if config.PaymentRateLimitPerMinute < 0 {
		config.PaymentRateLimitPerMinute = defaultPaymentRateLimit
	}

	if strings.TrimSpace(config.DatabaseURL) == "" {
		err = fmt.Errorf("DATABASE_URL must be configured")
		return
	}

	return
}

func parsePositiveDecimal(key, raw, fallback string) decimal.Decimal {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || !value.IsPositive() {
		if strings.TrimSpace(raw) != "" {
			log.Printf("level=warn component=config msg=\"invalid %s; using default\" value=%q default=%s", key, raw, fallback)
		}
		return decimal.RequireFromString(fallback)
	}
	return value
}
