/**
 * @description
 * This package handles the configuration management for the portfolio-service. It
 * uses Viper to read configuration from environment variables (and an optional .env
 * file), then normalizes the values the rest of the service relies on.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: Parses the initial wallet balance exactly.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
)

// Config holds all the configuration variables for the portfolio-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	StoreDriver                string `mapstructure:"STORE_DRIVER"`
	SQLitePath                 string `mapstructure:"SQLITE_PATH"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix             string `mapstructure:"REDIS_KEY_PREFIX"`
	TransactionCacheTTLSeconds int    `mapstructure:"TRANSACTION_CACHE_TTL_SECONDS"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	EventsExchange             string `mapstructure:"EVENTS_EXCHANGE"`
	IdentityEventExchange      string `mapstructure:"IDENTITY_EVENT_EXCHANGE"`
	IdentityEventQueue         string `mapstructure:"IDENTITY_EVENT_QUEUE"`
	JWTSecret                  string `mapstructure:"JWT_SECRET"`
	CORSAllowedOrigins         string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	InitialWalletBalanceRaw    string `mapstructure:"INITIAL_WALLET_BALANCE"`
	PaymentProcessingDelayMS   int    `mapstructure:"PAYMENT_PROCESSING_DELAY_MS"`
	DefaultStakingYield        string `mapstructure:"DEFAULT_STAKING_YIELD"`
	LoanTermJobSchedule        string `mapstructure:"LOAN_TERM_JOB_SCHEDULE"`
	MutationRateLimitPerMinute int    `mapstructure:"MUTATION_RATE_LIMIT_PER_MINUTE"`
	SyncMaxBackoffSeconds      int    `mapstructure:"SYNC_MAX_BACKOFF_SECONDS"`

	// Derived values.
	InitialWalletBalance decimal.Decimal `mapstructure:"-"`
	AllowedOrigins       []string        `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("SQLITE_PATH", "portfolio.db")
	viper.SetDefault("REDIS_KEY_PREFIX", "portfolio")
	viper.SetDefault("TRANSACTION_CACHE_TTL_SECONDS", 300)
	viper.SetDefault("EVENTS_EXCHANGE", "portfolio.events")
	viper.SetDefault("IDENTITY_EVENT_EXCHANGE", "identity.events")
	viper.SetDefault("IDENTITY_EVENT_QUEUE", "portfolio_service.identity_events")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("INITIAL_WALLET_BALANCE", "0")
	viper.SetDefault("PAYMENT_PROCESSING_DELAY_MS", 1500)
	viper.SetDefault("DEFAULT_STAKING_YIELD", "5.2% APY")
	viper.SetDefault("LOAN_TERM_JOB_SCHEDULE", "0 0 * * *")
	viper.SetDefault("MUTATION_RATE_LIMIT_PER_MINUTE", 120)
	viper.SetDefault("SYNC_MAX_BACKOFF_SECONDS", 60)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("SQLITE_PATH")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PORTFOLIO_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("TRANSACTION_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("IDENTITY_EVENT_EXCHANGE")
	_ = viper.BindEnv("IDENTITY_EVENT_QUEUE")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("INITIAL_WALLET_BALANCE")
	_ = viper.BindEnv("PAYMENT_PROCESSING_DELAY_MS")
	_ = viper.BindEnv("DEFAULT_STAKING_YIELD")
	_ = viper.BindEnv("LOAN_TERM_JOB_SCHEDULE")
	_ = viper.BindEnv("MUTATION_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("SYNC_MAX_BACKOFF_SECONDS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	if config.StoreDriver != StoreDriverPostgres && config.StoreDriver != StoreDriverSQLite {
		log.Printf("level=warn component=config msg=\"unknown store driver; using postgres\" store_driver=%q", config.StoreDriver)
		config.StoreDriver = StoreDriverPostgres
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "portfolio"
	}
	config.JWTSecret = strings.TrimSpace(config.JWTSecret)

	config.InitialWalletBalance = decimal.Zero
	if raw := strings.TrimSpace(config.InitialWalletBalanceRaw); raw != "" {
		balance, parseErr := decimal.NewFromString(raw)
		if parseErr != nil {
			log.Printf("level=warn component=config msg=\"invalid INITIAL_WALLET_BALANCE\" value=%q err=%v", raw, parseErr)
		} else if balance.IsNegative() {
			log.Printf("level=warn component=config msg=\"negative initial wallet balance configured; coercing to zero\" value=%s", balance)
		} else {
			config.InitialWalletBalance = balance
		}
	}

	for _, origin := range strings.Split(config.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			config.AllowedOrigins = append(config.AllowedOrigins, origin)
		}
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}

	if config.PaymentProcessingDelayMS < 0 {
		log.Printf("level=warn component=config msg=\"negative payment delay configured; coercing to zero\" delay_ms=%d", config.PaymentProcessingDelayMS)
		config.PaymentProcessingDelayMS = 0
	}
	if strings.TrimSpace(config.DefaultStakingYield) == "" {
		config.DefaultStakingYield = "5.2% APY"
	}
	if strings.TrimSpace(config.LoanTermJobSchedule) == "" {
		config.LoanTermJobSchedule = "0 0 * * *"
	}
	if config.TransactionCacheTTLSeconds <= 0 {
		config.TransactionCacheTTLSeconds = 300
	}
	if config.MutationRateLimitPerMinute < 0 {
		config.MutationRateLimitPerMinute = 0
	}
	if config.SyncMaxBackoffSeconds <= 0 {
		config.SyncMaxBackoffSeconds = 60
	}

	return
}
