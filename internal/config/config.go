package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	RabbitMQ    RabbitMQConfig
	JWT         JWTConfig
	Webhook     WebhookConfig
	Settlement  SettlementConfig
	SideEffects SideEffectsConfig
	Notify      NotifyConfig
	Cycle       CycleConfig
	PaymentQR   PaymentQRConfig
	Log         LogConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

type JWTConfig struct {
	SecretKey string
}

type WebhookConfig struct {
	Secret          string
	SignatureHeader string
	RatePerSecond   float64
	Burst           int
}

type SettlementConfig struct {
	OrderCodePrefix       string
	TransactionCodePrefix string
	MaxCodeAttempts       int
	ReservationTTL        time.Duration
	Timeout               time.Duration
	MaxAttempts           int
	MaxItems              int
	CheckoutRatePerSecond float64
	CheckoutBurst         int
}

type SideEffectsConfig struct {
	NotifyTimeout    time.Duration
	NotifyAttempts   int
	NotifyBackoff    time.Duration
	NotifyMaxBackoff time.Duration
	InsertTimeout    time.Duration
	EnqueueTimeout   time.Duration
	BackfillKey      string
	BackfillBatch    int
	ErrorBuffer      int
}

type NotifyConfig struct {
	TelegramBotToken string
	TelegramChatID   string
	TelegramBaseURL  string
}

type CycleConfig struct {
	Length          time.Duration
	TickInterval    time.Duration
	PendingOrderTTL time.Duration
	// Tiers maps a tier name to the minimum spend in a cycle, e.g. "gold:5000000,silver:1000000"
	Tiers string
}

type PaymentQRConfig struct {
	BaseURL string
	Size    int
}

type LogConfig struct {
	Level  string
	Format string
}

var envBindings = map[string]string{
	"server.port":                        "PORT",
	"server.allowed_origins":             "ALLOWED_ORIGINS",
	"database.host":                      "DATABASE_HOST",
	"database.port":                      "DATABASE_PORT",
	"database.user":                      "DATABASE_USER",
	"database.password":                  "DATABASE_PASSWORD",
	"database.name":                      "DATABASE_NAME",
	"database.ssl_mode":                  "DATABASE_SSL_MODE",
	"database.auto_migrate":              "DATABASE_AUTO_MIGRATE",
	"redis.host":                         "REDIS_HOST",
	"redis.port":                         "REDIS_PORT",
	"redis.password":                     "REDIS_PASSWORD",
	"redis.db":                           "REDIS_DB",
	"rabbitmq.url":                       "RABBITMQ_URL",
	"rabbitmq.exchange":                  "RABBITMQ_EXCHANGE",
	"rabbitmq.routing_key":               "RABBITMQ_ROUTING_KEY",
	"jwt.secret_key":                     "JWT_SECRET_KEY",
	"webhook.secret":                     "WEBHOOK_SECRET",
	"webhook.signature_header":           "WEBHOOK_SIGNATURE_HEADER",
	"settlement.order_code_prefix":       "ORDER_CODE_PREFIX",
	"settlement.transaction_code_prefix": "TRANSACTION_CODE_PREFIX",
	"settlement.timeout":                 "SETTLEMENT_TIMEOUT",
	"side_effects.notify_timeout":        "NOTIFY_TIMEOUT",
	"notify.telegram_bot_token":          "TELEGRAM_BOT_TOKEN",
	"notify.telegram_chat_id":            "TELEGRAM_CHAT_ID",
	"cycle.length":                       "CYCLE_LENGTH",
	"cycle.tiers":                        "CYCLE_TIERS",
	"payment_qr.base_url":                "PAYMENT_QR_BASE_URL",
	"log.level":                          "LOG_LEVEL",
	"log.format":                         "LOG_FORMAT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", "https://*,http://*")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.name", "storefront")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange", "storefront.orders")
	v.SetDefault("rabbitmq.routing_key", "order.summary")

	v.SetDefault("webhook.signature_header", "X-Signature")
	v.SetDefault("webhook.rate_per_second", 20.0)
	v.SetDefault("webhook.burst", 40)

	v.SetDefault("settlement.order_code_prefix", "DH")
	v.SetDefault("settlement.transaction_code_prefix", "GD")
	v.SetDefault("settlement.max_code_attempts", 5)
	v.SetDefault("settlement.reservation_ttl", 15*time.Minute)
	v.SetDefault("settlement.timeout", 10*time.Second)
	v.SetDefault("settlement.max_attempts", 3)
	v.SetDefault("settlement.max_items", 100)
	v.SetDefault("settlement.checkout_rate_per_second", 2.0)
	v.SetDefault("settlement.checkout_burst", 5)

	v.SetDefault("side_effects.notify_timeout", 5*time.Second)
	v.SetDefault("side_effects.notify_attempts", 3)
	v.SetDefault("side_effects.notify_backoff", 500*time.Millisecond)
	v.SetDefault("side_effects.notify_max_backoff", 5*time.Second)
	v.SetDefault("side_effects.insert_timeout", 10*time.Second)
	v.SetDefault("side_effects.enqueue_timeout", 3*time.Second)
	v.SetDefault("side_effects.backfill_key", "fulfillment:backfill")
	v.SetDefault("side_effects.backfill_batch", 50)
	v.SetDefault("side_effects.error_buffer", 256)

	v.SetDefault("notify.telegram_base_url", "https://api.telegram.org")

	v.SetDefault("cycle.length", 30*24*time.Hour)
	v.SetDefault("cycle.tick_interval", time.Minute)
	v.SetDefault("cycle.pending_order_ttl", 30*time.Minute)
	v.SetDefault("cycle.tiers", "diamond:20000000,gold:5000000,silver:1000000")

	v.SetDefault("payment_qr.base_url", "https://img.vietqr.io/image/970436-0000000000-compact.png")
	v.SetDefault("payment_qr.size", 256)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads .env and the environment into a Config
func Load(v *viper.Viper) *Config {
	v.SetConfigFile(".env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range envBindings {
		v.BindEnv(key, env)
	}
	setDefaults(v)
	// a missing .env is fine, environment and defaults still apply
	_ = v.ReadInConfig()

	return &Config{
		Server: ServerConfig{
			Port:            v.GetString("server.port"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			IdleTimeout:     v.GetDuration("server.idle_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
			AllowedOrigins:  splitList(v.GetString("server.allowed_origins")),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetString("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			Name:            v.GetString("database.name"),
			SSLMode:         v.GetString("database.ssl_mode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			AutoMigrate:     v.GetBool("database.auto_migrate"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:        v.GetString("rabbitmq.url"),
			Exchange:   v.GetString("rabbitmq.exchange"),
			RoutingKey: v.GetString("rabbitmq.routing_key"),
		},
		JWT: JWTConfig{
			SecretKey: v.GetString("jwt.secret_key"),
		},
		Webhook: WebhookConfig{
			Secret:          v.GetString("webhook.secret"),
			SignatureHeader: v.GetString("webhook.signature_header"),
			RatePerSecond:   v.GetFloat64("webhook.rate_per_second"),
			Burst:           v.GetInt("webhook.burst"),
		},
		Settlement: SettlementConfig{
			OrderCodePrefix:       v.GetString("settlement.order_code_prefix"),
			TransactionCodePrefix: v.GetString("settlement.transaction_code_prefix"),
			MaxCodeAttempts:       v.GetInt("settlement.max_code_attempts"),
			ReservationTTL:        v.GetDuration("settlement.reservation_ttl"),
			Timeout:               v.GetDuration("settlement.timeout"),
			MaxAttempts:           v.GetInt("settlement.max_attempts"),
			MaxItems:              v.GetInt("settlement.max_items"),
			CheckoutRatePerSecond: v.GetFloat64("settlement.checkout_rate_per_second"),
			CheckoutBurst:         v.GetInt("settlement.checkout_burst"),
		},
		SideEffects: SideEffectsConfig{
			NotifyTimeout:    v.GetDuration("side_effects.notify_timeout"),
			NotifyAttempts:   v.GetInt("side_effects.notify_attempts"),
			NotifyBackoff:    v.GetDuration("side_effects.notify_backoff"),
			NotifyMaxBackoff: v.GetDuration("side_effects.notify_max_backoff"),
			InsertTimeout:    v.GetDuration("side_effects.insert_timeout"),
			EnqueueTimeout:   v.GetDuration("side_effects.enqueue_timeout"),
			BackfillKey:      v.GetString("side_effects.backfill_key"),
			BackfillBatch:    v.GetInt("side_effects.backfill_batch"),
			ErrorBuffer:      v.GetInt("side_effects.error_buffer"),
		},
		Notify: NotifyConfig{
			TelegramBotToken: v.GetString("notify.telegram_bot_token"),
			TelegramChatID:   v.GetString("notify.telegram_chat_id"),
			TelegramBaseURL:  v.GetString("notify.telegram_base_url"),
		},
		Cycle: CycleConfig{
			Length:          v.GetDuration("cycle.length"),
			TickInterval:    v.GetDuration("cycle.tick_interval"),
			PendingOrderTTL: v.GetDuration("cycle.pending_order_ttl"),
			Tiers:           v.GetString("cycle.tiers"),
		},
		PaymentQR: PaymentQRConfig{
			BaseURL: v.GetString("payment_qr.base_url"),
			Size:    v.GetInt("payment_qr.size"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
