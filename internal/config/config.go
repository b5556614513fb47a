package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// AppConfig gathers runtime settings; everything comes from the environment.
type AppConfig struct {
	Env      string `env:"APP_ENV" env-default:"dev"`
	LogLevel string `env:"LOG_LEVEL" env-default:"info"`

	HTTPAddr string `env:"HTTP_ADDR" env-default:":8080"`
	// Activities reach the inventory, payment and order services through this base URL.
	InternalBaseURL string `env:"INTERNAL_BASE_URL" env-default:"http://localhost:8080"`

	DBDriver string `env:"DB_DRIVER" env-default:"sqlite"`
	DBDSN    string `env:"DB_DSN" env-default:"flash_checkout.db"`

	RedisAddr     string `env:"REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`

	KafkaBrokers     []string `env:"KAFKA_BROKERS" env-default:"localhost:9092" env-separator:","`
	KafkaGroupID     string   `env:"KAFKA_GROUP_ID" env-default:"flash-checkout-reservations"`
	ReservationTopic string   `env:"KAFKA_RESERVATION_TOPIC" env-default:"orders.reservations"`
	ProgressTopic    string   `env:"KAFKA_PROGRESS_TOPIC" env-default:"order.progress"`
	CreatedTopic     string   `env:"KAFKA_CREATED_TOPIC" env-default:"orders.created"`
	ConfirmedTopic   string   `env:"KAFKA_CONFIRMED_TOPIC" env-default:"orders.confirmed"`
	FailedTopic      string   `env:"KAFKA_FAILED_TOPIC" env-default:"orders.failed"`

	RelayInterval  time.Duration `env:"OUTBOX_RELAY_INTERVAL" env-default:"500ms"`
	RelayBatchSize int           `env:"OUTBOX_RELAY_BATCH" env-default:"100"`

	// Intake rate limit per user.
	IntakeRateLimit  int           `env:"INTAKE_RATE_LIMIT" env-default:"20"`
	IntakeRateWindow time.Duration `env:"INTAKE_RATE_WINDOW" env-default:"1s"`

	AdminToken string `env:"ADMIN_TOKEN" env-default:"dev-admin-token"`

	SagaPaymentTTL  time.Duration `env:"SAGA_PAYMENT_TTL" env-default:"15m"`
	SagaLockTTL     time.Duration `env:"SAGA_LOCK_TTL" env-default:"30s"`
	SagaPoll        time.Duration `env:"SAGA_POLL_INTERVAL" env-default:"30s"`
	ReservationHold time.Duration `env:"INVENTORY_HOLD_TTL" env-default:"15m"`
	ProgressTTL     time.Duration `env:"PROGRESS_TTL" env-default:"24h"`

	ActivityTimeout        time.Duration `env:"ACTIVITY_TIMEOUT" env-default:"10s"`
	PaymentActivityTimeout time.Duration `env:"PAYMENT_ACTIVITY_TIMEOUT" env-default:"5m"`
	ActivityAttempts       int           `env:"ACTIVITY_ATTEMPTS" env-default:"3"`
	ActivityBackoff        time.Duration `env:"ACTIVITY_BACKOFF" env-default:"1s"`

	SeedStockOnStartup bool   `env:"SEED_STOCK_ON_STARTUP" env-default:"true"`
	OTLPEndpoint       string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads an optional .env file, then the environment, and validates the result.
func Load() (AppConfig, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	var cfg AppConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("DB_DSN must not be empty")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if c.KafkaGroupID == "" {
		return fmt.Errorf("KAFKA_GROUP_ID must not be empty")
	}
	for name, topic := range map[string]string{
		"KAFKA_RESERVATION_TOPIC": c.ReservationTopic,
		"KAFKA_PROGRESS_TOPIC":    c.ProgressTopic,
		"KAFKA_CREATED_TOPIC":     c.CreatedTopic,
		"KAFKA_CONFIRMED_TOPIC":   c.ConfirmedTopic,
		"KAFKA_FAILED_TOPIC":      c.FailedTopic,
	} {
		if topic == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
	}
	if c.IntakeRateLimit <= 0 {
		return fmt.Errorf("INTAKE_RATE_LIMIT must be > 0")
	}
	if c.IntakeRateWindow < time.Second {
		return fmt.Errorf("INTAKE_RATE_WINDOW must be >= 1s")
	}
	if c.SagaPaymentTTL <= 0 {
		return fmt.Errorf("SAGA_PAYMENT_TTL must be > 0")
	}
	if c.ActivityAttempts <= 0 {
		return fmt.Errorf("ACTIVITY_ATTEMPTS must be > 0")
	}
	if c.RelayBatchSize <= 0 {
		return fmt.Errorf("OUTBOX_RELAY_BATCH must be > 0")
	}
	return nil
}
