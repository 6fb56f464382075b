package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Internal     InternalConfig
	FeatureFlags FeatureFlagsConfig
	Plaid        PlaidConfig
	Stripe       StripeConfig
	Change       ChangeConfig
	EveryOrg     EveryOrgConfig
	Encryption   EncryptionConfig
	Retry        RetryConfig
	Cache        CacheConfig
	Batch        BatchConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Cron         CronConfig
	RateLimit    RateLimitConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"COUNTERCART_APP_ENV" required:"true"`
	Port         string `envconfig:"COUNTERCART_APP_PORT" default:"8000"`
	URL          string `envconfig:"COUNTERCART_APP_URL" default:"http://localhost:3000"`
	LogLevel     string `envconfig:"COUNTERCART_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"COUNTERCART_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"COUNTERCART_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"COUNTERCART_DB_DSN"`
	Driver string `envconfig:"COUNTERCART_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"COUNTERCART_DB_HOST"`
	LegacyPort     int    `envconfig:"COUNTERCART_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"COUNTERCART_DB_USER"`
	LegacyPassword string `envconfig:"COUNTERCART_DB_PASSWORD"`
	LegacyName     string `envconfig:"COUNTERCART_DB_NAME"`
	LegacySSLMode  string `envconfig:"COUNTERCART_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"COUNTERCART_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"COUNTERCART_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"COUNTERCART_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"COUNTERCART_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"COUNTERCART_REDIS_URL"`
	Address      string        `envconfig:"COUNTERCART_REDIS_ADDR"`
	Password     string        `envconfig:"COUNTERCART_REDIS_PASSWORD"`
	DB           int           `envconfig:"COUNTERCART_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"COUNTERCART_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"COUNTERCART_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"COUNTERCART_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"COUNTERCART_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"COUNTERCART_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether a redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

// InternalConfig guards the internal jobs surface.
type InternalConfig struct {
	APIToken string `envconfig:"COUNTERCART_INTERNAL_API_TOKEN" required:"true"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"COUNTERCART_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"COUNTERCART_AUTO_MIGRATE" default:"false"`
	VerifyPlaid bool `envconfig:"COUNTERCART_VERIFY_PLAID_WEBHOOKS" default:"true"`
	ACHCharges  bool `envconfig:"COUNTERCART_FEATURE_ACH_CHARGES" default:"true"`
}

type PlaidConfig struct {
	ClientID string `envconfig:"COUNTERCART_PLAID_CLIENT_ID"`
	Secret   string `envconfig:"COUNTERCART_PLAID_SECRET"`
	Env      string `envconfig:"COUNTERCART_PLAID_ENV" default:"sandbox"`
}

// Configured reports whether plaid credentials are present.
func (p PlaidConfig) Configured() bool {
	return strings.TrimSpace(p.ClientID) != "" && strings.TrimSpace(p.Secret) != ""
}

type StripeConfig struct {
	APIKey string `envconfig:"COUNTERCART_STRIPE_API_KEY"`
	Secret string `envconfig:"COUNTERCART_STRIPE_WEBHOOK_SECRET"`
	Env    string `envconfig:"COUNTERCART_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// Configured reports whether Stripe credentials are present.
func (s StripeConfig) Configured() bool {
	return strings.TrimSpace(s.APIKey) != ""
}

type ChangeConfig struct {
	APIKey        string `envconfig:"COUNTERCART_CHANGE_API_KEY"`
	BaseURL       string `envconfig:"COUNTERCART_CHANGE_BASE_URL" default:"https://api.getchange.io/v1"`
	WebhookSecret string `envconfig:"COUNTERCART_CHANGE_WEBHOOK_SECRET"`
}

type EveryOrgConfig struct {
	PartnerID     string `envconfig:"COUNTERCART_EVERYORG_PARTNER_ID"`
	PartnerSecret string `envconfig:"COUNTERCART_EVERYORG_PARTNER_SECRET"`
	PartnerURL    string `envconfig:"COUNTERCART_EVERYORG_PARTNER_URL" default:"https://partners.every.org/v1"`
	WebhookToken  string `envconfig:"COUNTERCART_EVERYORG_WEBHOOK_TOKEN"`
}

// Configured reports whether the partner API credentials are present.
func (e EveryOrgConfig) Configured() bool {
	return strings.TrimSpace(e.PartnerID) != "" && strings.TrimSpace(e.PartnerSecret) != ""
}

type EncryptionConfig struct {
	Secret string `envconfig:"COUNTERCART_ENCRYPTION_SECRET" required:"true"`
}

type RetryConfig struct {
	MaxAttempts     int           `envconfig:"COUNTERCART_RETRY_MAX_ATTEMPTS" default:"3"`
	BaseDelay       time.Duration `envconfig:"COUNTERCART_RETRY_BASE_DELAY" default:"1s"`
	MaxDelay        time.Duration `envconfig:"COUNTERCART_RETRY_MAX_DELAY" default:"10s"`
	ProviderTimeout time.Duration `envconfig:"COUNTERCART_PROVIDER_TIMEOUT" default:"30s"`
}

type CacheConfig struct {
	MappingTTL time.Duration `envconfig:"COUNTERCART_MAPPING_CACHE_TTL" default:"5m"`
	UseRedis   bool          `envconfig:"COUNTERCART_MAPPING_CACHE_REDIS" default:"false"`
}

type BatchConfig struct {
	MinimumAmount     string `envconfig:"COUNTERCART_BATCH_MINIMUM" default:"1.00"`
	WebhookMaxRetries int    `envconfig:"COUNTERCART_WEBHOOK_MAX_RETRIES" default:"3"`
	// DisbursementFlow is stamped on each batch at charge time: retail or grant.
	DisbursementFlow string `envconfig:"COUNTERCART_DISBURSEMENT_FLOW" default:"retail"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"COUNTERCART_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	DonationsTopic string `envconfig:"COUNTERCART_PUBSUB_DONATIONS_TOPIC" default:"countercart-donation-events"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"COUNTERCART_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"COUNTERCART_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"COUNTERCART_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int `envconfig:"COUNTERCART_OUTBOX_RETENTION_DAYS" default:"30"`
}

type CronConfig struct {
	Tick time.Duration `envconfig:"COUNTERCART_CRON_TICK" default:"1m"`
}

// RateLimitConfig bounds public webhook intake per client IP. A zero limit disables it.
type RateLimitConfig struct {
	WebhookWindow time.Duration `envconfig:"COUNTERCART_WEBHOOK_RATE_WINDOW" default:"1m"`
	WebhookLimit  int           `envconfig:"COUNTERCART_WEBHOOK_RATE_LIMIT" default:"300"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
