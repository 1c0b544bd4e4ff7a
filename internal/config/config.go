package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all configuration required by the API process.
// All values come from env (optionally seeded from a .env file).
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	DB      DBConfig
	Redis   RedisConfig
	Auth    AuthConfig
	Gateway GatewayConfig
	Billing BillingConfig
	Worker  WorkerConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	AutoMigrate bool
}

// RedisConfig is optional. Without a host, token caching and the withdrawal
// guard fall back to process-local behavior.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

// AuthConfig verifies tokens minted by the identity service. This process
// never issues tokens.
type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
}

const (
	GatewayMomo  = "momo"
	GatewayYoPay = "yopay"
)

type GatewayConfig struct {
	// Active is the provider used for new deposits and withdrawals.
	Active  string
	Timeout time.Duration

	Momo  MomoConfig
	YoPay YoPayConfig
}

type MomoConfig struct {
	BaseURL         string
	TokenURL        string
	ClientID        string
	ClientSecret    string
	SubscriptionKey string
	TargetEnv       string
	CallbackURL     string
	WebhookSecret   string
	Currency        string
}

func (m MomoConfig) Complete() bool {
	return m.BaseURL != "" && m.ClientID != "" && m.ClientSecret != "" && m.WebhookSecret != ""
}

func (m MomoConfig) missing() []string {
	var out []string
	if m.BaseURL == "" {
		out = append(out, "MOMO_BASE_URL")
	}
	if m.ClientID == "" {
		out = append(out, "MOMO_CLIENT_ID")
	}
	if m.ClientSecret == "" {
		out = append(out, "MOMO_CLIENT_SECRET")
	}
	if m.WebhookSecret == "" {
		out = append(out, "MOMO_WEBHOOK_SECRET")
	}
	return out
}

type YoPayConfig struct {
	BaseURL       string
	Username      string
	Password      string
	CallbackURL   string
	WebhookSecret string
}

func (y YoPayConfig) Complete() bool {
	return y.BaseURL != "" && y.Username != "" && y.Password != "" && y.WebhookSecret != ""
}

func (y YoPayConfig) missing() []string {
	var out []string
	if y.BaseURL == "" {
		out = append(out, "YOPAY_BASE_URL")
	}
	if y.Username == "" {
		out = append(out, "YOPAY_API_USERNAME")
	}
	if y.Password == "" {
		out = append(out, "YOPAY_API_PASSWORD")
	}
	if y.WebhookSecret == "" {
		out = append(out, "YOPAY_WEBHOOK_SECRET")
	}
	return out
}

type BillingConfig struct {
	MinimumPayment         decimal.Decimal
	MinimumWithdrawal      decimal.Decimal
	GraceDays              int
	OpenEndedHorizonMonths int
	Currency               string
	WithdrawalGuardTTL     time.Duration
}

type WorkerConfig struct {
	Enabled        bool
	PollInterval   time.Duration
	PendingMinAge  time.Duration
	SettleLookback time.Duration
	BatchSize      int
}

// Load reads an optional .env file, then the process environment.
func Load() (Config, error) {
	// Real env always wins over the file.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds and validates a Config from the current process environment.
func FromEnv() (Config, error) {
	c := Config{}
	r := &envReader{}

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port = r.mustInt("APP_PORT")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port = r.mustInt("DB_PORT")
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	c.DB.AutoMigrate = r.optionalBool("DB_AUTO_MIGRATE")

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if c.Redis.Host != "" {
		c.Redis.Port = r.mustInt("REDIS_PORT")
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))

	c.Gateway.Active = strings.ToLower(strings.TrimSpace(os.Getenv("PAYMENT_GATEWAY")))
	c.Gateway.Timeout = r.optionalDuration("GATEWAY_TIMEOUT")
	c.Gateway.Momo = MomoConfig{
		BaseURL:         strings.TrimRight(strings.TrimSpace(os.Getenv("MOMO_BASE_URL")), "/"),
		TokenURL:        strings.TrimSpace(os.Getenv("MOMO_TOKEN_URL")),
		ClientID:        strings.TrimSpace(os.Getenv("MOMO_CLIENT_ID")),
		ClientSecret:    os.Getenv("MOMO_CLIENT_SECRET"),
		SubscriptionKey: os.Getenv("MOMO_SUBSCRIPTION_KEY"),
		TargetEnv:       strings.TrimSpace(os.Getenv("MOMO_TARGET_ENVIRONMENT")),
		CallbackURL:     strings.TrimSpace(os.Getenv("MOMO_CALLBACK_URL")),
		WebhookSecret:   os.Getenv("MOMO_WEBHOOK_SECRET"),
		Currency:        strings.TrimSpace(os.Getenv("MOMO_CURRENCY")),
	}
	c.Gateway.YoPay = YoPayConfig{
		BaseURL:       strings.TrimRight(strings.TrimSpace(os.Getenv("YOPAY_BASE_URL")), "/"),
		Username:      strings.TrimSpace(os.Getenv("YOPAY_API_USERNAME")),
		Password:      os.Getenv("YOPAY_API_PASSWORD"),
		CallbackURL:   strings.TrimSpace(os.Getenv("YOPAY_CALLBACK_URL")),
		WebhookSecret: os.Getenv("YOPAY_WEBHOOK_SECRET"),
	}

	c.Billing.MinimumPayment = r.optionalDecimal("BILLING_MIN_PAYMENT")
	c.Billing.MinimumWithdrawal = r.optionalDecimal("BILLING_MIN_WITHDRAWAL")
	c.Billing.GraceDays = r.optionalInt("BILLING_GRACE_DAYS")
	c.Billing.OpenEndedHorizonMonths = r.optionalInt("OPEN_ENDED_HORIZON_MONTHS")
	c.Billing.Currency = strings.TrimSpace(os.Getenv("BILLING_CURRENCY"))
	c.Billing.WithdrawalGuardTTL = r.optionalDuration("WITHDRAWAL_GUARD_TTL")

	c.Worker.Enabled = true
	if v := strings.TrimSpace(os.Getenv("WORKER_ENABLED")); v != "" {
		c.Worker.Enabled = r.optionalBool("WORKER_ENABLED")
	}
	c.Worker.PollInterval = r.optionalDuration("WORKER_POLL_INTERVAL")
	c.Worker.PendingMinAge = r.optionalDuration("WORKER_PENDING_MIN_AGE")
	c.Worker.SettleLookback = r.optionalDuration("WORKER_SETTLE_LOOKBACK")
	c.Worker.BatchSize = r.optionalInt("WORKER_BATCH_SIZE")

	if err := joinErrors(r.errs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	errs = append(errs, c.validateGateway()...)
	c.applyBillingDefaults()
	c.applyWorkerDefaults()

	if c.Billing.MinimumPayment.IsNegative() {
		errs = append(errs, errors.New("BILLING_MIN_PAYMENT must not be negative"))
	}
	if c.Billing.OpenEndedHorizonMonths > 120 {
		errs = append(errs, fmt.Errorf("OPEN_ENDED_HORIZON_MONTHS must be <= 120, got %d", c.Billing.OpenEndedHorizonMonths))
	}

	return joinErrors(errs)
}

func (c *Config) validateGateway() []error {
	var errs []error
	if c.Gateway.Timeout <= 0 {
		c.Gateway.Timeout = 30 * time.Second
	}
	if c.Gateway.Momo.Currency == "" {
		c.Gateway.Momo.Currency = "UGX"
	}

	switch c.Gateway.Active {
	case "":
		errs = append(errs, errors.New("PAYMENT_GATEWAY is required (momo or yopay)"))
	case GatewayMomo:
		for _, k := range c.Gateway.Momo.missing() {
			errs = append(errs, fmt.Errorf("%s is required when PAYMENT_GATEWAY=momo", k))
		}
	case GatewayYoPay:
		for _, k := range c.Gateway.YoPay.missing() {
			errs = append(errs, fmt.Errorf("%s is required when PAYMENT_GATEWAY=yopay", k))
		}
	default:
		errs = append(errs, fmt.Errorf("PAYMENT_GATEWAY must be one of momo, yopay, got %q", c.Gateway.Active))
	}
	return errs
}

func (c *Config) applyBillingDefaults() {
	if c.Billing.MinimumPayment.IsZero() {
		c.Billing.MinimumPayment = decimal.NewFromInt(10000)
	}
	if c.Billing.MinimumWithdrawal.IsZero() {
		c.Billing.MinimumWithdrawal = decimal.NewFromInt(10000)
	}
	if c.Billing.GraceDays <= 0 {
		c.Billing.GraceDays = 5
	}
	if c.Billing.OpenEndedHorizonMonths <= 0 {
		c.Billing.OpenEndedHorizonMonths = 12
	}
	if c.Billing.Currency == "" {
		c.Billing.Currency = "UGX"
	}
	if c.Billing.WithdrawalGuardTTL <= 0 {
		c.Billing.WithdrawalGuardTTL = 2 * time.Minute
	}
}

func (c *Config) applyWorkerDefaults() {
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = time.Minute
	}
	if c.Worker.PendingMinAge <= 0 {
		c.Worker.PendingMinAge = 2 * time.Minute
	}
	if c.Worker.SettleLookback <= 0 {
		c.Worker.SettleLookback = 24 * time.Hour
	}
	if c.Worker.BatchSize <= 0 {
		c.Worker.BatchSize = 100
	}
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// envReader accumulates parse errors so Load reports every bad key at once.
type envReader struct {
	errs []error
}

func (r *envReader) fail(err error) {
	r.errs = append(r.errs, err)
}

func (r *envReader) mustInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		r.fail(fmt.Errorf("%s is required", key))
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(fmt.Errorf("%s must be an integer, got %q", key, v))
		return 0
	}
	return n
}

func (r *envReader) optionalInt(key string) int {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0
	}
	return r.mustInt(key)
}

func (r *envReader) optionalBool(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(fmt.Errorf("%s must be a boolean, got %q", key, v))
		return false
	}
	return b
}

func (r *envReader) optionalDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(fmt.Errorf("%s must be a duration, got %q", key, v))
		return 0
	}
	return d
}

func (r *envReader) optionalDecimal(key string) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		r.fail(fmt.Errorf("%s must be a decimal, got %q", key, v))
		return decimal.Zero
	}
	return d
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
