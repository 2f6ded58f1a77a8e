package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Classifier ClassifierConfig
	Staging    StagingConfig
	Calls      CallsConfig
	Ingress    IngressConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// DBConfig is optional outside production. An empty Host selects in-memory stores.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

// RedisConfig is optional. An empty Host disables cross-replica line locks.
type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type ClassifierConfig struct {
	URL     string
	Field   string
	Timeout time.Duration
}

type StagingConfig struct {
	Dir     string
	Timeout time.Duration
}

type CallsConfig struct {
	// FakeHangupDelay is how long a call resolved as fake stays up before it is ended.
	FakeHangupDelay time.Duration
	LineLockTTL     time.Duration
}

type IngressConfig struct {
	SocketURL      string
	ReconnectDelay time.Duration
	PushSecret     string
}

const (
	DefaultClassifierURL   = "http://127.0.0.1:8000/predict/"
	DefaultClassifierField = "audio"
	DefaultFakeHangupDelay = 5 * time.Second
)

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	if c.DB.Host != "" {
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if c.Redis.Host != "" {
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL, parseErrs = appendDuration(parseErrs, "JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL, parseErrs = appendDuration(parseErrs, "JWT_REFRESH_TTL")

	c.Classifier.URL = strings.TrimSpace(os.Getenv("CLASSIFIER_URL"))
	c.Classifier.Field = strings.TrimSpace(os.Getenv("CLASSIFIER_FIELD"))
	c.Classifier.Timeout, parseErrs = appendDuration(parseErrs, "CLASSIFIER_TIMEOUT")

	c.Staging.Dir = strings.TrimSpace(os.Getenv("STAGING_DIR"))
	c.Staging.Timeout, parseErrs = appendDuration(parseErrs, "STAGING_TIMEOUT")

	c.Calls.FakeHangupDelay, parseErrs = appendDuration(parseErrs, "FAKE_HANGUP_DELAY")
	c.Calls.LineLockTTL, parseErrs = appendDuration(parseErrs, "LINE_LOCK_TTL")

	c.Ingress.SocketURL = strings.TrimSpace(os.Getenv("INGRESS_SOCKET_URL"))
	c.Ingress.ReconnectDelay, parseErrs = appendDuration(parseErrs, "INGRESS_RECONNECT_DELAY")
	c.Ingress.PushSecret = os.Getenv("PUSH_WEBHOOK_SECRET")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills in defaults for optional values.
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
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_HOST is required in production"))
		}
	} else {
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
				// Local-friendly default; production must be explicit.
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
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
		if c.Ingress.PushSecret == "" {
			errs = append(errs, errors.New("PUSH_WEBHOOK_SECRET is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Classifier.URL == "" {
		c.Classifier.URL = DefaultClassifierURL
	}
	if !isHTTPURL(c.Classifier.URL) {
		errs = append(errs, fmt.Errorf("CLASSIFIER_URL must be an http(s) URL, got %q", c.Classifier.URL))
	}
	if c.Classifier.Field == "" {
		c.Classifier.Field = DefaultClassifierField
	}
	if c.Classifier.Timeout <= 0 {
		c.Classifier.Timeout = 30 * time.Second
	}

	if c.Staging.Dir == "" {
		c.Staging.Dir = filepath.Join(os.TempDir(), "callguard")
	}
	if c.Staging.Timeout <= 0 {
		c.Staging.Timeout = 60 * time.Second
	}

	if c.Calls.FakeHangupDelay <= 0 {
		c.Calls.FakeHangupDelay = DefaultFakeHangupDelay
	}
	if c.Calls.LineLockTTL <= 0 {
		c.Calls.LineLockTTL = 10 * time.Minute
	}

	if c.Ingress.SocketURL != "" && !isWSURL(c.Ingress.SocketURL) {
		errs = append(errs, fmt.Errorf("INGRESS_SOCKET_URL must be a ws(s) URL, got %q", c.Ingress.SocketURL))
	}
	if c.Ingress.ReconnectDelay <= 0 {
		c.Ingress.ReconnectDelay = 3 * time.Second
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// HasPostgres reports whether a database is configured.
func (c Config) HasPostgres() bool { return c.DB.Host != "" }

// HasRedis reports whether Redis is configured.
func (c Config) HasRedis() bool { return c.Redis.Host != "" }

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

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func appendDuration(errs []error, key string) (time.Duration, []error) {
	d, err := optionalDuration(key)
	if err != nil {
		errs = append(errs, err)
	}
	return d, errs
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

func isHTTPURL(v string) bool {
	v = strings.ToLower(v)
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}

func isWSURL(v string) bool {
	v = strings.ToLower(v)
	return strings.HasPrefix(v, "ws://") || strings.HasPrefix(v, "wss://")
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
