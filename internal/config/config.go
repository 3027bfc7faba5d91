package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the api, worker and
// orchestrator processes. All values must come from env (or an env-file
// loaded by the process runner). No business logic should depend on raw
// environment variables.
type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	Auth         AuthConfig
	Dispatch     DispatchConfig
	Orchestrator OrchestratorConfig
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

	// SSLMode is kept explicit. Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

// DispatchConfig bounds batch processing and admission control.
type DispatchConfig struct {
	// BatchSize is the number of queued runs claimed per batch.
	BatchSize int

	// SlotWaitTimeout bounds how long a worker waits for a concurrency slot
	// before giving up on the row.
	SlotWaitTimeout time.Duration

	// SlotTTL bounds how long an unreleased slot can be held. Must exceed
	// the maximum plausible call duration; leaked slots expire after it.
	SlotTTL time.Duration

	// TokenWaitTimeout bounds how long a worker waits for a rate token.
	TokenWaitTimeout time.Duration

	// WorkerConcurrency is the number of jobs a worker process runs at once.
	WorkerConcurrency int
}

// OrchestratorConfig tunes the campaign completion/stale monitors.
type OrchestratorConfig struct {
	// MonitorInterval is how often running campaigns are re-examined.
	MonitorInterval time.Duration

	// CompletionTimeout is the inactivity window after which a campaign with
	// no pending work is marked completed.
	CompletionTimeout time.Duration

	// StuckBatchTimeout is how long a scheduled batch may run before the
	// in-progress flag is cleared and work is rescheduled.
	StuckBatchTimeout time.Duration
}

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
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = optDuration("JWT_ACCESS_TTL")

	c.Dispatch.BatchSize = optInt("DISPATCH_BATCH_SIZE")
	c.Dispatch.SlotWaitTimeout = optDuration("DISPATCH_SLOT_WAIT_TIMEOUT")
	c.Dispatch.SlotTTL = optDuration("DISPATCH_SLOT_TTL")
	c.Dispatch.TokenWaitTimeout = optDuration("DISPATCH_TOKEN_WAIT_TIMEOUT")
	c.Dispatch.WorkerConcurrency = optInt("DISPATCH_WORKER_CONCURRENCY")

	c.Orchestrator.MonitorInterval = optDuration("ORCH_MONITOR_INTERVAL")
	c.Orchestrator.CompletionTimeout = optDuration("ORCH_COMPLETION_TIMEOUT")
	c.Orchestrator.StuckBatchTimeout = optDuration("ORCH_STUCK_BATCH_TIMEOUT")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and applies defaults for optional ones.
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
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
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
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	if c.Dispatch.BatchSize <= 0 {
		c.Dispatch.BatchSize = 10
	}
	if c.Dispatch.SlotWaitTimeout <= 0 {
		c.Dispatch.SlotWaitTimeout = 30 * time.Second
	}
	if c.Dispatch.SlotTTL <= 0 {
		// Upper bound on a plausible call; leaked slots expire after this.
		c.Dispatch.SlotTTL = time.Hour
	}
	if c.Dispatch.SlotTTL <= c.Dispatch.SlotWaitTimeout {
		errs = append(errs, errors.New("DISPATCH_SLOT_TTL must be greater than DISPATCH_SLOT_WAIT_TIMEOUT"))
	}
	if c.Dispatch.TokenWaitTimeout <= 0 {
		c.Dispatch.TokenWaitTimeout = 10 * time.Second
	}
	if c.Dispatch.WorkerConcurrency <= 0 {
		c.Dispatch.WorkerConcurrency = 4
	}

	if c.Orchestrator.MonitorInterval <= 0 {
		c.Orchestrator.MonitorInterval = time.Minute
	}
	if c.Orchestrator.CompletionTimeout <= 0 {
		c.Orchestrator.CompletionTimeout = time.Hour
	}
	if c.Orchestrator.StuckBatchTimeout <= 0 {
		c.Orchestrator.StuckBatchTimeout = 5 * time.Minute
	}

	return joinErrors(errs)
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

func optInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func optDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
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
