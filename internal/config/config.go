package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"authdesk/internal/models"
)

type Config struct {
	ListenAddr string
	DataDir    string

	LogLevel  string
	LogFormat string

	TokenTTL                time.Duration
	VerificationCodeTTL     time.Duration
	VerificationMaxAttempts int
	ShareRequestTTL         time.Duration

	PasswordMinLength int
	PasswordMaxLength int

	BootstrapAdminUsername string
	BootstrapAdminPassword string

	TrustProxy         bool
	CORSAllowedOrigins []string
	LoginRateLimit     int
	LoginRateWindow    time.Duration

	AuditDefaultLimit int
	AuditMaxLimit     int

	VerificationSender string
	SMTPHost           string
	SMTPPort           int
	SMTPFrom           string
	// ExposeVerificationCodes echoes codes in API responses. Only honoured with the log sender.
	ExposeVerificationCodes bool

	MaintenanceEnabled  bool
	MaintenanceInterval time.Duration

	MetricsEnabled bool

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int
}

// fileConfig mirrors the optional YAML file. Zero values leave defaults untouched.
type fileConfig struct {
	Server struct {
		ListenAddr         string   `yaml:"listen_addr"`
		TrustProxy         *bool    `yaml:"trust_proxy"`
		CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	} `yaml:"server"`
	Storage struct {
		DataDir string `yaml:"data_dir"`
	} `yaml:"storage"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Auth struct {
		TokenTTL          string `yaml:"token_ttl"`
		PasswordMinLength int    `yaml:"password_min_length"`
		PasswordMaxLength int    `yaml:"password_max_length"`
		BootstrapUsername string `yaml:"bootstrap_admin_username"`
		BootstrapPassword string `yaml:"bootstrap_admin_password"`
		LoginRateLimit    int    `yaml:"login_rate_limit"`
		LoginRateWindow   string `yaml:"login_rate_window"`
	} `yaml:"auth"`
	Verification struct {
		CodeTTL     string `yaml:"code_ttl"`
		MaxAttempts int    `yaml:"max_attempts"`
		ShareTTL    string `yaml:"share_ttl"`
		Sender      string `yaml:"sender"`
		SMTPHost    string `yaml:"smtp_host"`
		SMTPPort    int    `yaml:"smtp_port"`
		SMTPFrom    string `yaml:"smtp_from"`
		ExposeCodes *bool  `yaml:"expose_codes"`
	} `yaml:"verification"`
	Maintenance struct {
		Enabled  *bool  `yaml:"enabled"`
		Interval string `yaml:"interval"`
	} `yaml:"maintenance"`
}

func defaults() Config {
	return Config{
		ListenAddr:               ":8080",
		DataDir:                  "./data/database",
		LogLevel:                 "info",
		LogFormat:                "text",
		TokenTTL:                 24 * time.Hour,
		VerificationCodeTTL:      15 * time.Minute,
		VerificationMaxAttempts:  3,
		ShareRequestTTL:          24 * time.Hour,
		PasswordMinLength:        8,
		PasswordMaxLength:        128,
		BootstrapAdminUsername:   "admin",
		BootstrapAdminPassword:   "admin123",
		LoginRateLimit:           20,
		LoginRateWindow:          time.Minute,
		AuditDefaultLimit:        100,
		AuditMaxLimit:            1000,
		VerificationSender:       "log",
		SMTPHost:                 "127.0.0.1",
		SMTPPort:                 25,
		SMTPFrom:                 "no-reply@localhost",
		MaintenanceEnabled:       true,
		MaintenanceInterval:      time.Hour,
		MetricsEnabled:           true,
		HTTPReadTimeoutSec:       10,
		HTTPReadHeaderTimeoutSec: 5,
		HTTPWriteTimeoutSec:      30,
		HTTPIdleTimeoutSec:       60,
	}
}

// Load resolves configuration as defaults, then the YAML file named by
// CONFIG_FILE (if any), then environment variables.
func Load() (Config, error) {
	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.ListenAddr = env("LISTEN_ADDR", cfg.ListenAddr)
	cfg.DataDir = env("DATA_DIR", cfg.DataDir)
	cfg.LogLevel = strings.ToLower(env("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(env("LOG_FORMAT", cfg.LogFormat))
	cfg.TokenTTL = envDuration("TOKEN_TTL", cfg.TokenTTL)
	cfg.VerificationCodeTTL = envDuration("VERIFICATION_CODE_TTL", cfg.VerificationCodeTTL)
	cfg.VerificationMaxAttempts = envInt("VERIFICATION_MAX_ATTEMPTS", cfg.VerificationMaxAttempts)
	cfg.ShareRequestTTL = envDuration("SHARE_REQUEST_TTL", cfg.ShareRequestTTL)
	cfg.PasswordMinLength = envInt("PASSWORD_MIN_LENGTH", cfg.PasswordMinLength)
	cfg.PasswordMaxLength = envInt("PASSWORD_MAX_LENGTH", cfg.PasswordMaxLength)
	cfg.BootstrapAdminUsername = env("BOOTSTRAP_ADMIN_USERNAME", cfg.BootstrapAdminUsername)
	cfg.BootstrapAdminPassword = env("BOOTSTRAP_ADMIN_PASSWORD", cfg.BootstrapAdminPassword)
	cfg.TrustProxy = envBool("TRUST_PROXY", cfg.TrustProxy)
	if origins := envCSV("CORS_ALLOWED_ORIGINS"); origins != nil {
		cfg.CORSAllowedOrigins = origins
	}
	cfg.LoginRateLimit = envInt("LOGIN_RATE_LIMIT", cfg.LoginRateLimit)
	cfg.LoginRateWindow = envDuration("LOGIN_RATE_WINDOW", cfg.LoginRateWindow)
	cfg.AuditDefaultLimit = envInt("AUDIT_DEFAULT_LIMIT", cfg.AuditDefaultLimit)
	cfg.AuditMaxLimit = envInt("AUDIT_MAX_LIMIT", cfg.AuditMaxLimit)
	cfg.VerificationSender = strings.ToLower(env("VERIFICATION_SENDER", cfg.VerificationSender))
	cfg.SMTPHost = env("SMTP_HOST", cfg.SMTPHost)
	cfg.SMTPPort = envInt("SMTP_PORT", cfg.SMTPPort)
	cfg.SMTPFrom = env("SMTP_FROM", cfg.SMTPFrom)
	cfg.ExposeVerificationCodes = envBool("EXPOSE_VERIFICATION_CODES", cfg.ExposeVerificationCodes)
	cfg.MaintenanceEnabled = envBool("MAINTENANCE_ENABLED", cfg.MaintenanceEnabled)
	cfg.MaintenanceInterval = envDuration("MAINTENANCE_INTERVAL", cfg.MaintenanceInterval)
	cfg.MetricsEnabled = envBool("METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.HTTPReadTimeoutSec = envInt("HTTP_READ_TIMEOUT_SEC", cfg.HTTPReadTimeoutSec)
	cfg.HTTPReadHeaderTimeoutSec = envInt("HTTP_READ_HEADER_TIMEOUT_SEC", cfg.HTTPReadHeaderTimeoutSec)
	cfg.HTTPWriteTimeoutSec = envInt("HTTP_WRITE_TIMEOUT_SEC", cfg.HTTPWriteTimeoutSec)
	cfg.HTTPIdleTimeoutSec = envInt("HTTP_IDLE_TIMEOUT_SEC", cfg.HTTPIdleTimeoutSec)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	if c.TokenTTL <= 0 || c.VerificationCodeTTL <= 0 || c.ShareRequestTTL <= 0 {
		return fmt.Errorf("token, verification code and share request lifetimes must be positive")
	}
	if c.VerificationMaxAttempts <= 0 {
		return fmt.Errorf("VERIFICATION_MAX_ATTEMPTS must be positive")
	}
	if c.PasswordMinLength < 6 {
		return fmt.Errorf("password min length must be >= 6")
	}
	if c.PasswordMaxLength < c.PasswordMinLength {
		return fmt.Errorf("password max length must be >= min length")
	}
	if strings.TrimSpace(c.BootstrapAdminUsername) == "" || c.BootstrapAdminPassword == "" {
		return fmt.Errorf("bootstrap admin username and password are required")
	}
	if !models.ValidUsername(c.BootstrapAdminUsername) {
		return fmt.Errorf("BOOTSTRAP_ADMIN_USERNAME must be 1-64 characters of letters, digits, '.', '_' or '-'")
	}
	if n := utf8.RuneCountInString(c.BootstrapAdminPassword); n < c.PasswordMinLength || n > c.PasswordMaxLength {
		return fmt.Errorf("BOOTSTRAP_ADMIN_PASSWORD must be between %d and %d characters", c.PasswordMinLength, c.PasswordMaxLength)
	}
	if c.LoginRateLimit <= 0 || c.LoginRateWindow <= 0 {
		return fmt.Errorf("login rate limit and window must be positive")
	}
	if c.AuditDefaultLimit <= 0 || c.AuditMaxLimit < c.AuditDefaultLimit {
		return fmt.Errorf("audit limits must be positive and max >= default")
	}
	switch c.VerificationSender {
	case "log", "smtp":
	default:
		return fmt.Errorf("VERIFICATION_SENDER must be one of: log, smtp")
	}
	if c.VerificationSender == "smtp" && c.ExposeVerificationCodes {
		return fmt.Errorf("EXPOSE_VERIFICATION_CODES cannot be used with VERIFICATION_SENDER=smtp")
	}
	if c.VerificationSender == "smtp" && (strings.TrimSpace(c.SMTPHost) == "" || c.SMTPPort <= 0) {
		return fmt.Errorf("SMTP_HOST and SMTP_PORT are required when VERIFICATION_SENDER=smtp")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be one of: text, json")
	}
	if c.MaintenanceEnabled && c.MaintenanceInterval <= 0 {
		return fmt.Errorf("MAINTENANCE_INTERVAL must be positive")
	}
	return nil
}

func (c Config) UsesDefaultAdminPassword() bool {
	return c.BootstrapAdminPassword == defaults().BootstrapAdminPassword
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %s not found", path)
		}
		return fmt.Errorf("read config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&cfg.ListenAddr, f.Server.ListenAddr)
	if f.Server.TrustProxy != nil {
		cfg.TrustProxy = *f.Server.TrustProxy
	}
	if len(f.Server.CORSAllowedOrigins) > 0 {
		cfg.CORSAllowedOrigins = f.Server.CORSAllowedOrigins
	}
	setString(&cfg.DataDir, f.Storage.DataDir)
	setString(&cfg.LogLevel, strings.ToLower(f.Logging.Level))
	setString(&cfg.LogFormat, strings.ToLower(f.Logging.Format))
	setString(&cfg.BootstrapAdminUsername, f.Auth.BootstrapUsername)
	setString(&cfg.BootstrapAdminPassword, f.Auth.BootstrapPassword)
	setInt(&cfg.PasswordMinLength, f.Auth.PasswordMinLength)
	setInt(&cfg.PasswordMaxLength, f.Auth.PasswordMaxLength)
	setInt(&cfg.LoginRateLimit, f.Auth.LoginRateLimit)
	setInt(&cfg.VerificationMaxAttempts, f.Verification.MaxAttempts)
	setString(&cfg.VerificationSender, strings.ToLower(f.Verification.Sender))
	setString(&cfg.SMTPHost, f.Verification.SMTPHost)
	setInt(&cfg.SMTPPort, f.Verification.SMTPPort)
	setString(&cfg.SMTPFrom, f.Verification.SMTPFrom)
	if f.Verification.ExposeCodes != nil {
		cfg.ExposeVerificationCodes = *f.Verification.ExposeCodes
	}
	if f.Maintenance.Enabled != nil {
		cfg.MaintenanceEnabled = *f.Maintenance.Enabled
	}

	for _, d := range []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{f.Auth.TokenTTL, &cfg.TokenTTL, "auth.token_ttl"},
		{f.Auth.LoginRateWindow, &cfg.LoginRateWindow, "auth.login_rate_window"},
		{f.Verification.CodeTTL, &cfg.VerificationCodeTTL, "verification.code_ttl"},
		{f.Verification.ShareTTL, &cfg.ShareRequestTTL, "verification.share_ttl"},
		{f.Maintenance.Interval, &cfg.MaintenanceInterval, "maintenance.interval"},
	} {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func env(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

// envDuration accepts Go duration syntax ("90s", "24h") or a bare number of seconds.
func envDuration(k string, d time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	if parsed, err := time.ParseDuration(v); err == nil {
		return parsed
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return d
}

func envCSV(k string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
