package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the file read when neither --config nor CONFIG_PATH is set.
const ConfigPath = "config.yaml"

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"

	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	minProductionSecretBytes = 32
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                     string   `yaml:"port"`
	Environment              string   `yaml:"environment"`
	LogLevel                 string   `yaml:"logLevel"`
	StorageDriver            string   `yaml:"storageDriver"`
	DatabaseURL              string   `yaml:"databaseURL"`
	AutoMigrate              *bool    `yaml:"autoMigrate"`
	RedisAddr                string   `yaml:"redisAddr"`
	RedisPassword            string   `yaml:"redisPassword"`
	JWTSecret                string   `yaml:"jwtSecret"`
	JWTIssuer                string   `yaml:"jwtIssuer"`
	JWTAudience              string   `yaml:"jwtAudience"`
	JWTLeeway                string   `yaml:"jwtLeeway"`
	SessionTTL               string   `yaml:"sessionTTL"`
	LoanPeriod               string   `yaml:"loanPeriod"`
	CORSAllowedOrigins       []string `yaml:"corsAllowedOrigins"`
	TrustedProxyCIDRs        []string `yaml:"trustedProxyCidrs"`
	SignupRateLimitPerMinute int      `yaml:"signupRateLimitPerMinute"`
	LoginRateLimitPerMinute  int      `yaml:"loginRateLimitPerMinute"`
	MinioEndpoint            string   `yaml:"minioEndpoint"`
	MinioAccessKey           string   `yaml:"minioAccessKey"`
	MinioSecretKey           string   `yaml:"minioSecretKey"`
	MinioBucket              string   `yaml:"minioBucket"`
	MinioUseSSL              bool     `yaml:"minioUseSSL"`
	MinioPublicBaseURL       string   `yaml:"minioPublicBaseURL"`
	ObjectBaseURL            string   `yaml:"objectBaseURL"`
	CoverMaxBytes            int64    `yaml:"coverMaxBytes"`
	AMQPURL                  string   `yaml:"amqpURL"`
	AMQPExchange             string   `yaml:"amqpExchange"`
}

// ResolvePath picks the config file: an explicit flag value, then
// CONFIG_PATH, then ConfigPath.
func ResolvePath(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv("CONFIG_PATH")); v != "" {
		return v
	}
	return ConfigPath
}

// Load reads config from path (defaults to config.yaml) and applies
// environment overrides. A missing default file is tolerated so the service
// can run from the environment alone.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	explicit := path != ""
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	// Override with environment variables
	envString(&cfg.Port, "PORT")
	envString(&cfg.Environment, "APP_ENV")
	envString(&cfg.LogLevel, "LOG_LEVEL")
	envString(&cfg.StorageDriver, "STORAGE_DRIVER")
	envString(&cfg.DatabaseURL, "DATABASE_URL")
	if v := os.Getenv("AUTO_MIGRATE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoMigrate = &b
		}
	}
	envString(&cfg.RedisAddr, "REDIS_ADDR")
	envString(&cfg.RedisPassword, "REDIS_PASSWORD")
	envString(&cfg.JWTSecret, "JWT_SECRET")
	envString(&cfg.JWTIssuer, "JWT_ISSUER")
	envString(&cfg.JWTAudience, "JWT_AUDIENCE")
	envString(&cfg.JWTLeeway, "JWT_LEEWAY")
	envString(&cfg.SessionTTL, "SESSION_TTL")
	envString(&cfg.LoanPeriod, "LOAN_PERIOD")
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	envInt(&cfg.SignupRateLimitPerMinute, "SIGNUP_RATE_LIMIT_PER_MINUTE")
	envInt(&cfg.LoginRateLimitPerMinute, "LOGIN_RATE_LIMIT_PER_MINUTE")
	envString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	envString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	envString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	envString(&cfg.MinioBucket, "MINIO_BUCKET")
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	envString(&cfg.MinioPublicBaseURL, "MINIO_PUBLIC_BASE_URL")
	envString(&cfg.ObjectBaseURL, "OBJECT_BASE_URL")
	if v := os.Getenv("COVER_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.CoverMaxBytes = n
		}
	}
	envString(&cfg.AMQPURL, "AMQP_URL")
	envString(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	normalize(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// normalize canonicalizes enum-like values once so callers can compare them
// directly.
func normalize(cfg *FileConfig) {
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	if cfg.Environment == "" {
		cfg.Environment = EnvDevelopment
	}
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	if cfg.StorageDriver == "" {
		cfg.StorageDriver = StorageDriverPostgres
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	switch cfg.Environment {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		return fmt.Errorf("config: unknown environment %q", cfg.Environment)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("config: jwtSecret is required (set JWT_SECRET)")
	}
	if cfg.IsProduction() && len(cfg.JWTSecret) < minProductionSecretBytes {
		return fmt.Errorf("config: jwtSecret must be at least %d bytes in production", minProductionSecretBytes)
	}
	switch cfg.StorageDriver {
	case "", StorageDriverPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for the postgres storage driver")
		}
	case StorageDriverMemory:
	default:
		return fmt.Errorf("config: unknown storageDriver %q", cfg.StorageDriver)
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for token revocation and rate limiting")
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.CoverMaxBytes < 0 {
		return errors.New("config: coverMaxBytes must be >= 0")
	}
	if cfg.MinioEndpoint != "" || cfg.MinioAccessKey != "" || cfg.MinioSecretKey != "" || cfg.MinioBucket != "" {
		if cfg.MinioEndpoint == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint, minioAccessKey, minioSecretKey and minioBucket must be set together")
		}
	}
	for name, raw := range map[string]string{
		"jwtLeeway":  cfg.JWTLeeway,
		"sessionTTL": cfg.SessionTTL,
		"loanPeriod": cfg.LoanPeriod,
	} {
		if _, err := ParseDuration(name, raw); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// IsDevelopment reports whether internal error details may be exposed to
// clients.
func (c FileConfig) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// IsProduction reports whether the service runs with production settings.
func (c FileConfig) IsProduction() bool {
	return c.Environment == EnvProduction
}

// AutoMigrateEnabled defaults to true when autoMigrate is unset.
func (c FileConfig) AutoMigrateEnabled() bool {
	return c.AutoMigrate == nil || *c.AutoMigrate
}

// ParseDuration parses an optional duration setting; empty means zero.
func ParseDuration(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must be >= 0", name)
	}
	return dur, nil
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
