package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Gateway       GatewayConfig       `yaml:"gateway"`
	Control       ControlConfig       `yaml:"control"`
	Store         StoreConfig         `yaml:"store"`
	Limiter       LimiterConfig       `yaml:"limiter"`
	LoginGuard    LoginGuardConfig    `yaml:"login_guard"`
	Captcha       CaptchaConfig       `yaml:"captcha"`
	Warmup        WarmupConfig        `yaml:"warmup"`
	Etcd          EtcdConfig          `yaml:"etcd"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type GatewayConfig struct {
	Address           string        `yaml:"address"`
	GRPCAddress       string        `yaml:"grpc_address"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxRequestSize    int64         `yaml:"max_request_size"`
	MaxConnections    int           `yaml:"max_connections"`
	HealthInterval    time.Duration `yaml:"health_interval"`
	APILimitByIP      bool          `yaml:"api_limit_by_ip"`
	AllowedCORSOrigin string        `yaml:"allowed_cors_origin"`
}

type ControlConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig describes the shared KV store holding counters and locks.
// An empty URL means the store is not configured.
type StoreConfig struct {
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token"`
	OpTimeout    time.Duration `yaml:"op_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
}

type LimiterConfig struct {
	CountDenied  bool   `yaml:"count_denied"`
	OnStoreError string `yaml:"on_store_error"` // "open" or "closed"
}

type LoginGuardConfig struct {
	MaxAttempts          int64         `yaml:"max_attempts"`
	LockoutWindow        time.Duration `yaml:"lockout_window"`
	CountCaptchaFailures bool          `yaml:"count_captcha_failures"`
	OnStoreError         string        `yaml:"on_store_error"`
}

type CaptchaConfig struct {
	Secret    string        `yaml:"secret"`
	VerifyURL string        `yaml:"verify_url"`
	Timeout   time.Duration `yaml:"timeout"`
	Disabled  bool          `yaml:"disabled"`
}

type WarmupConfig struct {
	DatabaseURL    string        `yaml:"database_url"`
	CacheURL       string        `yaml:"cache_url"`
	Concurrency    int           `yaml:"concurrency"`
	Token          string        `yaml:"token"`
	TaskTimeout    time.Duration `yaml:"task_timeout"`
	MaxKeys        int           `yaml:"max_keys"`
	NotificationsN int           `yaml:"notifications_limit"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Prefix      string        `yaml:"prefix"`
}

type ObservabilityConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
	JaegerEndpoint string `yaml:"jaeger_endpoint"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	LogLevel       string `yaml:"log_level"`
}

// Load reads an optional .env file and then builds the configuration from the
// environment. Variables already set in the environment win over the file.
func Load(dotEnvPath string) (*Config, error) {
	if dotEnvPath != "" {
		if err := godotenv.Load(dotEnvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", dotEnvPath, err)
		}
	}
	cfg := LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Address:           getEnv("TAMANDU_GATEWAY_ADDRESS", ":8080"),
			GRPCAddress:       getEnv("TAMANDU_GATEWAY_GRPC_ADDRESS", ":9080"),
			ReadTimeout:       getEnvDuration("TAMANDU_GATEWAY_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:      getEnvDuration("TAMANDU_GATEWAY_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout:   getEnvDuration("TAMANDU_GATEWAY_SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxRequestSize:    getEnvInt64("TAMANDU_GATEWAY_MAX_REQUEST_SIZE", 256*1024),
			MaxConnections:    getEnvInt("TAMANDU_GATEWAY_MAX_CONNECTIONS", 2048),
			HealthInterval:    getEnvDuration("TAMANDU_GATEWAY_HEALTH_INTERVAL", 10*time.Second),
			APILimitByIP:      getEnvBool("TAMANDU_GATEWAY_API_LIMIT", true),
			AllowedCORSOrigin: getEnv("TAMANDU_GATEWAY_CORS_ORIGIN", "*"),
		},
		Control: ControlConfig{
			Address:         getEnv("TAMANDU_CONTROL_ADDRESS", ":8081"),
			ReadTimeout:     getEnvDuration("TAMANDU_CONTROL_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("TAMANDU_CONTROL_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("TAMANDU_CONTROL_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Store: StoreConfig{
			URL:          getEnv("UPSTASH_REDIS_REST_URL", ""),
			Token:        getEnv("UPSTASH_REDIS_REST_TOKEN", ""),
			OpTimeout:    getEnvDuration("TAMANDU_STORE_OP_TIMEOUT", 2*time.Second),
			PoolSize:     getEnvInt("TAMANDU_STORE_POOL_SIZE", 50),
			MinIdleConns: getEnvInt("TAMANDU_STORE_MIN_IDLE_CONNS", 5),
			MaxRetries:   getEnvInt("TAMANDU_STORE_MAX_RETRIES", 1),
			DialTimeout:  getEnvDuration("TAMANDU_STORE_DIAL_TIMEOUT", 3*time.Second),
		},
		Limiter: LimiterConfig{
			CountDenied:  getEnvBool("TAMANDU_LIMITER_COUNT_DENIED", false),
			OnStoreError: getEnv("TAMANDU_LIMITER_ON_STORE_ERROR", "open"),
		},
		LoginGuard: LoginGuardConfig{
			MaxAttempts:          getEnvInt64("TAMANDU_LOGIN_MAX_ATTEMPTS", 5),
			LockoutWindow:        getEnvDuration("TAMANDU_LOGIN_LOCKOUT_WINDOW", 15*time.Minute),
			CountCaptchaFailures: getEnvBool("TAMANDU_LOGIN_COUNT_CAPTCHA_FAILURES", false),
			OnStoreError:         getEnv("TAMANDU_LOGIN_ON_STORE_ERROR", "closed"),
		},
		Captcha: CaptchaConfig{
			Secret:    getEnv("HCAPTCHA_SECRET", ""),
			VerifyURL: getEnv("HCAPTCHA_VERIFY_URL", "https://api.hcaptcha.com/siteverify"),
			Timeout:   getEnvDuration("HCAPTCHA_TIMEOUT", 5*time.Second),
			Disabled:  getEnvBool("HCAPTCHA_DISABLED", false),
		},
		Warmup: WarmupConfig{
			DatabaseURL:    getEnv("DATABASE_URL", ""),
			CacheURL:       getEnv("TAMANDU_CACHE_REDIS_URL", ""),
			Concurrency:    getEnvInt("TAMANDU_WARMUP_CONCURRENCY", 8),
			Token:          getEnv("TAMANDU_WARMUP_TOKEN", ""),
			TaskTimeout:    getEnvDuration("TAMANDU_WARMUP_TASK_TIMEOUT", 5*time.Second),
			MaxKeys:        getEnvInt("TAMANDU_WARMUP_MAX_KEYS", 200),
			NotificationsN: getEnvInt("TAMANDU_WARMUP_NOTIFICATIONS_LIMIT", 20),
		},
		Etcd: EtcdConfig{
			Endpoints:   getEnvStringSlice("TAMANDU_ETCD_ENDPOINTS", nil),
			DialTimeout: getEnvDuration("TAMANDU_ETCD_DIAL_TIMEOUT", 5*time.Second),
			Username:    getEnv("TAMANDU_ETCD_USERNAME", ""),
			Password:    getEnv("TAMANDU_ETCD_PASSWORD", ""),
			Prefix:      getEnv("TAMANDU_ETCD_PREFIX", "/tamandu/policies/"),
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: getEnvBool("TAMANDU_METRICS_ENABLED", true),
			TracingEnabled: getEnvBool("TAMANDU_TRACING_ENABLED", false),
			JaegerEndpoint: getEnv("TAMANDU_JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			ServiceName:    getEnv("TAMANDU_SERVICE_NAME", "tamandu-gateway"),
			ServiceVersion: getEnv("TAMANDU_SERVICE_VERSION", "dev"),
			LogLevel:       getEnv("TAMANDU_LOG_LEVEL", "info"),
		},
	}
}

// Validate rejects settings that would make a component misbehave silently.
func (c *Config) Validate() error {
	if c.LoginGuard.MaxAttempts <= 0 {
		return fmt.Errorf("login guard max attempts must be > 0, got %d", c.LoginGuard.MaxAttempts)
	}
	if c.LoginGuard.LockoutWindow <= 0 {
		return fmt.Errorf("login guard lockout window must be > 0, got %s", c.LoginGuard.LockoutWindow)
	}
	for name, mode := range map[string]string{
		"TAMANDU_LIMITER_ON_STORE_ERROR": c.Limiter.OnStoreError,
		"TAMANDU_LOGIN_ON_STORE_ERROR":   c.LoginGuard.OnStoreError,
	} {
		if mode != "open" && mode != "closed" {
			return fmt.Errorf("%s must be \"open\" or \"closed\", got %q", name, mode)
		}
	}
	if c.Warmup.Concurrency <= 0 {
		return fmt.Errorf("warmup concurrency must be > 0, got %d", c.Warmup.Concurrency)
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
