package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
	StoreDriverRedis    = "redis"
	StoreDriverREST     = "rest"
	StoreDriverMemory   = "memory"

	IdentityDriverGoTrue = "gotrue"
	IdentityDriverOAuth2 = "oauth2"
	IdentityDriverLocal  = "local"

	CacheDriverNone   = "none"
	CacheDriverMemory = "memory"
	CacheDriverRedis  = "redis"
)

type Config struct {
	AppEnv   string `mapstructure:"app_env"`
	HTTPAddr string `mapstructure:"http_addr"`
	LogLevel string `mapstructure:"log_level"`

	PairingSecret      string        `mapstructure:"device_pairing_secret"`
	VerificationURL    string        `mapstructure:"verification_url"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
	SessionTTL         time.Duration `mapstructure:"session_ttl"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	MaxBodyBytes       int64         `mapstructure:"max_body_bytes"`

	StoreDriver     string `mapstructure:"store_driver"`
	DatabaseURL     string `mapstructure:"database_url"`
	SQLitePath      string `mapstructure:"sqlite_path"`
	RedisAddr       string `mapstructure:"redis_addr"`
	RedisPassword   string `mapstructure:"redis_password"`
	RedisDB         int    `mapstructure:"redis_db"`
	RedisKeyPrefix  string `mapstructure:"redis_key_prefix"`
	StoreRESTURL    string `mapstructure:"store_rest_url"`
	StoreServiceKey string `mapstructure:"store_service_key"`

	IdentityDriver     string        `mapstructure:"identity_driver"`
	IdentityURL        string        `mapstructure:"identity_url"`
	IdentityAnonKey    string        `mapstructure:"identity_anon_key"`
	OAuth2TokenURL     string        `mapstructure:"oauth2_token_url"`
	OAuth2ClientID     string        `mapstructure:"oauth2_client_id"`
	OAuth2ClientSecret string        `mapstructure:"oauth2_client_secret"`
	OAuth2Scopes       []string      `mapstructure:"oauth2_scopes"`
	LocalJWTSecret     string        `mapstructure:"local_jwt_secret"`
	LocalJWTIssuer     string        `mapstructure:"local_jwt_issuer"`
	LocalAccessTTL     time.Duration `mapstructure:"local_access_ttl"`
	LocalRefreshTTL    time.Duration `mapstructure:"local_refresh_ttl"`

	TerminalCacheDriver string        `mapstructure:"terminal_cache_driver"`
	TerminalCacheTTL    time.Duration `mapstructure:"terminal_cache_ttl"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize      int           `mapstructure:"sweep_batch_size"`
	RateLimitRPM        int           `mapstructure:"rate_limit_rpm"`

	CredentialGuardEnabled      bool          `mapstructure:"credential_guard_enabled"`
	CredentialGuardFreeAttempts int           `mapstructure:"credential_guard_free_attempts"`
	CredentialGuardBaseDelay    time.Duration `mapstructure:"credential_guard_base_delay"`
	CredentialGuardMaxDelay     time.Duration `mapstructure:"credential_guard_max_delay"`
	CredentialGuardResetWindow  time.Duration `mapstructure:"credential_guard_reset_window"`

	OTELMetricsEnabled        bool          `mapstructure:"otel_metrics_enabled"`
	OTELTracingEnabled        bool          `mapstructure:"otel_tracing_enabled"`
	OTELLogsEnabled           bool          `mapstructure:"otel_logs_enabled"`
	OTELExporterOTLPEndpoint  string        `mapstructure:"otel_exporter_otlp_endpoint"`
	OTELExporterOTLPInsecure  bool          `mapstructure:"otel_exporter_otlp_insecure"`
	OTELServiceName           string        `mapstructure:"otel_service_name"`
	OTELEnvironment           string        `mapstructure:"otel_environment"`
	OTELMetricsExportInterval time.Duration `mapstructure:"otel_metrics_export_interval"`
	OTELTraceSampleRatio      float64       `mapstructure:"otel_trace_sample_ratio"`

	ShutdownTimeout              time.Duration `mapstructure:"shutdown_timeout"`
	ShutdownHTTPDrainTimeout     time.Duration `mapstructure:"shutdown_http_drain_timeout"`
	ShutdownObservabilityTimeout time.Duration `mapstructure:"shutdown_observability_timeout"`
	UpstreamTimeout              time.Duration `mapstructure:"http_upstream_timeout"`
	HTTPReadTimeout              time.Duration `mapstructure:"http_read_timeout"`
	HTTPWriteTimeout             time.Duration `mapstructure:"http_write_timeout"`
	HTTPIdleTimeout              time.Duration `mapstructure:"http_idle_timeout"`
	HTTPRequestTimeout           time.Duration `mapstructure:"http_request_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", "development")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("log_level", "info")

	v.SetDefault("device_pairing_secret", "")
	v.SetDefault("verification_url", "")
	v.SetDefault("cors_allowed_origins", []string{"*"})
	v.SetDefault("session_ttl", "600s")
	v.SetDefault("poll_interval", "3s")
	v.SetDefault("max_body_bytes", 64*1024)

	v.SetDefault("store_driver", StoreDriverPostgres)
	v.SetDefault("database_url", "")
	v.SetDefault("sqlite_path", "pairing.db")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_key_prefix", "pairing")
	v.SetDefault("store_rest_url", "")
	v.SetDefault("store_service_key", "")

	v.SetDefault("identity_driver", IdentityDriverGoTrue)
	v.SetDefault("identity_url", "")
	v.SetDefault("identity_anon_key", "")
	v.SetDefault("oauth2_token_url", "")
	v.SetDefault("oauth2_client_id", "")
	v.SetDefault("oauth2_client_secret", "")
	v.SetDefault("oauth2_scopes", []string{})
	v.SetDefault("local_jwt_secret", "")
	v.SetDefault("local_jwt_issuer", "tv-device-pairing")
	v.SetDefault("local_access_ttl", "1h")
	v.SetDefault("local_refresh_ttl", "720h")

	v.SetDefault("terminal_cache_driver", CacheDriverMemory)
	v.SetDefault("terminal_cache_ttl", "15m")
	v.SetDefault("sweep_interval", "0s")
	v.SetDefault("sweep_batch_size", 200)
	v.SetDefault("rate_limit_rpm", 0)
	v.SetDefault("credential_guard_enabled", false)
	v.SetDefault("credential_guard_free_attempts", 5)
	v.SetDefault("credential_guard_base_delay", "1s")
	v.SetDefault("credential_guard_max_delay", "5m")
	v.SetDefault("credential_guard_reset_window", "15m")

	v.SetDefault("otel_metrics_enabled", false)
	v.SetDefault("otel_tracing_enabled", false)
	v.SetDefault("otel_logs_enabled", false)
	v.SetDefault("otel_exporter_otlp_endpoint", "localhost:4317")
	v.SetDefault("otel_exporter_otlp_insecure", true)
	v.SetDefault("otel_service_name", "tv-device-pairing")
	v.SetDefault("otel_environment", "development")
	v.SetDefault("otel_metrics_export_interval", "15s")
	v.SetDefault("otel_trace_sample_ratio", 1.0)

	v.SetDefault("shutdown_timeout", "15s")
	v.SetDefault("shutdown_http_drain_timeout", "10s")
	v.SetDefault("shutdown_observability_timeout", "5s")
	v.SetDefault("http_upstream_timeout", "10s")
	v.SetDefault("http_read_timeout", "10s")
	v.SetDefault("http_write_timeout", "15s")
	v.SetDefault("http_idle_timeout", "60s")
	v.SetDefault("http_request_timeout", "20s")
}

// Load reads .env (if present), the optional config file and the process environment, in
// increasing priority. Real environment variables always win over .env values.
func Load(configFile string) (*Config, error) {
	cfg, err := load(configFile)
	profile := ""
	if cfg != nil {
		profile = cfg.AppEnv
	}
	recordConfigLoad(context.Background(), profile, err)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &loadError{class: ClassEnvFile, err: fmt.Errorf("parse .env: %w", err)}
	}

	v := viper.New()
	setDefaults(v)
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, &loadError{class: ClassConfigFile, err: fmt.Errorf("read config file %s: %w", configFile, err)}
		}
	}
	v.AutomaticEnv()
	for _, key := range v.AllKeys() {
		_ = v.BindEnv(key, strings.ToUpper(key))
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, &loadError{class: ClassParse, err: fmt.Errorf("parse config: %w", err)}
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	c.IdentityDriver = strings.ToLower(strings.TrimSpace(c.IdentityDriver))
	c.TerminalCacheDriver = strings.ToLower(strings.TrimSpace(c.TerminalCacheDriver))
	c.PairingSecret = strings.TrimSpace(c.PairingSecret)
	c.VerificationURL = strings.TrimSpace(c.VerificationURL)
	origins := c.CORSAllowedOrigins[:0]
	for _, o := range c.CORSAllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c.CORSAllowedOrigins = origins
}

func (c *Config) Validate() error {
	var v ValidationError
	if c.PairingSecret == "" {
		v.add(ClassPairingSecret, "DEVICE_PAIRING_SECRET is required")
	}
	if c.VerificationURL == "" {
		v.add(ClassVerificationURL, "VERIFICATION_URL is required")
	} else if u, err := url.Parse(c.VerificationURL); err != nil || u.Scheme == "" || u.Host == "" {
		v.add(ClassVerificationURL, "VERIFICATION_URL must be an absolute URL")
	}
	if c.SessionTTL <= 0 {
		v.add(ClassTiming, "SESSION_TTL must be positive")
	}
	if c.PollInterval <= 0 {
		v.add(ClassTiming, "POLL_INTERVAL must be positive")
	}

	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			v.add(ClassStoreDriver, "DATABASE_URL is required for the postgres store")
		}
	case StoreDriverSQLite:
		if c.SQLitePath == "" {
			v.add(ClassStoreDriver, "SQLITE_PATH is required for the sqlite store")
		}
	case StoreDriverRedis:
		if c.RedisAddr == "" {
			v.add(ClassStoreDriver, "REDIS_ADDR is required for the redis store")
		}
	case StoreDriverREST:
		if c.StoreRESTURL == "" || c.StoreServiceKey == "" {
			v.add(ClassStoreDriver, "STORE_REST_URL and STORE_SERVICE_KEY are required for the rest store")
		}
	case StoreDriverMemory:
	default:
		v.add(ClassStoreDriver, fmt.Sprintf("unsupported STORE_DRIVER %q", c.StoreDriver))
	}

	switch c.IdentityDriver {
	case IdentityDriverGoTrue:
		if c.IdentityURL == "" || c.IdentityAnonKey == "" {
			v.add(ClassIdentityDriver, "IDENTITY_URL and IDENTITY_ANON_KEY are required for the gotrue identity driver")
		}
	case IdentityDriverOAuth2:
		if c.OAuth2TokenURL == "" || c.OAuth2ClientID == "" {
			v.add(ClassIdentityDriver, "OAUTH2_TOKEN_URL and OAUTH2_CLIENT_ID are required for the oauth2 identity driver")
		}
	case IdentityDriverLocal:
		if len(c.LocalJWTSecret) < 32 {
			v.add(ClassIdentityDriver, "LOCAL_JWT_SECRET must be at least 32 characters")
		}
		if c.StoreDriver != StoreDriverPostgres && c.StoreDriver != StoreDriverSQLite {
			v.add(ClassIdentityDriver, "the local identity driver requires a postgres or sqlite store")
		}
	default:
		v.add(ClassIdentityDriver, fmt.Sprintf("unsupported IDENTITY_DRIVER %q", c.IdentityDriver))
	}

	switch c.TerminalCacheDriver {
	case CacheDriverNone, CacheDriverMemory, CacheDriverRedis:
	default:
		v.add(ClassTerminalCache, fmt.Sprintf("unsupported TERMINAL_CACHE_DRIVER %q", c.TerminalCacheDriver))
	}
	if c.TerminalCacheDriver != CacheDriverNone && c.TerminalCacheTTL <= 0 {
		v.add(ClassTerminalCache, "TERMINAL_CACHE_TTL must be positive when the terminal cache is enabled")
	}
	if c.RateLimitRPM < 0 {
		v.add(ClassLimits, "RATE_LIMIT_RPM must not be negative")
	}
	if c.CredentialGuardEnabled && c.CredentialGuardFreeAttempts < 0 {
		v.add(ClassLimits, "CREDENTIAL_GUARD_FREE_ATTEMPTS must not be negative")
	}
	if c.OTELTraceSampleRatio < 0 || c.OTELTraceSampleRatio > 1 {
		v.add(ClassLimits, "OTEL_TRACE_SAMPLE_RATIO must be within [0,1]")
	}

	if len(v.Problems) > 0 {
		return &v
	}
	return nil
}

// UsesRedis reports whether any component needs a redis client.
func (c *Config) UsesRedis() bool {
	return c.StoreDriver == StoreDriverRedis || c.TerminalCacheDriver == CacheDriverRedis
}

// UsesSQL reports whether a gorm connection is needed.
func (c *Config) UsesSQL() bool {
	return c.StoreDriver == StoreDriverPostgres || c.StoreDriver == StoreDriverSQLite
}
