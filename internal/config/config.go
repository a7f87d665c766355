package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr string
	JWTSecret  string
	JWTTTL     time.Duration
	CronSecret string

	KVBackend     string
	UpstashURL    string
	UpstashToken  string
	DatabaseURL   string
	HostProvider  string
	GitHubAPIURL  string
	UserAgent     string
	AgeRecipient  string
	AgeIdentity   string
	AdminAccounts map[string]string

	FreeMinutes         int
	TokenSmokeTest      bool
	TokenMaxAge         time.Duration
	SweepInterval       time.Duration
	SweepMaxSessions    int
	SweepMaxTokenChecks int
	DiscoveryCacheTTL   time.Duration

	LogLevel  string
	LogFormat string
}

// newViper binds every key to its CC_-prefixed environment variable. The
// Upstash credentials keep the provider's own variable names.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CC")
	v.AutomaticEnv()
	_ = v.BindEnv("upstash_url", "UPSTASH_REDIS_REST_URL")
	_ = v.BindEnv("upstash_token", "UPSTASH_REDIS_REST_TOKEN")

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("jwt_ttl", "24h")
	v.SetDefault("kv_backend", "upstash")
	v.SetDefault("host_provider", "github")
	v.SetDefault("github_api_url", "https://api.github.com")
	v.SetDefault("user_agent", "CodeCloud-VPS/1.0")
	v.SetDefault("free_minutes", 30)
	v.SetDefault("token_smoke_test", true)
	v.SetDefault("token_max_age", "48h")
	v.SetDefault("sweep_interval", "30m")
	v.SetDefault("sweep_max_sessions", 25)
	v.SetDefault("sweep_max_token_checks", 20)
	v.SetDefault("discovery_cache_ttl", "20s")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "logfmt")
	return v
}

func LoadFromEnv() (Config, error) {
	return load(newViper())
}

// Load reads path when it is set and falls back to the environment alone.
func Load(path string) (Config, error) {
	if path == "" {
		return LoadFromEnv()
	}
	return LoadFile(path)
}

// LoadFile reads a YAML/TOML/JSON file (by extension) underneath the
// environment; environment variables still win.
func LoadFile(path string) (Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return load(v)
}

func load(v *viper.Viper) (Config, error) {
	cfg := Config{
		ListenAddr:          v.GetString("listen_addr"),
		JWTSecret:           v.GetString("jwt_secret"),
		JWTTTL:              positiveDuration(v, "jwt_ttl", 24*time.Hour),
		CronSecret:          v.GetString("cron_secret"),
		KVBackend:           v.GetString("kv_backend"),
		UpstashURL:          strings.TrimRight(v.GetString("upstash_url"), "/"),
		UpstashToken:        v.GetString("upstash_token"),
		DatabaseURL:         v.GetString("database_url"),
		HostProvider:        v.GetString("host_provider"),
		GitHubAPIURL:        strings.TrimRight(v.GetString("github_api_url"), "/"),
		UserAgent:           v.GetString("user_agent"),
		AgeRecipient:        v.GetString("token_age_recipient"),
		AgeIdentity:         v.GetString("token_age_identity"),
		AdminAccounts:       adminAccounts(v),
		FreeMinutes:         positiveInt(v, "free_minutes", 30),
		TokenSmokeTest:      boolOr(v, "token_smoke_test", true),
		TokenMaxAge:         positiveDuration(v, "token_max_age", 48*time.Hour),
		SweepInterval:       positiveDuration(v, "sweep_interval", 30*time.Minute),
		SweepMaxSessions:    positiveInt(v, "sweep_max_sessions", 25),
		SweepMaxTokenChecks: positiveInt(v, "sweep_max_token_checks", 20),
		DiscoveryCacheTTL:   positiveDuration(v, "discovery_cache_ttl", 20*time.Second),
		LogLevel:            v.GetString("log_level"),
		LogFormat:           v.GetString("log_format"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("CC_JWT_SECRET is required")
	}
	if cfg.CronSecret == "" {
		return Config{}, fmt.Errorf("CC_CRON_SECRET is required")
	}
	switch cfg.KVBackend {
	case "upstash", "memory":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("CC_DATABASE_URL is required for postgres kv backend")
		}
	default:
		return Config{}, fmt.Errorf("CC_KV_BACKEND must be one of upstash|postgres|memory")
	}
	if cfg.HostProvider != "github" && cfg.HostProvider != "fake" {
		return Config{}, fmt.Errorf("CC_HOST_PROVIDER must be one of github|fake")
	}
	switch cfg.LogFormat {
	case "logfmt", "json", "text":
	default:
		return Config{}, fmt.Errorf("CC_LOG_FORMAT must be one of logfmt|json|text")
	}
	return cfg, nil
}

// UpstashConfigured is false when either REST credential is missing; the kv
// layer then runs unconfigured instead of failing startup.
func (c Config) UpstashConfigured() bool {
	return c.UpstashURL != "" && c.UpstashToken != ""
}

// Malformed or non-positive numbers fall back to the default rather than
// failing startup.
func positiveInt(v *viper.Viper, key string, d int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
	if err != nil || n <= 0 {
		return d
	}
	return n
}

func positiveDuration(v *viper.Viper, key string, d time.Duration) time.Duration {
	dur, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
	if err != nil || dur <= 0 {
		return d
	}
	return dur
}

func boolOr(v *viper.Viper, key string, d bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		return d
	}
	return b
}

// adminAccounts accepts the env form "name=password,..." or, from a config
// file, a plain mapping.
func adminAccounts(v *viper.Viper) map[string]string {
	out := make(map[string]string)
	if m := v.GetStringMapString("admin_accounts"); len(m) > 0 {
		for k, val := range m {
			if k != "" && val != "" {
				out[k] = val
			}
		}
		return out
	}
	for _, p := range strings.Split(v.GetString("admin_accounts"), ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(p), "=")
		k, val = strings.TrimSpace(k), strings.TrimSpace(val)
		if ok && k != "" && val != "" {
			out[k] = val
		}
	}
	return out
}
