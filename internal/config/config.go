package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr       string `yaml:"http_addr"`
	PublicURL      string `yaml:"public_url"`
	PostgresDSN    string `yaml:"postgres_dsn"`
	AutoMigrate    bool   `yaml:"auto_migrate"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	MaxStreamBytes int    `yaml:"max_stream_bytes"`

	WitnessKeySeedHex    string `yaml:"witness_key_seed_hex"`
	WitnessKeySeedBase64 string `yaml:"witness_key_seed_base64"`
	WitnessKeyFile       string `yaml:"witness_key_file"`

	ResolverAddr          string `yaml:"resolver_addr"`
	ForwardPolicy         string `yaml:"forward_policy"`
	ForwardTimeoutSeconds int    `yaml:"forward_timeout_seconds"`
	ForwardRatePerSecond  int    `yaml:"forward_rate_per_second"`

	RateLimitRequests      int  `yaml:"rate_limit_requests"`
	RateLimitWindowSeconds int  `yaml:"rate_limit_window_seconds"`
	RateLimitFailClosed    bool `yaml:"rate_limit_fail_closed"`
	RateLimitMaxKeys       int  `yaml:"rate_limit_max_keys"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	AdmissionPolicyPath     string `yaml:"admission_policy_path"`
	AdmissionPolicyBundleID string `yaml:"admission_policy_bundle_id"`
}

const (
	ForwardNone  = "none"
	ForwardEvent = "event"
	ForwardKEL   = "kel"
)

func Defaults() Config {
	return Config{
		HTTPAddr:               ":3030",
		LogLevel:               "info",
		LogFormat:              "text",
		MaxStreamBytes:         1 << 20,
		ForwardPolicy:          ForwardEvent,
		ForwardTimeoutSeconds:  5,
		ForwardRatePerSecond:   20,
		RateLimitWindowSeconds: 60,
		RateLimitMaxKeys:       10000,
	}
}

func FromEnv() Config {
	return applyEnv(Defaults())
}

// Load reads an optional YAML file and lets the environment override it.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg = applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(c Config) Config {
	c.HTTPAddr = envDefault("HTTP_ADDR", c.HTTPAddr)
	c.PublicURL = envDefault("PUBLIC_URL", c.PublicURL)
	c.PostgresDSN = envDefault("POSTGRES_DSN", c.PostgresDSN)
	c.AutoMigrate = envBoolDefault("AUTO_MIGRATE", c.AutoMigrate)
	c.LogLevel = envDefault("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envDefault("LOG_FORMAT", c.LogFormat)
	c.MaxStreamBytes = envIntDefault("MAX_STREAM_BYTES", c.MaxStreamBytes)
	c.WitnessKeySeedHex = envDefault("WITNESS_KEY_SEED_HEX", c.WitnessKeySeedHex)
	c.WitnessKeySeedBase64 = envDefault("WITNESS_KEY_SEED_BASE64", c.WitnessKeySeedBase64)
	c.WitnessKeyFile = envDefault("WITNESS_KEY_FILE", c.WitnessKeyFile)
	c.ResolverAddr = envDefault("RESOLVER_ADDR", c.ResolverAddr)
	c.ForwardPolicy = strings.ToLower(envDefault("FORWARD_POLICY", c.ForwardPolicy))
	c.ForwardTimeoutSeconds = envIntDefault("FORWARD_TIMEOUT_SECONDS", c.ForwardTimeoutSeconds)
	c.ForwardRatePerSecond = envIntDefault("FORWARD_RATE_PER_SECOND", c.ForwardRatePerSecond)
	c.RateLimitRequests = envIntDefault("RATE_LIMIT_REQUESTS", c.RateLimitRequests)
	c.RateLimitWindowSeconds = envIntDefault("RATE_LIMIT_WINDOW_SECONDS", c.RateLimitWindowSeconds)
	c.RateLimitFailClosed = envBoolDefault("RATE_LIMIT_FAIL_CLOSED", c.RateLimitFailClosed)
	c.RateLimitMaxKeys = envIntDefault("RATE_LIMIT_MAX_KEYS", c.RateLimitMaxKeys)
	c.RedisAddr = envDefault("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = envDefault("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = envIntDefault("REDIS_DB", c.RedisDB)
	c.AdmissionPolicyPath = envDefault("ADMISSION_POLICY_PATH", c.AdmissionPolicyPath)
	c.AdmissionPolicyBundleID = envDefault("ADMISSION_POLICY_BUNDLE_ID", c.AdmissionPolicyBundleID)
	return c
}

func (c Config) Validate() error {
	switch c.ForwardPolicy {
	case ForwardNone, ForwardEvent, ForwardKEL:
	default:
		return fmt.Errorf("invalid FORWARD_POLICY %q (want none, event or kel)", c.ForwardPolicy)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q (want text or json)", c.LogFormat)
	}
	if c.WitnessKeySeedHex != "" && c.WitnessKeySeedBase64 != "" {
		return fmt.Errorf("set only one of WITNESS_KEY_SEED_HEX and WITNESS_KEY_SEED_BASE64")
	}
	return nil
}

func envDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func envBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "Yes":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "No":
		return false
	default:
		return def
	}
}

func (c Config) ForwardTimeout() time.Duration {
	if c.ForwardTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.ForwardTimeoutSeconds) * time.Second
}

func (c Config) RateLimitWindow() time.Duration {
	if c.RateLimitWindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}
