package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const defaultJWTSecret = "change-me-in-production"

// Store backends.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

type Config struct {
	Port           string      `yaml:"port"`
	Environment    string      `yaml:"environment"`
	AllowedOrigins []string    `yaml:"allowed_origins"`
	JWTSecret      string      `yaml:"jwt_secret"`
	Store          string      `yaml:"store"`
	Redis          RedisConfig `yaml:"redis"`
	ICE            ICEConfig   `yaml:"ice"`
	RateLimit      RateLimit   `yaml:"rate_limit"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// ConnectAttempts bounds the pings made at startup.
	ConnectAttempts int           `yaml:"connect_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
}

type ICEConfig struct {
	STUNURLs       []string `yaml:"stun_urls"`
	TURNURLs       []string `yaml:"turn_urls"`
	TURNUsername   string   `yaml:"turn_username"`
	TURNCredential string   `yaml:"turn_credential"`
}

// RateLimit is the per-client token bucket of the local API.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Load reads the configuration from the environment.
func Load() *Config {
	// Parse allowed origins (comma-separated)
	origins := splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"))

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", defaultJWTSecret),
		Store:          getEnv("STORE_BACKEND", StoreRedis),
		Redis: RedisConfig{
			Host:            getEnv("REDIS_HOST", "localhost"),
			Port:            getEnv("REDIS_PORT", "6379"),
			Password:        getEnv("REDIS_PASSWORD", ""),
			DB:              getEnvInt("REDIS_DB", 0),
			ConnectAttempts: getEnvInt("CONNECT_ATTEMPTS", 3),
			RetryDelay:      getEnvDuration("CONNECT_RETRY_DELAY", 2*time.Second),
		},
		ICE: ICEConfig{
			STUNURLs:       splitList(getEnv("STUN_URLS", "stun:stun.l.google.com:19302")),
			TURNURLs:       splitList(getEnv("TURN_URLS", "")),
			TURNUsername:   getEnv("TURN_USERNAME", ""),
			TURNCredential: getEnv("TURN_CREDENTIAL", ""),
		},
		RateLimit: RateLimit{
			PerSecond: getEnvFloat("RATE_LIMIT_PER_SECOND", 20),
			Burst:     getEnvInt("RATE_LIMIT_BURST", 40),
		},
	}
}

// LoadFile overlays the YAML file at path onto c. Keys missing from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Parse builds the configuration for a command line. Sources apply in
// order: environment, the YAML file named by --config or CONFIG_FILE,
// then flags.
func Parse(name string, args []string) (*Config, error) {
	cfg := Load()

	// The config file must be applied before the flags that override it.
	pre := pflag.NewFlagSet(name, pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.SetOutput(io.Discard)
	pre.Usage = func() {}
	configPath := pre.String("config", getEnv("CONFIG_FILE", ""), "")
	pre.BoolP("help", "h", false, "")
	_ = pre.Parse(args)
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			return nil, err
		}
	}

	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.String("config", *configPath, "YAML config file")
	cfg.AddFlags(flags)
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AddFlags binds c's fields to flags, using the current values as
// defaults.
func (c *Config) AddFlags(flags *pflag.FlagSet) {
	flags.StringVar(&c.Port, "port", c.Port, "local API port")
	flags.StringVar(&c.Environment, "env", c.Environment, "environment (development or production)")
	flags.StringSliceVar(&c.AllowedOrigins, "allowed-origins", c.AllowedOrigins, "origins allowed to call the local API")
	flags.StringVar(&c.Store, "store", c.Store, "rendezvous store backend (redis or memory)")
	flags.StringVar(&c.Redis.Host, "redis-host", c.Redis.Host, "Redis host")
	flags.StringVar(&c.Redis.Port, "redis-port", c.Redis.Port, "Redis port")
	flags.IntVar(&c.Redis.DB, "redis-db", c.Redis.DB, "Redis database")
	flags.IntVar(&c.Redis.ConnectAttempts, "connect-attempts", c.Redis.ConnectAttempts, "store connection attempts at startup")
	flags.DurationVar(&c.Redis.RetryDelay, "connect-retry-delay", c.Redis.RetryDelay, "delay between store connection attempts")
	flags.StringSliceVar(&c.ICE.STUNURLs, "stun", c.ICE.STUNURLs, "STUN server URLs")
	flags.StringSliceVar(&c.ICE.TURNURLs, "turn", c.ICE.TURNURLs, "TURN server URLs")
	flags.StringVar(&c.ICE.TURNUsername, "turn-username", c.ICE.TURNUsername, "TURN username")
	flags.Float64Var(&c.RateLimit.PerSecond, "rate-limit", c.RateLimit.PerSecond, "API requests per second per client")
	flags.IntVar(&c.RateLimit.Burst, "rate-burst", c.RateLimit.Burst, "API request burst per client")
}

// Validate reports configuration that cannot work.
func Validate(c *Config) error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port must be set"))
	}
	switch c.Store {
	case StoreRedis:
		if c.Redis.Host == "" || c.Redis.Port == "" {
			errs = append(errs, errors.New("redis host and port must be set"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store))
	}
	if c.Redis.ConnectAttempts < 1 {
		errs = append(errs, errors.New("connect attempts must be at least 1"))
	}
	if c.Environment == "production" && (c.JWTSecret == "" || c.JWTSecret == defaultJWTSecret) {
		errs = append(errs, errors.New("JWT_SECRET must be changed in production"))
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
