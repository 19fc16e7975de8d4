package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Monitor  MonitorConfig  `toml:"monitor"`
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	Status   StatusConfig   `toml:"status"`
	Lookup   LookupConfig   `toml:"lookup"`
	Database DatabaseConfig `toml:"database"`
	Cache    CacheConfig    `toml:"cache"`
	Log      LogConfig      `toml:"log"`
}

// MonitorConfig locates the router's call-monitor port.
type MonitorConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// ServerConfig is the client-facing broadcast server.
type ServerConfig struct {
	Host            string        `toml:"host"` // empty listens on all interfaces
	Port            int           `toml:"port"`
	BindRetry       time.Duration `toml:"bind_retry"`
	MaxMessageBytes uint32        `toml:"max_message_bytes"`
}

// StorageConfig is the persistence backend: where the bridge dials it and
// where cmd/callstore listens.
type StorageConfig struct {
	Host          string        `toml:"host"`
	Port          int           `toml:"port"`
	RetryInterval time.Duration `toml:"retry_interval"`
	WriteTimeout  time.Duration `toml:"write_timeout"`
}

type StatusConfig struct {
	Port int `toml:"port"` // 0 disables the status API
}

type LookupConfig struct {
	AreaCodes string        `toml:"areacodes"`
	MSNFile   string        `toml:"msn_file"`
	Timeout   time.Duration `toml:"timeout"`
}

type DatabaseConfig struct {
	URL        string `toml:"url"`
	BackupFile string `toml:"backup_file"`
}

type CacheConfig struct {
	RedisURL string        `toml:"redis_url"`
	TTL      time.Duration `toml:"ttl"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Monitor: MonitorConfig{Host: "127.0.0.1", Port: 1012},
		Server: ServerConfig{
			Port:            63690,
			BindRetry:       10 * time.Second,
			MaxMessageBytes: 8 << 20,
		},
		Storage: StorageConfig{
			Host:          "127.0.0.1",
			Port:          63691,
			RetryInterval: 10 * time.Second,
			WriteTimeout:  10 * time.Second,
		},
		Status: StatusConfig{Port: 8090},
		Lookup: LookupConfig{Timeout: 5 * time.Second},
		Cache:  CacheConfig{TTL: 7 * 24 * time.Hour},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig layers defaults, the optional TOML file at path, a .env file
// and CB_* environment variables, in that order.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// a missing .env is fine, system env vars still apply
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	loaders := []func() error{
		func() error { return loadEnvString(&c.Monitor.Host, "CB_MONITOR_HOST") },
		func() error { return loadEnvInt(&c.Monitor.Port, "CB_MONITOR_PORT") },

		func() error { return loadEnvString(&c.Server.Host, "CB_SERVER_HOST") },
		func() error { return loadEnvInt(&c.Server.Port, "CB_SERVER_PORT") },
		func() error { return loadEnvDuration(&c.Server.BindRetry, "CB_BIND_RETRY") },
		func() error { return loadEnvUint32(&c.Server.MaxMessageBytes, "CB_MAX_MESSAGE_BYTES") },

		func() error { return loadEnvString(&c.Storage.Host, "CB_STORAGE_HOST") },
		func() error { return loadEnvInt(&c.Storage.Port, "CB_STORAGE_PORT") },
		func() error { return loadEnvDuration(&c.Storage.RetryInterval, "CB_RETRY_INTERVAL") },
		func() error { return loadEnvDuration(&c.Storage.WriteTimeout, "CB_WRITE_TIMEOUT") },

		func() error { return loadEnvInt(&c.Status.Port, "CB_STATUS_PORT") },

		func() error { return loadEnvString(&c.Lookup.AreaCodes, "CB_AREACODES_FILE") },
		func() error { return loadEnvString(&c.Lookup.MSNFile, "CB_MSN_FILE") },
		func() error { return loadEnvDuration(&c.Lookup.Timeout, "CB_LOOKUP_TIMEOUT") },

		func() error { return loadEnvString(&c.Database.URL, "CB_DATABASE_URL") },
		func() error { return loadEnvString(&c.Database.BackupFile, "CB_BACKUP_FILE") },

		func() error { return loadEnvString(&c.Cache.RedisURL, "CB_REDIS_URL") },
		func() error { return loadEnvDuration(&c.Cache.TTL, "CB_CACHE_TTL") },

		func() error { return loadEnvString(&c.Log.Level, "CB_LOG_LEVEL") },
		func() error { return loadEnvString(&c.Log.Format, "CB_LOG_FORMAT") },
	}
	for _, load := range loaders {
		if err := load(); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions: each overrides *target only when key is set, so the
// value already there acts as the default.
func loadEnvString(target *string, key string) error {
	if value := os.Getenv(key); value != "" {
		*target = value
	}
	return nil
}

func loadEnvInt(target *int, key string) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %v", key, err)
		}
		*target = parsed
	}
	return nil
}

func loadEnvUint32(target *uint32, key string) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %v", key, err)
		}
		*target = uint32(parsed)
	}
	return nil
}

func loadEnvDuration(target *time.Duration, key string) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration value for %s: %v", key, err)
		}
		*target = parsed
	}
	return nil
}

// MonitorAddr is host:port of the call monitor.
func (c *Config) MonitorAddr() string {
	return net.JoinHostPort(c.Monitor.Host, strconv.Itoa(c.Monitor.Port))
}

// StorageAddr is host:port of the persistence backend.
func (c *Config) StorageAddr() string {
	return net.JoinHostPort(c.Storage.Host, strconv.Itoa(c.Storage.Port))
}

// Validate performs validation on the loaded configuration
func (c *Config) Validate() error {
	var problems []string

	checkPort := func(name string, port int) {
		if port < 1 || port > 65535 {
			problems = append(problems, fmt.Sprintf("%s must be between 1 and 65535", name))
		}
	}
	checkPort("monitor.port", c.Monitor.Port)
	checkPort("server.port", c.Server.Port)
	checkPort("storage.port", c.Storage.Port)
	if c.Status.Port != 0 {
		checkPort("status.port", c.Status.Port)
	}

	if c.Monitor.Host == "" {
		problems = append(problems, "monitor.host must be set")
	}
	if c.Storage.Host == "" {
		problems = append(problems, "storage.host must be set")
	}

	if c.Server.BindRetry <= 0 {
		problems = append(problems, "server.bind_retry must be positive")
	}
	if c.Server.MaxMessageBytes == 0 {
		problems = append(problems, "server.max_message_bytes must be positive")
	}
	if c.Storage.RetryInterval <= 0 {
		problems = append(problems, "storage.retry_interval must be positive")
	}
	if c.Storage.WriteTimeout <= 0 {
		problems = append(problems, "storage.write_timeout must be positive")
	}
	if c.Cache.RedisURL != "" && c.Cache.TTL <= 0 {
		problems = append(problems, "cache.ttl must be positive when a cache is configured")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.Log.Level) {
		problems = append(problems, fmt.Sprintf("log.level must be one of: %s", strings.Join(validLogLevels, ", ")))
	}
	validLogFormats := []string{"text", "json"}
	if !contains(validLogFormats, c.Log.Format) {
		problems = append(problems, fmt.Sprintf("log.format must be one of: %s", strings.Join(validLogFormats, ", ")))
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Helper function to check if slice contains a string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
