package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 5000
	DefaultMockElements    = 10
	DefaultMockRunDelay    = time.Second
	DefaultAuditDBPath     = "./sim_audit.db"
	DefaultRedisAddr       = "localhost:6379"
	DefaultChannel         = "sim_notifications"
	DefaultResultCacheSize = 128
	DefaultServiceName     = "backend-go-simulation-api"
)

// Config is the simulation server configuration.
//
// Precedence: built-in defaults < YAML file named by SIM_CONFIG_FILE <
// environment variables.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	Backend        string        `yaml:"backend"`
	MockElements   int           `yaml:"mock_elements"`
	MockRunDelay   time.Duration `yaml:"mock_run_delay"`
	RemoteURL      string        `yaml:"remote_url"`
	RemoteAPIKey   string        `yaml:"remote_api_key"`
	ResultCacheMax int           `yaml:"result_cache_size"`

	AuditDBPath          string `yaml:"audit_db_path"`
	RedisAddr            string `yaml:"redis_addr"`
	NotificationsChannel string `yaml:"notifications_channel"`

	APIKey              string `yaml:"api_key"`
	AllowRemoteShutdown bool   `yaml:"allow_remote_shutdown"`

	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Addr is the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Host:                 DefaultHost,
		Port:                 DefaultPort,
		Backend:              "mock",
		MockElements:         DefaultMockElements,
		MockRunDelay:         DefaultMockRunDelay,
		ResultCacheMax:       DefaultResultCacheSize,
		AuditDBPath:          DefaultAuditDBPath,
		RedisAddr:            DefaultRedisAddr,
		NotificationsChannel: DefaultChannel,
		ServiceName:          DefaultServiceName,
	}
}

// Load builds the configuration from defaults, the optional YAML file and the
// process environment.
func Load() (Config, error) {
	return load(os.LookupEnv, os.ReadFile)
}

func load(lookupEnv func(string) (string, bool), readFile func(string) ([]byte, error)) (Config, error) {
	cfg := Defaults()

	if path, _ := lookup(lookupEnv, "SIM_CONFIG_FILE"); path != "" {
		b, err := readFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	var err error
	str := func(key string, dst *string) {
		if v, ok := lookup(lookupEnv, key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(lookupEnv, key)
		if !ok || v == "" || err != nil {
			return
		}
		n, perr := strconv.Atoi(v)
		if perr != nil {
			err = fmt.Errorf("%s: %w", key, perr)
			return
		}
		*dst = n
	}
	millis := func(key string, dst *time.Duration) {
		v, ok := lookup(lookupEnv, key)
		if !ok || v == "" || err != nil {
			return
		}
		n, perr := strconv.Atoi(v)
		if perr != nil {
			err = fmt.Errorf("%s: %w", key, perr)
			return
		}
		*dst = time.Duration(n) * time.Millisecond
	}
	flag := func(key string, dst *bool) {
		v, ok := lookup(lookupEnv, key)
		if !ok || v == "" || err != nil {
			return
		}
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			err = fmt.Errorf("%s: %w", key, perr)
			return
		}
		*dst = b
	}

	str("SIM_HTTP_HOST", &cfg.Host)
	num("SIM_HTTP_PORT", &cfg.Port)
	str("SIM_BACKEND", &cfg.Backend)
	num("SIM_MOCK_ELEMENTS", &cfg.MockElements)
	millis("SIM_MOCK_RUN_DELAY_MS", &cfg.MockRunDelay)
	str("SIM_REMOTE_URL", &cfg.RemoteURL)
	str("SIM_REMOTE_API_KEY", &cfg.RemoteAPIKey)
	num("SIM_RESULT_CACHE_SIZE", &cfg.ResultCacheMax)
	str("SIM_AUDIT_DB_PATH", &cfg.AuditDBPath)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("SIM_NOTIFICATIONS_CHANNEL", &cfg.NotificationsChannel)
	str("SIM_API_KEY", &cfg.APIKey)
	flag("SIM_ALLOW_REMOTE_SHUTDOWN", &cfg.AllowRemoteShutdown)
	str("OTEL_SERVICE_NAME", &cfg.ServiceName)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	if err != nil {
		return Config{}, err
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.MockRunDelay < 0 {
		return Config{}, fmt.Errorf("invalid mock run delay %s", cfg.MockRunDelay)
	}
	return cfg, nil
}

// lookup treats a variable set to an empty string as an explicit value so
// optional integrations (audit, redis) can be disabled.
func lookup(lookupEnv func(string) (string, bool), key string) (string, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}
