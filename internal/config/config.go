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
	"gopkg.in/yaml.v3"
)

// AppConfig holds all configuration for the smartplant service
type AppConfig struct {
	Server    ServerSettings    `yaml:"server"`
	MQTT      MQTTSettings      `yaml:"mqtt"`
	Database  DatabaseSettings  `yaml:"database"`
	History   HistorySettings   `yaml:"history"`
	Stream    StreamSettings    `yaml:"stream"`
	Simulator SimulatorSettings `yaml:"simulator"`
	Logging   LoggingConfig     `yaml:"logging"`
}

// ServerSettings contains HTTP server configuration
type ServerSettings struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// MQTTSettings contains the broker connection and subscription
type MQTTSettings struct {
	Broker         string        `yaml:"broker"`
	Port           int           `yaml:"port"`
	Topic          string        `yaml:"topic"`
	ClientID       string        `yaml:"client_id"`
	QoS            int           `yaml:"qos"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// AutoReconnect is a pointer so an explicit false in YAML survives ApplyDefaults
	AutoReconnect        *bool         `yaml:"auto_reconnect"`
	ConnectRetry         bool          `yaml:"connect_retry"`
	ConnectRetryInterval time.Duration `yaml:"connect_retry_interval"` // 0 = paho default
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"` // 0 = paho default
	// Retained is used by the simulator's publishes only
	Retained bool `yaml:"retained"`
}

// DatabaseSettings contains storage configuration
type DatabaseSettings struct {
	Path             string        `yaml:"path"`
	MaxOpenConns     int           `yaml:"max_open_conns"`
	CheckpointPeriod time.Duration `yaml:"checkpoint_period"`
}

// HistorySettings contains query defaults
type HistorySettings struct {
	DefaultLimit int `yaml:"default_limit"`
}

// StreamSettings contains live stream configuration
type StreamSettings struct {
	Enabled      *bool         `yaml:"enabled"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	BufferSize   int           `yaml:"buffer_size"`
}

// SimulatorSettings configures the simulated sensor publisher
type SimulatorSettings struct {
	Interval    time.Duration `yaml:"interval"`
	BacklogSize int           `yaml:"backlog_size"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level    string `yaml:"level"`     // debug, info, warn, error
	Format   string `yaml:"format"`    // json or console
	FilePath string `yaml:"file_path"` // empty = stdout only
}

// LoadAppConfig loads configuration from a YAML file. An empty path skips the
// file and uses defaults plus environment.
func LoadAppConfig(path string) (*AppConfig, error) {
	var config AppConfig

	if path != "" {
		yamlData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(yamlData, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.ApplyDefaults()
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	if err := config.OverrideFromEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// LoadDotEnv loads variables from the given files (".env" when none are
// given) into the process environment. Missing files are ignored and
// variables already set are not overwritten.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyDefaults sets default values for any unset fields
func (ac *AppConfig) ApplyDefaults() {
	if ac.Server.Host == "" {
		ac.Server.Host = "0.0.0.0"
	}
	if ac.Server.Port == 0 {
		ac.Server.Port = 5000
	}
	if ac.Server.ReadTimeout == 0 {
		ac.Server.ReadTimeout = 15 * time.Second
	}
	if ac.Server.WriteTimeout == 0 {
		ac.Server.WriteTimeout = 15 * time.Second
	}

	if ac.MQTT.Broker == "" {
		ac.MQTT.Broker = "broker.hivemq.com"
	}
	if ac.MQTT.Port == 0 {
		ac.MQTT.Port = 1883
	}
	if ac.MQTT.Topic == "" {
		ac.MQTT.Topic = "smartplant/device1"
	}
	if ac.MQTT.KeepAlive == 0 {
		ac.MQTT.KeepAlive = 60 * time.Second
	}
	if ac.MQTT.ConnectTimeout == 0 {
		ac.MQTT.ConnectTimeout = 10 * time.Second
	}
	if ac.MQTT.AutoReconnect == nil {
		ac.MQTT.AutoReconnect = boolPtr(true)
	}

	if ac.Database.Path == "" {
		ac.Database.Path = "data/smartplant.db"
	}
	if ac.Database.MaxOpenConns == 0 {
		ac.Database.MaxOpenConns = 4
	}
	if ac.Database.CheckpointPeriod == 0 {
		ac.Database.CheckpointPeriod = 10 * time.Minute
	}

	if ac.History.DefaultLimit == 0 {
		ac.History.DefaultLimit = 100
	}

	if ac.Stream.Enabled == nil {
		ac.Stream.Enabled = boolPtr(true)
	}
	if ac.Stream.WriteTimeout == 0 {
		ac.Stream.WriteTimeout = 10 * time.Second
	}
	if ac.Stream.BufferSize == 0 {
		ac.Stream.BufferSize = 16
	}

	if ac.Simulator.Interval == 0 {
		ac.Simulator.Interval = 5 * time.Second
	}
	if ac.Simulator.BacklogSize == 0 {
		ac.Simulator.BacklogSize = 1000
	}

	if ac.Logging.Level == "" {
		ac.Logging.Level = "info"
	}
	if ac.Logging.Format == "" {
		ac.Logging.Format = "json"
	}
}

// OverrideFromEnv overrides config values from environment variables.
// Only non-empty variables are applied.
func (ac *AppConfig) OverrideFromEnv() error {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		ac.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SERVER_PORT: %w", err)
		}
		ac.Server.Port = port
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		ac.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MQTT_PORT: %w", err)
		}
		ac.MQTT.Port = port
	}
	if v := os.Getenv("MQTT_TOPIC"); v != "" {
		ac.MQTT.Topic = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		ac.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		ac.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		ac.MQTT.Password = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		ac.Database.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		ac.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		ac.Logging.Format = v
	}
	return nil
}

// Validate checks if the configuration is valid
func (ac *AppConfig) Validate() error {
	if ac.Server.Port < 1 || ac.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}
	if ac.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker is required")
	}
	if ac.MQTT.Port < 1 || ac.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt port must be between 1 and 65535")
	}
	if ac.MQTT.Topic == "" {
		return fmt.Errorf("mqtt topic is required")
	}
	if strings.ContainsAny(ac.MQTT.Topic, "+#") {
		return fmt.Errorf("mqtt topic must be a single topic, not a filter: %q", ac.MQTT.Topic)
	}
	if ac.MQTT.QoS < 0 || ac.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	if ac.MQTT.ConnectRetryInterval < 0 || ac.MQTT.MaxReconnectInterval < 0 {
		return fmt.Errorf("mqtt retry intervals must not be negative")
	}
	if ac.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if ac.Database.MaxOpenConns < 1 {
		return fmt.Errorf("database max_open_conns must be at least 1")
	}
	if ac.Database.CheckpointPeriod < time.Second {
		return fmt.Errorf("database checkpoint_period must be at least 1s")
	}
	if ac.History.DefaultLimit < 1 {
		return fmt.Errorf("history default_limit must be at least 1")
	}
	if ac.Stream.BufferSize < 1 {
		return fmt.Errorf("stream buffer_size must be at least 1")
	}
	if ac.Simulator.Interval <= 0 {
		return fmt.Errorf("simulator interval must be positive")
	}
	if ac.Simulator.BacklogSize < 1 {
		return fmt.Errorf("simulator backlog_size must be at least 1")
	}
	switch strings.ToLower(ac.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", ac.Logging.Level)
	}
	switch ac.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", ac.Logging.Format)
	}
	return nil
}

// StreamEnabled reports whether the live stream endpoint is served
func (ac *AppConfig) StreamEnabled() bool {
	return ac.Stream.Enabled == nil || *ac.Stream.Enabled
}

// MQTTAutoReconnect reports whether the MQTT client reconnects on its own
func (ac *AppConfig) MQTTAutoReconnect() bool {
	return ac.MQTT.AutoReconnect == nil || *ac.MQTT.AutoReconnect
}

// String returns a safe string representation (hides the MQTT password)
func (ac *AppConfig) String() string {
	return fmt.Sprintf("AppConfig{Server: %+v, MQTT: [Broker=%s:%d, Topic=%s, ClientID=%s, User=%s, Password=%s], Database: %+v, History: %+v, Stream: [Enabled=%t, Buffer=%d], Logging: %+v}",
		ac.Server,
		ac.MQTT.Broker,
		ac.MQTT.Port,
		ac.MQTT.Topic,
		ac.MQTT.ClientID,
		ac.MQTT.Username,
		maskSecret(ac.MQTT.Password),
		ac.Database,
		ac.History,
		ac.StreamEnabled(),
		ac.Stream.BufferSize,
		ac.Logging,
	)
}

// maskSecret masks all but first 4 characters of a secret
func maskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:4] + "****"
}

func boolPtr(b bool) *bool {
	return &b
}
