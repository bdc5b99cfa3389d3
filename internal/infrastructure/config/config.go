package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for fleetd.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service   ServiceConfig    `yaml:"service"`
	Database  DatabaseConfig   `yaml:"database"`
	MQTT      MQTTConfig       `yaml:"mqtt"`
	API       APIConfig        `yaml:"api"`
	Gateway   GatewayConfig    `yaml:"gateway"`
	InfluxDB  InfluxDBConfig   `yaml:"influxdb"`
	NATS      NATSConfig       `yaml:"nats"`
	Archive   ArchiveConfig    `yaml:"archive"`
	Logging   LoggingConfig    `yaml:"logging"`
	Security  SecurityConfig   `yaml:"security"`
	Delivery  DeliveryConfig   `yaml:"delivery"`
	Rules     RulesConfig      `yaml:"rules"`
	Sinks     []SinkConfig     `yaml:"sinks"`
	Detector  DetectorConfig   `yaml:"detector"`
	Posture   PostureConfig    `yaml:"posture"`
	Detectors []DetectorEntity `yaml:"detectors"`
}

// ServiceConfig identifies this fleetd instance.
type ServiceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// Ingress subscribes to device telemetry and shadow updates published
	// through the broker and feeds them to the gateway.
	Ingress bool `yaml:"ingress"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
//
// When ClientCAFile is set, device sessions may authenticate with a client
// certificate whose public key matches an active identity.
type TLSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// GatewayConfig contains device session settings.
type GatewayConfig struct {
	MaxFrameSize      int `yaml:"max_frame_size"`
	PingInterval      int `yaml:"ping_interval"`       // seconds
	PongTimeout       int `yaml:"pong_timeout"`        // seconds
	QueueSize         int `yaml:"queue_size"`          // events per connection
	CreditBatch       int `yaml:"credit_batch"`        // events drained before a credit grant
	RevocationGraceMS int `yaml:"revocation_grace_ms"` // drain window after revocation
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// NATSConfig contains NATS event bus settings.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ArchiveConfig contains S3-compatible object storage settings.
// Endpoint is optional; when set, path-style addressing is used (MinIO etc.).
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains credential settings.
type SecurityConfig struct {
	// ClaimSecret signs provisioning claim tokens (HS256).
	ClaimSecret string `yaml:"claim_secret"`

	// ClaimTTL is the default claim lifetime in minutes.
	ClaimTTL int `yaml:"claim_ttl"`

	// DeviceTokenSecret signs device session tokens (HS256).
	DeviceTokenSecret string `yaml:"device_token_secret"`

	// DeviceTokenTTL is the device session token lifetime in hours.
	DeviceTokenTTL int `yaml:"device_token_ttl"`

	// OperatorTokenHash is an Argon2id PHC hash of the operator API bearer token.
	OperatorTokenHash string `yaml:"operator_token_hash"`
}

// DeliveryConfig controls sink retries. Delays are in milliseconds.
type DeliveryConfig struct {
	MaxAttempts  int     `yaml:"max_attempts"`
	InitialDelay int     `yaml:"initial_delay"`
	MaxDelay     int     `yaml:"max_delay"`
	Multiplier   float64 `yaml:"multiplier"`
	Jitter       bool    `yaml:"jitter"`
}

// RulesConfig controls the rule router.
type RulesConfig struct {
	// File is an optional rule-set document loaded when no stored version exists.
	File string `yaml:"file"`

	// Workers is the number of router shards.
	Workers int `yaml:"workers"`

	// ShardQueue is the per-shard inbound buffer.
	ShardQueue int `yaml:"shard_queue"`
}

// SinkConfig declares a named delivery target referenced by rule actions.
type SinkConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`    // mqtt, nats, influxdb, s3, log
	Topic   string `yaml:"topic"`   // mqtt topic template
	Subject string `yaml:"subject"` // nats subject template
	Prefix  string `yaml:"prefix"`  // s3 key prefix
	QoS     int    `yaml:"qos"`
}

// DetectorConfig contains detector engine settings.
type DetectorConfig struct {
	Shards       int `yaml:"shards"`
	TickInterval int `yaml:"tick_interval"` // milliseconds
	ShardQueue   int `yaml:"shard_queue"`
}

// DetectorEntity configures one monitored entity (or a wildcard over things).
type DetectorEntity struct {
	EntityID        string  `yaml:"entity_id"`
	ThingID         string  `yaml:"thing_id"`
	Field           string  `yaml:"field"`
	HighThreshold   float64 `yaml:"high_threshold"`
	LowThreshold    float64 `yaml:"low_threshold"`
	ConsecutiveHigh int     `yaml:"consecutive_high"`
	ConsecutiveLow  int     `yaml:"consecutive_low"`
	WindowSize      int     `yaml:"window_size"`
}

// PostureConfig contains security posture monitor settings.
type PostureConfig struct {
	WindowSeconds int              `yaml:"window_seconds"`
	Profiles      []PostureProfile `yaml:"profiles"`
}

// PostureProfile is a baseline for one thing, or "*" for all things.
// Rates are per minute.
type PostureProfile struct {
	ThingID            string  `yaml:"thing_id"`
	ConnectRate        float64 `yaml:"connect_rate"`
	PublishRate        float64 `yaml:"publish_rate"`
	AuthFailureRate    float64 `yaml:"auth_failure_rate"`
	DeviationThreshold float64 `yaml:"deviation_threshold"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: FLEET_SECTION_KEY
// For example: FLEET_DATABASE_PATH, FLEET_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading a file.
// Useful for tooling that only needs defaults (e.g. rule validation).
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			ID:   "fleet-001",
			Name: "fleetd",
		},
		Database: DatabaseConfig{
			Path:        "./data/fleet.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "fleetd",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			Ingress: true,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Gateway: GatewayConfig{
			MaxFrameSize:      64 * 1024,
			PingInterval:      30,
			PongTimeout:       10,
			QueueSize:         64,
			CreditBatch:       16,
			RevocationGraceMS: 2000,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "fleet",
		},
		Archive: ArchiveConfig{
			Region: "us-east-1",
			Prefix: "fleet",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			ClaimTTL:       60,
			DeviceTokenTTL: 24 * 30,
		},
		Delivery: DeliveryConfig{
			MaxAttempts:  5,
			InitialDelay: 200,
			MaxDelay:     5000,
			Multiplier:   2.0,
			Jitter:       true,
		},
		Rules: RulesConfig{
			Workers:    4,
			ShardQueue: 256,
		},
		Detector: DetectorConfig{
			Shards:       4,
			TickInterval: 1000,
			ShardQueue:   1024,
		},
		Posture: PostureConfig{
			WindowSeconds: 60,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: FLEET_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("FLEET_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("FLEET_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("FLEET_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FLEET_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("FLEET_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("FLEET_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("FLEET_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// NATS
	if v := os.Getenv("FLEET_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}

	// Security - always override secrets in production
	if v := os.Getenv("FLEET_CLAIM_SECRET"); v != "" {
		cfg.Security.ClaimSecret = v
	}
	if v := os.Getenv("FLEET_DEVICE_TOKEN_SECRET"); v != "" {
		cfg.Security.DeviceTokenSecret = v
	}
	if v := os.Getenv("FLEET_OPERATOR_TOKEN_HASH"); v != "" {
		cfg.Security.OperatorTokenHash = v
	}
}

// minSecretLength is the shortest accepted HMAC signing secret.
const minSecretLength = 32

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Service.ID == "" {
		errs = append(errs, "service.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Gateway.QueueSize < 1 {
		errs = append(errs, "gateway.queue_size must be at least 1")
	}
	if c.Gateway.RevocationGraceMS < 0 {
		errs = append(errs, "gateway.revocation_grace_ms cannot be negative")
	}

	if c.Delivery.MaxAttempts < 1 {
		errs = append(errs, "delivery.max_attempts must be at least 1")
	}
	if c.Delivery.MaxDelay < c.Delivery.InitialDelay {
		errs = append(errs, "delivery.max_delay must be >= delivery.initial_delay")
	}

	if c.Rules.Workers < 1 {
		errs = append(errs, "rules.workers must be at least 1")
	}
	if c.Detector.Shards < 1 {
		errs = append(errs, "detector.shards must be at least 1")
	}

	errs = append(errs, c.validateSecrets()...)
	errs = append(errs, c.validateSinks()...)
	errs = append(errs, c.validateDetectors()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateSecrets() []string {
	var errs []string
	if len(c.Security.ClaimSecret) < minSecretLength {
		errs = append(errs, "security.claim_secret must be at least 32 characters (set FLEET_CLAIM_SECRET)")
	}
	if len(c.Security.DeviceTokenSecret) < minSecretLength {
		errs = append(errs, "security.device_token_secret must be at least 32 characters (set FLEET_DEVICE_TOKEN_SECRET)")
	}
	if c.Security.ClaimSecret != "" && c.Security.ClaimSecret == c.Security.DeviceTokenSecret {
		errs = append(errs, "security.claim_secret and security.device_token_secret must differ")
	}
	return errs
}

func (c *Config) validateSinks() []string {
	var errs []string
	seen := make(map[string]bool, len(c.Sinks))
	for i, s := range c.Sinks {
		if s.Name == "" {
			errs = append(errs, fmt.Sprintf("sinks[%d].name is required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Sprintf("sinks[%d].name %q is duplicated", i, s.Name))
		}
		seen[s.Name] = true

		switch s.Type {
		case "mqtt":
			if s.Topic == "" {
				errs = append(errs, fmt.Sprintf("sinks[%d] (%s): topic is required for mqtt", i, s.Name))
			}
		case "nats":
			if s.Subject == "" {
				errs = append(errs, fmt.Sprintf("sinks[%d] (%s): subject is required for nats", i, s.Name))
			}
		case "influxdb", "s3", "log":
		default:
			errs = append(errs, fmt.Sprintf("sinks[%d] (%s): unknown type %q", i, s.Name, s.Type))
		}
	}
	return errs
}

func (c *Config) validateDetectors() []string {
	var errs []string
	for i, d := range c.Detectors {
		if d.Field == "" {
			errs = append(errs, fmt.Sprintf("detectors[%d].field is required", i))
		}
		if d.ThingID == "" {
			errs = append(errs, fmt.Sprintf("detectors[%d].thing_id is required (use \"*\" for all things)", i))
		}
		if d.LowThreshold > d.HighThreshold {
			errs = append(errs, fmt.Sprintf("detectors[%d]: low_threshold must not exceed high_threshold", i))
		}
		if d.ConsecutiveHigh < 1 || d.ConsecutiveLow < 1 {
			errs = append(errs, fmt.Sprintf("detectors[%d]: consecutive_high and consecutive_low must be at least 1", i))
		}
	}
	return errs
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetRevocationGrace returns the post-revocation drain window.
func (c *Config) GetRevocationGrace() time.Duration {
	return time.Duration(c.Gateway.RevocationGraceMS) * time.Millisecond
}

// GetClaimTTL returns the default claim token lifetime.
func (c *Config) GetClaimTTL() time.Duration {
	return time.Duration(c.Security.ClaimTTL) * time.Minute
}

// GetDeviceTokenTTL returns the device session token lifetime.
func (c *Config) GetDeviceTokenTTL() time.Duration {
	return time.Duration(c.Security.DeviceTokenTTL) * time.Hour
}

// GetTickInterval returns the detector evaluation tick.
func (c *Config) GetTickInterval() time.Duration {
	return time.Duration(c.Detector.TickInterval) * time.Millisecond
}

// GetPostureWindow returns the posture sliding window length.
func (c *Config) GetPostureWindow() time.Duration {
	return time.Duration(c.Posture.WindowSeconds) * time.Second
}
