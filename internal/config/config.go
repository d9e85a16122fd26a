package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config represents the gateway configuration. It is loaded once at
// startup and handed to every component constructor.
type Config struct {
	Log      LogConfig      `yaml:"log" toml:"log"`
	Gateway  GatewayConfig  `yaml:"gateway" toml:"gateway"`
	Identity IdentityConfig `yaml:"identity" toml:"identity"`
	Region   RegionConfig   `yaml:"region" toml:"region"`
	Filter   FilterConfig   `yaml:"filter" toml:"filter"`
	Router   RouterConfig   `yaml:"router" toml:"router"`
	Beacon   BeaconConfig   `yaml:"beacon" toml:"beacon"`
	Routing  RoutingConfig  `yaml:"routing" toml:"routing"`
	Events   EventsConfig   `yaml:"events" toml:"events"`
	Storage  StorageConfig  `yaml:"storage" toml:"storage"`
	API      APIConfig      `yaml:"api" toml:"api"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // console | json
}

// GatewayConfig represents the local packet-forwarder listener
type GatewayConfig struct {
	UDPBind           string   `yaml:"udp_bind" toml:"udp_bind"`
	KeepaliveInterval Duration `yaml:"keepalive_interval" toml:"keepalive_interval"`
	MissedKeepalives  int      `yaml:"missed_keepalives" toml:"missed_keepalives"`
	AckTimeout        Duration `yaml:"ack_timeout" toml:"ack_timeout"`
	CleanupInterval   Duration `yaml:"cleanup_interval" toml:"cleanup_interval"`
	ClientTimeout     Duration `yaml:"client_timeout" toml:"client_timeout"`
	TxQueueSize       int      `yaml:"tx_queue_size" toml:"tx_queue_size"`
}

// IdentityConfig selects where the gateway keypair lives
type IdentityConfig struct {
	Type        string   `yaml:"type" toml:"type"` // file | secure_element
	KeyFile     string   `yaml:"key_file" toml:"key_file"`
	DBusService string   `yaml:"dbus_service" toml:"dbus_service"`
	DBusPath    string   `yaml:"dbus_path" toml:"dbus_path"`
	Timeout     Duration `yaml:"timeout" toml:"timeout"`
}

// RegionConfig represents region plan configuration
type RegionConfig struct {
	Override        string   `yaml:"override" toml:"override"`
	URL             string   `yaml:"url" toml:"url"`
	RefreshInterval Duration `yaml:"refresh_interval" toml:"refresh_interval"`
}

// FilterConfig represents device filter configuration
type FilterConfig struct {
	URL             string   `yaml:"url" toml:"url"`
	RefreshInterval Duration `yaml:"refresh_interval" toml:"refresh_interval"`
}

// RouterConfig represents the remote packet router session
type RouterConfig struct {
	URL            string   `yaml:"url" toml:"url"`
	ConnectTimeout Duration `yaml:"connect_timeout" toml:"connect_timeout"`
	AuthTimeout    Duration `yaml:"auth_timeout" toml:"auth_timeout"`
	SendTimeout    Duration `yaml:"send_timeout" toml:"send_timeout"`
	BackoffMin     Duration `yaml:"backoff_min" toml:"backoff_min"`
	BackoffMax     Duration `yaml:"backoff_max" toml:"backoff_max"`
	ResetAfter     Duration `yaml:"reset_after" toml:"reset_after"`
	QueueSize      int      `yaml:"queue_size" toml:"queue_size"`
}

// BeaconConfig represents proof-of-coverage beacon configuration
type BeaconConfig struct {
	Enabled     bool     `yaml:"enabled" toml:"enabled"`
	MinInterval Duration `yaml:"min_interval" toml:"min_interval"`
	MaxInterval Duration `yaml:"max_interval" toml:"max_interval"`
	HistorySize int      `yaml:"history_size" toml:"history_size"`
	Latitude    *float64 `yaml:"latitude" toml:"latitude"`
	Longitude   *float64 `yaml:"longitude" toml:"longitude"`
}

// RoutingConfig represents routing engine tuning
type RoutingConfig struct {
	RetryAttempts   *int     `yaml:"retry_attempts" toml:"retry_attempts"` // unset means 3; 0 disables retries
	RetryBackoff    Duration `yaml:"retry_backoff" toml:"retry_backoff"`
	MaxRetrying     int64    `yaml:"max_retrying" toml:"max_retrying"`
	DedupWindow     Duration `yaml:"dedup_window" toml:"dedup_window"`
	DownlinkTimeout Duration `yaml:"downlink_timeout" toml:"downlink_timeout"`
}

// EventsConfig represents the structured event sinks
type EventsConfig struct {
	Buffer int        `yaml:"buffer" toml:"buffer"`
	NATS   NATSConfig `yaml:"nats" toml:"nats"`
	MQTT   MQTTConfig `yaml:"mqtt" toml:"mqtt"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL           string `yaml:"url" toml:"url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
}

// MQTTConfig represents MQTT configuration
type MQTTConfig struct {
	Broker      string `yaml:"broker" toml:"broker"`
	ClientID    string `yaml:"client_id" toml:"client_id"`
	Username    string `yaml:"username" toml:"username"`
	Password    string `yaml:"password" toml:"password"`
	TopicPrefix string `yaml:"topic_prefix" toml:"topic_prefix"`
	QoS         byte   `yaml:"qos" toml:"qos"`
}

// StorageConfig represents beacon record storage
type StorageConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // postgres | sqlite | ""
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// APIConfig represents the status API listener
type APIConfig struct {
	Bind           string   `yaml:"bind" toml:"bind"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// Load loads configuration from file. The decoder is picked by extension.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(filename))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration in the format named by ext
// (".yaml", ".yml" or ".toml"), then applies env overrides and defaults.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config

	switch strings.ToLower(ext) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if routerURL := os.Getenv("GATEWAY_ROUTER_URL"); routerURL != "" {
		c.Router.URL = routerURL
	}

	if region := os.Getenv("GATEWAY_REGION"); region != "" {
		c.Region.Override = region
	}

	if keyFile := os.Getenv("GATEWAY_KEY"); keyFile != "" {
		c.Identity.KeyFile = keyFile
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.Events.NATS.URL = natsURL
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Storage.DSN = dsn
		if c.Storage.Driver == "" {
			c.Storage.Driver = "postgres"
		}
	}
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Gateway.UDPBind == "" {
		c.Gateway.UDPBind = "0.0.0.0:1680"
	}
	setDuration(&c.Gateway.KeepaliveInterval, 10*time.Second)
	if c.Gateway.MissedKeepalives == 0 {
		c.Gateway.MissedKeepalives = 3
	}
	setDuration(&c.Gateway.AckTimeout, 5*time.Second)
	setDuration(&c.Gateway.CleanupInterval, time.Minute)
	setDuration(&c.Gateway.ClientTimeout, 5*time.Minute)
	if c.Gateway.TxQueueSize == 0 {
		c.Gateway.TxQueueSize = 16
	}

	if c.Identity.Type == "" {
		c.Identity.Type = "file"
	}
	if c.Identity.DBusService == "" {
		c.Identity.DBusService = "com.nlighten.LoraCard"
	}
	if c.Identity.DBusPath == "" {
		c.Identity.DBusPath = "/com/nlighten/LoraCard"
	}
	setDuration(&c.Identity.Timeout, 5*time.Second)

	setDuration(&c.Region.RefreshInterval, 30*time.Minute)
	setDuration(&c.Filter.RefreshInterval, 10*time.Minute)

	setDuration(&c.Router.ConnectTimeout, 10*time.Second)
	setDuration(&c.Router.AuthTimeout, 5*time.Second)
	setDuration(&c.Router.SendTimeout, 6*time.Second)
	setDuration(&c.Router.BackoffMin, time.Second)
	setDuration(&c.Router.BackoffMax, 5*time.Minute)
	setDuration(&c.Router.ResetAfter, time.Minute)
	if c.Router.QueueSize == 0 {
		c.Router.QueueSize = 100
	}

	setDuration(&c.Beacon.MinInterval, time.Hour)
	setDuration(&c.Beacon.MaxInterval, 6*time.Hour)
	if c.Beacon.HistorySize == 0 {
		c.Beacon.HistorySize = 32
	}

	if c.Routing.RetryAttempts == nil {
		retries := 3
		c.Routing.RetryAttempts = &retries
	}
	setDuration(&c.Routing.RetryBackoff, 500*time.Millisecond)
	if c.Routing.MaxRetrying == 0 {
		c.Routing.MaxRetrying = 64
	}
	setDuration(&c.Routing.DedupWindow, time.Second)
	setDuration(&c.Routing.DownlinkTimeout, 5*time.Second)

	if c.Events.Buffer == 0 {
		c.Events.Buffer = 256
	}
	if c.Events.NATS.SubjectPrefix == "" {
		c.Events.NATS.SubjectPrefix = "gateway"
	}
	if c.Events.MQTT.TopicPrefix == "" {
		c.Events.MQTT.TopicPrefix = "gateway"
	}
	if c.Events.MQTT.ClientID == "" {
		c.Events.MQTT.ClientID = "gatewayd"
	}

	if c.API.Bind == "" {
		c.API.Bind = "127.0.0.1:8080"
	}
}

// Validate checks the configuration for values no component can work with.
func (c *Config) Validate() error {
	if c.Router.URL == "" {
		return fmt.Errorf("router.url is required")
	}

	switch c.Identity.Type {
	case "file":
		if c.Identity.KeyFile == "" {
			return fmt.Errorf("identity.key_file is required for file identity")
		}
	case "secure_element":
	default:
		return fmt.Errorf("unknown identity.type %q", c.Identity.Type)
	}

	if c.Region.Override == "" && c.Region.URL == "" {
		return fmt.Errorf("either region.override or region.url is required")
	}

	if c.Router.BackoffMin.Duration > c.Router.BackoffMax.Duration {
		return fmt.Errorf("router.backoff_min exceeds router.backoff_max")
	}

	if c.Beacon.MinInterval.Duration > c.Beacon.MaxInterval.Duration {
		return fmt.Errorf("beacon.min_interval exceeds beacon.max_interval")
	}

	if (c.Beacon.Latitude == nil) != (c.Beacon.Longitude == nil) {
		return fmt.Errorf("beacon.latitude and beacon.longitude must be set together")
	}

	switch c.Storage.Driver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver != "" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver)
	}

	if r := c.Routing.RetryAttempts; r != nil && *r < 0 {
		return fmt.Errorf("routing.retry_attempts must not be negative")
	}

	if c.Gateway.MissedKeepalives < 1 {
		return fmt.Errorf("gateway.missed_keepalives must be positive")
	}

	return nil
}

func setDuration(d *Duration, def time.Duration) {
	if d.Duration == 0 {
		d.Duration = def
	}
}
