package config

import (
	"os"
	"time"

	"github.com/bluetuith-org/blecommand/api/errorkinds"
	"gopkg.in/yaml.v3"
)

const (
	// The default timeout for establishing a connection, including service discovery.
	DefaultConnectTimeout = 10 * time.Second

	// The default timeout for a single data operation (read, write, subscribe, ...).
	DefaultOperationTimeout = 3 * time.Second

	// The default scan duration.
	DefaultScanDuration = 10 * time.Second

	// The default timeout for the advertiser to report that advertising started.
	DefaultAdvertiseTimeout = 3 * time.Second

	// The default interval between reconnection attempts.
	DefaultReconnectInterval = 3 * time.Second

	// The default upper bound of the reconnection interval when it grows.
	DefaultReconnectMaxInterval = 30 * time.Second

	// The default size of a single written chunk (ATT MTU 23 minus the 3 byte header).
	DefaultWriteChunkSize = 20

	// The default pause between chunks of a write without response.
	DefaultWriteInterval = 20 * time.Millisecond

	// How long a discovered device is remembered after a scan.
	DefaultDiscoveredTTL = time.Minute
)

// Configuration describes a general configuration.
type Configuration struct {
	// ConnectTimeout holds the timeout for connect commands created without one.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// OperationTimeout holds the timeout for data commands created without one.
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	// ScanDuration holds the duration of scans created without one.
	ScanDuration time.Duration `yaml:"scan_duration"`

	// AdvertiseTimeout holds the timeout for starting an advertisement.
	AdvertiseTimeout time.Duration `yaml:"advertise_timeout"`

	// Reconnect holds the reconnect supervisor settings.
	Reconnect ReconnectConfig `yaml:"reconnect"`

	// WriteChunkSize holds the chunk size used until an MTU is negotiated.
	WriteChunkSize int `yaml:"write_chunk_size"`

	// WriteInterval holds the pause between chunks of a write without response.
	WriteInterval time.Duration `yaml:"write_interval"`

	// DiscoveredTTL holds how long discovered devices are remembered.
	DiscoveredTTL time.Duration `yaml:"discovered_ttl"`

	// Log holds the logger settings.
	Log LogConfig `yaml:"log"`

	// Adapter holds the platform device adapter settings.
	Adapter AdapterConfig `yaml:"adapter"`
}

// ReconnectConfig configures the reconnect supervisor back-off.
type ReconnectConfig struct {
	// Interval is the wait between attempts.
	Interval time.Duration `yaml:"interval"`

	// MaxInterval caps the wait when Multiplier is greater than 1.
	MaxInterval time.Duration `yaml:"max_interval"`

	// Multiplier grows the interval after each failure. 1 keeps it constant.
	Multiplier float64 `yaml:"multiplier"`
}

// AdapterConfig selects the local Bluetooth controller.
type AdapterConfig struct {
	// Name is the controller name, for example "hci0". Empty selects the
	// first controller found.
	Name string `yaml:"name"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// New returns a new configuration with the default values.
func New() Configuration {
	return Configuration{
		ConnectTimeout:   DefaultConnectTimeout,
		OperationTimeout: DefaultOperationTimeout,
		ScanDuration:     DefaultScanDuration,
		AdvertiseTimeout: DefaultAdvertiseTimeout,
		Reconnect: ReconnectConfig{
			Interval:    DefaultReconnectInterval,
			MaxInterval: DefaultReconnectMaxInterval,
			Multiplier:  1,
		},
		WriteChunkSize: DefaultWriteChunkSize,
		WriteInterval:  DefaultWriteInterval,
		DiscoveredTTL:  DefaultDiscoveredTTL,
		Log: LogConfig{
			Level:   "info",
			Service: "blecommand",
		},
	}
}

// Load reads a YAML configuration file on top of the default values.
func Load(path string) (Configuration, error) {
	cfg := New()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errorkinds.Wrap(err, "config-read", "", "Cannot read configuration file")
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errorkinds.Wrap(err, "config-parse", "", "Cannot parse configuration file")
	}

	return cfg.withDefaults(), nil
}

// withDefaults replaces unset or invalid values with their defaults.
func (c Configuration) withDefaults() Configuration {
	def := New()

	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = def.OperationTimeout
	}
	if c.AdvertiseTimeout <= 0 {
		c.AdvertiseTimeout = def.AdvertiseTimeout
	}
	if c.Reconnect.Interval <= 0 {
		c.Reconnect.Interval = def.Reconnect.Interval
	}
	if c.Reconnect.MaxInterval < c.Reconnect.Interval {
		c.Reconnect.MaxInterval = c.Reconnect.Interval
	}
	if c.Reconnect.Multiplier < 1 {
		c.Reconnect.Multiplier = 1
	}
	if c.WriteChunkSize <= 0 {
		c.WriteChunkSize = def.WriteChunkSize
	}
	if c.WriteInterval < 0 {
		c.WriteInterval = 0
	}
	if c.DiscoveredTTL <= 0 {
		c.DiscoveredTTL = def.DiscoveredTTL
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Service == "" {
		c.Log.Service = def.Log.Service
	}

	return c
}
