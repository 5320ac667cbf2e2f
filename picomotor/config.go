package picomotor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adrianvagberg/Picomotor8742/transports"
)

// Config is the session configuration surface: which device to open, the
// communication timeouts, the idle-polling tuning, and the error-checking
// policy.
type Config struct {
	Device       DeviceConfig `yaml:"device"`
	Comm         CommConfig   `yaml:"comm"`
	Motion       MotionConfig `yaml:"motion"`
	StrictErrors bool         `yaml:"strict_errors"`
}

type DeviceConfig struct {
	// Transport selects "usb" (default) or "serial".
	Transport string `yaml:"transport"`

	// Port is the serial port path; required for the serial transport.
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`

	// USB identifiers; defaults match the 8742.
	VendorID  int `yaml:"vendor_id"`
	ProductID int `yaml:"product_id"`
}

type CommConfig struct {
	TimeoutMs     int `yaml:"timeout_ms"`      // one request/response exchange
	ScanTimeoutMs int `yaml:"scan_timeout_ms"` // per-address probe during Scan
}

type MotionConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms"` // WaitUntilIdle poll cadence
	IdleTimeoutMs  int `yaml:"idle_timeout_ms"`  // WaitUntilIdle overall budget
}

// DefaultConfig returns a configuration for a single 8742 on USB.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads a YAML configuration file, fills in defaults, and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Device.Transport == "" {
		c.Device.Transport = "usb"
	}
	if c.Device.BaudRate == 0 {
		c.Device.BaudRate = 115200
	}
	if c.Device.VendorID == 0 {
		c.Device.VendorID = transports.DefaultVendorID
	}
	if c.Device.ProductID == 0 {
		c.Device.ProductID = transports.DefaultProductID
	}
	if c.Comm.TimeoutMs == 0 {
		c.Comm.TimeoutMs = 1000
	}
	if c.Comm.ScanTimeoutMs == 0 {
		c.Comm.ScanTimeoutMs = 100
	}
	if c.Motion.PollIntervalMs == 0 {
		c.Motion.PollIntervalMs = 50
	}
	if c.Motion.IdleTimeoutMs == 0 {
		c.Motion.IdleTimeoutMs = 30000
	}
}

// Validate checks configuration correctness. It performs declarative
// validation only and does not mutate the configuration.
func (c *Config) Validate() error {
	switch c.Device.Transport {
	case "usb", "serial":
	default:
		return fmt.Errorf("device.transport must be \"usb\" or \"serial\", got %q", c.Device.Transport)
	}
	if c.Device.Transport == "serial" && c.Device.Port == "" {
		return fmt.Errorf("device.port is required for the serial transport")
	}
	if c.Device.VendorID < 0 || c.Device.VendorID > 0xFFFF {
		return fmt.Errorf("device.vendor_id %#x out of range", c.Device.VendorID)
	}
	if c.Device.ProductID < 0 || c.Device.ProductID > 0xFFFF {
		return fmt.Errorf("device.product_id %#x out of range", c.Device.ProductID)
	}
	if c.Comm.TimeoutMs < 0 || c.Comm.ScanTimeoutMs < 0 {
		return fmt.Errorf("comm timeouts must be positive")
	}
	if c.Motion.PollIntervalMs < 0 || c.Motion.IdleTimeoutMs < 0 {
		return fmt.Errorf("motion intervals must be positive")
	}
	return nil
}

// Timeout returns the per-exchange timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Comm.TimeoutMs) * time.Millisecond
}

// ScanTimeout returns the per-address scan probe timeout as a duration.
func (c *Config) ScanTimeout() time.Duration {
	return time.Duration(c.Comm.ScanTimeoutMs) * time.Millisecond
}

// PollInterval returns the idle-poll cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Motion.PollIntervalMs) * time.Millisecond
}

// IdleTimeout returns the idle-wait budget as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Motion.IdleTimeoutMs) * time.Millisecond
}

// Open opens the device described by cfg and returns a bus ready for
// use. The caller owns the bus and must Close it; the underlying USB
// interface claim is released on Close even when later setup fails.
func Open(cfg *Config) (*Bus, error) {
	var (
		transport Transport
		err       error
	)
	switch cfg.Device.Transport {
	case "serial":
		transport, err = transports.OpenSerial(transports.SerialConfig{
			Port:     cfg.Device.Port,
			BaudRate: cfg.Device.BaudRate,
			Timeout:  cfg.Timeout(),
		})
	default:
		transport, err = transports.OpenUSB(transports.USBConfig{
			VendorID:  uint16(cfg.Device.VendorID),
			ProductID: uint16(cfg.Device.ProductID),
			Timeout:   cfg.Timeout(),
		})
	}
	if err != nil {
		return nil, err
	}

	bus, err := NewBus(BusConfig{
		Transport:   transport,
		Timeout:     cfg.Timeout(),
		ScanTimeout: cfg.ScanTimeout(),
	})
	if err != nil {
		transport.Close()
		return nil, err
	}
	return bus, nil
}

// OpenController opens the device described by cfg and returns a session
// with the directly attached unit, with strict mode set from the config.
func OpenController(cfg *Config) (*Controller, *Bus, error) {
	bus, err := Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	ctrl := NewController(bus, DirectAddress)
	ctrl.SetStrict(cfg.StrictErrors)
	return ctrl, bus, nil
}
