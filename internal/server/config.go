package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/cr14-rfid/internal/logger"
)

// Config holds all daemon configuration.
type Config struct {
	mu sync.RWMutex

	Reader  ReaderConfig  `yaml:"reader" json:"reader"`
	Serial  SerialConfig  `yaml:"serial" json:"serial"`
	Logging logger.Config `yaml:"logging" json:"logging"`
	Server  ServerConfig  `yaml:"server" json:"server"`
}

type ReaderConfig struct {
	Bus        string `yaml:"bus" json:"bus"`         // "i2c", "mcp2221" or "demo"
	Device     string `yaml:"device" json:"device"`   // e.g. /dev/i2c-1
	Address    int    `yaml:"address" json:"address"` // 7-bit I2C address
	PollMs     int    `yaml:"poll_ms" json:"pollMs"`
	MaxRounds  int    `yaml:"max_rounds" json:"maxRounds"`
	RingSize   int    `yaml:"ring_size" json:"ringSize"`
	Debug      bool   `yaml:"debug" json:"debug"`
	NoDelays   bool   `yaml:"no_delays" json:"noDelays"` // skip chip timing waits (simulator only)
	DemoPeriod int    `yaml:"demo_period_ms" json:"demoPeriodMs"`
}

// SerialConfig enables the UART bridge. While enabled the bridge holds the
// device and WebSocket clients are refused.
type SerialConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
	Username   string `yaml:"username" json:"username"`
	Password   string `yaml:"password" json:"-"`
}

const (
	DefaultAddress    = 0x50
	DefaultConfigPath = "/etc/cr14d/config.yaml"
)

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Reader: ReaderConfig{
			Bus:        "i2c",
			Device:     "/dev/i2c-1",
			Address:    DefaultAddress,
			PollMs:     500,
			MaxRounds:  64,
			RingSize:   8192,
			DemoPeriod: 5000,
		},
		Serial: SerialConfig{
			Enabled:  false,
			PortPath: "/dev/ttyS0",
			BaudRate: 115200,
		},
		Logging: logger.Config{
			Enabled:    false,
			Path:       logger.DefaultPath,
			IntervalMs: 1000,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: CR14_BUS, CR14_DEVICE, CR14_ADDRESS, CR14_POLL_MS, LISTEN_ADDR,
// SERIAL_PORT, SERIAL_BAUD, LOG_ENABLED, LOG_PATH, CR14_USERNAME,
// CR14_PASSWORD
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CR14_BUS"); v != "" {
		c.Reader.Bus = v
	}
	if v := os.Getenv("CR14_DEVICE"); v != "" {
		c.Reader.Device = v
	}
	if v := os.Getenv("CR14_ADDRESS"); v != "" {
		// accepts 0x50 as well as 80
		if n, err := strconv.ParseInt(v, 0, 16); err == nil {
			c.Reader.Address = int(n)
		}
	}
	if v := os.Getenv("CR14_POLL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Reader.PollMs = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("SERIAL_PORT"); v != "" {
		c.Serial.PortPath = v
		c.Serial.Enabled = true
	}
	if v := os.Getenv("SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("CR14_USERNAME"); v != "" {
		c.Server.Username = v
	}
	if v := os.Getenv("CR14_PASSWORD"); v != "" {
		c.Server.Password = v
	}
}

// Validate checks configuration correctness. It does not mutate c.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.Reader.Bus {
	case "i2c":
		if c.Reader.Device == "" {
			return fmt.Errorf("reader: device is required for the i2c bus")
		}
	case "mcp2221", "demo":
	default:
		return fmt.Errorf("reader: unknown bus %q (want i2c, mcp2221 or demo)", c.Reader.Bus)
	}
	if c.Reader.Address < 0x08 || c.Reader.Address > 0x77 {
		return fmt.Errorf("reader: address 0x%02x is outside the 7-bit range", c.Reader.Address)
	}
	if c.Reader.PollMs <= 0 {
		return fmt.Errorf("reader: poll_ms must be positive, got %d", c.Reader.PollMs)
	}
	if n := c.Reader.RingSize; n != 0 && (n < 2 || n&(n-1) != 0) {
		return fmt.Errorf("reader: ring_size %d is not a power of two", n)
	}
	if c.Reader.MaxRounds < 0 {
		return fmt.Errorf("reader: max_rounds must not be negative")
	}

	if c.Serial.Enabled {
		if c.Serial.PortPath == "" {
			return fmt.Errorf("serial: port_path is required when enabled")
		}
		if c.Serial.BaudRate <= 0 {
			return fmt.Errorf("serial: baud_rate must be positive, got %d", c.Serial.BaudRate)
		}
	}

	if c.Server.ListenAddr == "" && !c.Serial.Enabled {
		return fmt.Errorf("server: listen_addr is required when the serial bridge is off")
	}
	if (c.Server.Username == "") != (c.Server.Password == "") {
		return fmt.Errorf("server: username and password must be set together")
	}
	return nil
}

// ToJSON serializes config for the API. The password is never included.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}
