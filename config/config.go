package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	OpenOCD   OpenOCDConfig   `yaml:"openocd"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// OpenOCDConfig describes how debugger sessions reach the OpenOCD TCL server.
type OpenOCDConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// Upper bound for the initial connection attempts; zero means a single attempt.
	ConnectRetry time.Duration `yaml:"connect_retry"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// Optional ELF file used to symbolise halt addresses.
	Symbols string `yaml:"symbols"`
}

type WebSocketConfig struct {
	MaxSessions int           `yaml:"max_sessions"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func Default() *Config {
	return &Config{
		OpenOCD: OpenOCDConfig{
			Host:           "localhost",
			Port:           6666,
			DefaultTimeout: 5 * time.Second,
			ConnectRetry:   10 * time.Second,
			PollInterval:   250 * time.Millisecond,
		},
		WebSocket: WebSocketConfig{
			MaxSessions: 100,
			IdleTimeout: 1 * time.Hour,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load config from yml
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.OpenOCD.Host == "" {
		errs = append(errs, errors.New("openocd.host must not be empty"))
	}
	if c.OpenOCD.Port < 1 || c.OpenOCD.Port > 65535 {
		errs = append(errs, fmt.Errorf("openocd.port %d is out of range", c.OpenOCD.Port))
	}
	if c.OpenOCD.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("openocd.default_timeout must be positive"))
	}
	if c.OpenOCD.ConnectRetry < 0 {
		errs = append(errs, errors.New("openocd.connect_retry must not be negative"))
	}
	if c.OpenOCD.PollInterval <= 0 {
		errs = append(errs, errors.New("openocd.poll_interval must be positive"))
	}
	if c.WebSocket.MaxSessions < 1 {
		errs = append(errs, errors.New("websocket.max_sessions must be at least 1"))
	}
	if c.WebSocket.IdleTimeout <= 0 {
		errs = append(errs, errors.New("websocket.idle_timeout must be positive"))
	}
	return errors.Join(errs...)
}
