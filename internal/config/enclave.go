package config

import (
	"fmt"
	"time"
)

const (
	ModeSimulation = "simulation"
	ModeHardware   = "hardware"
)

// EnclaveConfig configures the sequencer running inside the enclave.
type EnclaveConfig struct {
	Mode      string `yaml:"mode" env:"SEQ_MODE"`
	EnclaveID string `yaml:"enclave_id" env:"SEQ_ENCLAVE_ID"`

	// VsockPort is used in hardware mode. ListenAddress is the TCP address
	// used in simulation mode.
	VsockPort     uint32 `yaml:"vsock_port" env:"SEQ_VSOCK_PORT"`
	ListenAddress string `yaml:"listen_address" env:"SEQ_LISTEN_ADDRESS"`

	FlushInterval     time.Duration `yaml:"flush_interval" env:"SEQ_FLUSH_INTERVAL"`
	MaxBatchSize      int           `yaml:"max_batch_size" env:"SEQ_MAX_BATCH_SIZE"`
	MaxConns          int           `yaml:"max_conns" env:"SEQ_MAX_CONNS"`
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SEQ_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SEQ_WRITE_TIMEOUT"`
	MaxMessageSize    int           `yaml:"max_message_size" env:"SEQ_MAX_MESSAGE_SIZE"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"SEQ_HEARTBEAT_INTERVAL"`

	// MetricsAddress is the private operator listener serving GET /metrics
	// and POST /flush. Empty disables it; enclaves without a network
	// interface leave it empty.
	MetricsAddress string `yaml:"metrics_address" env:"SEQ_METRICS_ADDRESS"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
}

// DefaultEnclaveConfig returns the defaults used when no file is present.
func DefaultEnclaveConfig() *EnclaveConfig {
	return &EnclaveConfig{
		Mode:              ModeSimulation,
		EnclaveID:         "sequencer",
		VsockPort:         9001,
		ListenAddress:     "127.0.0.1:9001",
		FlushInterval:     10 * time.Second,
		MaxBatchSize:      256,
		MaxConns:          64,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		MaxMessageSize:    1024 * 1024,
		HeartbeatInterval: 10 * time.Second,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// Validate checks required fields.
func (c *EnclaveConfig) Validate() error {
	switch c.Mode {
	case ModeSimulation:
		if c.ListenAddress == "" {
			return fmt.Errorf("listen_address is required in simulation mode")
		}
	case ModeHardware:
		if c.VsockPort == 0 {
			return fmt.Errorf("vsock_port is required in hardware mode")
		}
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.EnclaveID == "" {
		return fmt.Errorf("enclave_id is required")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("max_conns must be positive")
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("read_timeout and write_timeout must be positive")
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be positive")
	}
	return nil
}

// LoadEnclaveConfigFromPath loads the enclave configuration from path. An
// empty path skips the file and uses defaults plus environment overrides.
func LoadEnclaveConfigFromPath(path string) (*EnclaveConfig, error) {
	cfg := DefaultEnclaveConfig()
	if err := loadFromPath(path, cfg); err != nil {
		return nil, fmt.Errorf("enclave config: %w", err)
	}
	return cfg, nil
}

// LoadEnclaveConfig loads config/enclave.yaml when present.
func LoadEnclaveConfig() (*EnclaveConfig, error) {
	return LoadEnclaveConfigFromPath(defaultPath("enclave"))
}
