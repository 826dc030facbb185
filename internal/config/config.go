package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the startup configuration for the bridge and its supervisor.
// Values are resolved in order: defaults, then an optional YAML file, then
// DOMTAP_* environment variables.
type Config struct {
	// PortMin and PortMax bound the listening-port range scanned by the
	// port allocator.
	PortMin int `yaml:"port_min"`
	PortMax int `yaml:"port_max"`

	// RequestTimeout is how long a forwarded tool call may stay pending
	// before it is failed with a timeout error.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// PingInterval is the period of the peer liveness sweep.
	PingInterval time.Duration `yaml:"ping_interval"`

	// RestartLimit is the number of child restarts permitted within
	// RestartWindow before further restarts are deferred.
	RestartLimit  int           `yaml:"restart_limit"`
	RestartWindow time.Duration `yaml:"restart_window"`

	// RestartDelay is the fixed pause before respawning a crashed child.
	RestartDelay time.Duration `yaml:"restart_delay"`

	// HealthInterval is the period of the diagnostic snapshot log line.
	HealthInterval time.Duration `yaml:"health_interval"`

	// StateDir holds the persisted port value, lock files, and the log file.
	StateDir string `yaml:"state_dir"`

	// Verbose enables debug-level logging.
	Verbose bool `yaml:"verbose"`
}

// Default returns the documented default configuration.
func Default() *Config {
	stateDir := ".domtap"
	if home, err := os.UserHomeDir(); err == nil {
		stateDir = filepath.Join(home, ".domtap")
	}

	return &Config{
		PortMin:        27125,
		PortMax:        27135,
		RequestTimeout: 15 * time.Second,
		PingInterval:   5 * time.Second,
		RestartLimit:   5,
		RestartWindow:  60 * time.Second,
		RestartDelay:   1500 * time.Millisecond,
		HealthInterval: 30 * time.Second,
		StateDir:       stateDir,
	}
}

// Load resolves the configuration from defaults, the YAML file at path
// (skipped when path is empty or absent), and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the process relies on.
func (c *Config) Validate() error {
	if c.PortMin <= 0 || c.PortMax > 65535 || c.PortMin > c.PortMax {
		return fmt.Errorf("invalid port range %d-%d", c.PortMin, c.PortMax)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping interval must be positive, got %s", c.PingInterval)
	}
	if c.RestartLimit <= 0 {
		return fmt.Errorf("restart limit must be positive, got %d", c.RestartLimit)
	}
	if c.StateDir == "" {
		return fmt.Errorf("state dir must not be empty")
	}
	return nil
}

// PortFile is where the last successfully bound port is persisted.
func (c *Config) PortFile() string {
	return filepath.Join(c.StateDir, "port")
}

// SupervisorLockFile records the supervisor's identity for external cleanup.
func (c *Config) SupervisorLockFile() string {
	return filepath.Join(c.StateDir, "domtap.lock")
}

// BridgeLockFile records the bridge child's identity.
func (c *Config) BridgeLockFile() string {
	return filepath.Join(c.StateDir, "bridge.lock")
}

// LogFile is the append-only timestamped log stream.
func (c *Config) LogFile() string {
	return filepath.Join(c.StateDir, "domtap.log")
}

func (c *Config) applyEnv() error {
	var err error
	setInt := func(key string, dst *int) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			n, convErr := strconv.Atoi(v)
			if convErr != nil {
				err = fmt.Errorf("invalid %s: %w", key, convErr)
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			d, convErr := time.ParseDuration(v)
			if convErr != nil {
				err = fmt.Errorf("invalid %s: %w", key, convErr)
				return
			}
			*dst = d
		}
	}

	setInt("DOMTAP_PORT_MIN", &c.PortMin)
	setInt("DOMTAP_PORT_MAX", &c.PortMax)
	setInt("DOMTAP_RESTART_LIMIT", &c.RestartLimit)
	setDuration("DOMTAP_REQUEST_TIMEOUT", &c.RequestTimeout)
	setDuration("DOMTAP_PING_INTERVAL", &c.PingInterval)
	setDuration("DOMTAP_RESTART_WINDOW", &c.RestartWindow)
	setDuration("DOMTAP_RESTART_DELAY", &c.RestartDelay)
	setDuration("DOMTAP_HEALTH_INTERVAL", &c.HealthInterval)

	if v := os.Getenv("DOMTAP_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("DOMTAP_VERBOSE"); v != "" {
		b, convErr := strconv.ParseBool(v)
		if convErr != nil {
			return fmt.Errorf("invalid DOMTAP_VERBOSE: %w", convErr)
		}
		c.Verbose = b
	}

	return err
}
