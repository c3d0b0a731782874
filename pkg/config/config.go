// Package config loads the service configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Listen      string                     `yaml:"listen"`
	Database    string                     `yaml:"database"`
	Sandbox     Sandbox                    `yaml:"sandbox"`
	Agent       Agent                      `yaml:"agent"`
	Credentials map[string]CredentialEntry `yaml:"credentials,omitempty"`
	Env         map[string]string          `yaml:"env,omitempty"`
}

// Sandbox selects and configures the remote-execution providers. The
// default provider is explicit: naming one that is not configured is a
// startup error, never a silent substitution.
type Sandbox struct {
	DefaultProvider string  `yaml:"default_provider"`
	Docker          *Docker `yaml:"docker,omitempty"`
	Device          *Device `yaml:"device,omitempty"`
}

// Docker configures the Docker provider.
type Docker struct {
	Image     string `yaml:"image"`
	AgentPort string `yaml:"agent_port"`
}

// Device configures the device tunnel provider.
type Device struct {
	ID        string `yaml:"id"`
	Addr      string `yaml:"addr"`
	AgentAddr string `yaml:"agent_addr"`
}

// Agent configures the embedded agent server bootstrap.
type Agent struct {
	StartCommand string   `yaml:"start_command"`
	WorkDir      string   `yaml:"work_dir"`
	ReadyTimeout Duration `yaml:"ready_timeout"`
	PollInterval Duration `yaml:"poll_interval"`
}

// Duration wraps time.Duration so YAML fields accept Go duration
// strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	td, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", value.Value, err)
	}
	*d = Duration(td)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// CredentialEntry is one provider credential in either shape. EnvVar,
// when set, names the environment variable the value is exported under
// inside the sandbox.
type CredentialEntry struct {
	Access  string    `yaml:"access,omitempty"`
	Refresh string    `yaml:"refresh,omitempty"`
	Expiry  time.Time `yaml:"expiry,omitempty"`
	Key     string    `yaml:"key,omitempty"`
	EnvVar  string    `yaml:"env_var,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		Database: "data/outpost.db",
		Sandbox: Sandbox{
			DefaultProvider: "docker",
			Docker:          &Docker{Image: "outpost-sandbox:latest", AgentPort: "8787"},
		},
		Agent: Agent{
			StartCommand: "outpost-agent serve --port 8787",
			WorkDir:      "/workspace",
			ReadyTimeout: Duration(30 * time.Second),
			PollInterval: Duration(500 * time.Millisecond),
		},
	}
}

// Load reads the config file at path, layered over defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Agent.ReadyTimeout <= 0 {
		cfg.Agent.ReadyTimeout = Duration(30 * time.Second)
	}
	if cfg.Agent.PollInterval <= 0 {
		cfg.Agent.PollInterval = Duration(500 * time.Millisecond)
	}
	return cfg, nil
}
