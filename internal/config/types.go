package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "10s" parse naturally.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level configuration structure for fwdctl.
type Config struct {
	Settings Settings            `yaml:"settings"`
	Forwards []ForwardDefinition `yaml:"forwards"`
}

// Settings are global supervisor knobs.
type Settings struct {
	// ConnectTimeout bounds how long a session may take to report
	// readiness before it fails.
	ConnectTimeout Duration `yaml:"connectTimeout,omitempty"`

	// StopGracePeriod is how long a process gets between SIGTERM and
	// SIGKILL during shutdown.
	StopGracePeriod Duration `yaml:"stopGracePeriod,omitempty"`

	// StartPort is where auto-allocation of local ports starts scanning.
	StartPort int `yaml:"startPort,omitempty"`

	// BindAddress is the default local address forwards bind to.
	BindAddress string `yaml:"bindAddress,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel,omitempty"`
}

// ForwardDefinition describes one port-forward to run.
type ForwardDefinition struct {
	// Name uniquely identifies the forward; it is the merge key across
	// config layers.
	Name string `yaml:"name"`

	// Disabled excludes the forward from `fwdctl run` without removing it
	// from the file.
	Disabled bool `yaml:"disabled,omitempty"`

	Pod       string `yaml:"pod"`
	Namespace string `yaml:"namespace,omitempty"`
	Context   string `yaml:"context,omitempty"`
	Container string `yaml:"container,omitempty"`

	// LocalPort zero means auto-allocate.
	LocalPort  int `yaml:"localPort,omitempty"`
	RemotePort int `yaml:"remotePort"`

	BindAddress string `yaml:"bindAddress,omitempty"`
}

// Enabled reports whether the forward should be started by `fwdctl run`.
func (f ForwardDefinition) Enabled() bool {
	return !f.Disabled
}

// Validate checks a forward definition for use as a start request.
func (f ForwardDefinition) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("forward has no name")
	}
	if f.Pod == "" {
		return fmt.Errorf("forward %q: pod is required", f.Name)
	}
	if f.RemotePort <= 0 || f.RemotePort > 65535 {
		return fmt.Errorf("forward %q: invalid remote port %d", f.Name, f.RemotePort)
	}
	if f.LocalPort < 0 || f.LocalPort > 65535 {
		return fmt.Errorf("forward %q: invalid local port %d", f.Name, f.LocalPort)
	}
	return nil
}
