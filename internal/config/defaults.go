package config

import "time"

const (
	// DefaultConnectTimeout matches how long kubectl is given to print its
	// readiness line before a session is failed.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultStopGracePeriod is the SIGTERM-to-SIGKILL window.
	DefaultStopGracePeriod = 1 * time.Second

	// DefaultStartPort is where auto-allocation starts scanning.
	DefaultStartPort = 8080

	// DefaultBindAddress keeps forwards loopback-only.
	DefaultBindAddress = "127.0.0.1"
)

// DefaultConfig returns the built-in configuration: supervisor defaults and
// no forwards.
func DefaultConfig() Config {
	return Config{
		Settings: Settings{
			ConnectTimeout:  Duration(DefaultConnectTimeout),
			StopGracePeriod: Duration(DefaultStopGracePeriod),
			StartPort:       DefaultStartPort,
			BindAddress:     DefaultBindAddress,
			LogLevel:        "info",
		},
	}
}
