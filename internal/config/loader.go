package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"fwdctl/pkg/logging"
)

// For mocking in tests
var (
	osUserHomeDir = os.UserHomeDir
	osGetwd       = os.Getwd
)

const (
	userConfigDir    = ".config/fwdctl"
	projectConfigDir = ".fwdctl"
	configFileName   = "config.yaml"
)

// Load builds the effective configuration by layering built-in defaults, the
// user config (~/.config/fwdctl/config.yaml), and the project config
// (./.fwdctl/config.yaml). Missing files are fine; unreadable ones are not.
func Load() (Config, error) {
	cfg := DefaultConfig()

	userPath, err := userConfigPath()
	if err != nil {
		logging.Warn("Config", "Could not determine user config path: %v", err)
	} else if _, statErr := os.Stat(userPath); statErr == nil {
		overlay, loadErr := loadFromFile(userPath)
		if loadErr != nil {
			return Config{}, fmt.Errorf("loading user config %s: %w", userPath, loadErr)
		}
		cfg = merge(cfg, overlay)
	}

	projectPath, err := projectConfigPath()
	if err != nil {
		logging.Warn("Config", "Could not determine project config path: %v", err)
	} else if _, statErr := os.Stat(projectPath); statErr == nil {
		overlay, loadErr := loadFromFile(projectPath)
		if loadErr != nil {
			return Config{}, fmt.Errorf("loading project config %s: %w", projectPath, loadErr)
		}
		cfg = merge(cfg, overlay)
	}

	for _, fwd := range cfg.Forwards {
		if err := fwd.Validate(); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

var userConfigPath = func() (string, error) {
	home, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, userConfigDir, configFileName), nil
}

var projectConfigPath = func() (string, error) {
	wd, err := osGetwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, projectConfigDir, configFileName), nil
}

func loadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// merge layers overlay on top of base: settings override field-wise when set,
// forwards merge by name with overlay definitions replacing base ones.
func merge(base, overlay Config) Config {
	merged := base

	if overlay.Settings.ConnectTimeout > 0 {
		merged.Settings.ConnectTimeout = overlay.Settings.ConnectTimeout
	}
	if overlay.Settings.StopGracePeriod > 0 {
		merged.Settings.StopGracePeriod = overlay.Settings.StopGracePeriod
	}
	if overlay.Settings.StartPort > 0 {
		merged.Settings.StartPort = overlay.Settings.StartPort
	}
	if overlay.Settings.BindAddress != "" {
		merged.Settings.BindAddress = overlay.Settings.BindAddress
	}
	if overlay.Settings.LogLevel != "" {
		merged.Settings.LogLevel = overlay.Settings.LogLevel
	}

	if len(overlay.Forwards) > 0 {
		index := make(map[string]int, len(merged.Forwards))
		for i, fwd := range merged.Forwards {
			index[fwd.Name] = i
		}
		for _, fwd := range overlay.Forwards {
			if i, exists := index[fwd.Name]; exists {
				merged.Forwards[i] = fwd
			} else {
				merged.Forwards = append(merged.Forwards, fwd)
			}
		}
	}

	return merged
}
