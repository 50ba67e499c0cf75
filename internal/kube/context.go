// Package kube provides kubeconfig context lookups used for pre-flight
// validation before a forward is started. Cluster authentication itself is
// left to kubectl's ambient credentials.
package kube

import (
	"fmt"
	"sort"

	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/clientcmd/api"
)

// loadStartingConfig reads the merged kubeconfig. Mockable for tests.
var loadStartingConfig = func() (*api.Config, error) {
	pathOptions := clientcmd.NewDefaultPathOptions()
	if pathOptions == nil {
		return nil, fmt.Errorf("failed to get default kubeconfig path options")
	}
	cfg, err := pathOptions.GetStartingConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	return cfg, nil
}

// CurrentContext returns the name of the active kubeconfig context.
func CurrentContext() (string, error) {
	cfg, err := loadStartingConfig()
	if err != nil {
		return "", err
	}
	if cfg.CurrentContext == "" {
		return "", fmt.Errorf("current kubeconfig context is not set")
	}
	return cfg.CurrentContext, nil
}

// ListContexts returns all kubeconfig context names sorted alphabetically,
// plus the current context (which may be empty).
func ListContexts() ([]string, string, error) {
	cfg, err := loadStartingConfig()
	if err != nil {
		return nil, "", err
	}
	names := make([]string, 0, len(cfg.Contexts))
	for name := range cfg.Contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, cfg.CurrentContext, nil
}

// ValidateContext fails when name is not a known kubeconfig context. An empty
// name is valid and means "use the current context".
func ValidateContext(name string) error {
	if name == "" {
		return nil
	}
	cfg, err := loadStartingConfig()
	if err != nil {
		return err
	}
	if _, exists := cfg.Contexts[name]; !exists {
		return fmt.Errorf("context %q does not exist in kubeconfig", name)
	}
	return nil
}
