package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "PKGKEEPER"

// parseEnv overlays PKGKEEPER_* variables. Unset variables leave the current
// value untouched.
func parseEnv(config *Config) error {
	if err := envconfig.Process(envPrefix, config); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}
