package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// FromEnv overlays TOIL_* environment variables onto cfg. Unset variables
// leave the existing values untouched.
func FromEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}
