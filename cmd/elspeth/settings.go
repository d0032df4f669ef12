package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// bootstrap is the handful of settings fields this CLI must resolve itself
// before BuildSpec's collaborator can take over: where the audit database
// and payload store live. It is deliberately not the full settings schema --
// graph, plugin, and node configuration stay opaque to this package and are
// handed to BuildSpec as a raw file path, unparsed. Unknown keys (the rest
// of the settings document, owned by the settings/plugin-registry
// collaborator) are ignored rather than rejected.
type bootstrap struct {
	DatabasePath string `yaml:"database_path"`
	PayloadDir   string `yaml:"payload_dir"`
}

var (
	ErrMissingDatabasePath = errors.New("settings: database_path is required")
	ErrMissingPayloadDir   = errors.New("settings: payload_dir is required")
)

func loadBootstrap(settingsPath string) (bootstrap, error) {
	data, err := os.ReadFile(settingsPath)
	if err != nil {
		return bootstrap{}, fmt.Errorf("settings: read %s: %w", settingsPath, err)
	}

	var b bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return bootstrap{}, fmt.Errorf("settings: parse %s: %w", settingsPath, err)
	}

	if b.DatabasePath == "" {
		return bootstrap{}, ErrMissingDatabasePath
	}

	if b.PayloadDir == "" {
		return bootstrap{}, ErrMissingPayloadDir
	}

	return b, nil
}
