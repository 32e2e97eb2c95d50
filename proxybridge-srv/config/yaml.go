package config

import (
	"fmt"

	"github.com/goccy/go-yaml"
)

func loadYAMLConfig(configPath string, cfg *Config) error {
	data, err := readConfigFile(configPath)
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to decode YAML config: %w", err)
	}
	return fc.apply(cfg)
}
