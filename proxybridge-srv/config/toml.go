package config

import (
	"fmt"

	toml "github.com/pelletier/go-toml/v2"
)

func loadTOMLConfig(configPath string, cfg *Config) error {
	data, err := readConfigFile(configPath)
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to decode TOML config: %w", err)
	}
	return fc.apply(cfg)
}
