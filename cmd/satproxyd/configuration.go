package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// tomlConfig mirrors the flat section layout used across this stack's
// daemons: one table per subsystem, each decoded independently.
type tomlConfig struct {
	Proxy   proxyConf   `toml:"proxy"`
	Device  deviceConf  `toml:"device"`
	Logging loggingConf `toml:"logging"`
	Control controlConf `toml:"control"`
}

type proxyConf struct {
	Bind string `toml:"bind"`
	Port int    `toml:"port"`
}

type deviceConf struct {
	Path          string `toml:"path"`
	Acceleration  bool   `toml:"acceleration"`
	Simulation    bool   `toml:"simulation"`
}

type loggingConf struct {
	Level   string `toml:"level"`
	Verbose bool   `toml:"verbose"`
}

type controlConf struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

func defaultConfig() tomlConfig {
	return tomlConfig{
		Proxy: proxyConf{
			Bind: "0.0.0.0",
			Port: 8443,
		},
		Device: deviceConf{
			Path:         "/dev/fpga0",
			Acceleration: true,
			Simulation:   false,
		},
		Logging: loggingConf{
			Level: "info",
		},
		Control: controlConf{
			Enabled: false,
			Listen:  "127.0.0.1:8444",
		},
	}
}

func loadConfig(path string) (tomlConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return tomlConfig{}, fmt.Errorf("failed to parse configuration file %s: %w", path, err)
	}
	return cfg, nil
}
