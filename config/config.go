// Package config loads the YAML configuration files the cmd/ CLI drives
// the engine from.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pagedkv/pagedkv/core"
)

// EngineConfig is the top-level YAML document shape: block manager and
// scheduler settings plus the logging level to run at.
type EngineConfig struct {
	BlockManager core.BlockManagerConfig `yaml:"block_manager"`
	Scheduler    core.SchedulerConfig    `yaml:"scheduler"`
	LogLevel     string                  `yaml:"log_level"`
}

// Default returns a small but workable configuration, used when no
// config file is given on the command line.
func Default() EngineConfig {
	return EngineConfig{
		BlockManager: core.BlockManagerConfig{
			BlockSize:     16,
			NumGPUBlocks:  2048,
			NumCPUBlocks:  512,
			Watermark:     0.01,
			EnableCaching: true,
		},
		Scheduler: core.SchedulerConfig{
			MaxNumBatchedTokens: 4096,
			MaxNumSeqs:          256,
			MaxModelLen:         4096,
			MaxPaddings:         512,
			Policy:              "fcfs",
		},
		LogLevel: "info",
	}
}

// Load reads and parses an EngineConfig from a YAML file at path.
func Load(path string) (EngineConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
