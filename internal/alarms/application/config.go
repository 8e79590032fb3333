package application

import (
	"errors"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig defines evaluation engine tuning.
type EngineConfig struct {
	MinTickSeconds  int `yaml:"min_tick_seconds"`
	Workers         int `yaml:"workers"`
	StatsMinSamples int `yaml:"stats_min_samples"`
}

// LoadEngineConfig loads engine config from yaml or env. Env values apply
// only where the yaml file left a field unset.
func LoadEngineConfig() (EngineConfig, error) {
	cfg := EngineConfig{}

	if path := os.Getenv("ALARM_ENGINE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.MinTickSeconds == 0 {
		cfg.MinTickSeconds = getenvIntDefault("ALARM_MIN_TICK_SECONDS", 30)
	}
	if cfg.Workers == 0 {
		cfg.Workers = getenvIntDefault("ALARM_WORKERS", 4)
	}
	if cfg.StatsMinSamples == 0 {
		cfg.StatsMinSamples = getenvIntDefault("ALARM_STATS_MIN_SAMPLES", DefaultStatsMinSamples)
	}

	if cfg.MinTickSeconds < 0 || cfg.Workers < 0 || cfg.StatsMinSamples < 0 {
		return cfg, errors.New("engine config: negative values")
	}
	return cfg, nil
}

// MinTick returns the configured minimum tick as a duration.
func (c EngineConfig) MinTick() time.Duration {
	return time.Duration(c.MinTickSeconds) * time.Second
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
