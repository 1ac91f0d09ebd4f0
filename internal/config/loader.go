package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*DispatchConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.dispatch/config.json
// Project: .dispatch/config.json (relative to cwd)
func LoadDefault() (*DispatchConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".dispatch", "config.json")
	projectPath := filepath.Join(".dispatch", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base config.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *DispatchConfig, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Missing file is not an error
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded DispatchConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	// Merge agents
	for key, agent := range loaded.Agents {
		base.Agents[key] = agent
	}

	mergeScheduler(&base.Scheduler, loaded.Scheduler)
	mergeScoring(&base.Scoring, loaded.Scoring)
	mergeRegistry(&base.Registry, loaded.Registry)

	if loaded.StorePath != "" {
		base.StorePath = loaded.StorePath
	}
	if loaded.EventHistorySize > 0 {
		base.EventHistorySize = loaded.EventHistorySize
	}

	return nil
}

// mergeScheduler overlays set fields onto the base section.
func mergeScheduler(base *SchedulerConfig, loaded SchedulerConfig) {
	if loaded.Strategy != "" {
		base.Strategy = loaded.Strategy
	}
	if loaded.InstanceTimeoutSeconds > 0 {
		base.InstanceTimeoutSeconds = loaded.InstanceTimeoutSeconds
	}
	if loaded.PollIntervalSeconds > 0 {
		base.PollIntervalSeconds = loaded.PollIntervalSeconds
	}
	if loaded.RetryBackoffMillis > 0 {
		base.RetryBackoffMillis = loaded.RetryBackoffMillis
	}
	if loaded.DispatchConcurrency > 0 {
		base.DispatchConcurrency = loaded.DispatchConcurrency
	}
	if loaded.TolerateFailedDependencies {
		base.TolerateFailedDependencies = true
	}
}

func mergeScoring(base *ScoringConfig, loaded ScoringConfig) {
	if loaded.QualityWeight > 0 {
		base.QualityWeight = loaded.QualityWeight
	}
	if loaded.SpeedWeight > 0 {
		base.SpeedWeight = loaded.SpeedWeight
	}
	if loaded.ReliabilityWeight > 0 {
		base.ReliabilityWeight = loaded.ReliabilityWeight
	}
	if loaded.UtilizationWeight > 0 {
		base.UtilizationWeight = loaded.UtilizationWeight
	}
	if loaded.TrendWindow > 0 {
		base.TrendWindow = loaded.TrendWindow
	}
	if loaded.Decay > 0 {
		base.Decay = loaded.Decay
	}
	if loaded.MinWeight > 0 {
		base.MinWeight = loaded.MinWeight
	}
	if loaded.MaxWeight > 0 {
		base.MaxWeight = loaded.MaxWeight
	}
	if loaded.RecomputeIntervalSeconds > 0 {
		base.RecomputeIntervalSeconds = loaded.RecomputeIntervalSeconds
	}
}

func mergeRegistry(base *RegistryConfig, loaded RegistryConfig) {
	if loaded.PartialCreditMultiplier > 0 {
		base.PartialCreditMultiplier = loaded.PartialCreditMultiplier
	}
	if loaded.MinCapabilityScore > 0 {
		base.MinCapabilityScore = loaded.MinCapabilityScore
	}
}

// Validate checks the merged configuration for out-of-range values.
func (c *DispatchConfig) Validate() error {
	switch c.Scheduler.Strategy {
	case "", "quality_weighted", "least_busy", "round_robin":
	default:
		return fmt.Errorf("unknown scheduler strategy %q", c.Scheduler.Strategy)
	}

	for id, agent := range c.Agents {
		if len(agent.Capabilities) == 0 {
			return fmt.Errorf("agent %q: no capabilities defined", id)
		}
		for skill, eff := range agent.Capabilities {
			if eff < 0 || eff > 1 {
				return fmt.Errorf("agent %q: capability %q efficiency %v out of range [0,1]", id, skill, eff)
			}
		}
		if agent.MaxConcurrentInstances < 0 {
			return fmt.Errorf("agent %q: negative max_concurrent_instances", id)
		}
	}

	if c.Scoring.Decay < 0 || c.Scoring.Decay >= 1 {
		return fmt.Errorf("scoring decay %v out of range [0,1)", c.Scoring.Decay)
	}
	if c.Scoring.MinWeight > 0 && c.Scoring.MaxWeight > 0 && c.Scoring.MaxWeight <= c.Scoring.MinWeight {
		return fmt.Errorf("scoring max_weight %v must exceed min_weight %v", c.Scoring.MaxWeight, c.Scoring.MinWeight)
	}

	return nil
}
