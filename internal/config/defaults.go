package config

// DefaultConfig returns the default configuration with built-in agents
// and scheduler settings.
func DefaultConfig() *DispatchConfig {
	return &DispatchConfig{
		Agents: map[string]AgentConfig{
			"coder": {
				Name: "Coder",
				Capabilities: map[string]float64{
					"coding":  0.9,
					"backend": 0.8,
					"api":     0.7,
				},
				MaxConcurrentInstances: 3,
			},
			"frontend": {
				Name: "Frontend",
				Capabilities: map[string]float64{
					"frontend": 0.9,
					"react":    0.85,
					"css":      0.8,
				},
				MaxConcurrentInstances: 2,
			},
			"reviewer": {
				Name: "Reviewer",
				Capabilities: map[string]float64{
					"review":  0.9,
					"testing": 0.7,
				},
				MaxConcurrentInstances: 2,
			},
			"tester": {
				Name: "Tester",
				Capabilities: map[string]float64{
					"testing": 0.9,
					"qa":      0.85,
				},
				MaxConcurrentInstances: 3,
			},
		},
		Scheduler: SchedulerConfig{
			Strategy:               "quality_weighted",
			InstanceTimeoutSeconds: 300,
			PollIntervalSeconds:    5,
			RetryBackoffMillis:     500,
			DispatchConcurrency:    4,
		},
		Scoring: ScoringConfig{
			QualityWeight:            0.4,
			SpeedWeight:              0.3,
			ReliabilityWeight:        0.2,
			UtilizationWeight:        0.1,
			TrendWindow:              20,
			Decay:                    0.95,
			MinWeight:                0.1,
			MaxWeight:                3.0,
			RecomputeIntervalSeconds: 30,
		},
		Registry: RegistryConfig{
			PartialCreditMultiplier: 0.8,
			MinCapabilityScore:      0.3,
		},
		EventHistorySize: 256,
	}
}
