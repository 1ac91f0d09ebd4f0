package config

// AgentConfig defines a registered agent: its capabilities and, when the
// agent runs as a local command, how to invoke it. Agents without a
// command are registered for external dispatch (a remote worker picks up
// task.assigned events).
type AgentConfig struct {
	Name                   string             `json:"name,omitempty"`
	Command                string             `json:"command,omitempty"`  // Local executor binary; empty = externally driven
	Args                   []string           `json:"args,omitempty"`     // Default args appended to every invocation
	WorkDir                string             `json:"work_dir,omitempty"` // Working directory for the command
	Capabilities           map[string]float64 `json:"capabilities"`       // skill -> efficiency in [0,1]
	MaxConcurrentInstances int                `json:"max_concurrent_instances,omitempty"`
}

// SchedulerConfig tunes assignment and lifecycle behavior.
type SchedulerConfig struct {
	Strategy                   string `json:"strategy,omitempty"` // quality_weighted, least_busy, round_robin
	InstanceTimeoutSeconds     int    `json:"instance_timeout_seconds,omitempty"`
	PollIntervalSeconds        int    `json:"poll_interval_seconds,omitempty"`
	RetryBackoffMillis         int    `json:"retry_backoff_millis,omitempty"`
	DispatchConcurrency        int    `json:"dispatch_concurrency,omitempty"`
	TolerateFailedDependencies bool   `json:"tolerate_failed_dependencies,omitempty"`
}

// ScoringConfig tunes the performance weight computation.
type ScoringConfig struct {
	QualityWeight            float64 `json:"quality_weight,omitempty"`
	SpeedWeight              float64 `json:"speed_weight,omitempty"`
	ReliabilityWeight        float64 `json:"reliability_weight,omitempty"`
	UtilizationWeight        float64 `json:"utilization_weight,omitempty"`
	TrendWindow              int     `json:"trend_window,omitempty"`
	Decay                    float64 `json:"decay,omitempty"`
	MinWeight                float64 `json:"min_weight,omitempty"`
	MaxWeight                float64 `json:"max_weight,omitempty"`
	RecomputeIntervalSeconds int     `json:"recompute_interval_seconds,omitempty"`
}

// RegistryConfig tunes capability matching.
type RegistryConfig struct {
	PartialCreditMultiplier float64 `json:"partial_credit_multiplier,omitempty"`
	MinCapabilityScore      float64 `json:"min_capability_score,omitempty"`
}

// DispatchConfig is the top-level configuration.
type DispatchConfig struct {
	Agents           map[string]AgentConfig `json:"agents"`
	Scheduler        SchedulerConfig        `json:"scheduler"`
	Scoring          ScoringConfig          `json:"scoring"`
	Registry         RegistryConfig         `json:"registry"`
	StorePath        string                 `json:"store_path,omitempty"`         // SQLite database path; empty = in-memory
	EventHistorySize int                    `json:"event_history_size,omitempty"` // Bus ring buffer size
}
