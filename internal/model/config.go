package model

// Config is the global daemon configuration at <root>/config.yaml.
// Decoding is strict: unrecognized fields are rejected.
type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Agent     AgentConfig     `yaml:"agent"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
	Notify    NotifyConfig    `yaml:"notify"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

type SchedulerConfig struct {
	ScanIntervalSec  int `yaml:"scan_interval_sec"`
	LeaseTTLSec      int `yaml:"lease_ttl_sec"`
	HeartbeatSec     int `yaml:"heartbeat_sec"`
	FastFailGraceSec int `yaml:"fast_fail_grace_sec"`
	SettleDelayMs    int `yaml:"settle_delay_ms"`
	RetryDelaySec    int `yaml:"retry_delay_sec"`
}

type AgentConfig struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args,omitempty"`
	TimeoutMin int      `yaml:"timeout_min"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`
	// Hook is an optional executable that receives each notification line
	// on stdin.
	Hook string `yaml:"hook,omitempty"`
}

// Scheduler timing accessors apply defaults for unset values. The fast-fail
// grace window and the lease TTL are independently tunable constants.

func (c SchedulerConfig) ScanInterval() int {
	if c.ScanIntervalSec <= 0 {
		return 30
	}
	return c.ScanIntervalSec
}

func (c SchedulerConfig) LeaseTTL() int {
	if c.LeaseTTLSec <= 0 {
		return 45
	}
	return c.LeaseTTLSec
}

func (c SchedulerConfig) Heartbeat() int {
	if c.HeartbeatSec <= 0 {
		return 10
	}
	return c.HeartbeatSec
}

func (c SchedulerConfig) FastFailGrace() int {
	if c.FastFailGraceSec <= 0 {
		return 120
	}
	return c.FastFailGraceSec
}

func (c SchedulerConfig) SettleDelay() int {
	if c.SettleDelayMs <= 0 {
		return 500
	}
	return c.SettleDelayMs
}

func (c SchedulerConfig) RetryDelay() int {
	if c.RetryDelaySec <= 0 {
		return 5
	}
	return c.RetryDelaySec
}

const QueueConfigSchemaVersion = 1

// QueueConfig is the persisted per-workspace queue configuration. Only the
// enabled flag, WIP limits, and automation toggles survive restarts; all
// other manager state is rebuilt at startup.
type QueueConfig struct {
	SchemaVersion int              `yaml:"schema_version"`
	Enabled       bool             `yaml:"enabled"`
	Limits        WIPLimits        `yaml:"limits"`
	Automation    AutomationConfig `yaml:"automation"`
}

type WIPLimits struct {
	Ready     int `yaml:"ready"`
	Executing int `yaml:"executing"`
}

type AutomationConfig struct {
	BacklogToReady   bool `yaml:"backlog_to_ready"`
	ReadyToExecuting bool `yaml:"ready_to_executing"`
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		SchemaVersion: QueueConfigSchemaVersion,
		Enabled:       false,
		Limits:        WIPLimits{Ready: 5, Executing: 1},
		Automation:    AutomationConfig{BacklogToReady: false, ReadyToExecuting: true},
	}
}

func (q WIPLimits) ExecutingLimit() int {
	if q.Executing <= 0 {
		return 1
	}
	return q.Executing
}

func (q WIPLimits) ReadyLimit() int {
	if q.Ready <= 0 {
		return 5
	}
	return q.Ready
}
