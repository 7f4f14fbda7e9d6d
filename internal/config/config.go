// Package config loads and validates the agentd configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for agentd.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Inference InferenceConfig `yaml:"inference"`
	Agent     AgentConfig     `yaml:"agent"`
	Compact   CompactConfig   `yaml:"compaction"`
	Storage   StorageConfig   `yaml:"storage"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Tools     ToolsConfig     `yaml:"tools"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// InferenceConfig selects and tunes the model backend. BaseURL points at an
// OpenAI-compatible server (llama.cpp) when Provider is "openai".
type InferenceConfig struct {
	Provider       string        `yaml:"provider"` // openai | anthropic
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	Temperature    float32       `yaml:"temperature"`
	MaxTokens      int           `yaml:"max_tokens"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

// AgentConfig bounds a single loop run.
type AgentConfig struct {
	// MaxIterations is the hard ceiling on inference rounds per run.
	MaxIterations int `yaml:"max_iterations"`

	// MaxWallTime limits total run duration (0 = no limit). The loop has no
	// implicit wall clock; a stalled inference call otherwise stalls the run.
	MaxWallTime time.Duration `yaml:"max_wall_time"`

	// CountFailedIterations controls whether an iteration whose tool calls
	// all failed still consumes ceiling budget.
	CountFailedIterations *bool `yaml:"count_failed_iterations"`

	// MaxConcurrency limits parallel tool executions within one reply.
	MaxConcurrency int `yaml:"max_concurrency"`

	// ToolTimeout is the per-call timeout enforced by the dispatcher.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// PromptFile holds the cached base instructions. Edits bump the prompt
	// cache generation via the file watcher.
	PromptFile string `yaml:"prompt_file"`
}

// CompactConfig tunes microcompaction.
type CompactConfig struct {
	// DefaultBudget is the per-result character budget for tools without an
	// explicit entry in Budgets.
	DefaultBudget int `yaml:"default_budget"`

	// Budgets maps tool name to result character budget.
	Budgets map[string]int `yaml:"budgets"`

	// HotTailIterations is how many trailing iterations keep full-fidelity
	// tool results during iteration compression.
	HotTailIterations int `yaml:"hot_tail_iterations"`
}

type StorageConfig struct {
	// Path is the sqlite database file. Empty means in-memory stores.
	Path string `yaml:"path"`
}

type JobsConfig struct {
	// Retention is how long terminal jobs are kept before the sweep.
	Retention time.Duration `yaml:"retention"`

	// SweepSchedule is a cron expression for the retention sweep.
	SweepSchedule string `yaml:"sweep_schedule"`

	// StreamPollInterval is the cadence at which job streams poll the store.
	StreamPollInterval time.Duration `yaml:"stream_poll_interval"`
}

type ToolsConfig struct {
	// Enabled lists the tool names offered to the model. Empty enables all
	// registered tools.
	Enabled []string `yaml:"enabled"`

	Websearch WebsearchConfig `yaml:"websearch"`
}

type WebsearchConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	MaxResults int    `yaml:"max_results"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// DefaultConfig returns a configuration with sensible defaults. Budget
// numbers follow the deployed tool set.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			HTTPPort:    8080,
			MetricsPort: 9090,
		},
		Inference: InferenceConfig{
			Provider:       "openai",
			BaseURL:        "http://localhost:8081/v1",
			Model:          "local",
			Temperature:    0.7,
			MaxTokens:      4096,
			RequestTimeout: 5 * time.Minute,
			MaxRetries:     3,
		},
		Agent: AgentConfig{
			MaxIterations:  8,
			MaxConcurrency: 5,
			ToolTimeout:    30 * time.Second,
		},
		Compact: CompactConfig{
			DefaultBudget: 3000,
			Budgets: map[string]int{
				"websearch": 2000,
				"retrieve":  3000,
				"memo":      500,
			},
			HotTailIterations: 1,
		},
		Jobs: JobsConfig{
			Retention:          24 * time.Hour,
			SweepSchedule:      "@every 1h",
			StreamPollInterval: 200 * time.Millisecond,
		},
		Tools: ToolsConfig{
			Websearch: WebsearchConfig{
				BaseURL:    "https://api.tavily.com",
				MaxResults: 5,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
		},
	}
}

// Load reads a YAML config file, expands ${ENV} references, and merges it
// over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime behavior.
func (c *Config) Validate() error {
	switch c.Inference.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("inference.provider must be openai or anthropic, got %q", c.Inference.Provider)
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.MaxWallTime < 0 {
		return fmt.Errorf("agent.max_wall_time must not be negative")
	}
	if c.Compact.DefaultBudget <= 0 {
		return fmt.Errorf("compaction.default_budget must be positive, got %d", c.Compact.DefaultBudget)
	}
	for name, budget := range c.Compact.Budgets {
		if budget <= 0 {
			return fmt.Errorf("compaction.budgets[%s] must be positive, got %d", name, budget)
		}
	}
	if c.Compact.HotTailIterations < 0 {
		return fmt.Errorf("compaction.hot_tail_iterations must not be negative")
	}
	if c.Jobs.Retention <= 0 {
		return fmt.Errorf("jobs.retention must be positive")
	}
	return nil
}

// CountFailed resolves the open default for whether failed iterations
// consume the ceiling. Defaults to true.
func (c *AgentConfig) CountFailed() bool {
	if c.CountFailedIterations == nil {
		return true
	}
	return *c.CountFailedIterations
}
