// Package config handles relay configuration loading.
//
// Configuration is read once at process start from a single YAML file and
// then adjusted by RELAY_* environment overrides. Components never read
// the environment themselves; cmd/relay hands them the resolved values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/relay/config.yaml, /etc/relay/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "relay", "config.yaml"))
	}

	paths = append(paths, "/etc/relay/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all relay configuration.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Planner     PlannerConfig     `yaml:"planner"`
	History     HistoryConfig     `yaml:"history"`
	MCPServers  []MCPServerConfig `yaml:"mcp_servers"`
	Tools       []ToolConfig      `yaml:"tools"`
	Documents   DocumentsConfig   `yaml:"documents"`
	Escalation  EscalationConfig  `yaml:"escalation"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// IdempotencyConfig bounds the inbound event deduplication cache.
type IdempotencyConfig struct {
	Window        time.Duration `yaml:"window"`
	MaxEntries    int           `yaml:"max_entries"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ExecutionConfig controls the per-step retry loop and request budget.
type ExecutionConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	AttemptTimeout   time.Duration `yaml:"attempt_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	BackoffInitial   time.Duration `yaml:"backoff_initial"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
}

// PlannerConfig controls tool selection and failure reasoning.
type PlannerConfig struct {
	// Priority orders tool categories for tie-breaking when several
	// tools can satisfy the same intent. Earlier wins.
	Priority []string `yaml:"priority"`

	// Intents maps an intent name to trigger keywords. When empty the
	// planner's built-in rules are used.
	Intents map[string][]string `yaml:"intents"`

	Reasoning ReasoningConfig `yaml:"reasoning"`
}

// ReasoningConfig configures the optional LLM reasoning backend used to
// correct failed steps. An empty URL disables it; the heuristic table is
// always available.
type ReasoningConfig struct {
	URL     string        `yaml:"url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// HistoryConfig bounds the short-term conversation memory.
type HistoryConfig struct {
	Window    int           `yaml:"window"`
	Retention time.Duration `yaml:"retention"`
}

// MCPServerConfig describes one remote tool server. Exactly one of URL
// (streamable HTTP) or Command (stdio subprocess) must be set. With
// Discover, every tool the server lists is registered under Category
// and Intents.
type MCPServerConfig struct {
	Name     string            `yaml:"name"`
	URL      string            `yaml:"url"`
	Headers  map[string]string `yaml:"headers"`
	Command  string            `yaml:"command"`
	Args     []string          `yaml:"args"`
	Env      []string          `yaml:"env"`
	Discover bool              `yaml:"discover"`
	Category string            `yaml:"category"`
	Intents  []string          `yaml:"intents"`
	Include  []string          `yaml:"include"`
	Exclude  []string          `yaml:"exclude"`
}

// ToolConfig declares a tool backed by an MCP server.
type ToolConfig struct {
	Name        string         `yaml:"name"`
	Server      string         `yaml:"server"`
	Description string         `yaml:"description"`
	Category    string         `yaml:"category"`
	Actions     []ActionConfig `yaml:"actions"`
}

// ActionConfig declares one callable action of a tool.
type ActionConfig struct {
	Name        string         `yaml:"name"`
	RemoteName  string         `yaml:"remote_name"`
	Description string         `yaml:"description"`
	Intents     []string       `yaml:"intents"`
	QueryArg    string         `yaml:"query_arg"`
	Defaults    map[string]any `yaml:"defaults"`
	Schema      map[string]any `yaml:"schema"`
	Fallback    string         `yaml:"fallback"`
}

// DocumentsConfig enables the local document search tool.
type DocumentsConfig struct {
	// Root is the directory searched. Empty disables the tool.
	Root string `yaml:"root"`
	// Intents the tool serves. Defaults to lookup.
	Intents []string `yaml:"intents"`
}

// EscalationConfig configures where escalated steps are recorded.
type EscalationConfig struct {
	// DBPath is the SQLite ledger path. Empty disables the ledger.
	DBPath string     `yaml:"db_path"`
	MQTT   MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig configures the optional MQTT escalation publisher.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the bind address for /metrics (e.g. ":9090"). Empty disables it.
	Listen string `yaml:"listen"`
}

// TracingConfig configures OTLP span export.
type TracingConfig struct {
	// Endpoint is the OTLP/gRPC collector address (e.g. "localhost:4317").
	// Empty disables export; spans are then dropped.
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	// SampleRate is the fraction of requests traced, 0 to 1.
	SampleRate  float64 `yaml:"sample_rate"`
	ServiceName string  `yaml:"service_name"`
}

// Default returns a configuration with every default applied. It has no
// servers or tools; those always come from the file or environment.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Idempotency: IdempotencyConfig{
			Window:        10 * time.Second,
			MaxEntries:    1000,
			SweepInterval: 30 * time.Second,
		},
		Execution: ExecutionConfig{
			MaxAttempts:      5,
			AttemptTimeout:   60 * time.Second,
			RequestTimeout:   90 * time.Second,
			HandshakeTimeout: 15 * time.Second,
			BackoffInitial:   250 * time.Millisecond,
			BackoffMax:       5 * time.Second,
		},
		Planner: PlannerConfig{
			Priority: []string{"knowledge", "documents", "web"},
			Reasoning: ReasoningConfig{
				Timeout: 20 * time.Second,
			},
		},
		History: HistoryConfig{
			Window:    10,
			Retention: 24 * time.Hour,
		},
		Escalation: EscalationConfig{
			MQTT: MQTTConfig{Topic: "relay/escalations"},
		},
		Tracing: TracingConfig{
			SampleRate:  1,
			ServiceName: "relay",
		},
	}
}

// Load reads configuration from a YAML file. ${VAR} references in the
// file are expanded before parsing; unspecified fields keep their
// [Default] values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes on top of [Default].
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv applies RELAY_* overrides using lookup (normally
// os.LookupEnv). Server URLs are overridden per server with
// RELAY_MCP_<NAME>_URL, where NAME is upper-cased with dashes replaced
// by underscores.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}

	if v, ok := lookup("RELAY_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := lookup("RELAY_OTLP_ENDPOINT"); ok {
		c.Tracing.Endpoint = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"RELAY_MAX_ATTEMPTS", &c.Execution.MaxAttempts},
		{"RELAY_IDEMPOTENCY_MAX_ENTRIES", &c.Idempotency.MaxEntries},
	}
	for _, e := range ints {
		v, ok := lookup(e.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"RELAY_ATTEMPT_TIMEOUT", &c.Execution.AttemptTimeout},
		{"RELAY_REQUEST_TIMEOUT", &c.Execution.RequestTimeout},
		{"RELAY_HANDSHAKE_TIMEOUT", &c.Execution.HandshakeTimeout},
		{"RELAY_IDEMPOTENCY_WINDOW", &c.Idempotency.Window},
	}
	for _, e := range durations {
		v, ok := lookup(e.key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = d
	}

	for i := range c.MCPServers {
		if v, ok := lookup(ServerURLEnv(c.MCPServers[i].Name)); ok {
			c.MCPServers[i].URL = v
		}
	}

	return nil
}

// ServerURLEnv returns the environment variable that overrides the URL
// of the named MCP server.
func ServerURLEnv(name string) string {
	n := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	return "RELAY_MCP_" + n + "_URL"
}

// Validate checks the configuration for values the orchestrator cannot
// run with.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Execution.MaxAttempts < 1 {
		return fmt.Errorf("execution.max_attempts must be at least 1, got %d", c.Execution.MaxAttempts)
	}
	if c.Execution.AttemptTimeout <= 0 || c.Execution.RequestTimeout <= 0 || c.Execution.HandshakeTimeout <= 0 {
		return fmt.Errorf("execution timeouts must be positive")
	}
	if c.Idempotency.Window <= 0 {
		return fmt.Errorf("idempotency.window must be positive")
	}
	if c.Idempotency.MaxEntries < 1 {
		return fmt.Errorf("idempotency.max_entries must be at least 1")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1, got %g", c.Tracing.SampleRate)
	}

	servers := make(map[string]bool, len(c.MCPServers))
	for _, s := range c.MCPServers {
		if s.Name == "" {
			return fmt.Errorf("mcp_servers: server with empty name")
		}
		if servers[s.Name] {
			return fmt.Errorf("mcp_servers: duplicate server %q", s.Name)
		}
		if (s.URL == "") == (s.Command == "") {
			return fmt.Errorf("mcp_servers.%s: exactly one of url or command is required (set %s)", s.Name, ServerURLEnv(s.Name))
		}
		servers[s.Name] = true
	}

	for _, t := range c.Tools {
		if t.Name == "" {
			return fmt.Errorf("tools: tool with empty name")
		}
		if !servers[t.Server] {
			return fmt.Errorf("tools.%s: unknown server %q", t.Name, t.Server)
		}
		if len(t.Actions) == 0 {
			return fmt.Errorf("tools.%s: at least one action is required", t.Name)
		}
	}

	return nil
}
