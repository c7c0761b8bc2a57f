package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the OmniClaw gateway.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Session   SessionConfig   `json:"session"`
	Commands  CommandsConfig  `json:"commands"`
	Bindings  []AgentBinding  `json:"bindings,omitempty"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Gateway   GatewayConfig   `json:"gateway"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	DataDir   string          `json:"dataDir,omitempty"` // base for stores (default ~/.omniclaw)
	mu        sync.RWMutex
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	ID                  string              `json:"id,omitempty"`                  // default agent id (default "main")
	Command             FlexibleStringSlice `json:"command,omitempty"`             // agent program argv
	Workspace           string              `json:"workspace,omitempty"`           // agent working directory
	UserTimezone        string              `json:"userTimezone,omitempty"`        // IANA TZ; prefixes inbound text with a local timestamp
	BlockStreaming      *bool               `json:"blockStreaming,omitempty"`      // stream partial blocks (default true; surfaces may force off)
	IdempotencyWindowMs int                 `json:"idempotencyWindowMs,omitempty"` // dedup window for retried dispatches (default 600000)
}

// AgentSpec is the per-agent configuration override.
// All fields optional; zero values mean "inherit from defaults".
type AgentSpec struct {
	DisplayName string              `json:"displayName,omitempty"`
	Command     FlexibleStringSlice `json:"command,omitempty"`
	Workspace   string              `json:"workspace,omitempty"`
	Default     bool                `json:"default,omitempty"`
}

// AgentBinding maps a channel/peer pattern to a specific agent.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies what messages this binding applies to.
type BindingMatch struct {
	Channel   string       `json:"channel"`             // "mezon", "signal", "slack", etc.
	AccountID string       `json:"accountId,omitempty"` // bot account ID
	Peer      *BindingPeer `json:"peer,omitempty"`      // specific DM/group
}

// BindingPeer specifies a specific chat target.
type BindingPeer struct {
	Kind string `json:"kind"` // "direct" or "group"
	ID   string `json:"id"`
}

// SessionConfig controls session persistence.
type SessionConfig struct {
	Store   string `json:"store,omitempty"`   // directory (default), "sqlite:<path>", or "postgres:<dsn>"
	TTLMs   int    `json:"ttlMs,omitempty"`   // read cache TTL in ms (default 1000)
	MainKey string `json:"mainKey,omitempty"` // main session key suffix (default "main")
}

// CommandsConfig controls gateway control-command authorization.
type CommandsConfig struct {
	UseAccessGroups bool                           `json:"useAccessGroups,omitempty"` // gate control commands by access groups
	AccessGroups    map[string]FlexibleStringSlice `json:"accessGroups,omitempty"`    // group name -> sender entries
}

// CronConfig configures scheduled messages.
type CronConfig struct {
	Enabled bool      `json:"enabled,omitempty"`
	Store   string    `json:"store,omitempty"` // last-run state file (default <dataDir>/cron.json)
	Jobs    []CronJob `json:"jobs,omitempty"`
}

// CronJob injects a message into the pipeline on a schedule.
type CronJob struct {
	ID       string `json:"id"`
	Schedule string `json:"schedule"`          // cron expression, evaluated per minute
	Message  string `json:"message"`           // text handed to the agent
	Channel  string `json:"channel,omitempty"` // delivery surface for the reply
	To       string `json:"to,omitempty"`      // chat target on that surface
	AgentID  string `json:"agentId,omitempty"`
}

// GatewayConfig controls the ops RPC server.
type GatewayConfig struct {
	Host            string   `json:"host,omitempty"`
	Port            int      `json:"port,omitempty"`
	Token           string   `json:"token,omitempty"`           // bearer token for WS auth
	AllowedOrigins  []string `json:"allowedOrigins,omitempty"`  // WebSocket origin whitelist (empty = allow all)
	RateLimitRPM    int      `json:"rateLimitRpm,omitempty"`    // requests per minute per connection (default 120, 0 = disabled)
	MaxMessageChars int      `json:"maxMessageChars,omitempty"` // max request frame characters (default 32000)
}

// TelemetryConfig configures OpenTelemetry export of pipeline spans.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`    // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string `json:"protocol,omitempty"`    // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`    // skip TLS (local collectors)
	ServiceName string `json:"serviceName,omitempty"` // default "omniclaw-gateway"
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `json:"level,omitempty"` // "debug", "info" (default), "warn", "error"
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Session = src.Session
	c.Commands = src.Commands
	c.Bindings = src.Bindings
	c.Cron = src.Cron
	c.Gateway = src.Gateway
	c.Telemetry = src.Telemetry
	c.Logging = src.Logging
	c.DataDir = src.DataDir
}
