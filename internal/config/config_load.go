package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// DefaultAgentID is used when no agent is configured or marked default.
const DefaultAgentID = "main"

// DefaultAccountID is the account id a channel runs under when its
// "accounts" map is empty.
const DefaultAccountID = "default"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				ID:                  DefaultAgentID,
				Workspace:           "~/.omniclaw/workspace",
				IdempotencyWindowMs: 600000,
			},
		},
		Session: SessionConfig{
			Store:   "~/.omniclaw/sessions",
			TTLMs:   1000,
			MainKey: "main",
		},
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18890,
			MaxMessageChars: 32000,
			RateLimitRPM:    120,
		},
		DataDir: "~/.omniclaw",
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values. Channel bot tokens are
// NOT materialized here: the account resolver reads <CHANNEL>_BOT_TOKEN
// at resolve time so the credential source stays accurate.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("OMNICLAW_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("OMNICLAW_HOST", &c.Gateway.Host)
	if v := os.Getenv("OMNICLAW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("OMNICLAW_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("OMNICLAW_TIMEZONE", &c.Agents.Defaults.UserTimezone)
	envStr("OMNICLAW_SESSION_STORE", &c.Session.Store)
	envStr("OMNICLAW_DATA_DIR", &c.DataDir)
	envStr("OMNICLAW_LOG_LEVEL", &c.Logging.Level)

	// Telemetry
	envStr("OMNICLAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("OMNICLAW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("OMNICLAW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("OMNICLAW_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("OMNICLAW_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// ApplyEnvOverrides re-applies environment variable overrides onto the
// config. Call this after modifying config to restore runtime secrets.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for optimistic concurrency.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agents.Defaults.Workspace)
}

// EffectiveDataDir returns the expanded data directory.
func (c *Config) EffectiveDataDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dir := c.DataDir
	if dir == "" {
		dir = "~/.omniclaw"
	}
	return ExpandHome(dir)
}

// PairingDir returns the directory holding per-channel pairing files.
func (c *Config) PairingDir() string {
	return filepath.Join(c.EffectiveDataDir(), "pairing")
}

// CronStorePath returns the cron last-run state file.
func (c *Config) CronStorePath() string {
	c.mu.RLock()
	store := c.Cron.Store
	c.mu.RUnlock()
	if store != "" {
		return ExpandHome(store)
	}
	return filepath.Join(c.EffectiveDataDir(), "cron.json")
}

// ResolveAgent returns the effective config for a given agent ID,
// merging defaults with per-agent overrides.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	if spec, ok := c.Agents.List[agentID]; ok {
		if len(spec.Command) > 0 {
			d.Command = spec.Command
		}
		if spec.Workspace != "" {
			d.Workspace = spec.Workspace
		}
	}
	return d
}

// ResolveDefaultAgentID returns the ID of the agent marked as default,
// or the configured defaults.id, or "main".
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	if c.Agents.Defaults.ID != "" {
		return c.Agents.Defaults.ID
	}
	return DefaultAgentID
}

// ResolveDisplayName returns the display name for an agent.
// Falls back to "OmniClaw" if not configured.
func (c *Config) ResolveDisplayName(agentID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if spec, ok := c.Agents.List[agentID]; ok && spec.DisplayName != "" {
		return spec.DisplayName
	}
	return "OmniClaw"
}

// BlockStreamingEnabled reports whether partial blocks may stream to a
// surface. Surfaces that only render complete messages override this.
func (c *Config) BlockStreamingEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bs := c.Agents.Defaults.BlockStreaming
	return bs == nil || *bs
}

// IdempotencyWindowMs returns the dispatch dedup window.
func (c *Config) IdempotencyWindowMs() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Agents.Defaults.IdempotencyWindowMs > 0 {
		return c.Agents.Defaults.IdempotencyWindowMs
	}
	return 600000
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by config.get to avoid exposing secrets to WebSocket clients.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	// Mask gateway token
	maskNonEmpty(&cp.Gateway.Token)

	// Mask channel secrets, base and per-account
	maskNonEmpty(&cp.Channels.Mezon.Token)
	for id, a := range cp.Channels.Mezon.Accounts {
		maskNonEmpty(&a.Token)
		cp.Channels.Mezon.Accounts[id] = a
	}
	maskNonEmpty(&cp.Channels.Signal.Token)
	for id, a := range cp.Channels.Signal.Accounts {
		maskNonEmpty(&a.Token)
		cp.Channels.Signal.Accounts[id] = a
	}
	maskNonEmpty(&cp.Channels.Slack.Token)
	maskNonEmpty(&cp.Channels.Slack.BotToken)
	maskNonEmpty(&cp.Channels.Slack.AppToken)
	for id, a := range cp.Channels.Slack.Accounts {
		maskNonEmpty(&a.Token)
		maskNonEmpty(&a.BotToken)
		maskNonEmpty(&a.AppToken)
		cp.Channels.Slack.Accounts[id] = a
	}
	maskNonEmpty(&cp.Channels.Discord.Token)
	for id, a := range cp.Channels.Discord.Accounts {
		maskNonEmpty(&a.Token)
		cp.Channels.Discord.Accounts[id] = a
	}
	maskNonEmpty(&cp.Channels.Telegram.Token)
	for id, a := range cp.Channels.Telegram.Accounts {
		maskNonEmpty(&a.Token)
		cp.Channels.Telegram.Accounts[id] = a
	}
	maskNonEmpty(&cp.Channels.SMS.Token)
	maskNonEmpty(&cp.Channels.SMS.AuthToken)
	for id, a := range cp.Channels.SMS.Accounts {
		maskNonEmpty(&a.Token)
		maskNonEmpty(&a.AuthToken)
		cp.Channels.SMS.Accounts[id] = a
	}

	return cp
}

// StripMaskedSecrets strips only fields that still contain the mask value "***".
// Real values (operator-entered via config.patch) are preserved, so a
// masked round-trip through config.get never clobbers stored secrets.
func (c *Config) StripMaskedSecrets() {
	stripIfMasked := func(s *string) {
		if *s == secretMask {
			*s = ""
		}
	}

	stripIfMasked(&c.Gateway.Token)

	stripIfMasked(&c.Channels.Mezon.Token)
	for id, a := range c.Channels.Mezon.Accounts {
		stripIfMasked(&a.Token)
		c.Channels.Mezon.Accounts[id] = a
	}
	stripIfMasked(&c.Channels.Signal.Token)
	for id, a := range c.Channels.Signal.Accounts {
		stripIfMasked(&a.Token)
		c.Channels.Signal.Accounts[id] = a
	}
	stripIfMasked(&c.Channels.Slack.Token)
	stripIfMasked(&c.Channels.Slack.BotToken)
	stripIfMasked(&c.Channels.Slack.AppToken)
	for id, a := range c.Channels.Slack.Accounts {
		stripIfMasked(&a.Token)
		stripIfMasked(&a.BotToken)
		stripIfMasked(&a.AppToken)
		c.Channels.Slack.Accounts[id] = a
	}
	stripIfMasked(&c.Channels.Discord.Token)
	for id, a := range c.Channels.Discord.Accounts {
		stripIfMasked(&a.Token)
		c.Channels.Discord.Accounts[id] = a
	}
	stripIfMasked(&c.Channels.Telegram.Token)
	for id, a := range c.Channels.Telegram.Accounts {
		stripIfMasked(&a.Token)
		c.Channels.Telegram.Accounts[id] = a
	}
	stripIfMasked(&c.Channels.SMS.Token)
	stripIfMasked(&c.Channels.SMS.AuthToken)
	for id, a := range c.Channels.SMS.Accounts {
		stripIfMasked(&a.Token)
		stripIfMasked(&a.AuthToken)
		c.Channels.SMS.Accounts[id] = a
	}
}

// RestoreSecrets fills secret fields left empty after StripMaskedSecrets
// from a previous config, so a patched document that round-tripped
// through config.get keeps the stored credentials.
func (c *Config) RestoreSecrets(prev *Config) {
	restore := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}

	restore(&c.Gateway.Token, prev.Gateway.Token)

	restore(&c.Channels.Mezon.Token, prev.Channels.Mezon.Token)
	for id, a := range c.Channels.Mezon.Accounts {
		restore(&a.Token, prev.Channels.Mezon.Accounts[id].Token)
		c.Channels.Mezon.Accounts[id] = a
	}
	restore(&c.Channels.Signal.Token, prev.Channels.Signal.Token)
	for id, a := range c.Channels.Signal.Accounts {
		restore(&a.Token, prev.Channels.Signal.Accounts[id].Token)
		c.Channels.Signal.Accounts[id] = a
	}
	restore(&c.Channels.Slack.Token, prev.Channels.Slack.Token)
	restore(&c.Channels.Slack.BotToken, prev.Channels.Slack.BotToken)
	restore(&c.Channels.Slack.AppToken, prev.Channels.Slack.AppToken)
	for id, a := range c.Channels.Slack.Accounts {
		restore(&a.Token, prev.Channels.Slack.Accounts[id].Token)
		restore(&a.BotToken, prev.Channels.Slack.Accounts[id].BotToken)
		restore(&a.AppToken, prev.Channels.Slack.Accounts[id].AppToken)
		c.Channels.Slack.Accounts[id] = a
	}
	restore(&c.Channels.Discord.Token, prev.Channels.Discord.Token)
	for id, a := range c.Channels.Discord.Accounts {
		restore(&a.Token, prev.Channels.Discord.Accounts[id].Token)
		c.Channels.Discord.Accounts[id] = a
	}
	restore(&c.Channels.Telegram.Token, prev.Channels.Telegram.Token)
	for id, a := range c.Channels.Telegram.Accounts {
		restore(&a.Token, prev.Channels.Telegram.Accounts[id].Token)
		c.Channels.Telegram.Accounts[id] = a
	}
	restore(&c.Channels.SMS.Token, prev.Channels.SMS.Token)
	restore(&c.Channels.SMS.AuthToken, prev.Channels.SMS.AuthToken)
	for id, a := range c.Channels.SMS.Accounts {
		restore(&a.Token, prev.Channels.SMS.Accounts[id].Token)
		restore(&a.AuthToken, prev.Channels.SMS.Accounts[id].AuthToken)
		c.Channels.SMS.Accounts[id] = a
	}
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
