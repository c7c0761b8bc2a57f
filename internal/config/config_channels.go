package config

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Mezon    MezonConfig    `json:"mezon"`
	Signal   SignalConfig   `json:"signal"`
	Slack    SlackConfig    `json:"slack"`
	Discord  DiscordConfig  `json:"discord"`
	Telegram TelegramConfig `json:"telegram"`
	SMS      SMSConfig      `json:"sms"`
}

// AccountConfig holds the per-account knobs shared by every channel.
// A channel section carries these inline as the base; entries under
// "accounts" override them per account id (present field wins).
type AccountConfig struct {
	Enabled        *bool               `json:"enabled,omitempty"`
	Name           string              `json:"name,omitempty"`           // display label for status output
	Token          string              `json:"token,omitempty"`          // inline credential
	TokenFile      string              `json:"tokenFile,omitempty"`      // credential file, read on demand
	BotID          string              `json:"botId,omitempty"`          // bot's own peer id (mention detection)
	DMPolicy       string              `json:"dmPolicy,omitempty"`       // "pairing" (default), "allowlist", "open", "disabled"
	GroupPolicy    string              `json:"groupPolicy,omitempty"`    // "open" (default), "allowlist", "disabled"
	AllowFrom      FlexibleStringSlice `json:"allowFrom,omitempty"`      // DM sender allowlist
	GroupAllowFrom FlexibleStringSlice `json:"groupAllowFrom,omitempty"` // group sender allowlist
	RequireMention *bool               `json:"requireMention,omitempty"` // require @bot mention in groups (default true)
	MediaMaxMB     *int                `json:"mediaMaxMb,omitempty"`     // max media download size (default 20)
	DebounceMs     *int                `json:"debounceMs,omitempty"`     // merge rapid messages from same sender (default 0 = off)
	TextLimit      *int                `json:"textLimit,omitempty"`      // outbound chunk limit in characters
	TableMode      string              `json:"tableMode,omitempty"`      // "code" (default), "compact", "drop"
	HistoryLimit   *int                `json:"historyLimit,omitempty"`   // pending group messages kept for context (default 50, 0 = off)
	FlushOnStop    *bool               `json:"flushOnStop,omitempty"`    // dispatch pending debounced messages on account stop (default false)
	RestartOnExit  *bool               `json:"restartOnExit,omitempty"`  // supervisor restarts the account after a crash (default false)
}

// MezonAccount is the account-level config for a Mezon bot.
type MezonAccount struct {
	AccountConfig
	APIBase string `json:"apiBase,omitempty"` // Mezon API host (default "api.mezon.ai")
}

type MezonConfig struct {
	MezonAccount
	Accounts map[string]MezonAccount `json:"accounts,omitempty"`
}

// SignalAccount is the account-level config for a signal-cli account.
type SignalAccount struct {
	AccountConfig
	RPCURL string `json:"rpcUrl,omitempty"` // signal-cli daemon JSON-RPC endpoint (default "http://127.0.0.1:8080")
	Number string `json:"number,omitempty"` // E.164 account number
}

type SignalConfig struct {
	SignalAccount
	Accounts map[string]SignalAccount `json:"accounts,omitempty"`
}

// SlackAccount is the account-level config for a Slack app in Socket Mode.
// BotToken (xoxb-) doubles as the inline credential; AppToken (xapp-)
// opens the Socket Mode connection.
type SlackAccount struct {
	AccountConfig
	BotToken string `json:"botToken,omitempty"`
	AppToken string `json:"appToken,omitempty"`
}

type SlackConfig struct {
	SlackAccount
	Accounts map[string]SlackAccount `json:"accounts,omitempty"`
}

// DiscordAccount is the account-level config for a Discord bot.
type DiscordAccount struct {
	AccountConfig
}

type DiscordConfig struct {
	DiscordAccount
	Accounts map[string]DiscordAccount `json:"accounts,omitempty"`
}

// TelegramAccount is the account-level config for a Telegram bot.
type TelegramAccount struct {
	AccountConfig
	Proxy       string `json:"proxy,omitempty"`       // outbound HTTP proxy URL
	LinkPreview *bool  `json:"linkPreview,omitempty"` // URL previews in messages (default true)
}

type TelegramConfig struct {
	TelegramAccount
	Accounts map[string]TelegramAccount `json:"accounts,omitempty"`
}

// SMSAccount is the account-level config for a Twilio-compatible SMS number.
// AuthToken doubles as the inline credential.
type SMSAccount struct {
	AccountConfig
	AccountSid  string `json:"accountSid,omitempty"`
	AuthToken   string `json:"authToken,omitempty"`
	From        string `json:"from,omitempty"`        // sending number, E.164
	APIBase     string `json:"apiBase,omitempty"`     // REST base (default "https://api.twilio.com")
	WebhookHost string `json:"webhookHost,omitempty"` // inbound webhook bind host (default "0.0.0.0")
	WebhookPort int    `json:"webhookPort,omitempty"` // inbound webhook port (default 9384)
	WebhookPath string `json:"webhookPath,omitempty"` // inbound webhook path (default "/sms/inbound")
}

type SMSConfig struct {
	SMSAccount
	Accounts map[string]SMSAccount `json:"accounts,omitempty"`
}

// mergeAccountConfig overlays ov on base. A field present in ov wins;
// absent fields (nil pointers, empty strings, nil slices) fall back to
// base. Idempotent: merging a config into itself is a no-op.
func mergeAccountConfig(base, ov AccountConfig) AccountConfig {
	out := base
	if ov.Enabled != nil {
		out.Enabled = ov.Enabled
	}
	if ov.Name != "" {
		out.Name = ov.Name
	}
	if ov.Token != "" {
		out.Token = ov.Token
	}
	if ov.TokenFile != "" {
		out.TokenFile = ov.TokenFile
	}
	if ov.BotID != "" {
		out.BotID = ov.BotID
	}
	if ov.DMPolicy != "" {
		out.DMPolicy = ov.DMPolicy
	}
	if ov.GroupPolicy != "" {
		out.GroupPolicy = ov.GroupPolicy
	}
	if ov.AllowFrom != nil {
		out.AllowFrom = ov.AllowFrom
	}
	if ov.GroupAllowFrom != nil {
		out.GroupAllowFrom = ov.GroupAllowFrom
	}
	if ov.RequireMention != nil {
		out.RequireMention = ov.RequireMention
	}
	if ov.MediaMaxMB != nil {
		out.MediaMaxMB = ov.MediaMaxMB
	}
	if ov.DebounceMs != nil {
		out.DebounceMs = ov.DebounceMs
	}
	if ov.TextLimit != nil {
		out.TextLimit = ov.TextLimit
	}
	if ov.TableMode != "" {
		out.TableMode = ov.TableMode
	}
	if ov.HistoryLimit != nil {
		out.HistoryLimit = ov.HistoryLimit
	}
	if ov.FlushOnStop != nil {
		out.FlushOnStop = ov.FlushOnStop
	}
	if ov.RestartOnExit != nil {
		out.RestartOnExit = ov.RestartOnExit
	}
	return out
}

// Account returns the effective account config: base fields overlaid
// with the accounts[id] record when present.
func (c MezonConfig) Account(id string) MezonAccount {
	eff := c.MezonAccount
	ov, ok := c.Accounts[id]
	if !ok {
		return eff
	}
	eff.AccountConfig = mergeAccountConfig(eff.AccountConfig, ov.AccountConfig)
	if ov.APIBase != "" {
		eff.APIBase = ov.APIBase
	}
	return eff
}

func (c SignalConfig) Account(id string) SignalAccount {
	eff := c.SignalAccount
	ov, ok := c.Accounts[id]
	if !ok {
		return eff
	}
	eff.AccountConfig = mergeAccountConfig(eff.AccountConfig, ov.AccountConfig)
	if ov.RPCURL != "" {
		eff.RPCURL = ov.RPCURL
	}
	if ov.Number != "" {
		eff.Number = ov.Number
	}
	return eff
}

func (c SlackConfig) Account(id string) SlackAccount {
	eff := c.SlackAccount
	ov, ok := c.Accounts[id]
	if !ok {
		return eff
	}
	eff.AccountConfig = mergeAccountConfig(eff.AccountConfig, ov.AccountConfig)
	if ov.BotToken != "" {
		eff.BotToken = ov.BotToken
	}
	if ov.AppToken != "" {
		eff.AppToken = ov.AppToken
	}
	return eff
}

func (c DiscordConfig) Account(id string) DiscordAccount {
	eff := c.DiscordAccount
	ov, ok := c.Accounts[id]
	if !ok {
		return eff
	}
	eff.AccountConfig = mergeAccountConfig(eff.AccountConfig, ov.AccountConfig)
	return eff
}

func (c TelegramConfig) Account(id string) TelegramAccount {
	eff := c.TelegramAccount
	ov, ok := c.Accounts[id]
	if !ok {
		return eff
	}
	eff.AccountConfig = mergeAccountConfig(eff.AccountConfig, ov.AccountConfig)
	if ov.Proxy != "" {
		eff.Proxy = ov.Proxy
	}
	if ov.LinkPreview != nil {
		eff.LinkPreview = ov.LinkPreview
	}
	return eff
}

func (c SMSConfig) Account(id string) SMSAccount {
	eff := c.SMSAccount
	ov, ok := c.Accounts[id]
	if !ok {
		return eff
	}
	eff.AccountConfig = mergeAccountConfig(eff.AccountConfig, ov.AccountConfig)
	if ov.AccountSid != "" {
		eff.AccountSid = ov.AccountSid
	}
	if ov.AuthToken != "" {
		eff.AuthToken = ov.AuthToken
	}
	if ov.From != "" {
		eff.From = ov.From
	}
	if ov.APIBase != "" {
		eff.APIBase = ov.APIBase
	}
	if ov.WebhookHost != "" {
		eff.WebhookHost = ov.WebhookHost
	}
	if ov.WebhookPort != 0 {
		eff.WebhookPort = ov.WebhookPort
	}
	if ov.WebhookPath != "" {
		eff.WebhookPath = ov.WebhookPath
	}
	return eff
}

// Defaulted accessors. Zero config should behave like the documented
// defaults without Load having to materialize them.

func (a AccountConfig) DMPolicyOrDefault() string {
	if a.DMPolicy == "" {
		return "pairing"
	}
	return a.DMPolicy
}

func (a AccountConfig) GroupPolicyOrDefault() string {
	if a.GroupPolicy == "" {
		return "open"
	}
	return a.GroupPolicy
}

func (a AccountConfig) TableModeOrDefault() string {
	if a.TableMode == "" {
		return "code"
	}
	return a.TableMode
}

// MediaMaxBytes returns the media download cap in bytes (default 20 MB).
func (a AccountConfig) MediaMaxBytes() int64 {
	mb := 20
	if a.MediaMaxMB != nil && *a.MediaMaxMB > 0 {
		mb = *a.MediaMaxMB
	}
	return int64(mb) * 1024 * 1024
}

// DebounceWindowMs returns the inbound debounce window (0 = disabled).
func (a AccountConfig) DebounceWindowMs() int {
	if a.DebounceMs == nil || *a.DebounceMs < 0 {
		return 0
	}
	return *a.DebounceMs
}

// TextLimitOrDefault returns the outbound chunk limit, falling back to
// the surface's own default when unset.
func (a AccountConfig) TextLimitOrDefault(surfaceDefault int) int {
	if a.TextLimit != nil && *a.TextLimit > 0 {
		return *a.TextLimit
	}
	return surfaceDefault
}

func (a AccountConfig) RequireMentionOrDefault() bool {
	return a.RequireMention == nil || *a.RequireMention
}

func (a AccountConfig) HistoryLimitOrDefault() int {
	if a.HistoryLimit == nil {
		return 50
	}
	if *a.HistoryLimit < 0 {
		return 0
	}
	return *a.HistoryLimit
}

func (a AccountConfig) FlushOnStopEnabled() bool {
	return a.FlushOnStop != nil && *a.FlushOnStop
}

func (a AccountConfig) RestartOnExitEnabled() bool {
	return a.RestartOnExit != nil && *a.RestartOnExit
}
