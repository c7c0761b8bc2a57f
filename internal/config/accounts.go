package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Credential sources, in precedence order.
const (
	CredentialSourceConfig     = "config"     // inline token in the config document
	CredentialSourceConfigFile = "configFile" // tokenFile contents
	CredentialSourceEnv        = "env"        // <CHANNEL>_BOT_TOKEN, default account only
	CredentialSourceNone       = "none"
)

// Credential is a resolved channel credential plus where it came from.
type Credential struct {
	Token  string `json:"-"`
	Source string `json:"source"`
}

// EffectiveAccount is the channel-independent view of one account after
// base/override merging and credential resolution. Transports read
// their channel-specific knobs from the typed config directly; the
// supervisor and policy gate work from this.
type EffectiveAccount struct {
	Channel    string
	AccountID  string
	IsDefault  bool
	Enabled    bool
	Configured bool // credential (or channel equivalent) present
	Credential Credential
	Config     AccountConfig
}

// resolveCredential applies the precedence inline token > tokenFile >
// env var. The env var is consulted only for the default account.
func resolveCredential(channel, accountID, inline, tokenFile string) Credential {
	if inline != "" {
		return Credential{Token: inline, Source: CredentialSourceConfig}
	}
	if tokenFile != "" {
		if data, err := os.ReadFile(ExpandHome(tokenFile)); err == nil {
			if tok := strings.TrimSpace(string(data)); tok != "" {
				return Credential{Token: tok, Source: CredentialSourceConfigFile}
			}
		}
	}
	if accountID == DefaultAccountID {
		if v := os.Getenv(envPrefix(channel) + "_BOT_TOKEN"); v != "" {
			return Credential{Token: v, Source: CredentialSourceEnv}
		}
	}
	return Credential{Source: CredentialSourceNone}
}

func envPrefix(channel string) string {
	return strings.ToUpper(channel)
}

// envBotID returns <CHANNEL>_BOT_ID for the default account.
func envBotID(channel, accountID string) string {
	if accountID != DefaultAccountID {
		return ""
	}
	return os.Getenv(envPrefix(channel) + "_BOT_ID")
}

// ChannelAccountIDs lists the account ids for a channel. Named
// accounts supersede the implicit default: with an empty accounts map
// the channel runs a single "default" account off the base fields.
func (c *Config) ChannelAccountIDs(channel string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var keys []string
	switch channel {
	case "mezon":
		keys = accountKeys(c.Channels.Mezon.Accounts)
	case "signal":
		keys = accountKeys(c.Channels.Signal.Accounts)
	case "slack":
		keys = accountKeys(c.Channels.Slack.Accounts)
	case "discord":
		keys = accountKeys(c.Channels.Discord.Accounts)
	case "telegram":
		keys = accountKeys(c.Channels.Telegram.Accounts)
	case "sms":
		keys = accountKeys(c.Channels.SMS.Accounts)
	default:
		return nil
	}
	if len(keys) == 0 {
		return []string{DefaultAccountID}
	}
	sort.Strings(keys)
	return keys
}

func accountKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// ResolveChannelAccount merges the channel base with the account
// override and resolves the credential for (channel, accountID).
func (c *Config) ResolveChannelAccount(channel, accountID string) (EffectiveAccount, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if accountID == "" {
		accountID = DefaultAccountID
	}

	eff := EffectiveAccount{
		Channel:   channel,
		AccountID: accountID,
		IsDefault: accountID == DefaultAccountID,
	}

	switch channel {
	case "mezon":
		a := c.Channels.Mezon.Account(accountID)
		eff.Config = a.AccountConfig
		eff.Credential = resolveCredential(channel, accountID, a.Token, a.TokenFile)
		eff.Configured = eff.Credential.Token != ""
	case "signal":
		a := c.Channels.Signal.Account(accountID)
		eff.Config = a.AccountConfig
		eff.Credential = resolveCredential(channel, accountID, a.Token, a.TokenFile)
		// signal-cli authenticates via its linked daemon; a number is
		// the only hard requirement.
		eff.Configured = a.Number != ""
	case "slack":
		a := c.Channels.Slack.Account(accountID)
		eff.Config = a.AccountConfig
		inline := a.BotToken
		if inline == "" {
			inline = a.Token
		}
		eff.Credential = resolveCredential(channel, accountID, inline, a.TokenFile)
		eff.Configured = eff.Credential.Token != "" && a.AppToken != ""
	case "discord":
		a := c.Channels.Discord.Account(accountID)
		eff.Config = a.AccountConfig
		eff.Credential = resolveCredential(channel, accountID, a.Token, a.TokenFile)
		eff.Configured = eff.Credential.Token != ""
	case "telegram":
		a := c.Channels.Telegram.Account(accountID)
		eff.Config = a.AccountConfig
		eff.Credential = resolveCredential(channel, accountID, a.Token, a.TokenFile)
		eff.Configured = eff.Credential.Token != ""
	case "sms":
		a := c.Channels.SMS.Account(accountID)
		eff.Config = a.AccountConfig
		inline := a.AuthToken
		if inline == "" {
			inline = a.Token
		}
		eff.Credential = resolveCredential(channel, accountID, inline, a.TokenFile)
		eff.Configured = eff.Credential.Token != "" && a.AccountSid != "" && a.From != ""
	default:
		return eff, fmt.Errorf("unknown channel %q", channel)
	}

	if eff.Config.BotID == "" {
		eff.Config.BotID = envBotID(channel, accountID)
	}

	// Explicit enabled wins; otherwise an env-provided credential
	// turns the default account on without touching the config file.
	switch {
	case eff.Config.Enabled != nil:
		eff.Enabled = *eff.Config.Enabled
	case eff.Credential.Source == CredentialSourceEnv:
		eff.Enabled = true
	}

	return eff, nil
}

// ChannelNames lists the channels this build knows about, in startup
// order.
func ChannelNames() []string {
	return []string{"mezon", "signal", "slack", "discord", "telegram", "sms"}
}

// EnabledAccounts returns every (channel, account) pair that is both
// enabled and configured, in startup order.
func (c *Config) EnabledAccounts() []EffectiveAccount {
	var out []EffectiveAccount
	for _, ch := range ChannelNames() {
		for _, id := range c.ChannelAccountIDs(ch) {
			acc, err := c.ResolveChannelAccount(ch, id)
			if err != nil {
				continue
			}
			if acc.Enabled && acc.Configured {
				out = append(out, acc)
			}
		}
	}
	return out
}
