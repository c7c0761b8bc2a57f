package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveCredentialPrecedence(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenFile, []byte("  file-token\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MEZON_BOT_TOKEN", "env-token")

	tests := []struct {
		name       string
		accountID  string
		inline     string
		tokenFile  string
		wantToken  string
		wantSource string
	}{
		{"inline wins", "default", "inline-token", tokenFile, "inline-token", CredentialSourceConfig},
		{"file next", "default", "", tokenFile, "file-token", CredentialSourceConfigFile},
		{"env for default account", "default", "", "", "env-token", CredentialSourceEnv},
		{"env ignored for named account", "work", "", "", "", CredentialSourceNone},
		{"inline wins for named account", "work", "inline-token", "", "inline-token", CredentialSourceConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveCredential("mezon", tt.accountID, tt.inline, tt.tokenFile)
			if got.Token != tt.wantToken {
				t.Errorf("Token = %q, want %q", got.Token, tt.wantToken)
			}
			if got.Source != tt.wantSource {
				t.Errorf("Source = %q, want %q", got.Source, tt.wantSource)
			}
		})
	}
}

func TestResolveCredentialMissingFile(t *testing.T) {
	got := resolveCredential("discord", "default", "", "/nonexistent/token")
	if got.Source != CredentialSourceNone {
		t.Errorf("Source = %q, want none", got.Source)
	}
}

func TestResolveChannelAccountEnvAutoEnable(t *testing.T) {
	t.Setenv("DISCORD_BOT_TOKEN", "env-token")
	t.Setenv("DISCORD_BOT_ID", "987654")
	cfg := Default()

	acc, err := cfg.ResolveChannelAccount("discord", "default")
	if err != nil {
		t.Fatalf("ResolveChannelAccount: %v", err)
	}
	if !acc.Enabled {
		t.Error("env credential should auto-enable the default account")
	}
	if !acc.Configured {
		t.Error("account with env token should be configured")
	}
	if acc.Credential.Source != CredentialSourceEnv {
		t.Errorf("Source = %q, want env", acc.Credential.Source)
	}
	if acc.Config.BotID != "987654" {
		t.Errorf("BotID = %q, want env value", acc.Config.BotID)
	}
}

func TestResolveChannelAccountExplicitDisableWins(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	cfg := Default()
	disabled := false
	cfg.Channels.Telegram.Enabled = &disabled

	acc, err := cfg.ResolveChannelAccount("telegram", "default")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Enabled {
		t.Error("explicit enabled=false must win over env auto-enable")
	}
}

func TestResolveChannelAccountMergesOverride(t *testing.T) {
	cfg := Default()
	enabled := true
	cfg.Channels.Mezon.Enabled = &enabled
	cfg.Channels.Mezon.Token = "base-token"
	cfg.Channels.Mezon.DMPolicy = "pairing"
	cfg.Channels.Mezon.Accounts = map[string]MezonAccount{
		"work": {AccountConfig: AccountConfig{Token: "work-token", DMPolicy: "allowlist"}},
	}

	acc, err := cfg.ResolveChannelAccount("mezon", "work")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Credential.Token != "work-token" || acc.Credential.Source != CredentialSourceConfig {
		t.Errorf("credential = %+v, want work-token from config", acc.Credential)
	}
	if acc.Config.DMPolicy != "allowlist" {
		t.Errorf("DMPolicy = %q, want allowlist", acc.Config.DMPolicy)
	}
	if !acc.Enabled {
		t.Error("account should inherit enabled from base")
	}
	if acc.IsDefault {
		t.Error("named account reported as default")
	}
}

func TestChannelAccountIDs(t *testing.T) {
	cfg := Default()
	if got := cfg.ChannelAccountIDs("slack"); len(got) != 1 || got[0] != DefaultAccountID {
		t.Errorf("empty accounts map should yield [default], got %v", got)
	}

	cfg.Channels.Slack.Accounts = map[string]SlackAccount{
		"beta":  {},
		"alpha": {},
	}
	got := cfg.ChannelAccountIDs("slack")
	if len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Errorf("want sorted named accounts, got %v", got)
	}

	if got := cfg.ChannelAccountIDs("nope"); got != nil {
		t.Errorf("unknown channel should yield nil, got %v", got)
	}
}

func TestEnabledAccounts(t *testing.T) {
	cfg := Default()
	enabled := true
	cfg.Channels.Discord.Enabled = &enabled
	cfg.Channels.Discord.Token = "d-token"
	// Slack enabled but unconfigured (no app token): must not appear.
	cfg.Channels.Slack.Enabled = &enabled
	cfg.Channels.Slack.BotToken = "xoxb"

	accs := cfg.EnabledAccounts()
	if len(accs) != 1 {
		t.Fatalf("EnabledAccounts = %d entries, want 1", len(accs))
	}
	if accs[0].Channel != "discord" || accs[0].AccountID != DefaultAccountID {
		t.Errorf("unexpected account %+v", accs[0])
	}
}
