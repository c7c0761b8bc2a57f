package routing

import (
	"testing"

	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Bindings = []config.AgentBinding{
		{AgentID: "support", Match: config.BindingMatch{
			Channel: "mezon",
			Peer:    &config.BindingPeer{Kind: "direct", ID: "1833682843671203840"},
		}},
		{AgentID: "work", Match: config.BindingMatch{Channel: "slack", AccountID: "acme"}},
		{AgentID: "general", Match: config.BindingMatch{Channel: "slack"}},
	}
	return cfg
}

func TestResolvePrecedence(t *testing.T) {
	r := NewResolver(testConfig())

	tests := []struct {
		name      string
		channel   string
		accountID string
		peer      Peer
		wantAgent string
	}{
		{"peer binding wins", "mezon", "default", Peer{sessions.PeerDirect, "1833682843671203840"}, "support"},
		{"other peer falls through", "mezon", "default", Peer{sessions.PeerDirect, "999"}, "main"},
		{"account binding", "slack", "acme", Peer{sessions.PeerDirect, "U01"}, "work"},
		{"channel binding", "slack", "default", Peer{sessions.PeerGroup, "C42"}, "general"},
		{"no binding uses default", "discord", "default", Peer{sessions.PeerDirect, "55"}, "main"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(tt.channel, tt.accountID, tt.peer)
			if got.AgentID != tt.wantAgent {
				t.Errorf("AgentID = %q, want %q", got.AgentID, tt.wantAgent)
			}
		})
	}
}

func TestResolveDeterministic(t *testing.T) {
	r := NewResolver(testConfig())
	peer := Peer{sessions.PeerGroup, "G7"}
	first := r.Resolve("discord", "default", peer)
	for i := 0; i < 10; i++ {
		if got := r.Resolve("discord", "default", peer); got != first {
			t.Fatalf("resolution changed between calls: %+v vs %+v", got, first)
		}
	}
}

func TestResolveSessionKeys(t *testing.T) {
	r := NewResolver(testConfig())

	got := r.Resolve("mezon", "default", Peer{sessions.PeerDirect, "1833682843671203840"})
	if got.SessionKey != "agent:support:mezon:direct:1833682843671203840" {
		t.Errorf("SessionKey = %q", got.SessionKey)
	}
	if got.MainSessionKey != "agent:support:main" {
		t.Errorf("MainSessionKey = %q", got.MainSessionKey)
	}

	// Named accounts get their own key segment.
	got = r.Resolve("slack", "acme", Peer{sessions.PeerDirect, "U01"})
	if got.SessionKey != "agent:work:slack:acme:direct:U01" {
		t.Errorf("SessionKey = %q", got.SessionKey)
	}
}
