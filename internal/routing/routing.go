// Package routing resolves which agent handles a conversation and under
// which session keys. Resolution is deterministic: the same
// (channel, account, peer) always yields the same route.
package routing

import (
	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
)

// Peer identifies the conversation partner: the sender for DMs, the
// group for group chats.
type Peer struct {
	Kind sessions.PeerKind
	ID   string
}

// Route is the resolved destination for one inbound message.
type Route struct {
	AgentID        string
	AccountID      string
	SessionKey     string
	MainSessionKey string
}

// Resolver maps conversations to agents using the config bindings.
type Resolver struct {
	cfg *config.Config
}

func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve picks the agent for (channel, accountID, peer) and builds its
// session keys. Binding precedence: peer match, then account match,
// then bare channel match, then the default agent. The first binding in
// config order wins within each tier, so resolution is stable.
func (r *Resolver) Resolve(channel, accountID string, peer Peer) Route {
	agentID := r.resolveAgentID(channel, accountID, peer)

	keyAccount := accountID
	if keyAccount == config.DefaultAccountID {
		keyAccount = ""
	}

	return Route{
		AgentID:        agentID,
		AccountID:      accountID,
		SessionKey:     sessions.BuildSessionKey(agentID, channel, keyAccount, peer.Kind, peer.ID),
		MainSessionKey: sessions.BuildAgentMainSessionKey(agentID, r.cfg.Session.MainKey),
	}
}

func (r *Resolver) resolveAgentID(channel, accountID string, peer Peer) string {
	var accountMatch, channelMatch string
	for _, binding := range r.cfg.Bindings {
		match := binding.Match
		if match.Channel != channel {
			continue
		}
		if match.AccountID != "" && match.AccountID != accountID {
			continue
		}
		if match.Peer != nil {
			if sessions.PeerKind(match.Peer.Kind) == peer.Kind && match.Peer.ID == peer.ID {
				return binding.AgentID
			}
			continue
		}
		if match.AccountID != "" {
			if accountMatch == "" {
				accountMatch = binding.AgentID
			}
			continue
		}
		if channelMatch == "" {
			channelMatch = binding.AgentID
		}
	}
	if accountMatch != "" {
		return accountMatch
	}
	if channelMatch != "" {
		return channelMatch
	}
	return r.cfg.ResolveDefaultAgentID()
}
