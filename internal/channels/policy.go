package channels

import (
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/store"
)

// GateAction is the policy gate's verdict for one inbound message.
type GateAction int

const (
	// GateAccept lets the message into the pipeline.
	GateAccept GateAction = iota
	// GateDrop discards the message silently (logged at debug).
	GateDrop
	// GatePairReply discards the message but sends the one-time pairing
	// reply carried in the result.
	GatePairReply
)

// GateResult carries the verdict plus what the pipeline needs next.
type GateResult struct {
	Action GateAction
	Reason string

	// CommandAuthorized is non-nil when the message carries a control
	// command; true means the sender may run it.
	CommandAuthorized *bool

	// PairingCode is set on GatePairReply.
	PairingCode string
}

// Gate evaluates DM, group, and pairing policy plus command
// authorization for inbound messages.
type Gate struct {
	cfg     *config.Config
	pairing store.PairingStore
}

func NewGate(cfg *config.Config, pairing store.PairingStore) *Gate {
	return &Gate{cfg: cfg, pairing: pairing}
}

// Reserved control commands a message may start with. These instruct
// the gateway rather than the agent.
var controlCommands = map[string]bool{
	"/new":    true,
	"/reset":  true,
	"/status": true,
	"/model":  true,
	"/help":   true,
	"/stop":   true,
}

// ControlCommand returns the reserved command the text starts with.
func ControlCommand(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}
	first := strings.ToLower(fields[0])
	// Strip bot suffix forms like /status@mybot.
	if i := strings.IndexByte(first, '@'); i > 0 {
		first = first[:i]
	}
	if controlCommands[first] {
		return first, true
	}
	return "", false
}

// transportPrefixes are stripped from allowlist entries and sender ids
// so operators can paste ids in any of the forms surfaces display them.
var transportPrefixes = []string{
	"mezon:", "mz:",
	"signal:",
	"telegram:", "tg:",
	"discord:",
	"slack:",
	"sms:",
	"whatsapp:",
}

// NormalizeEntry canonicalizes an allowlist entry or peer id: trimmed,
// lower-cased, leading "@" and transport prefixes removed. Idempotent:
// NormalizeEntry(NormalizeEntry(x)) == NormalizeEntry(x).
func NormalizeEntry(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for {
		stripped := strings.TrimPrefix(s, "@")
		for _, p := range transportPrefixes {
			stripped = strings.TrimPrefix(stripped, p)
		}
		if stripped == s {
			return s
		}
		s = stripped
	}
}

// FormatAllowFrom normalizes and deduplicates a configured allowlist.
// Idempotent, order-preserving.
func FormatAllowFrom(entries []string) []string {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		n := NormalizeEntry(e)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// entryMatches reports whether a normalized allowlist entry covers the
// sender. Both sides may use the compound "id|username" form; a match
// on either half counts.
func entryMatches(entry, sender string) bool {
	if entry == sender {
		return true
	}
	entryID, entryUser := splitCompound(entry)
	senderID, senderUser := splitCompound(sender)
	if entryID != "" && (entryID == senderID || entryID == sender) {
		return true
	}
	if entryUser != "" && (entryUser == senderID || entryUser == senderUser || entryUser == sender) {
		return true
	}
	return senderUser != "" && (senderUser == entry || senderUser == entryID)
}

func splitCompound(s string) (id, user string) {
	if i := strings.IndexByte(s, '|'); i > 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// senderAllowed checks the sender against a normalized allowlist.
func senderAllowed(allow []string, senderID, senderName string) bool {
	sender := NormalizeEntry(senderID)
	name := NormalizeEntry(senderName)
	for _, entry := range allow {
		if entryMatches(entry, sender) {
			return true
		}
		if name != "" && entryMatches(entry, name) {
			return true
		}
	}
	return false
}

// Evaluate applies the ordered policy decisions from the account config
// to one inbound message. The effective DM allowlist is the configured
// allowFrom merged with the channel's durable pairing allowlist.
func (g *Gate) Evaluate(acc config.EffectiveAccount, msg bus.InboundMessage) GateResult {
	if msg.ChatType == bus.ChatTypeGroup {
		return g.evaluateGroup(acc, msg)
	}
	return g.evaluateDirect(acc, msg)
}

func (g *Gate) evaluateDirect(acc config.EffectiveAccount, msg bus.InboundMessage) GateResult {
	policy := acc.Config.DMPolicyOrDefault()
	if policy == DMPolicyDisabled {
		return GateResult{Action: GateDrop, Reason: "dm policy disabled"}
	}

	allow := g.effectiveAllowFrom(msg.Channel, acc.Config.AllowFrom)
	allowed := senderAllowed(allow, msg.SenderID, msg.SenderName)

	switch policy {
	case DMPolicyPairing:
		if !allowed {
			return g.pairingVerdict(msg)
		}
	case DMPolicyAllowlist:
		if !allowed {
			return GateResult{Action: GateDrop, Reason: "sender not in allowlist"}
		}
	case DMPolicyOpen:
		allowed = true
	}

	res := GateResult{Action: GateAccept}
	if _, isCmd := ControlCommand(msg.Content); isCmd {
		authorized := g.commandAuthorized(msg.SenderID, msg.SenderName, allowed)
		res.CommandAuthorized = &authorized
	}
	return res
}

func (g *Gate) evaluateGroup(acc config.EffectiveAccount, msg bus.InboundMessage) GateResult {
	switch acc.Config.GroupPolicyOrDefault() {
	case GroupPolicyDisabled:
		return GateResult{Action: GateDrop, Reason: "group policy disabled"}
	case GroupPolicyAllowlist:
		allow := FormatAllowFrom(acc.Config.GroupAllowFrom)
		if len(allow) == 0 || !senderAllowed(allow, msg.SenderID, msg.SenderName) {
			return GateResult{Action: GateDrop, Reason: "group sender not in allowlist"}
		}
	}

	res := GateResult{Action: GateAccept}
	if _, isCmd := ControlCommand(msg.Content); isCmd {
		dmAllow := g.effectiveAllowFrom(msg.Channel, acc.Config.AllowFrom)
		authorized := g.commandAuthorized(msg.SenderID, msg.SenderName,
			senderAllowed(dmAllow, msg.SenderID, msg.SenderName))
		if !authorized {
			// Unauthorized control commands in groups are dropped so a
			// random member cannot reset another user's session.
			return GateResult{Action: GateDrop, Reason: "unauthorized group command"}
		}
		res.CommandAuthorized = &authorized
	}
	return res
}

// pairingVerdict files (or finds) the pairing request for an unknown DM
// sender. Only a freshly created request earns a reply; repeats before
// approval stay silent.
func (g *Gate) pairingVerdict(msg bus.InboundMessage) GateResult {
	meta := map[string]string{}
	if msg.SenderName != "" {
		meta["name"] = msg.SenderName
	}
	res, err := g.pairing.UpsertRequest(msg.Channel, NormalizeEntry(msg.SenderID), meta)
	if err != nil {
		slog.Warn("pairing upsert failed", "channel", msg.Channel, "sender", msg.SenderID, "error", err)
		return GateResult{Action: GateDrop, Reason: "pairing store error"}
	}
	if !res.Created {
		return GateResult{Action: GateDrop, Reason: "pairing pending"}
	}
	return GateResult{Action: GatePairReply, Reason: "pairing request created", PairingCode: res.Code}
}

// effectiveAllowFrom merges the configured allowlist with the channel's
// durable pairing allowlist, both normalized.
func (g *Gate) effectiveAllowFrom(channel string, configured []string) []string {
	allow := FormatAllowFrom(configured)
	durable, err := g.pairing.AllowFrom(channel)
	if err != nil {
		slog.Warn("pairing allowlist read failed", "channel", channel, "error", err)
		return allow
	}
	return append(allow, FormatAllowFrom(durable)...)
}

// commandAuthorized resolves control-command authorization. With access
// groups enabled, membership in any group authorizes; otherwise any
// allowed sender is authorized.
func (g *Gate) commandAuthorized(senderID, senderName string, allowed bool) bool {
	if !g.cfg.Commands.UseAccessGroups {
		return allowed
	}
	for _, entries := range g.cfg.Commands.AccessGroups {
		if senderAllowed(FormatAllowFrom(entries), senderID, senderName) {
			return true
		}
	}
	return false
}
