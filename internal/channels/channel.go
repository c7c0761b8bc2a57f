// Package channels defines the channel plugin contract, the policy gate
// for inbound messages, and the account runtime supervisor. Each
// transport (mezon, signal, slack, discord, telegram, sms) implements
// Channel and runs one goroutine per enabled account.
package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
)

// ErrNotRunning is returned by Send when no account of the channel is
// connected that could carry the message.
var ErrNotRunning = errors.New("channel account not running")

// DM policies for unknown senders.
const (
	DMPolicyPairing   = "pairing"
	DMPolicyAllowlist = "allowlist"
	DMPolicyOpen      = "open"
	DMPolicyDisabled  = "disabled"
)

// Group policies.
const (
	GroupPolicyOpen      = "open"
	GroupPolicyAllowlist = "allowlist"
	GroupPolicyDisabled  = "disabled"
)

// Meta describes a channel for listings and CLI output.
type Meta struct {
	Label   string
	Aliases []string
	Order   int
}

// Capabilities declares what a surface can do. The pipeline consults
// these instead of switching on channel names.
type Capabilities struct {
	ChatTypes []string // "direct", "group"
	Media     bool
	Reactions bool
	Threads   bool
	// BlockStreaming: the surface renders partial reply blocks as they
	// stream. False for surfaces that only show complete messages.
	BlockStreaming bool
	// TextLimit is the surface's outbound message length bound, used
	// when the account config does not override it.
	TextLimit int
}

// StatusDelta is a partial runtime-status update emitted by a transport
// while an account runs. Nil fields leave the current value untouched.
type StatusDelta struct {
	Running        *bool
	LastError      string
	ClearError     bool
	LastInboundAt  *int64
	LastOutboundAt *int64
	Probe          string
}

// AccountContext is everything a transport needs to run one account.
// The context carries the abort signal; when it is done the transport
// must release its resources and return from StartAccount.
type AccountContext struct {
	Context   context.Context
	Cfg       *config.Config
	Account   config.EffectiveAccount
	AccountID string
	Log       *slog.Logger

	// SetStatus surfaces lifecycle deltas to the supervisor.
	SetStatus func(StatusDelta)
	// Publish hands a normalized inbound envelope to the pipeline.
	Publish func(bus.InboundMessage)
}

// Channel is the plugin contract every transport implements. One
// Channel value serves all accounts of its kind; per-account state
// lives inside StartAccount and in the transport's connection registry
// consulted by Send.
type Channel interface {
	Name() string
	Meta() Meta
	Capabilities() Capabilities

	// StartAccount connects the account and blocks consuming inbound
	// events until ctx.Context is done or a fatal error occurs.
	StartAccount(ctx AccountContext) error

	// Send delivers an outbound message on the account named by
	// msg.AccountID (empty = default). Returns ErrNotRunning when that
	// account has no live connection.
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// Typing is implemented by transports that can show a typing indicator.
type Typing interface {
	SendTyping(ctx context.Context, accountID, chatID string) error
}

// Registry holds the channel plugins, keyed by id. Initialized once at
// startup and read-only afterwards.
type Registry struct {
	order    []string
	channels map[string]Channel
}

func NewRegistry(channels ...Channel) *Registry {
	r := &Registry{channels: make(map[string]Channel, len(channels))}
	for _, ch := range channels {
		r.channels[ch.Name()] = ch
		r.order = append(r.order, ch.Name())
	}
	return r
}

// Get returns the plugin registered under name, resolving aliases.
func (r *Registry) Get(name string) (Channel, bool) {
	if ch, ok := r.channels[name]; ok {
		return ch, true
	}
	for _, ch := range r.channels {
		for _, alias := range ch.Meta().Aliases {
			if alias == name {
				return ch, true
			}
		}
	}
	return nil, false
}

// Names lists the registered channel ids in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// BuildPairingReply renders the one-time message sent to an unknown DM
// sender under dmPolicy=pairing. idLine names the sender's channel id
// so the operator can approve it.
func BuildPairingReply(channel, idLine, code string) string {
	return fmt.Sprintf(
		"You are not paired with this bot yet.\n%s\nPairing code: %s\n\nAsk the operator to approve you with:\n  omniclaw pairing approve %s %s",
		idLine, code, channel, code)
}

// Truncate shortens s to max bytes for log output.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
