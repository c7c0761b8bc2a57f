package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/delivery"
	"github.com/nextlevelbuilder/omniclaw/internal/reply"
	"github.com/nextlevelbuilder/omniclaw/internal/routing"
	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
)

const helpText = `Commands:
/new, /reset - start a fresh session
/status - session and usage details
/model - show the model override; "/model <name>" sets it, "/model clear" removes it
/stop - abort the reply currently being generated
/help - this message`

// runControlCommand answers a gateway command without involving the
// agent. The reply goes through the normal render and delivery path so
// formatting and chunk limits still apply.
func (p *Pipeline) runControlCommand(ctx context.Context, msg bus.InboundMessage, route routing.Route, target delivery.Target, opts reply.Options) {
	if msg.CommandAuthorized == nil || !*msg.CommandAuthorized {
		p.replyText(ctx, target, opts, "You are not authorized to use this command.")
		return
	}

	cmd, _ := ControlCommand(msg.Content)
	args := strings.Fields(msg.Content)[1:]

	var text string
	switch cmd {
	case "/new", "/reset":
		if _, err := p.stores.Sessions.Reset(route.AgentID, route.SessionKey, time.Now().UnixMilli()); err != nil {
			slog.Warn("session reset failed", "session", route.SessionKey, "error", err)
			text = "Could not reset the session, try again."
			break
		}
		text = "Session reset. The next message starts a fresh conversation."
	case "/status":
		text = p.statusText(route)
	case "/model":
		text = p.modelText(route, args)
	case "/stop":
		if p.StopRun(route.SessionKey) {
			text = "Stopping the current reply."
		} else {
			text = "Nothing is running for this conversation."
		}
	case "/help":
		text = helpText
	default:
		text = helpText
	}

	p.replyText(ctx, target, opts, text)
}

func (p *Pipeline) statusText(route routing.Route) string {
	snap, err := p.stores.Sessions.Read(route.AgentID, false)
	if err != nil {
		return "Session store unavailable."
	}
	e, ok := snap.Entries[route.SessionKey]
	if !ok {
		return fmt.Sprintf("Agent: %s\nSession: %s\nNo session recorded yet.", route.AgentID, route.SessionKey)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Agent: %s\nSession: %s\n", route.AgentID, route.SessionKey)
	if e.Model != "" {
		fmt.Fprintf(&b, "Model: %s\n", e.Model)
	}
	if e.ModelOverride != "" {
		fmt.Fprintf(&b, "Model override: %s\n", e.ModelOverride)
	}
	if e.TotalTokens > 0 {
		fmt.Fprintf(&b, "Tokens: %d in / %d out / %d total\n", e.InputTokens, e.OutputTokens, e.TotalTokens)
	}
	if e.UpdatedAt > 0 {
		fmt.Fprintf(&b, "Last activity: %s\n", time.UnixMilli(e.UpdatedAt).UTC().Format("2006-01-02 15:04 UTC"))
	}
	if e.AbortedLastRun {
		b.WriteString("The previous run did not finish cleanly.\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (p *Pipeline) modelText(route routing.Route, args []string) string {
	if len(args) == 0 {
		snap, err := p.stores.Sessions.Read(route.AgentID, false)
		if err != nil {
			return "Session store unavailable."
		}
		if e := snap.Entries[route.SessionKey]; e.ModelOverride != "" {
			return fmt.Sprintf("Model override: %s", e.ModelOverride)
		}
		return "No model override set. Use \"/model <name>\" to set one."
	}

	override := args[0]
	if strings.EqualFold(override, "clear") || strings.EqualFold(override, "default") {
		override = ""
	}
	_, err := p.stores.Sessions.Update(route.AgentID, func(entries map[string]sessions.Entry) map[string]sessions.Entry {
		e := entries[route.SessionKey]
		e.SessionKey = route.SessionKey
		e.ModelOverride = override
		e.UpdatedAt = max(e.UpdatedAt, time.Now().UnixMilli())
		entries[route.SessionKey] = e
		return entries
	})
	if err != nil {
		slog.Warn("model override update failed", "session", route.SessionKey, "error", err)
		return "Could not update the model override."
	}
	if override == "" {
		return "Model override cleared."
	}
	return fmt.Sprintf("Model override set to %s.", override)
}

func (p *Pipeline) replyText(ctx context.Context, target delivery.Target, opts reply.Options, text string) {
	if _, err := p.deliverer.Text(ctx, target, reply.Render(text, opts)); err != nil {
		slog.Error("command reply delivery failed",
			"channel", target.Channel, "chat_id", target.ChatID, "error", err)
	}
}
