package channels

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/agent"
	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/store"
)

// agentScript builds an agent command that ignores its request and
// prints the given reply payload line.
func agentScript(line string) config.FlexibleStringSlice {
	return config.FlexibleStringSlice{"/bin/sh", "-c", "cat >/dev/null; printf '%s\\n' '" + line + "'"}
}

// echoAgent prints the request JSON back with a prefix that defeats
// payload parsing, so tests can inspect what the pipeline put in the
// agent message via the plain-text fallback.
func echoAgent() config.FlexibleStringSlice {
	return config.FlexibleStringSlice{"/bin/sh", "-c", "printf 'REQ '; cat"}
}

func pipelineFixture(t *testing.T, command config.FlexibleStringSlice) (*Pipeline, *fakeChannel, *bus.MessageBus, *config.Config, context.CancelFunc) {
	t.Helper()

	cfg := config.Default()
	cfg.Agents.Defaults.Command = command
	cfg.Agents.Defaults.Workspace = t.TempDir()
	cfg.Channels.Telegram.DMPolicy = DMPolicyOpen

	dir := t.TempDir()
	stores, err := store.Open(dir, filepath.Join(dir, "pairing"), 0)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { stores.Close() })

	fc := newFakeChannel("telegram")
	b := bus.New()
	p := NewPipeline(cfg, b, NewRegistry(fc), stores, agent.NewDispatcher(cfg, stores.Sessions))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, false)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("pipeline did not drain")
		}
	})
	return p, fc, b, cfg, cancel
}

func expectSend(t *testing.T, fc *fakeChannel) bus.OutboundMessage {
	t.Helper()
	select {
	case msg := <-fc.sent:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("no outbound send")
		return bus.OutboundMessage{}
	}
}

func expectNoSend(t *testing.T, fc *fakeChannel, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-fc.sent:
		t.Fatalf("unexpected send: %+v", msg)
	case <-time.After(wait):
	}
}

func TestPipelineDeliversReply(t *testing.T) {
	_, fc, b, _, _ := pipelineFixture(t, agentScript(`{"text":"hello there","marker":"final"}`))

	b.PublishInbound(bus.InboundMessage{
		Channel:   "telegram",
		MessageID: "m1",
		SenderID:  "42",
		ChatType:  bus.ChatTypeDirect,
		Content:   "hi bot",
	})

	msg := expectSend(t, fc)
	if msg.ChatID != "42" || msg.Content != "hello there" {
		t.Errorf("sent = %+v", msg)
	}
}

func TestPipelineDuplicateMessageIDDropped(t *testing.T) {
	_, fc, b, _, _ := pipelineFixture(t, agentScript(`{"text":"once","marker":"final"}`))

	inbound := bus.InboundMessage{
		Channel:   "telegram",
		MessageID: "dup-1",
		SenderID:  "42",
		ChatType:  bus.ChatTypeDirect,
		Content:   "hi",
	}
	b.PublishInbound(inbound)
	b.PublishInbound(inbound)

	expectSend(t, fc)
	expectNoSend(t, fc, 300*time.Millisecond)
}

func TestPipelinePairingReply(t *testing.T) {
	_, _, b, cfg, _ := pipelineFixture(t, agentScript(`{"text":"x","marker":"final"}`))
	cfg.Channels.Telegram.DMPolicy = DMPolicyPairing

	b.PublishInbound(bus.InboundMessage{
		Channel:  "telegram",
		SenderID: "1833682843671203840",
		ChatType: bus.ChatTypeDirect,
		Content:  "hello?",
	})

	// Pairing replies go over the outbound bus, not the reply path.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	out, ok := b.SubscribeOutbound(ctx)
	if !ok {
		t.Fatal("no pairing reply published")
	}
	if out.ChatID != "1833682843671203840" {
		t.Errorf("pairing reply chat = %q", out.ChatID)
	}
	if !strings.Contains(out.Content, "Your Telegram user id: 1833682843671203840") {
		t.Errorf("pairing reply missing channel id line: %q", out.Content)
	}
	if !strings.Contains(out.Content, "Pairing code:") ||
		!strings.Contains(out.Content, "omniclaw pairing approve telegram") {
		t.Errorf("pairing reply text = %q", out.Content)
	}
}

func TestPipelineGroupMentionContext(t *testing.T) {
	_, fc, b, _, _ := pipelineFixture(t, echoAgent())

	unaddressed := bus.InboundMessage{
		Channel:    "telegram",
		MessageID:  "g1",
		SenderID:   "7",
		SenderName: "Dana",
		ChatType:   bus.ChatTypeGroup,
		GroupID:    "room",
		Content:    "talking amongst ourselves",
		Metadata:   map[string]string{MetaMentioned: "false"},
	}
	b.PublishInbound(unaddressed)
	expectNoSend(t, fc, 200*time.Millisecond)

	b.PublishInbound(bus.InboundMessage{
		Channel:    "telegram",
		MessageID:  "g2",
		SenderID:   "8",
		SenderName: "Eli",
		ChatType:   bus.ChatTypeGroup,
		GroupID:    "room",
		Content:    "what do you think?",
		Metadata:   map[string]string{MetaMentioned: "true"},
	})

	msg := expectSend(t, fc)
	if !strings.Contains(msg.Content, "Recent group messages") ||
		!strings.Contains(msg.Content, "Dana: talking amongst ourselves") {
		t.Errorf("agent message missing group context: %q", msg.Content)
	}
	if !strings.Contains(msg.Content, "Eli: what do you think?") {
		t.Errorf("agent message missing sender attribution: %q", msg.Content)
	}
}

func TestPipelineControlCommandHelp(t *testing.T) {
	_, fc, b, _, _ := pipelineFixture(t, agentScript(`{"text":"agent should not run","marker":"final"}`))

	b.PublishInbound(bus.InboundMessage{
		Channel:   "telegram",
		MessageID: "c1",
		SenderID:  "42",
		ChatType:  bus.ChatTypeDirect,
		Content:   "/help",
	})

	msg := expectSend(t, fc)
	if !strings.Contains(msg.Content, "/status") || strings.Contains(msg.Content, "agent should not run") {
		t.Errorf("help reply = %q", msg.Content)
	}
}

func TestPipelineSessionResetCommand(t *testing.T) {
	_, fc, b, _, _ := pipelineFixture(t, agentScript(`{"text":"ok","marker":"final"}`))

	b.PublishInbound(bus.InboundMessage{
		Channel:   "telegram",
		MessageID: "r1",
		SenderID:  "42",
		ChatType:  bus.ChatTypeDirect,
		Content:   "/new",
	})

	msg := expectSend(t, fc)
	if !strings.Contains(msg.Content, "Session reset") {
		t.Errorf("reset reply = %q", msg.Content)
	}
}

func TestPipelineSilentReplySuppressed(t *testing.T) {
	_, fc, b, _, _ := pipelineFixture(t, agentScript(`{"text":"NO_REPLY","marker":"final"}`))

	b.PublishInbound(bus.InboundMessage{
		Channel:   "telegram",
		MessageID: "s1",
		SenderID:  "42",
		ChatType:  bus.ChatTypeDirect,
		Content:   "anything",
	})

	expectNoSend(t, fc, 500*time.Millisecond)
}
