package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/omniclaw/internal/agent"
	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/delivery"
	"github.com/nextlevelbuilder/omniclaw/internal/media"
	"github.com/nextlevelbuilder/omniclaw/internal/reply"
	"github.com/nextlevelbuilder/omniclaw/internal/routing"
	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
	"github.com/nextlevelbuilder/omniclaw/internal/store"
	"github.com/nextlevelbuilder/omniclaw/pkg/protocol"
)

// inboundDedupeTTL bounds how long a surface message id is remembered
// for duplicate suppression (reconnect replays, webhook retries).
const inboundDedupeTTL = 10 * time.Minute

// Metadata keys set by transports and the cron scheduler.
const (
	// MetaMentioned marks whether a group message addressed the bot.
	MetaMentioned = "mentioned"
	// MetaInjected marks gateway-originated envelopes that bypass the
	// policy gate (cron, ops sends).
	MetaInjected = "injected"
	// MetaThreadID carries a surface thread id for reply targeting.
	MetaThreadID = "thread_id"
)

// Pipeline is the inbound consumer loop: dedupe, policy gate, debounce,
// route resolution, session recording, agent dispatch, and reply
// delivery back to the originating surface.
type Pipeline struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	registry   *Registry
	stores     *store.Stores
	gate       *Gate
	resolver   *routing.Resolver
	dispatcher *agent.Dispatcher
	deliverer  *delivery.Deliverer
	debouncer  *bus.InboundDebouncer
	dedupe     *bus.DedupeCache
	history    *GroupHistory

	runCtx     context.Context
	runCancels sync.Map // session key -> context.CancelFunc
	locks      sync.Map // session key -> *sync.Mutex
	wg         sync.WaitGroup

	// newIdempotencyKey is swapped in tests for determinism.
	newIdempotencyKey func() string
}

func NewPipeline(cfg *config.Config, msgBus *bus.MessageBus, registry *Registry, stores *store.Stores, dispatcher *agent.Dispatcher) *Pipeline {
	p := &Pipeline{
		cfg:               cfg,
		bus:               msgBus,
		registry:          registry,
		stores:            stores,
		gate:              NewGate(cfg, stores.Pairing),
		resolver:          routing.NewResolver(cfg),
		dispatcher:        dispatcher,
		dedupe:            bus.NewDedupeCache(inboundDedupeTTL, 4096),
		history:           NewGroupHistory(),
		newIdempotencyKey: uuid.NewString,
	}
	p.deliverer = delivery.New(p.sendOutbound)
	p.debouncer = bus.NewInboundDebouncer(p.debounceDelay, p.startDispatch)
	return p
}

// Run consumes the inbound queue until ctx is done, then drains
// in-flight dispatches. flushPending controls whether debounced
// messages still waiting are dispatched or dropped on the way out.
func (p *Pipeline) Run(ctx context.Context, flushPending bool) {
	p.runCtx = ctx
	for {
		msg, ok := p.bus.ConsumeInbound(ctx)
		if !ok {
			break
		}
		p.handleInbound(msg)
	}
	p.debouncer.Stop(flushPending)
	p.wg.Wait()
}

// FlushAccount dispatches any debounced messages pending for one
// account. Wired as the supervisor's FlushHook.
func (p *Pipeline) FlushAccount(channel, accountID string) {
	acc, err := p.cfg.ResolveChannelAccount(channel, accountID)
	if err != nil || !acc.Config.FlushOnStopEnabled() {
		return
	}
	p.debouncer.DrainPrefix(channel + "|" + accountID + "|")
}

func (p *Pipeline) debounceDelay(msg bus.InboundMessage) time.Duration {
	acc, err := p.cfg.ResolveChannelAccount(msg.Channel, msg.AccountID)
	if err != nil {
		return 0
	}
	return time.Duration(acc.Config.DebounceWindowMs()) * time.Millisecond
}

// handleInbound runs the pre-dispatch stages synchronously on the
// consumer goroutine: duplicate suppression, the policy gate, group
// mention handling, then the debouncer.
func (p *Pipeline) handleInbound(msg bus.InboundMessage) {
	if msg.MessageID != "" {
		key := fmt.Sprintf("%s|%s|%s|%s", msg.Channel, msg.AccountID, msg.SenderID, msg.MessageID)
		if p.dedupe.IsDuplicate(key) {
			slog.Debug("duplicate inbound dropped",
				"channel", msg.Channel, "message_id", msg.MessageID)
			return
		}
	}

	if msg.Metadata[MetaInjected] != "" {
		// Gateway-originated envelope (cron, ops). Trusted; no gate, no
		// debounce.
		p.startDispatch(msg)
		return
	}

	acc, err := p.cfg.ResolveChannelAccount(msg.Channel, msg.AccountID)
	if err != nil {
		slog.Warn("inbound for unknown channel", "channel", msg.Channel, "error", err)
		return
	}

	verdict := p.gate.Evaluate(acc, msg)
	switch verdict.Action {
	case GateDrop:
		slog.Debug("inbound dropped by policy",
			"channel", msg.Channel, "sender", msg.SenderID, "reason", verdict.Reason)
		return
	case GatePairReply:
		p.sendPairingReply(msg, verdict.PairingCode)
		return
	}
	msg.CommandAuthorized = verdict.CommandAuthorized

	if msg.ChatType == bus.ChatTypeGroup && acc.Config.RequireMentionOrDefault() &&
		msg.Metadata[MetaMentioned] == "false" {
		p.history.Add(historyKey(msg), HistoryEntry{
			Sender: senderLabel(msg),
			Text:   msg.Content,
			At:     msg.Timestamp,
		}, acc.Config.HistoryLimitOrDefault())
		return
	}

	p.debouncer.Push(msg)
}

func historyKey(msg bus.InboundMessage) string {
	return fmt.Sprintf("%s|%s|%s", msg.Channel, msg.AccountID, msg.ConversationID())
}

func senderLabel(msg bus.InboundMessage) string {
	if msg.SenderName != "" {
		return msg.SenderName
	}
	return msg.SenderID
}

// sendPairingReply delivers the one-time pairing message and notifies
// ops clients.
func (p *Pipeline) sendPairingReply(msg bus.InboundMessage, code string) {
	label := msg.Channel
	if ch, ok := p.registry.Get(msg.Channel); ok {
		label = ch.Meta().Label
	}
	idLine := fmt.Sprintf("Your %s user id: %s", label, msg.SenderID)
	p.bus.PublishOutbound(bus.OutboundMessage{
		Channel:   msg.Channel,
		AccountID: msg.AccountID,
		ChatID:    msg.SenderID,
		Content:   BuildPairingReply(msg.Channel, idLine, code),
	})
	p.bus.Broadcast(bus.Event{Name: protocol.EventPairRequested, Payload: map[string]string{
		"channel": msg.Channel,
		"id":      NormalizeEntry(msg.SenderID),
		"name":    msg.SenderName,
		"code":    code,
	}})
}

// startDispatch runs the post-debounce stages on a worker goroutine,
// serialized per session key so replies within one conversation keep
// their order.
func (p *Pipeline) startDispatch(msg bus.InboundMessage) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx := p.runCtx
		if ctx == nil {
			ctx = context.Background()
		}
		p.dispatch(ctx, msg)
	}()
}

func (p *Pipeline) dispatch(ctx context.Context, msg bus.InboundMessage) {
	route := p.resolveRoute(msg)

	unlock := p.lockSession(route.SessionKey)
	defer unlock()

	acc, err := p.cfg.ResolveChannelAccount(msg.Channel, msg.AccountID)
	if err != nil {
		return
	}
	ch, ok := p.registry.Get(msg.Channel)
	if !ok {
		slog.Warn("dispatch for unknown channel", "channel", msg.Channel)
		return
	}
	caps := ch.Capabilities()

	target := delivery.Target{
		Channel:   msg.Channel,
		AccountID: msg.AccountID,
		ChatID:    msg.ConversationID(),
		Metadata:  replyMetadata(msg),
	}
	opts := reply.Options{
		TableMode: reply.TableMode(acc.Config.TableModeOrDefault()),
		TextLimit: acc.Config.TextLimitOrDefault(caps.TextLimit),
	}

	// Control commands are answered by the gateway itself.
	if msg.CommandAuthorized != nil {
		p.runControlCommand(ctx, msg, route, target, opts)
		return
	}

	text := p.buildAgentMessage(ctx, msg, acc)
	if strings.TrimSpace(text) == "" {
		return
	}

	if _, err := p.stores.Sessions.RecordInbound(sessions.InboundRecord{
		AgentID:    route.AgentID,
		SessionKey: route.SessionKey,
		ChatType:   msg.ChatType,
		Label:      conversationLabel(msg),
		Now:        time.Now().UnixMilli(),
	}); err != nil {
		// The message still flows; the entry will be stamped by the next
		// write that wins.
		slog.Warn("session record failed", "session", route.SessionKey, "error", err)
	}

	dctx := agent.DeliveryContext{
		From:               msg.SenderID,
		To:                 msg.ConversationID(),
		AccountID:          msg.AccountID,
		ChatType:           msg.ChatType,
		Message:            text,
		AgentID:            route.AgentID,
		SessionKey:         route.SessionKey,
		IdempotencyKey:     p.idempotencyKey(msg),
		ConversationLabel:  conversationLabel(msg),
		SenderName:         msg.SenderName,
		SenderID:           msg.SenderID,
		Surface:            msg.Channel,
		OriginatingChannel: msg.Metadata["originating_channel"],
		OriginatingTo:      msg.Metadata["originating_to"],
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.runCancels.Store(route.SessionKey, cancel)
	defer func() {
		cancel()
		p.runCancels.Delete(route.SessionKey)
	}()

	var typing *delivery.TypingController
	if t, ok := ch.(Typing); ok {
		typing = delivery.StartTyping(runCtx, t.SendTyping, msg.AccountID, target.ChatID)
		defer typing.Stop()
	}

	blockStreaming := p.cfg.BlockStreamingEnabled() && caps.BlockStreaming

	meta, err := p.dispatcher.Dispatch(runCtx, dctx, blockStreaming, func(payload agent.ReplyPayload) {
		p.deliverPayload(runCtx, target, opts, payload)
	})
	if err != nil {
		slog.Error("agent dispatch failed",
			"session", route.SessionKey, "kind", agent.Classify(err), "error", err)
		return
	}
	if meta.Deduped {
		return
	}
	slog.Info("reply delivered",
		"channel", msg.Channel, "session", route.SessionKey, "duration_ms", meta.DurationMs)
}

func (p *Pipeline) resolveRoute(msg bus.InboundMessage) routing.Route {
	peer := routing.Peer{
		Kind: sessions.PeerKindFromGroup(msg.ChatType == bus.ChatTypeGroup),
		ID:   msg.ConversationID(),
	}
	accountID := msg.AccountID
	if accountID == "" {
		accountID = config.DefaultAccountID
	}
	route := p.resolver.Resolve(msg.Channel, accountID, peer)
	if msg.AgentID != "" {
		// Explicit override (cron jobs, ops sends) keeps its own agent
		// but the session key still derives from the conversation.
		route.AgentID = msg.AgentID
		route.SessionKey = sessions.BuildSessionKey(msg.AgentID, msg.Channel, keyAccount(accountID), peer.Kind, peer.ID)
	}
	if key := msg.Metadata["session_key"]; key != "" {
		route.SessionKey = key
	}
	return route
}

func keyAccount(accountID string) string {
	if accountID == config.DefaultAccountID {
		return ""
	}
	return accountID
}

// buildAgentMessage assembles the text handed to the agent: drained
// group context, the message body, media tags for fetched attachments,
// and the timezone timestamp prefix.
func (p *Pipeline) buildAgentMessage(ctx context.Context, msg bus.InboundMessage, acc config.EffectiveAccount) string {
	parts := make([]string, 0, 3)

	if msg.ChatType == bus.ChatTypeGroup {
		if pending := FormatHistory(p.history.Drain(historyKey(msg))); pending != "" {
			parts = append(parts, pending)
		}
	}

	body := msg.Content
	if msg.ChatType == bus.ChatTypeGroup && msg.SenderName != "" {
		body = fmt.Sprintf("%s: %s", msg.SenderName, msg.Content)
	}
	parts = append(parts, body)

	if len(msg.Media) > 0 {
		fetcher := media.NewFetcher(media.WithMaxBytes(acc.Config.MediaMaxBytes()))
		fetched := fetcher.FetchAll(ctx, msg.Media)
		if tags := media.BuildTags(fetched); tags != "" {
			parts = append(parts, tags)
		}
	}

	text := strings.Join(parts, "\n")
	spec := p.cfg.ResolveAgent("")
	return agent.PrefixMessage(text, spec.UserTimezone, time.Now())
}

func conversationLabel(msg bus.InboundMessage) string {
	if msg.ChatType == bus.ChatTypeGroup {
		if msg.GroupName != "" {
			return msg.GroupName
		}
		return msg.GroupID
	}
	return senderLabel(msg)
}

// idempotencyKey derives the dispatch dedup key: stable across retries
// of the same surface message, unique otherwise.
func (p *Pipeline) idempotencyKey(msg bus.InboundMessage) string {
	if msg.MessageID != "" {
		return fmt.Sprintf("%s|%s|%s", msg.Channel, msg.AccountID, msg.MessageID)
	}
	return p.newIdempotencyKey()
}

func replyMetadata(msg bus.InboundMessage) map[string]string {
	if msg.Metadata == nil {
		return nil
	}
	out := map[string]string{}
	if v := msg.Metadata[MetaThreadID]; v != "" {
		out[MetaThreadID] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// deliverPayload renders one reply payload and sends it to the surface,
// then mirrors it to ops clients.
func (p *Pipeline) deliverPayload(ctx context.Context, target delivery.Target, opts reply.Options, payload agent.ReplyPayload) {
	text := payload.Text
	if payload.Error != "" {
		if text != "" {
			text += "\n\n"
		}
		text += payload.Error
	}
	if agent.IsSilent(text) {
		slog.Debug("reply suppressed by agent", "channel", target.Channel, "chat_id", target.ChatID)
		return
	}

	if strings.TrimSpace(text) != "" {
		chunks := reply.Render(text, opts)
		if _, err := p.deliverer.Text(ctx, target, chunks); err != nil {
			slog.Error("reply delivery failed",
				"channel", target.Channel, "chat_id", target.ChatID, "error", err)
			return
		}
	}

	if len(payload.MediaURLs) > 0 {
		attachments := make([]bus.MediaAttachment, 0, len(payload.MediaURLs))
		for _, u := range payload.MediaURLs {
			attachments = append(attachments, bus.MediaAttachment{URL: u})
		}
		if err := p.deliverer.Media(ctx, target, attachments); err != nil {
			slog.Error("media delivery failed",
				"channel", target.Channel, "chat_id", target.ChatID, "error", err)
		}
	}

	p.bus.Broadcast(bus.Event{Name: protocol.EventReply, Payload: map[string]interface{}{
		"channel":   target.Channel,
		"accountId": target.AccountID,
		"chatId":    target.ChatID,
		"marker":    payload.Marker,
		"text":      text,
	}})
}

func (p *Pipeline) sendOutbound(ctx context.Context, msg bus.OutboundMessage) error {
	ch, ok := p.registry.Get(msg.Channel)
	if !ok {
		return fmt.Errorf("unknown channel %q", msg.Channel)
	}
	return ch.Send(ctx, msg)
}

// lockSession serializes dispatches per session key.
func (p *Pipeline) lockSession(key string) func() {
	v, _ := p.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// StopRun cancels the in-flight agent run for a session, if any.
func (p *Pipeline) StopRun(sessionKey string) bool {
	v, ok := p.runCancels.Load(sessionKey)
	if !ok {
		return false
	}
	v.(context.CancelFunc)()
	return true
}
