// Package mezon connects a bot account to the Mezon realtime API: a
// websocket for inbound channel messages and REST for sends.
package mezon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/channels"
)

const (
	textLimit      = 4000
	defaultAPIBase = "api.mezon.ai"
	pingInterval   = 30 * time.Second
	sendTimeout    = 30 * time.Second
)

// Stream modes on the message envelope.
const (
	streamModeChannel = 2
	streamModeGroup   = 3
	streamModeDM      = 4
)

type account struct {
	apiBase string
	token   string
	botID   string
	client  *http.Client
	// dmChannels maps a sender id to its DM channel so replies keyed
	// by sender land on the right channel.
	dmChannels sync.Map
}

// Channel is the Mezon transport. One value serves every configured
// bot account.
type Channel struct {
	mu       sync.RWMutex
	accounts map[string]*account
}

func New() *Channel {
	return &Channel{accounts: map[string]*account{}}
}

func (c *Channel) Name() string { return "mezon" }

func (c *Channel) Meta() channels.Meta {
	return channels.Meta{Label: "Mezon", Aliases: []string{"mz"}, Order: 10}
}

func (c *Channel) Capabilities() channels.Capabilities {
	return channels.Capabilities{
		ChatTypes: []string{bus.ChatTypeDirect, bus.ChatTypeGroup},
		Media:     true,
		Reactions: true,
		// The surface shows complete messages only.
		BlockStreaming: false,
		TextLimit:      textLimit,
	}
}

// StartAccount dials the realtime websocket and consumes events until
// the context is cancelled. A dropped socket returns an error; the
// supervisor decides whether to restart.
func (c *Channel) StartAccount(actx channels.AccountContext) error {
	spec := actx.Cfg.Channels.Mezon.Account(actx.AccountID)
	apiBase := spec.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}

	acct := &account{
		apiBase: apiBase,
		token:   actx.Account.Credential.Token,
		botID:   actx.Account.Config.BotID,
		client:  &http.Client{Timeout: sendTimeout},
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+acct.token)
	conn, _, err := websocket.Dial(actx.Context, "wss://"+apiBase+"/ws", &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("mezon ws dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")

	c.register(actx.AccountID, acct)
	defer c.unregister(actx.AccountID)

	actx.Log.Info("mezon connected", "account", actx.AccountID, "api_base", apiBase)
	running := true
	actx.SetStatus(channels.StatusDelta{Running: &running, ClearError: true, Probe: "websocket"})

	go keepAlive(actx.Context, conn)

	for {
		_, data, err := conn.Read(actx.Context)
		if err != nil {
			if actx.Context.Err() != nil {
				return nil
			}
			return fmt.Errorf("mezon ws read: %w", err)
		}
		c.handleEvent(actx, acct, data)
	}
}

func keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_ = conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (c *Channel) register(accountID string, acct *account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[accountID] = acct
}

func (c *Channel) unregister(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.accounts, accountID)
}

func (c *Channel) account(accountID string) (*account, bool) {
	if accountID == "" {
		accountID = "default"
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	acct, ok := c.accounts[accountID]
	return acct, ok
}

// Wire shapes of the realtime events, reduced to what the gateway
// consumes.
type wsEvent struct {
	Type    string     `json:"type"`
	Message *wsMessage `json:"message"`
}

type wsMessage struct {
	MessageID   string `json:"message_id"`
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	ClanID      string `json:"clan_id"`
	SenderID    string `json:"sender_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Mode        int    `json:"mode"`
	Content     struct {
		T string `json:"t"`
	} `json:"content"`
	Mentions []struct {
		UserID string `json:"user_id"`
	} `json:"mentions"`
	Attachments []struct {
		URL      string `json:"url"`
		Filetype string `json:"filetype"`
		Filename string `json:"filename"`
		Size     int64  `json:"size"`
	} `json:"attachments"`
	CreateTimeSeconds int64 `json:"create_time_seconds"`
}

func (c *Channel) handleEvent(actx channels.AccountContext, acct *account, data []byte) {
	var event wsEvent
	if err := json.Unmarshal(data, &event); err != nil {
		actx.Log.Debug("mezon event parse failed", "error", err)
		return
	}
	if event.Type != "channel_message" || event.Message == nil {
		return
	}
	msg := event.Message
	if msg.SenderID == "" || msg.SenderID == acct.botID {
		return
	}

	now := time.Now().UnixMilli()
	actx.SetStatus(channels.StatusDelta{LastInboundAt: &now})

	isDM := msg.Mode == streamModeDM
	if isDM {
		acct.dmChannels.Store(msg.SenderID, msg.ChannelID)
	}

	var attachments []bus.MediaAttachment
	for _, att := range msg.Attachments {
		attachments = append(attachments, bus.MediaAttachment{
			URL:         att.URL,
			ContentType: att.Filetype,
			Size:        att.Size,
			Caption:     att.Filename,
		})
	}

	senderName := msg.DisplayName
	if senderName == "" {
		senderName = msg.Username
	}

	inbound := bus.InboundMessage{
		Channel:    "mezon",
		AccountID:  actx.AccountID,
		MessageID:  msg.MessageID,
		Timestamp:  msg.CreateTimeSeconds * 1000,
		SenderID:   msg.SenderID,
		SenderName: senderName,
		ChatType:   bus.ChatTypeDirect,
		Content:    msg.Content.T,
		Media:      attachments,
	}
	if !isDM {
		inbound.ChatType = bus.ChatTypeGroup
		inbound.GroupID = msg.ChannelID
		inbound.GroupName = msg.ChannelName
		inbound.Metadata = map[string]string{
			channels.MetaMentioned: fmt.Sprintf("%t", mentionsBot(msg, acct.botID)),
		}
	}

	actx.Publish(inbound)
}

func mentionsBot(msg *wsMessage, botID string) bool {
	if botID == "" {
		return false
	}
	for _, m := range msg.Mentions {
		if m.UserID == botID {
			return true
		}
	}
	return false
}

// Send posts one outbound message to the channel's REST endpoint.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	acct, ok := c.account(msg.AccountID)
	if !ok {
		return channels.ErrNotRunning
	}
	channelID := acct.resolveChannel(msg.ChatID)
	if channelID == "" {
		return fmt.Errorf("empty mezon channel id")
	}

	text := msg.Content
	for _, item := range msg.Media {
		// Remote urls ride in the message body; the surface unfurls.
		if item.URL != "" {
			if text != "" {
				text += "\n"
			}
			text += item.URL
		}
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"content": map[string]string{"t": text},
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("https://%s/v1/channels/%s/messages", acct.apiBase, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+acct.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := acct.client.Do(req)
	if err != nil {
		return fmt.Errorf("mezon send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("mezon send: status %d: %s", resp.StatusCode, channels.Truncate(string(payload), 200))
	}
	return nil
}

// resolveChannel maps a sender id back to its DM channel when one was
// seen; any other id is already a channel id.
func (a *account) resolveChannel(chatID string) string {
	if v, ok := a.dmChannels.Load(chatID); ok {
		return v.(string)
	}
	return chatID
}
