// Package discord connects a bot account to the Discord gateway.
package discord

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/channels"
)

const textLimit = 2000

type account struct {
	session   *discordgo.Session
	botUserID string
	// dmChannels maps a user id to the DM channel seen for it, so
	// replies addressed by sender id land in the right channel.
	dmChannels sync.Map
}

// Channel is the Discord transport. One value serves every configured
// bot account; live sessions are registered per account id.
type Channel struct {
	mu       sync.RWMutex
	accounts map[string]*account
}

func New() *Channel {
	return &Channel{accounts: map[string]*account{}}
}

func (c *Channel) Name() string { return "discord" }

func (c *Channel) Meta() channels.Meta {
	return channels.Meta{Label: "Discord", Order: 40}
}

func (c *Channel) Capabilities() channels.Capabilities {
	return channels.Capabilities{
		ChatTypes: []string{bus.ChatTypeDirect, bus.ChatTypeGroup},
		Media:     true,
		Reactions: true,
		// The gateway edits are rate limited too aggressively for
		// block-by-block updates; replies go out complete.
		BlockStreaming: false,
		TextLimit:      textLimit,
	}
}

// StartAccount opens the gateway session and blocks until the context
// is cancelled. Message events arrive on discordgo's own goroutines and
// are normalized straight onto the bus.
func (c *Channel) StartAccount(actx channels.AccountContext) error {
	session, err := discordgo.New("Bot " + actx.Account.Credential.Token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	acct := &account{session: session}
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		c.handleMessage(actx, acct, m)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	defer session.Close()

	me, err := session.User("@me")
	if err != nil {
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	acct.botUserID = me.ID

	c.register(actx.AccountID, acct)
	defer c.unregister(actx.AccountID)

	actx.Log.Info("discord bot connected", "username", me.Username, "id", me.ID)
	running := true
	actx.SetStatus(channels.StatusDelta{Running: &running, ClearError: true, Probe: "gateway"})

	<-actx.Context.Done()
	return nil
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

func (c *Channel) handleMessage(actx channels.AccountContext, acct *account, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == acct.botUserID || m.Author.Bot {
		return
	}

	now := time.Now().UnixMilli()
	actx.SetStatus(channels.StatusDelta{LastInboundAt: &now})

	isDM := m.GuildID == ""
	if isDM {
		acct.dmChannels.Store(m.Author.ID, m.ChannelID)
	}

	content := m.Content
	metadata := map[string]string{}
	if !isDM {
		mentioned := mentionsBot(m, acct.botUserID)
		metadata[channels.MetaMentioned] = strconv.FormatBool(mentioned)
		if mentioned {
			content = stripMention(content, acct.botUserID)
		}
	}

	var attachments []bus.MediaAttachment
	for _, att := range m.Attachments {
		attachments = append(attachments, bus.MediaAttachment{
			URL:         att.URL,
			ContentType: att.ContentType,
			Size:        int64(att.Size),
			Caption:     att.Filename,
		})
	}

	inbound := bus.InboundMessage{
		Channel:    "discord",
		AccountID:  actx.AccountID,
		MessageID:  m.ID,
		Timestamp:  m.Timestamp.UnixMilli(),
		SenderID:   m.Author.ID,
		SenderName: displayName(m),
		ChatType:   bus.ChatTypeDirect,
		Content:    content,
		Media:      attachments,
		Metadata:   metadata,
	}
	if !isDM {
		inbound.ChatType = bus.ChatTypeGroup
		inbound.GroupID = m.ChannelID
		inbound.GroupName = channelLabel(acct.session, m.ChannelID)
	}

	actx.Publish(inbound)
}

// Send delivers one outbound message on the account's session.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	acct, ok := c.account(msg.AccountID)
	if !ok {
		return channels.ErrNotRunning
	}
	channelID := acct.resolveChannel(msg.ChatID)
	if channelID == "" {
		return fmt.Errorf("empty discord chat id")
	}

	if msg.Content != "" {
		if _, err := acct.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
			Content: msg.Content,
		}, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	for _, item := range msg.Media {
		if err := sendMedia(ctx, acct.session, channelID, item); err != nil {
			return err
		}
	}
	return nil
}

func sendMedia(ctx context.Context, session *discordgo.Session, channelID string, item bus.MediaAttachment) error {
	if item.Path != "" {
		f, err := os.Open(item.Path)
		if err != nil {
			return fmt.Errorf("open media %s: %w", item.Path, err)
		}
		defer f.Close()
		_, err = session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
			Content: item.Caption,
			Files: []*discordgo.File{{
				Name:        fileBasename(item.Path),
				ContentType: item.ContentType,
				Reader:      f,
			}},
		}, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("discord send file: %w", err)
		}
		return nil
	}
	// Discord unfurls plain urls, no upload needed.
	content := item.URL
	if item.Caption != "" {
		content = item.Caption + "\n" + item.URL
	}
	if _, err := session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: content,
	}, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send media url: %w", err)
	}
	return nil
}

// SendTyping shows the typing indicator once.
func (c *Channel) SendTyping(ctx context.Context, accountID, chatID string) error {
	acct, ok := c.account(accountID)
	if !ok {
		return channels.ErrNotRunning
	}
	return acct.session.ChannelTyping(acct.resolveChannel(chatID), discordgo.WithContext(ctx))
}

// resolveChannel maps a user id back to its DM channel when one was
// seen; any other id is already a channel id.
func (a *account) resolveChannel(chatID string) string {
	if v, ok := a.dmChannels.Load(chatID); ok {
		return v.(string)
	}
	return chatID
}

func mentionsBot(m *discordgo.MessageCreate, botUserID string) bool {
	for _, u := range m.Mentions {
		if u.ID == botUserID {
			return true
		}
	}
	if ref := m.ReferencedMessage; ref != nil && ref.Author != nil {
		return ref.Author.ID == botUserID
	}
	return false
}

func stripMention(content, botUserID string) string {
	for _, form := range []string{"<@" + botUserID + ">", "<@!" + botUserID + ">"} {
		content = strings.ReplaceAll(content, form, "")
	}
	return strings.TrimSpace(content)
}

// displayName prefers server nickname, then global display name, then
// the username.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func channelLabel(session *discordgo.Session, channelID string) string {
	if ch, err := session.State.Channel(channelID); err == nil && ch.Name != "" {
		return ch.Name
	}
	return ""
}

func fileBasename(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
