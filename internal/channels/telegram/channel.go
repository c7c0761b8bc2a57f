// Package telegram connects a bot account to the Telegram Bot API via
// long polling.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/channels"
	"github.com/nextlevelbuilder/omniclaw/internal/media"
)

const textLimit = 4096

type account struct {
	bot      *telego.Bot
	token    string
	username string
	cfg      telegramSettings
}

type telegramSettings struct {
	linkPreview bool
}

// Channel is the Telegram transport. One value serves every configured
// bot account; live connections are registered per account id.
type Channel struct {
	mu       sync.RWMutex
	accounts map[string]*account
}

func New() *Channel {
	return &Channel{accounts: map[string]*account{}}
}

func (c *Channel) Name() string { return "telegram" }

func (c *Channel) Meta() channels.Meta {
	return channels.Meta{Label: "Telegram", Aliases: []string{"tg"}, Order: 50}
}

func (c *Channel) Capabilities() channels.Capabilities {
	return channels.Capabilities{
		ChatTypes:      []string{bus.ChatTypeDirect, bus.ChatTypeGroup},
		Media:          true,
		Threads:        true,
		BlockStreaming: true,
		TextLimit:      textLimit,
	}
}

// StartAccount connects the bot and consumes updates until the context
// is cancelled.
func (c *Channel) StartAccount(actx channels.AccountContext) error {
	spec := actx.Cfg.Channels.Telegram.Account(actx.AccountID)

	var opts []telego.BotOption
	if spec.Proxy != "" {
		proxyURL, err := url.Parse(spec.Proxy)
		if err != nil {
			return fmt.Errorf("telegram proxy url: %w", err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(actx.Account.Credential.Token, opts...)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}

	updates, err := bot.UpdatesViaLongPolling(actx.Context, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return fmt.Errorf("telegram long polling: %w", err)
	}

	acct := &account{
		bot:      bot,
		token:    actx.Account.Credential.Token,
		username: bot.Username(),
		cfg:      telegramSettings{linkPreview: spec.LinkPreview == nil || *spec.LinkPreview},
	}
	c.register(actx.AccountID, acct)
	defer c.unregister(actx.AccountID)

	actx.Log.Info("telegram bot connected", "username", acct.username)
	running := true
	actx.SetStatus(channels.StatusDelta{Running: &running, ClearError: true, Probe: "polling"})

	for {
		select {
		case <-actx.Context.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram updates stream closed")
			}
			if update.Message != nil {
				c.handleMessage(actx, acct, update.Message)
			}
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

// handleMessage normalizes one Telegram message into the bus envelope.
// Policy belongs to the pipeline; the transport only reports whether a
// group message addressed the bot.
func (c *Channel) handleMessage(actx channels.AccountContext, acct *account, msg *telego.Message) {
	if isServiceMessage(msg) {
		return
	}
	user := msg.From
	if user == nil {
		return
	}

	now := time.Now().UnixMilli()
	actx.SetStatus(channels.StatusDelta{LastInboundAt: &now})

	userID := strconv.FormatInt(user.ID, 10)
	senderID := userID
	if user.Username != "" {
		senderID = userID + "|" + strings.ToLower(user.Username)
	}
	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"

	content := msg.Text
	if msg.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += msg.Caption
	}

	metadata := map[string]string{}
	if isGroup {
		mentioned := c.detectMention(msg, acct.username)
		metadata[channels.MetaMentioned] = strconv.FormatBool(mentioned)
		if mentioned {
			content = stripMention(content, acct.username)
		}
	}
	if msg.MessageThreadID != 0 && msg.Chat.IsForum {
		metadata[channels.MetaThreadID] = strconv.Itoa(msg.MessageThreadID)
	}

	inbound := bus.InboundMessage{
		Channel:    "telegram",
		AccountID:  actx.AccountID,
		MessageID:  strconv.Itoa(msg.MessageID),
		Timestamp:  int64(msg.Date) * 1000,
		SenderID:   senderID,
		SenderName: displayName(user),
		ChatType:   bus.ChatTypeDirect,
		Content:    content,
		Media:      c.resolveMedia(actx.Context, acct, msg),
		Metadata:   metadata,
	}
	if isGroup {
		inbound.ChatType = bus.ChatTypeGroup
		inbound.GroupID = strconv.FormatInt(msg.Chat.ID, 10)
		inbound.GroupName = msg.Chat.Title
	}

	actx.Publish(inbound)
}

// Send delivers one outbound message on the account's bot.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	acct, ok := c.account(msg.AccountID)
	if !ok {
		return channels.ErrNotRunning
	}
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", msg.ChatID, err)
	}

	threadID := 0
	if v := msg.Metadata[channels.MetaThreadID]; v != "" {
		threadID, _ = strconv.Atoi(v)
	}

	if msg.Content != "" {
		params := tu.Message(tu.ID(chatID), msg.Content)
		if threadID > 0 {
			params.MessageThreadID = threadID
		}
		if !acct.cfg.linkPreview {
			params.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
		}
		if _, err := acct.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}

	for _, item := range msg.Media {
		if err := c.sendMedia(ctx, acct, chatID, threadID, item); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) sendMedia(ctx context.Context, acct *account, chatID int64, threadID int, item bus.MediaAttachment) error {
	file := inputFile(item)
	if strings.HasPrefix(media.Kind(item.ContentType), "image") || looksLikeImage(item.URL) {
		params := tu.Photo(tu.ID(chatID), file)
		if threadID > 0 {
			params.MessageThreadID = threadID
		}
		params.Caption = item.Caption
		_, err := acct.bot.SendPhoto(ctx, params)
		return err
	}
	params := tu.Document(tu.ID(chatID), file)
	if threadID > 0 {
		params.MessageThreadID = threadID
	}
	params.Caption = item.Caption
	_, err := acct.bot.SendDocument(ctx, params)
	return err
}

func inputFile(item bus.MediaAttachment) telego.InputFile {
	if item.Path != "" {
		// os.File satisfies telego.NamedReader.
		if f, err := os.Open(item.Path); err == nil {
			return tu.File(f)
		}
	}
	return tu.FileFromURL(item.URL)
}

func looksLikeImage(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// SendTyping shows the typing indicator once.
func (c *Channel) SendTyping(ctx context.Context, accountID, chatID string) error {
	acct, ok := c.account(accountID)
	if !ok {
		return channels.ErrNotRunning
	}
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	return acct.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(id), telego.ChatActionTyping))
}

// parseChatID accepts both a bare chat id and the compound
// "id|username" sender form used for direct chats.
func parseChatID(s string) (int64, error) {
	if i := strings.IndexByte(s, '|'); i >= 0 {
		s = s[:i]
	}
	return strconv.ParseInt(s, 10, 64)
}

func displayName(user *telego.User) string {
	if user.Username != "" {
		return "@" + user.Username
	}
	return strings.TrimSpace(user.FirstName + " " + user.LastName)
}

// detectMention checks text and caption entities plus a reply to the
// bot's own message.
func (c *Channel) detectMention(msg *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	at := "@" + strings.ToLower(botUsername)

	for _, pair := range []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{msg.Entities, msg.Text},
		{msg.CaptionEntities, msg.Caption},
	} {
		if pair.text == "" {
			continue
		}
		for _, entity := range pair.entities {
			if entity.Type != "mention" && entity.Type != "bot_command" {
				continue
			}
			span := entitySpan(pair.text, entity)
			if strings.Contains(strings.ToLower(span), at) {
				return true
			}
		}
		if strings.Contains(strings.ToLower(pair.text), at) {
			return true
		}
	}

	if reply := msg.ReplyToMessage; reply != nil && reply.From != nil {
		return strings.EqualFold(reply.From.Username, botUsername)
	}
	return false
}

// entitySpan slices an entity range out of the text. Telegram offsets
// count UTF-16 units; ASCII mentions make the byte slice safe, and the
// substring check tolerates over-slicing on multibyte prefixes.
func entitySpan(text string, entity telego.MessageEntity) string {
	start, end := entity.Offset, entity.Offset+entity.Length
	if start < 0 || start >= len(text) {
		return ""
	}
	if end > len(text) {
		end = len(text)
	}
	return text[start:end]
}

func stripMention(content, botUsername string) string {
	if botUsername == "" {
		return content
	}
	cleaned := strings.ReplaceAll(content, "@"+botUsername, "")
	return strings.TrimSpace(cleaned)
}

// isServiceMessage filters member-change, pin, and title notifications
// that carry no user content.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	return msg.Photo == nil && msg.Audio == nil && msg.Video == nil &&
		msg.Document == nil && msg.Voice == nil && msg.VideoNote == nil &&
		msg.Sticker == nil && msg.Animation == nil && msg.Location == nil
}
