// Package slack connects a bot account to Slack over Socket Mode.
package slack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/channels"
)

const textLimit = 4000

type account struct {
	client    *slack.Client
	botUserID string

	mu    sync.Mutex
	names map[string]string // user id -> display name
}

// Channel is the Slack transport. One value serves every configured
// workspace app; live clients are registered per account id.
type Channel struct {
	mu       sync.RWMutex
	accounts map[string]*account
}

func New() *Channel {
	return &Channel{accounts: map[string]*account{}}
}

func (c *Channel) Name() string { return "slack" }

func (c *Channel) Meta() channels.Meta {
	return channels.Meta{Label: "Slack", Order: 30}
}

func (c *Channel) Capabilities() channels.Capabilities {
	return channels.Capabilities{
		ChatTypes:      []string{bus.ChatTypeDirect, bus.ChatTypeGroup},
		Media:          true,
		Reactions:      true,
		Threads:        true,
		BlockStreaming: true,
		TextLimit:      textLimit,
	}
}

// StartAccount opens the Socket Mode connection and consumes events
// until the context is cancelled.
func (c *Channel) StartAccount(actx channels.AccountContext) error {
	spec := actx.Cfg.Channels.Slack.Account(actx.AccountID)

	client := slack.New(actx.Account.Credential.Token, slack.OptionAppLevelToken(spec.AppToken))
	auth, err := client.AuthTestContext(actx.Context)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}

	acct := &account{client: client, botUserID: auth.UserID, names: map[string]string{}}
	c.register(actx.AccountID, acct)
	defer c.unregister(actx.AccountID)

	actx.Log.Info("slack app connected", "bot_user", auth.UserID, "team", auth.Team)
	running := true
	actx.SetStatus(channels.StatusDelta{Running: &running, ClearError: true, Probe: "socketmode"})

	socket := socketmode.New(client)
	runErr := make(chan error, 1)
	go func() { runErr <- socket.RunContext(actx.Context) }()

	for {
		select {
		case <-actx.Context.Done():
			return nil
		case err := <-runErr:
			if actx.Context.Err() != nil {
				return nil
			}
			return fmt.Errorf("slack socket mode: %w", err)
		case event, ok := <-socket.Events:
			if !ok {
				return fmt.Errorf("slack event stream closed")
			}
			c.handleSocketEvent(actx, acct, socket, event)
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

func (c *Channel) handleSocketEvent(actx channels.AccountContext, acct *account, socket *socketmode.Client, event socketmode.Event) {
	switch event.Type {
	case socketmode.EventTypeConnectionError:
		actx.SetStatus(channels.StatusDelta{LastError: fmt.Sprintf("%v", event.Data)})
	case socketmode.EventTypeConnected:
		actx.SetStatus(channels.StatusDelta{ClearError: true, Probe: "socketmode"})
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
		if event.Request != nil {
			socket.Ack(*event.Request)
		}
		if !ok || apiEvent.Type != slackevents.CallbackEvent {
			return
		}
		// Mentions in channels arrive both as app_mention and as the
		// plain message event; the message id dedupe upstream collapses
		// the pair.
		if ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			c.handleMessage(actx, acct, ev)
		}
	case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
		if event.Request != nil {
			socket.Ack(*event.Request)
		}
	}
}

func (c *Channel) handleMessage(actx channels.AccountContext, acct *account, ev *slackevents.MessageEvent) {
	if ev.BotID != "" || ev.User == acct.botUserID {
		return
	}
	if ev.SubType != "" && ev.SubType != "file_share" {
		return
	}

	now := time.Now().UnixMilli()
	actx.SetStatus(channels.StatusDelta{LastInboundAt: &now})

	isDM := strings.HasPrefix(ev.Channel, "D")
	mention := "<@" + acct.botUserID + ">"

	content := stripMentions(ev.Text)
	metadata := map[string]string{}
	if !isDM {
		metadata[channels.MetaMentioned] = strconv.FormatBool(strings.Contains(ev.Text, mention))
	}
	if ev.ThreadTimeStamp != "" {
		metadata[channels.MetaThreadID] = ev.ThreadTimeStamp
	}
	metadata[metaSlackChannel] = ev.Channel

	inbound := bus.InboundMessage{
		Channel:    "slack",
		AccountID:  actx.AccountID,
		MessageID:  ev.Channel + "|" + ev.TimeStamp,
		Timestamp:  slackTimestampMs(ev.TimeStamp),
		SenderID:   ev.User,
		SenderName: acct.userName(actx.Context, ev.User),
		ChatType:   bus.ChatTypeDirect,
		Content:    content,
		Media:      acct.fetchFiles(actx, ev),
		Metadata:   metadata,
	}
	if !isDM {
		inbound.ChatType = bus.ChatTypeGroup
		inbound.GroupID = ev.Channel
	}

	actx.Publish(inbound)
}

// metaSlackChannel carries the originating conversation id so DM
// replies keyed by sender land in the right channel.
const metaSlackChannel = "slack_channel"

// fetchFiles downloads shared files up front. Slack's private urls need
// the bot token, which the shared fetcher does not carry.
func (a *account) fetchFiles(actx channels.AccountContext, ev *slackevents.MessageEvent) []bus.MediaAttachment {
	if ev.Message == nil || len(ev.Message.Files) == 0 {
		return nil
	}
	maxBytes := actx.Account.Config.MediaMaxBytes()

	var out []bus.MediaAttachment
	for _, file := range ev.Message.Files {
		if int64(file.Size) > maxBytes {
			actx.Log.Warn("slack file exceeds media cap", "file", file.Name, "size", file.Size)
			continue
		}
		path, err := a.downloadFile(actx.Context, file)
		if err != nil {
			actx.Log.Warn("slack file download failed", "file", file.Name, "error", err)
			continue
		}
		out = append(out, bus.MediaAttachment{
			Path:        path,
			ContentType: file.Mimetype,
			Size:        int64(file.Size),
			Caption:     file.Name,
		})
	}
	return out
}

func (a *account) downloadFile(ctx context.Context, file slack.File) (string, error) {
	dir, err := os.MkdirTemp("", "omniclaw-slack-*")
	if err != nil {
		return "", err
	}
	name := file.Name
	if name == "" {
		name = file.ID
	}
	path := filepath.Join(dir, filepath.Base(name))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := a.client.GetFileContext(ctx, file.URLPrivateDownload, f); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// userName resolves and caches a member's display name.
func (a *account) userName(ctx context.Context, userID string) string {
	a.mu.Lock()
	if name, ok := a.names[userID]; ok {
		a.mu.Unlock()
		return name
	}
	a.mu.Unlock()

	user, err := a.client.GetUserInfoContext(ctx, userID)
	if err != nil {
		return userID
	}
	name := user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	if name == "" {
		name = user.Name
	}

	a.mu.Lock()
	a.names[userID] = name
	a.mu.Unlock()
	return name
}

// Send delivers one outbound message on the account's client.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	acct, ok := c.account(msg.AccountID)
	if !ok {
		return channels.ErrNotRunning
	}
	channelID := msg.Metadata[metaSlackChannel]
	if channelID == "" {
		channelID = msg.ChatID
	}
	// A sender-keyed DM target is a user id; open the conversation.
	if strings.HasPrefix(channelID, "U") || strings.HasPrefix(channelID, "W") {
		conv, _, _, err := acct.client.OpenConversationContext(ctx, &slack.OpenConversationParameters{
			Users: []string{channelID},
		})
		if err != nil {
			return fmt.Errorf("slack open conversation: %w", err)
		}
		channelID = conv.ID
	}

	var opts []slack.MsgOption
	if ts := msg.Metadata[channels.MetaThreadID]; ts != "" {
		opts = append(opts, slack.MsgOptionTS(ts))
	}

	if msg.Content != "" {
		sendOpts := append([]slack.MsgOption{slack.MsgOptionText(msg.Content, false)}, opts...)
		if _, _, err := acct.client.PostMessageContext(ctx, channelID, sendOpts...); err != nil {
			return fmt.Errorf("slack send: %w", err)
		}
	}

	for _, item := range msg.Media {
		if err := acct.sendMedia(ctx, channelID, msg.Metadata[channels.MetaThreadID], item); err != nil {
			return err
		}
	}
	return nil
}

func (a *account) sendMedia(ctx context.Context, channelID, threadTS string, item bus.MediaAttachment) error {
	if item.Path == "" {
		// Remote urls unfurl on their own.
		content := item.URL
		if item.Caption != "" {
			content = item.Caption + "\n" + item.URL
		}
		opts := []slack.MsgOption{slack.MsgOptionText(content, false)}
		if threadTS != "" {
			opts = append(opts, slack.MsgOptionTS(threadTS))
		}
		_, _, err := a.client.PostMessageContext(ctx, channelID, opts...)
		return err
	}

	info, err := os.Stat(item.Path)
	if err != nil {
		return fmt.Errorf("stat media %s: %w", item.Path, err)
	}
	_, err = a.client.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Channel:         channelID,
		ThreadTimestamp: threadTS,
		File:            item.Path,
		Filename:        filepath.Base(item.Path),
		FileSize:        int(info.Size()),
		InitialComment:  item.Caption,
	})
	if err != nil {
		return fmt.Errorf("slack upload: %w", err)
	}
	return nil
}

// stripMentions removes every <@USERID> token from the text.
func stripMentions(text string) string {
	for {
		start := strings.Index(text, "<@")
		if start < 0 {
			break
		}
		end := strings.Index(text[start:], ">")
		if end < 0 {
			break
		}
		text = text[:start] + text[start+end+1:]
	}
	return strings.TrimSpace(text)
}

// slackTimestampMs converts a "1234567890.123456" event timestamp to
// epoch milliseconds.
func slackTimestampMs(ts string) int64 {
	sec, frac, ok := strings.Cut(ts, ".")
	if !ok {
		return 0
	}
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return 0
	}
	us, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return s * 1000
	}
	return s*1000 + us/1000
}
