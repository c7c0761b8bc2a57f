// Package signal connects an account to a signal-cli daemon over its
// HTTP JSON-RPC endpoint, with inbound envelopes arriving on the
// daemon's SSE event stream.
package signal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/channels"
)

const (
	textLimit     = 4000
	defaultRPCURL = "http://127.0.0.1:8080"
	rpcTimeout    = 30 * time.Second
)

type account struct {
	rpcURL string
	number string
	client *http.Client
	nextID atomic.Int64
}

// Channel is the Signal transport. One value serves every configured
// signal-cli account.
type Channel struct {
	mu       sync.RWMutex
	accounts map[string]*account
}

func New() *Channel {
	return &Channel{accounts: map[string]*account{}}
}

func (c *Channel) Name() string { return "signal" }

func (c *Channel) Meta() channels.Meta {
	return channels.Meta{Label: "Signal", Order: 20}
}

func (c *Channel) Capabilities() channels.Capabilities {
	return channels.Capabilities{
		ChatTypes: []string{bus.ChatTypeDirect, bus.ChatTypeGroup},
		Media:     true,
		// signal-cli sends complete messages only.
		BlockStreaming: false,
		TextLimit:      textLimit,
	}
}

// StartAccount consumes the daemon's SSE stream until the context is
// cancelled. The daemon owns the Signal session; a dropped stream is a
// fatal error and the supervisor decides whether to restart.
func (c *Channel) StartAccount(actx channels.AccountContext) error {
	spec := actx.Cfg.Channels.Signal.Account(actx.AccountID)
	rpcURL := strings.TrimRight(spec.RPCURL, "/")
	if rpcURL == "" {
		rpcURL = defaultRPCURL
	}

	acct := &account{
		rpcURL: rpcURL,
		number: spec.Number,
		client: &http.Client{Timeout: rpcTimeout},
	}

	req, err := http.NewRequestWithContext(actx.Context, http.MethodGet, rpcURL+"/api/v1/events", nil)
	if err != nil {
		return fmt.Errorf("signal events request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream client must not time out while idle.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("signal events stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signal events stream: status %d", resp.StatusCode)
	}

	c.register(actx.AccountID, acct)
	defer c.unregister(actx.AccountID)

	actx.Log.Info("signal daemon connected", "rpc_url", rpcURL, "number", spec.Number)
	running := true
	actx.SetStatus(channels.StatusDelta{Running: &running, ClearError: true, Probe: "sse"})

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		c.handleEvent(actx, acct, strings.TrimSpace(data))
	}
	if actx.Context.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("signal events stream: %w", err)
	}
	return fmt.Errorf("signal events stream closed")
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

// Wire shapes of the signal-cli receive envelope, reduced to the fields
// the gateway consumes.
type eventFrame struct {
	Method string `json:"method"`
	Params struct {
		Envelope envelope `json:"envelope"`
	} `json:"params"`
	// The SSE endpoint delivers the envelope at the top level.
	Envelope *envelope `json:"envelope"`
}

type envelope struct {
	Source       string       `json:"source"`
	SourceNumber string       `json:"sourceNumber"`
	SourceUUID   string       `json:"sourceUuid"`
	SourceName   string       `json:"sourceName"`
	Timestamp    int64        `json:"timestamp"`
	DataMessage  *dataMessage `json:"dataMessage"`
}

type dataMessage struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	GroupInfo *struct {
		GroupID   string `json:"groupId"`
		GroupName string `json:"groupName"`
	} `json:"groupInfo"`
	Mentions []struct {
		Number string `json:"number"`
		UUID   string `json:"uuid"`
	} `json:"mentions"`
	Attachments []struct {
		ContentType string `json:"contentType"`
		Filename    string `json:"filename"`
		ID          string `json:"id"`
		Size        int64  `json:"size"`
	} `json:"attachments"`
}

func (c *Channel) handleEvent(actx channels.AccountContext, acct *account, data string) {
	if data == "" {
		return
	}
	var frame eventFrame
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		actx.Log.Debug("signal event parse failed", "error", err)
		return
	}
	env := frame.Params.Envelope
	if frame.Envelope != nil {
		env = *frame.Envelope
	}
	dm := env.DataMessage
	if dm == nil {
		// Receipts, typing and sync envelopes carry no content.
		return
	}
	if env.SourceNumber == acct.number {
		return
	}

	now := time.Now().UnixMilli()
	actx.SetStatus(channels.StatusDelta{LastInboundAt: &now})

	senderID := env.SourceNumber
	if senderID == "" {
		senderID = env.SourceUUID
	}
	if senderID == "" {
		senderID = env.Source
	}

	var attachments []bus.MediaAttachment
	for _, att := range dm.Attachments {
		// Payloads stay with the daemon; the content tag still tells
		// the agent what arrived.
		attachments = append(attachments, bus.MediaAttachment{
			ContentType: att.ContentType,
			Size:        att.Size,
			Caption:     att.Filename,
		})
	}

	inbound := bus.InboundMessage{
		Channel:    "signal",
		AccountID:  actx.AccountID,
		MessageID:  fmt.Sprintf("%s|%d", senderID, env.Timestamp),
		Timestamp:  env.Timestamp,
		SenderID:   senderID,
		SenderName: env.SourceName,
		ChatType:   bus.ChatTypeDirect,
		Content:    dm.Message,
		Media:      attachments,
	}
	if dm.GroupInfo != nil && dm.GroupInfo.GroupID != "" {
		inbound.ChatType = bus.ChatTypeGroup
		inbound.GroupID = dm.GroupInfo.GroupID
		inbound.GroupName = dm.GroupInfo.GroupName
		inbound.Metadata = map[string]string{
			channels.MetaMentioned: fmt.Sprintf("%t", mentionsNumber(dm, acct.number)),
		}
	}

	actx.Publish(inbound)
}

func mentionsNumber(dm *dataMessage, number string) bool {
	for _, m := range dm.Mentions {
		if m.Number != "" && m.Number == number {
			return true
		}
	}
	return false
}

// Send delivers one outbound message through the daemon's JSON-RPC
// "send" method. Recipients are E.164 numbers; anything else is a
// group id.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	acct, ok := c.account(msg.AccountID)
	if !ok {
		return channels.ErrNotRunning
	}

	params := map[string]any{
		"account": acct.number,
		"message": msg.Content,
	}
	if strings.HasPrefix(msg.ChatID, "+") {
		params["recipient"] = []string{msg.ChatID}
	} else {
		params["groupId"] = msg.ChatID
	}

	var paths []string
	for _, item := range msg.Media {
		if item.Path != "" {
			paths = append(paths, item.Path)
			continue
		}
		if item.URL != "" {
			// signal-cli reads local files only.
			if params["message"] == "" {
				params["message"] = item.URL
			} else {
				params["message"] = params["message"].(string) + "\n" + item.URL
			}
		}
	}
	if len(paths) > 0 {
		params["attachments"] = paths
	}
	if params["message"] == "" && len(paths) == 0 {
		return nil
	}

	_, err := acct.call(ctx, "send", params)
	if err != nil {
		return fmt.Errorf("signal send: %w", err)
	}
	return nil
}

// SendTyping shows the typing indicator once.
func (c *Channel) SendTyping(ctx context.Context, accountID, chatID string) error {
	acct, ok := c.account(accountID)
	if !ok {
		return channels.ErrNotRunning
	}
	params := map[string]any{"account": acct.number}
	if strings.HasPrefix(chatID, "+") {
		params["recipient"] = []string{chatID}
	} else {
		params["groupId"] = chatID
	}
	_, err := acct.call(ctx, "sendTyping", params)
	return err
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call issues one JSON-RPC request against the daemon.
func (a *account) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      a.nextID.Add(1),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.rpcURL+"/api/v1/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rpc status %d: %s", resp.StatusCode, channels.Truncate(string(payload), 200))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(payload, &rpcResp); err != nil {
		return nil, fmt.Errorf("rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}
