// Package sms bridges a Twilio-compatible phone number: inbound
// messages arrive on a per-account webhook server, outbound goes
// through the provider's REST API.
package sms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/channels"
)

const (
	textLimit          = 1600
	defaultAPIBase     = "https://api.twilio.com"
	defaultWebhookHost = "0.0.0.0"
	defaultWebhookPort = 9384
	defaultWebhookPath = "/sms/inbound"
	sendTimeout        = 30 * time.Second
)

type account struct {
	accountSid string
	authToken  string
	from       string
	apiBase    string
	client     *http.Client
}

// Channel is the SMS transport. One value serves every configured
// number; each runs its own webhook listener.
type Channel struct {
	mu       sync.RWMutex
	accounts map[string]*account
	limiter  *channels.WebhookRateLimiter
}

func New() *Channel {
	return &Channel{
		accounts: map[string]*account{},
		limiter:  channels.NewWebhookRateLimiter(),
	}
}

func (c *Channel) Name() string { return "sms" }

func (c *Channel) Meta() channels.Meta {
	return channels.Meta{Label: "SMS", Order: 60}
}

func (c *Channel) Capabilities() channels.Capabilities {
	return channels.Capabilities{
		ChatTypes:      []string{bus.ChatTypeDirect},
		Media:          true,
		BlockStreaming: false,
		TextLimit:      textLimit,
	}
}

// StartAccount serves the inbound webhook until the context is
// cancelled.
func (c *Channel) StartAccount(actx channels.AccountContext) error {
	spec := actx.Cfg.Channels.SMS.Account(actx.AccountID)

	apiBase := strings.TrimRight(spec.APIBase, "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	host := spec.WebhookHost
	if host == "" {
		host = defaultWebhookHost
	}
	port := spec.WebhookPort
	if port == 0 {
		port = defaultWebhookPort
	}
	path := spec.WebhookPath
	if path == "" {
		path = defaultWebhookPath
	}

	acct := &account{
		accountSid: spec.AccountSid,
		authToken:  actx.Account.Credential.Token,
		from:       spec.From,
		apiBase:    apiBase,
		client:     &http.Client{Timeout: sendTimeout},
	}
	c.register(actx.AccountID, acct)
	defer c.unregister(actx.AccountID)

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		c.handleWebhook(actx, w, r)
	})
	srv := &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	actx.Log.Info("sms webhook listening", "addr", srv.Addr, "path", path)
	running := true
	actx.SetStatus(channels.StatusDelta{Running: &running, ClearError: true, Probe: "webhook"})

	select {
	case <-actx.Context.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("sms webhook: %w", err)
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

// handleWebhook accepts one provider callback in Twilio's form
// encoding and answers with an empty TwiML document. Replies are sent
// asynchronously through the normal pipeline.
func (c *Channel) handleWebhook(actx channels.AccountContext, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && !c.limiter.Allow(ip) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	from := r.PostFormValue("From")
	body := r.PostFormValue("Body")
	sid := r.PostFormValue("MessageSid")
	if from == "" {
		http.Error(w, "missing sender", http.StatusBadRequest)
		return
	}

	now := time.Now().UnixMilli()
	actx.SetStatus(channels.StatusDelta{LastInboundAt: &now})

	actx.Publish(bus.InboundMessage{
		Channel:   "sms",
		AccountID: actx.AccountID,
		MessageID: sid,
		Timestamp: now,
		SenderID:  from,
		ChatType:  bus.ChatTypeDirect,
		Content:   body,
		Media:     webhookMedia(r),
		Metadata:  map[string]string{"to": r.PostFormValue("To")},
	})

	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)
}

func webhookMedia(r *http.Request) []bus.MediaAttachment {
	n, err := strconv.Atoi(r.PostFormValue("NumMedia"))
	if err != nil || n <= 0 {
		return nil
	}
	var out []bus.MediaAttachment
	for i := 0; i < n; i++ {
		mediaURL := r.PostFormValue("MediaUrl" + strconv.Itoa(i))
		if mediaURL == "" {
			continue
		}
		out = append(out, bus.MediaAttachment{
			URL:         mediaURL,
			ContentType: r.PostFormValue("MediaContentType" + strconv.Itoa(i)),
		})
	}
	return out
}

// Send posts one outbound message through the REST API.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	acct, ok := c.account(msg.AccountID)
	if !ok {
		return channels.ErrNotRunning
	}
	if msg.ChatID == "" {
		return fmt.Errorf("empty sms recipient")
	}

	form := url.Values{}
	form.Set("To", msg.ChatID)
	form.Set("From", acct.from)
	form.Set("Body", msg.Content)
	for _, item := range msg.Media {
		if item.URL != "" {
			form.Add("MediaUrl", item.URL)
		}
	}
	if form.Get("Body") == "" && len(form["MediaUrl"]) == 0 {
		return nil
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", acct.apiBase, acct.accountSid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(acct.accountSid, acct.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := acct.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sms send: status %d: %s", resp.StatusCode, channels.Truncate(string(payload), 200))
	}
	return nil
}
