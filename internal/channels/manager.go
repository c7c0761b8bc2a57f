package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/pkg/protocol"
)

// stopTimeout bounds how long Stop waits for an account goroutine to
// unwind before reporting it stuck.
const stopTimeout = 10 * time.Second

// Restart backoff bounds for restartOnExit accounts.
const (
	restartBackoffMin = time.Second
	restartBackoffMax = time.Minute
)

// RuntimeStatus is the supervisor's view of one (channel, account).
type RuntimeStatus struct {
	Channel        string `json:"channel"`
	AccountID      string `json:"accountId"`
	Running        bool   `json:"running"`
	Mode           string `json:"mode"` // "once" or "restart"
	LastStartAt    int64  `json:"lastStartAt,omitempty"`  // ms epoch
	LastStopAt     int64  `json:"lastStopAt,omitempty"`   // ms epoch
	LastError      string `json:"lastError,omitempty"`
	LastInboundAt  int64  `json:"lastInboundAt,omitempty"`
	LastOutboundAt int64  `json:"lastOutboundAt,omitempty"`
	Probe          string `json:"probe,omitempty"` // transport-specific liveness detail
}

// accountRuntime tracks one supervised account goroutine.
type accountRuntime struct {
	cancel context.CancelFunc
	done   chan struct{}
	status RuntimeStatus
}

// Manager supervises one goroutine per enabled (channel, account) and
// runs the outbound dispatch loop. Accounts can be started and stopped
// individually at runtime; config reloads restart only the accounts
// whose effective config changed.
type Manager struct {
	cfg      *config.Config
	registry *Registry
	bus      *bus.MessageBus

	// FlushHook, when set, runs before an account's context is
	// cancelled so pending debounced messages can be dispatched
	// (flushOnStop) or dropped.
	FlushHook func(channel, accountID string)

	mu       sync.Mutex
	baseCtx  context.Context
	runtimes map[string]*accountRuntime
	dispatch context.CancelFunc
}

func NewManager(cfg *config.Config, registry *Registry, msgBus *bus.MessageBus) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: registry,
		bus:      msgBus,
		runtimes: map[string]*accountRuntime{},
	}
}

func runtimeKey(channel, accountID string) string {
	return channel + "/" + accountID
}

// StartAll launches the outbound dispatcher and every enabled,
// configured account. Individual account failures are logged, not
// fatal: one misconfigured channel must not take the gateway down.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	m.baseCtx = ctx
	dispatchCtx, cancel := context.WithCancel(ctx)
	m.dispatch = cancel
	m.mu.Unlock()

	go m.dispatchOutbound(dispatchCtx)

	accounts := m.cfg.EnabledAccounts()
	if len(accounts) == 0 {
		slog.Warn("no channel accounts enabled")
		return nil
	}
	for _, acc := range accounts {
		if err := m.Start(acc.Channel, acc.AccountID); err != nil {
			slog.Error("channel account failed to start",
				"channel", acc.Channel, "account", acc.AccountID, "error", err)
		}
	}
	return nil
}

// Start launches the supervised goroutine for one account. No-op with
// an error when the account is already running or unknown.
func (m *Manager) Start(channel, accountID string) error {
	ch, ok := m.registry.Get(channel)
	if !ok {
		return fmt.Errorf("unknown channel %q", channel)
	}
	acc, err := m.cfg.ResolveChannelAccount(channel, accountID)
	if err != nil {
		return err
	}
	if !acc.Configured {
		return fmt.Errorf("%s/%s: no credential configured", channel, acc.AccountID)
	}

	m.mu.Lock()
	if m.baseCtx == nil {
		m.mu.Unlock()
		return fmt.Errorf("manager not started")
	}
	key := runtimeKey(channel, acc.AccountID)
	if rt, exists := m.runtimes[key]; exists && rt.status.Running {
		m.mu.Unlock()
		return fmt.Errorf("%s/%s already running", channel, acc.AccountID)
	}

	runCtx, cancel := context.WithCancel(m.baseCtx)
	mode := "once"
	if acc.Config.RestartOnExitEnabled() {
		mode = "restart"
	}
	rt := &accountRuntime{
		cancel: cancel,
		done:   make(chan struct{}),
		status: RuntimeStatus{
			Channel:     channel,
			AccountID:   acc.AccountID,
			Running:     true,
			Mode:        mode,
			LastStartAt: time.Now().UnixMilli(),
		},
	}
	m.runtimes[key] = rt
	m.mu.Unlock()

	m.broadcastStatus(rt.status)
	go m.supervise(runCtx, ch, acc, rt)
	return nil
}

// supervise runs StartAccount, restarting with capped exponential
// backoff when the account opted in via restartOnExit.
func (m *Manager) supervise(ctx context.Context, ch Channel, acc config.EffectiveAccount, rt *accountRuntime) {
	defer close(rt.done)

	log := slog.With("channel", acc.Channel, "account", acc.AccountID)
	backoff := restartBackoffMin

	for {
		log.Info("channel account starting")
		start := time.Now()
		err := ch.StartAccount(AccountContext{
			Context:   ctx,
			Cfg:       m.cfg,
			Account:   acc,
			AccountID: acc.AccountID,
			Log:       log,
			SetStatus: func(d StatusDelta) { m.applyDelta(rt, d) },
			Publish:   m.bus.PublishInbound,
		})

		if ctx.Err() != nil {
			m.markStopped(rt, "")
			log.Info("channel account stopped")
			return
		}

		reason := "exited"
		if err != nil {
			reason = err.Error()
			log.Error("channel account exited", "error", err)
		} else {
			log.Warn("channel account exited without error")
		}

		if !acc.Config.RestartOnExitEnabled() {
			m.markStopped(rt, reason)
			return
		}

		// A run that survived a while earns a fresh backoff.
		if time.Since(start) > restartBackoffMax {
			backoff = restartBackoffMin
		}
		log.Info("restarting channel account", "backoff", backoff)
		select {
		case <-ctx.Done():
			m.markStopped(rt, "")
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > restartBackoffMax {
			backoff = restartBackoffMax
		}
	}
}

// Stop cancels the account goroutine and waits up to stopTimeout for
// it to unwind. The FlushHook runs first so a debounced message is not
// silently lost on an orderly stop.
func (m *Manager) Stop(channel, accountID string) error {
	if accountID == "" {
		accountID = config.DefaultAccountID
	}
	m.mu.Lock()
	rt, ok := m.runtimes[runtimeKey(channel, accountID)]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s/%s not running", channel, accountID)
	}

	if m.FlushHook != nil {
		m.FlushHook(channel, accountID)
	}

	rt.cancel()
	select {
	case <-rt.done:
		return nil
	case <-time.After(stopTimeout):
		return fmt.Errorf("%s/%s did not stop within %s", channel, accountID, stopTimeout)
	}
}

// StopAll stops the dispatcher and every running account, in parallel.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if m.dispatch != nil {
		m.dispatch()
		m.dispatch = nil
	}
	var keys []string
	for key, rt := range m.runtimes {
		if rt.status.Running {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, key := range keys {
		channel, accountID, _ := splitRuntimeKey(key)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Stop(channel, accountID); err != nil {
				slog.Warn("channel account stop", "channel", channel, "account", accountID, "error", err)
			}
		}()
	}
	wg.Wait()
}

func splitRuntimeKey(key string) (channel, accountID string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:], true
		}
	}
	return key, "", false
}

// dispatchOutbound consumes bus outbound messages and hands them to
// the owning transport.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		ch, exists := m.registry.Get(msg.Channel)
		if !exists {
			slog.Warn("outbound message for unknown channel", "channel", msg.Channel)
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			slog.Error("outbound send failed",
				"channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
			continue
		}
		m.touchOutbound(msg.Channel, msg.AccountID)
	}
}

// applyDelta merges a transport status delta and broadcasts the result.
func (m *Manager) applyDelta(rt *accountRuntime, d StatusDelta) {
	m.mu.Lock()
	if d.Running != nil {
		rt.status.Running = *d.Running
	}
	if d.LastError != "" {
		rt.status.LastError = d.LastError
	}
	if d.ClearError {
		rt.status.LastError = ""
	}
	if d.LastInboundAt != nil {
		rt.status.LastInboundAt = *d.LastInboundAt
	}
	if d.LastOutboundAt != nil {
		rt.status.LastOutboundAt = *d.LastOutboundAt
	}
	if d.Probe != "" {
		rt.status.Probe = d.Probe
	}
	status := rt.status
	m.mu.Unlock()

	m.broadcastStatus(status)
}

func (m *Manager) markStopped(rt *accountRuntime, lastError string) {
	m.mu.Lock()
	rt.status.Running = false
	rt.status.LastStopAt = time.Now().UnixMilli()
	if lastError != "" {
		rt.status.LastError = lastError
	}
	status := rt.status
	m.mu.Unlock()

	m.broadcastStatus(status)
}

func (m *Manager) touchOutbound(channel, accountID string) {
	if accountID == "" {
		accountID = config.DefaultAccountID
	}
	m.mu.Lock()
	rt, ok := m.runtimes[runtimeKey(channel, accountID)]
	if ok {
		rt.status.LastOutboundAt = time.Now().UnixMilli()
	}
	m.mu.Unlock()
}

func (m *Manager) broadcastStatus(status RuntimeStatus) {
	m.bus.Broadcast(bus.Event{Name: protocol.EventChannelStatus, Payload: status})
}

// Status returns the runtime status for one account.
func (m *Manager) Status(channel, accountID string) (RuntimeStatus, bool) {
	if accountID == "" {
		accountID = config.DefaultAccountID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[runtimeKey(channel, accountID)]
	if !ok {
		return RuntimeStatus{}, false
	}
	return rt.status, true
}

// Statuses lists every known account runtime, ordered by channel then
// account id.
func (m *Manager) Statuses() []RuntimeStatus {
	m.mu.Lock()
	out := make([]RuntimeStatus, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		out = append(out, rt.status)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out
}

// Running reports whether the account's goroutine is live.
func (m *Manager) Running(channel, accountID string) bool {
	st, ok := m.Status(channel, accountID)
	return ok && st.Running
}
