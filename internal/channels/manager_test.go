package channels

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
)

// fakeChannel blocks in StartAccount until its context is cancelled and
// records outbound sends.
type fakeChannel struct {
	name    string
	label   string
	started chan AccountContext
	sent    chan bus.OutboundMessage
	runErr  error
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{
		name:    name,
		label:   strings.ToUpper(name[:1]) + name[1:],
		started: make(chan AccountContext, 4),
		sent:    make(chan bus.OutboundMessage, 4),
	}
}

func (f *fakeChannel) Name() string { return f.name }
func (f *fakeChannel) Meta() Meta   { return Meta{Label: f.label} }

func (f *fakeChannel) Capabilities() Capabilities {
	return Capabilities{ChatTypes: []string{"direct"}, BlockStreaming: true, TextLimit: 4000}
}

func (f *fakeChannel) StartAccount(ctx AccountContext) error {
	f.started <- ctx
	if f.runErr != nil {
		return f.runErr
	}
	<-ctx.Context.Done()
	return nil
}

func (f *fakeChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	f.sent <- msg
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	enabled := true
	cfg.Channels.Telegram.Enabled = &enabled
	cfg.Channels.Telegram.Token = "tok"
	return cfg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestManagerStartStopAccount(t *testing.T) {
	cfg := testConfig()
	fc := newFakeChannel("telegram")
	m := NewManager(cfg, NewRegistry(fc), bus.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	acctx := <-fc.started
	if acctx.AccountID != config.DefaultAccountID {
		t.Errorf("account id = %q", acctx.AccountID)
	}
	if !m.Running("telegram", "default") {
		t.Error("account not reported running")
	}
	if err := m.Start("telegram", "default"); err == nil {
		t.Error("double start should fail")
	}

	if err := m.Stop("telegram", "default"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.Running("telegram", "default") {
		t.Error("account still reported running after stop")
	}
	st, ok := m.Status("telegram", "default")
	if !ok || st.LastStopAt == 0 {
		t.Errorf("status after stop = %+v", st)
	}
}

func TestManagerStopRunsFlushHook(t *testing.T) {
	cfg := testConfig()
	fc := newFakeChannel("telegram")
	m := NewManager(cfg, NewRegistry(fc), bus.New())

	flushed := make(chan string, 1)
	m.FlushHook = func(channel, accountID string) {
		flushed <- channel + "/" + accountID
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	<-fc.started

	if err := m.Stop("telegram", ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case got := <-flushed:
		if got != "telegram/default" {
			t.Errorf("flush hook arg = %q", got)
		}
	default:
		t.Error("flush hook not invoked")
	}
}

func TestManagerOutboundDispatch(t *testing.T) {
	cfg := testConfig()
	fc := newFakeChannel("telegram")
	b := bus.New()
	m := NewManager(cfg, NewRegistry(fc), b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	<-fc.started

	b.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "42", Content: "hi"})

	select {
	case msg := <-fc.sent:
		if msg.ChatID != "42" || msg.Content != "hi" {
			t.Errorf("sent = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("outbound message never dispatched")
	}

	waitFor(t, func() bool {
		st, ok := m.Status("telegram", "default")
		return ok && st.LastOutboundAt != 0
	})
	m.StopAll()
}

func TestManagerStatusBroadcast(t *testing.T) {
	cfg := testConfig()
	fc := newFakeChannel("telegram")
	b := bus.New()
	m := NewManager(cfg, NewRegistry(fc), b)

	events := make(chan bus.Event, 8)
	b.Subscribe("test", func(ev bus.Event) { events <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	acctx := <-fc.started

	select {
	case ev := <-events:
		if ev.Name != "channel.status" {
			t.Errorf("event name = %q", ev.Name)
		}
		st, ok := ev.Payload.(RuntimeStatus)
		if !ok || !st.Running || st.Channel != "telegram" {
			t.Errorf("payload = %+v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no status event on start")
	}

	// Transport-reported delta is merged and rebroadcast.
	now := time.Now().UnixMilli()
	acctx.SetStatus(StatusDelta{LastInboundAt: &now, Probe: "connected"})
	waitFor(t, func() bool {
		st, ok := m.Status("telegram", "default")
		return ok && st.LastInboundAt == now && st.Probe == "connected"
	})
}
