package channels

import (
	"errors"
	"testing"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/pairing"
)

// fakePairing implements store.PairingStore in memory.
type fakePairing struct {
	allow    map[string][]string
	requests map[string]pairing.Request
	upserts  int
	fail     bool
}

func newFakePairing() *fakePairing {
	return &fakePairing{
		allow:    map[string][]string{},
		requests: map[string]pairing.Request{},
	}
}

func (f *fakePairing) UpsertRequest(channel, id string, meta map[string]string) (pairing.UpsertResult, error) {
	if f.fail {
		return pairing.UpsertResult{}, errors.New("store unavailable")
	}
	f.upserts++
	key := channel + "/" + id
	if req, ok := f.requests[key]; ok {
		return pairing.UpsertResult{Code: req.Code, Created: false}, nil
	}
	req := pairing.Request{ID: id, Code: "A7PXK2MQ", Meta: meta}
	f.requests[key] = req
	return pairing.UpsertResult{Code: req.Code, Created: true}, nil
}

func (f *fakePairing) Approve(channel, id string) (pairing.Request, error) {
	return pairing.Request{}, nil
}

func (f *fakePairing) ApproveByCode(channel, code string) (pairing.Request, error) {
	return pairing.Request{}, nil
}

func (f *fakePairing) DeleteRequest(channel, id string) error { return nil }
func (f *fakePairing) Revoke(channel, id string) error        { return nil }

func (f *fakePairing) AllowFrom(channel string) ([]string, error) {
	if f.fail {
		return nil, errors.New("store unavailable")
	}
	return f.allow[channel], nil
}

func (f *fakePairing) Requests(channel string) ([]pairing.Request, error) { return nil, nil }

func dmMsg(channel, sender, content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:  channel,
		SenderID: sender,
		ChatType: bus.ChatTypeDirect,
		Content:  content,
	}
}

func groupMsg(channel, sender, content string) bus.InboundMessage {
	m := dmMsg(channel, sender, content)
	m.ChatType = bus.ChatTypeGroup
	m.GroupID = "g1"
	return m
}

func account(cfg config.AccountConfig) config.EffectiveAccount {
	return config.EffectiveAccount{Channel: "mezon", AccountID: "default", Config: cfg}
}

func TestNormalizeEntryIdempotent(t *testing.T) {
	cases := map[string]string{
		"  @Alice ":                "alice",
		"mezon:1833682843671203840": "1833682843671203840",
		"tg:@SomeUser":             "someuser",
		"telegram:tg:123":          "123",
		"signal:+15551234567":      "+15551234567",
		"plain":                    "plain",
	}
	for in, want := range cases {
		got := NormalizeEntry(in)
		if got != want {
			t.Errorf("NormalizeEntry(%q) = %q, want %q", in, got, want)
		}
		if again := NormalizeEntry(got); again != got {
			t.Errorf("NormalizeEntry not idempotent: %q -> %q", got, again)
		}
	}
}

func TestSenderAllowedCompoundEntries(t *testing.T) {
	allow := FormatAllowFrom([]string{"123|alice", "@bob"})

	tests := []struct {
		sender, name string
		want         bool
	}{
		{"123", "", true},
		{"999", "Alice", true},
		{"bob", "", true},
		{"999", "bob", true},
		{"999", "carol", false},
	}
	for _, tt := range tests {
		if got := senderAllowed(allow, tt.sender, tt.name); got != tt.want {
			t.Errorf("senderAllowed(%q, %q) = %v, want %v", tt.sender, tt.name, got, tt.want)
		}
	}
}

func TestGatePairingFlow(t *testing.T) {
	cfg := config.Default()
	fp := newFakePairing()
	g := NewGate(cfg, fp)
	acc := account(config.AccountConfig{DMPolicy: DMPolicyPairing})

	msg := dmMsg("mezon", "1833682843671203840", "hello")

	// First contact: one pairing reply with the code.
	res := g.Evaluate(acc, msg)
	if res.Action != GatePairReply {
		t.Fatalf("first contact action = %v, want GatePairReply", res.Action)
	}
	if res.PairingCode != "A7PXK2MQ" {
		t.Errorf("code = %q", res.PairingCode)
	}

	// Repeat before approval: silent drop, no duplicate reply.
	res = g.Evaluate(acc, msg)
	if res.Action != GateDrop {
		t.Errorf("repeat action = %v, want GateDrop", res.Action)
	}

	// After approval the durable allowlist admits the sender.
	fp.allow["mezon"] = []string{"1833682843671203840"}
	res = g.Evaluate(acc, msg)
	if res.Action != GateAccept {
		t.Errorf("approved action = %v, want GateAccept", res.Action)
	}
}

func TestGateDMPolicies(t *testing.T) {
	cfg := config.Default()
	fp := newFakePairing()
	fp.allow["mezon"] = []string{"paired-user"}
	g := NewGate(cfg, fp)

	tests := []struct {
		name   string
		cfg    config.AccountConfig
		sender string
		want   GateAction
	}{
		{"disabled drops everyone", config.AccountConfig{DMPolicy: DMPolicyDisabled}, "paired-user", GateDrop},
		{"open accepts anyone", config.AccountConfig{DMPolicy: DMPolicyOpen}, "stranger", GateAccept},
		{"allowlist drops unknown", config.AccountConfig{DMPolicy: DMPolicyAllowlist}, "stranger", GateDrop},
		{"allowlist accepts configured", config.AccountConfig{
			DMPolicy:  DMPolicyAllowlist,
			AllowFrom: []string{"@Stranger"},
		}, "stranger", GateAccept},
		{"allowlist accepts paired", config.AccountConfig{DMPolicy: DMPolicyAllowlist}, "paired-user", GateAccept},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := g.Evaluate(account(tt.cfg), dmMsg("mezon", tt.sender, "hi"))
			if res.Action != tt.want {
				t.Errorf("action = %v, want %v (reason %q)", res.Action, tt.want, res.Reason)
			}
		})
	}
}

func TestGateGroupPolicies(t *testing.T) {
	cfg := config.Default()
	g := NewGate(cfg, newFakePairing())

	open := account(config.AccountConfig{GroupPolicy: GroupPolicyOpen})
	if res := g.Evaluate(open, groupMsg("mezon", "anyone", "hi")); res.Action != GateAccept {
		t.Errorf("open group: %v", res.Action)
	}

	disabled := account(config.AccountConfig{GroupPolicy: GroupPolicyDisabled})
	if res := g.Evaluate(disabled, groupMsg("mezon", "anyone", "hi")); res.Action != GateDrop {
		t.Errorf("disabled group: %v", res.Action)
	}

	// Allowlist with no entries drops everyone.
	emptyAllow := account(config.AccountConfig{GroupPolicy: GroupPolicyAllowlist})
	if res := g.Evaluate(emptyAllow, groupMsg("mezon", "anyone", "hi")); res.Action != GateDrop {
		t.Errorf("empty group allowlist: %v", res.Action)
	}

	listed := account(config.AccountConfig{
		GroupPolicy:    GroupPolicyAllowlist,
		GroupAllowFrom: []string{"lead"},
	})
	if res := g.Evaluate(listed, groupMsg("mezon", "lead", "hi")); res.Action != GateAccept {
		t.Errorf("listed group sender: %v", res.Action)
	}
	if res := g.Evaluate(listed, groupMsg("mezon", "other", "hi")); res.Action != GateDrop {
		t.Errorf("unlisted group sender: %v", res.Action)
	}
}

func TestGateControlCommandAuthorization(t *testing.T) {
	cfg := config.Default()
	cfg.Commands.UseAccessGroups = true
	cfg.Commands.AccessGroups = map[string]config.FlexibleStringSlice{
		"admins": {"boss"},
	}
	g := NewGate(cfg, newFakePairing())
	acc := account(config.AccountConfig{
		DMPolicy:  DMPolicyAllowlist,
		AllowFrom: []string{"boss", "member"},
	})

	// Group member in an access group may run control commands.
	res := g.Evaluate(acc, dmMsg("mezon", "boss", "/reset"))
	if res.Action != GateAccept || res.CommandAuthorized == nil || !*res.CommandAuthorized {
		t.Errorf("admin command: %+v", res)
	}

	// Allowed sender outside every access group is unauthorized but the
	// DM still flows (the pipeline surfaces the refusal).
	res = g.Evaluate(acc, dmMsg("mezon", "member", "/reset"))
	if res.Action != GateAccept || res.CommandAuthorized == nil || *res.CommandAuthorized {
		t.Errorf("non-admin DM command: %+v", res)
	}

	// In groups an unauthorized control command is dropped outright.
	gacc := account(config.AccountConfig{
		GroupPolicy: GroupPolicyOpen,
		AllowFrom:   []string{"boss", "member"},
	})
	res = g.Evaluate(gacc, groupMsg("mezon", "member", "/reset"))
	if res.Action != GateDrop {
		t.Errorf("non-admin group command: %+v", res)
	}
	res = g.Evaluate(gacc, groupMsg("mezon", "boss", "/reset now"))
	if res.Action != GateAccept || res.CommandAuthorized == nil || !*res.CommandAuthorized {
		t.Errorf("admin group command: %+v", res)
	}
}

func TestGateCommandWithoutAccessGroups(t *testing.T) {
	cfg := config.Default()
	g := NewGate(cfg, newFakePairing())
	acc := account(config.AccountConfig{DMPolicy: DMPolicyOpen})

	res := g.Evaluate(acc, dmMsg("mezon", "anyone", "/status"))
	if res.Action != GateAccept || res.CommandAuthorized == nil || !*res.CommandAuthorized {
		t.Errorf("open-policy command: %+v", res)
	}

	res = g.Evaluate(acc, dmMsg("mezon", "anyone", "plain text"))
	if res.CommandAuthorized != nil {
		t.Errorf("non-command flagged: %+v", res)
	}
}

func TestControlCommandDetection(t *testing.T) {
	tests := []struct {
		text string
		cmd  string
		ok   bool
	}{
		{"/new", "/new", true},
		{"/Status@mybot please", "/status", true},
		{"  /help", "/help", true},
		{"/unknown", "", false},
		{"say /new", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		cmd, ok := ControlCommand(tt.text)
		if cmd != tt.cmd || ok != tt.ok {
			t.Errorf("ControlCommand(%q) = %q/%v, want %q/%v", tt.text, cmd, ok, tt.cmd, tt.ok)
		}
	}
}

func TestGatePairingStoreFailureDrops(t *testing.T) {
	fp := newFakePairing()
	fp.fail = true
	g := NewGate(config.Default(), fp)
	acc := account(config.AccountConfig{DMPolicy: DMPolicyPairing})

	res := g.Evaluate(acc, dmMsg("mezon", "someone", "hi"))
	if res.Action != GateDrop {
		t.Errorf("store failure action = %v, want GateDrop", res.Action)
	}
}
