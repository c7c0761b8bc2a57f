package gateway

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/channels"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/store"
	"github.com/nextlevelbuilder/omniclaw/pkg/protocol"
)

func testServer(t *testing.T) *Server {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()

	stores, err := store.Open(filepath.Join(dir, "sessions"), filepath.Join(dir, "pairing"), 0)
	if err != nil {
		t.Fatalf("open stores: %v", err)
	}

	msgBus := bus.New()
	registry := channels.NewRegistry()
	manager := channels.NewManager(cfg, registry, msgBus)

	return NewServer(Options{
		Config:     cfg,
		ConfigPath: filepath.Join(dir, "config.json"),
		Bus:        msgBus,
		Stores:     stores,
		Manager:    manager,
		Registry:   registry,
	})
}

func call(t *testing.T, s *Server, method string, params interface{}) *protocol.ResponseFrame {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		raw = data
	}
	return s.router.Handle(context.Background(), protocol.RequestFrame{
		Type: "req", ID: "t1", Method: method, Params: raw,
	})
}

func TestUnknownMethod(t *testing.T) {
	s := testServer(t)
	res := call(t, s, "no.such.method", nil)
	if res.OK {
		t.Fatal("expected error response")
	}
	if res.Error.Code != protocol.ErrNotFound {
		t.Fatalf("code = %q, want %q", res.Error.Code, protocol.ErrNotFound)
	}
}

func TestConnectReportsProtocolAndHash(t *testing.T) {
	s := testServer(t)
	res := call(t, s, protocol.MethodConnect, nil)
	if !res.OK {
		t.Fatalf("connect failed: %+v", res.Error)
	}
	payload := res.Payload.(map[string]interface{})
	if payload["protocol"] != protocol.ProtocolVersion {
		t.Fatalf("protocol = %v, want %d", payload["protocol"], protocol.ProtocolVersion)
	}
	if payload["configHash"] != s.opts.Config.Hash() {
		t.Fatalf("configHash = %v", payload["configHash"])
	}
}

func TestConfigPatchConflict(t *testing.T) {
	s := testServer(t)
	res := call(t, s, protocol.MethodConfigPatch, map[string]interface{}{
		"config":   map[string]interface{}{},
		"baseHash": "stale0000",
	})
	if res.OK {
		t.Fatal("expected conflict")
	}
	if res.Error.Code != protocol.ErrConflict {
		t.Fatalf("code = %q, want %q", res.Error.Code, protocol.ErrConflict)
	}
}

func TestConfigPatchAppliesAndPersists(t *testing.T) {
	s := testServer(t)
	before := s.opts.Config.Hash()

	doc := s.opts.Config.MaskedCopy()
	doc.Logging.Level = "debug"
	res := call(t, s, protocol.MethodConfigPatch, map[string]interface{}{
		"config":   doc,
		"baseHash": before,
	})
	if !res.OK {
		t.Fatalf("patch failed: %+v", res.Error)
	}
	if s.opts.Config.Logging.Level != "debug" {
		t.Fatalf("Logging.Level = %q after patch", s.opts.Config.Logging.Level)
	}
	if s.opts.Config.Hash() == before {
		t.Fatal("hash unchanged after patch")
	}

	loaded, err := config.Load(s.opts.ConfigPath)
	if err != nil {
		t.Fatalf("load persisted config: %v", err)
	}
	if loaded.Logging.Level != "debug" {
		t.Fatalf("persisted Logging.Level = %q", loaded.Logging.Level)
	}
}

func TestConfigPatchKeepsSecretsThroughMask(t *testing.T) {
	s := testServer(t)
	s.opts.Config.Gateway.Token = "supersecret"

	doc := s.opts.Config.MaskedCopy()
	doc.Gateway.Port = 9999
	res := call(t, s, protocol.MethodConfigPatch, map[string]interface{}{
		"config":   doc,
		"baseHash": s.opts.Config.Hash(),
	})
	if !res.OK {
		t.Fatalf("patch failed: %+v", res.Error)
	}
	if s.opts.Config.Gateway.Port != 9999 {
		t.Fatalf("Gateway.Port = %d", s.opts.Config.Gateway.Port)
	}
	if s.opts.Config.Gateway.Token != "supersecret" {
		t.Fatalf("masked token leaked into config: %q", s.opts.Config.Gateway.Token)
	}
}

func TestSessionsResetAndList(t *testing.T) {
	s := testServer(t)

	res := call(t, s, protocol.MethodSessionsReset, map[string]string{
		"agent": "main", "sessionKey": "agent:main:main",
	})
	if !res.OK {
		t.Fatalf("reset failed: %+v", res.Error)
	}

	res = call(t, s, protocol.MethodSessionsList, map[string]string{"agent": "main"})
	if !res.OK {
		t.Fatalf("list failed: %+v", res.Error)
	}
}

func TestSessionsPatchRequiresAgent(t *testing.T) {
	s := testServer(t)
	res := call(t, s, protocol.MethodSessionsPatch, map[string]interface{}{
		"patches": map[string]interface{}{"k": map[string]string{}},
	})
	if res.OK || res.Error.Code != protocol.ErrInvalidRequest {
		t.Fatalf("got %+v, want invalid_request", res)
	}
}

func TestPairingApproveLifecycle(t *testing.T) {
	s := testServer(t)

	up, err := s.opts.Stores.Pairing.UpsertRequest("telegram", "12345", map[string]string{"name": "ada"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	res := call(t, s, protocol.MethodPairingApprove, map[string]string{
		"channel": "telegram", "code": up.Code,
	})
	if !res.OK {
		t.Fatalf("approve failed: %+v", res.Error)
	}

	allowed, err := s.opts.Stores.Pairing.AllowFrom("telegram")
	if err != nil {
		t.Fatalf("allowFrom: %v", err)
	}
	if len(allowed) != 1 || allowed[0] != "12345" {
		t.Fatalf("allowlist = %v", allowed)
	}

	res = call(t, s, protocol.MethodPairingRevoke, map[string]string{
		"channel": "telegram", "id": "12345",
	})
	if !res.OK {
		t.Fatalf("revoke failed: %+v", res.Error)
	}
}

func TestPairingApproveUnknownCode(t *testing.T) {
	s := testServer(t)
	res := call(t, s, protocol.MethodPairingApprove, map[string]string{
		"channel": "telegram", "code": "ZZZZZZ",
	})
	if res.OK || res.Error.Code != protocol.ErrNotFound {
		t.Fatalf("got %+v, want not_found", res)
	}
}

func TestChannelsStartUnknown(t *testing.T) {
	s := testServer(t)
	res := call(t, s, protocol.MethodChannelsStart, map[string]string{"channel": "nonexistent"})
	if res.OK {
		t.Fatal("expected error for unknown channel")
	}
}

func TestCronWithoutScheduler(t *testing.T) {
	s := testServer(t)

	res := call(t, s, protocol.MethodCronList, nil)
	if !res.OK {
		t.Fatalf("cron.list failed: %+v", res.Error)
	}

	res = call(t, s, protocol.MethodCronRun, map[string]string{"id": "x"})
	if res.OK || res.Error.Code != protocol.ErrNotFound {
		t.Fatalf("got %+v, want not_found", res)
	}
}

func TestRateLimiterDisabledByZero(t *testing.T) {
	l := newConnLimiter(0)
	for i := 0; i < 1000; i++ {
		if !l.Allow() {
			t.Fatal("disabled limiter refused a request")
		}
	}
}

func TestRateLimiterBursts(t *testing.T) {
	l := newConnLimiter(60)
	granted := 0
	for i := 0; i < 100; i++ {
		if l.Allow() {
			granted++
		}
	}
	if granted == 0 || granted == 100 {
		t.Fatalf("granted = %d, want burst-bounded middle ground", granted)
	}
}
