package pairing

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestUpsertRequestSingleReplyPerSender(t *testing.T) {
	svc := NewService(t.TempDir())

	res1, err := svc.UpsertRequest("mezon", "1833682843671203840", nil)
	if err != nil {
		t.Fatalf("UpsertRequest() error = %v", err)
	}
	if !res1.Created {
		t.Fatal("expected first contact to create a request")
	}
	if len(res1.Code) != CodeLength {
		t.Fatalf("code length = %d, want %d", len(res1.Code), CodeLength)
	}

	// Repeat DMs before approval must not create (or reply) again.
	for i := 0; i < 3; i++ {
		res, err := svc.UpsertRequest("mezon", "1833682843671203840", nil)
		if err != nil {
			t.Fatalf("UpsertRequest() error = %v", err)
		}
		if res.Created {
			t.Fatal("repeat contact created a second request")
		}
		if res.Code != res1.Code {
			t.Fatalf("expected same code, got %q and %q", res1.Code, res.Code)
		}
	}

	reqs, err := svc.Requests("mezon")
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 {
		t.Fatalf("requests on file = %d, want 1", len(reqs))
	}
}

func TestApproveAccretesAllowlist(t *testing.T) {
	svc := NewService(t.TempDir())

	if _, err := svc.UpsertRequest("mezon", "user-2", map[string]string{"name": "Alice"}); err != nil {
		t.Fatalf("UpsertRequest() error = %v", err)
	}

	req, err := svc.Approve("mezon", "user-2")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if !req.Approved() {
		t.Fatal("approved request has zero ApprovedAt")
	}
	if req.Meta["name"] != "Alice" {
		t.Errorf("meta lost on approve: %v", req.Meta)
	}

	allow, err := svc.AllowFrom("mezon")
	if err != nil {
		t.Fatal(err)
	}
	if len(allow) != 1 || allow[0] != "user-2" {
		t.Fatalf("allowFrom = %v, want [user-2]", allow)
	}

	// Approving twice must not duplicate the allowlist entry.
	if _, err := svc.Approve("mezon", "user-2"); err != nil {
		t.Fatalf("second Approve() error = %v", err)
	}
	allow, _ = svc.AllowFrom("mezon")
	if len(allow) != 1 {
		t.Fatalf("allowFrom duplicated: %v", allow)
	}
}

func TestApproveByCode(t *testing.T) {
	svc := NewService(t.TempDir())
	res, err := svc.UpsertRequest("discord", "user-9", nil)
	if err != nil {
		t.Fatal(err)
	}

	req, err := svc.ApproveByCode("discord", strings.ToLower(res.Code))
	if err != nil {
		t.Fatalf("ApproveByCode() error = %v", err)
	}
	if req.ID != "user-9" {
		t.Errorf("approved id = %q, want user-9", req.ID)
	}

	if _, err := svc.ApproveByCode("discord", "NOPE1234"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown code error = %v, want ErrNotFound", err)
	}
}

func TestDeleteRequestAllowsFreshPairing(t *testing.T) {
	svc := NewService(t.TempDir())
	res1, _ := svc.UpsertRequest("slack", "user-3", nil)

	if err := svc.DeleteRequest("slack", "user-3"); err != nil {
		t.Fatalf("DeleteRequest() error = %v", err)
	}
	if err := svc.DeleteRequest("slack", "user-3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}

	res2, err := svc.UpsertRequest("slack", "user-3", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res2.Created {
		t.Fatal("post-delete contact should create a fresh request")
	}
	if res1.Code == res2.Code {
		t.Log("fresh request reused the old code (possible but unlikely)")
	}
}

func TestRevokeRemovesAllowlistEntry(t *testing.T) {
	svc := NewService(t.TempDir())
	svc.UpsertRequest("telegram", "user-4", nil)
	if _, err := svc.Approve("telegram", "user-4"); err != nil {
		t.Fatal(err)
	}

	if err := svc.Revoke("telegram", "user-4"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	allow, _ := svc.AllowFrom("telegram")
	if len(allow) != 0 {
		t.Fatalf("allowFrom after revoke = %v, want empty", allow)
	}
	reqs, _ := svc.Requests("telegram")
	if len(reqs) != 0 {
		t.Fatalf("requests after revoke = %v, want empty", reqs)
	}

	if err := svc.Revoke("telegram", "user-4"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second revoke error = %v, want ErrNotFound", err)
	}
}

func TestChannelsAreIsolated(t *testing.T) {
	svc := NewService(t.TempDir())
	svc.UpsertRequest("mezon", "shared-id", nil)
	svc.UpsertRequest("discord", "shared-id", nil)
	if _, err := svc.Approve("mezon", "shared-id"); err != nil {
		t.Fatal(err)
	}

	mz, _ := svc.AllowFrom("mezon")
	dc, _ := svc.AllowFrom("discord")
	if len(mz) != 1 {
		t.Errorf("mezon allowFrom = %v", mz)
	}
	if len(dc) != 0 {
		t.Errorf("discord allowFrom leaked approval: %v", dc)
	}
}

func TestStateSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(dir)
	res, _ := svc.UpsertRequest("mezon", "user-5", nil)
	if _, err := svc.Approve("mezon", "user-5"); err != nil {
		t.Fatal(err)
	}

	// Fresh service over the same directory sees the same state.
	svc2 := NewService(dir)
	res2, err := svc2.UpsertRequest("mezon", "user-5", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Created || res2.Code != res.Code {
		t.Fatalf("reload lost request state: %+v", res2)
	}
	allow, _ := svc2.AllowFrom("mezon")
	if len(allow) != 1 || allow[0] != "user-5" {
		t.Fatalf("reload lost allowlist: %v", allow)
	}

	// File contents follow the documented document shape.
	data, err := os.ReadFile(filepath.Join(dir, "mezon.json"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"requests"`, `"allowFrom"`, `"approvedAt"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("store file missing %s: %s", want, data)
		}
	}
}

func TestConcurrentUpsertsSingleRequest(t *testing.T) {
	svc := NewService(t.TempDir())

	var wg sync.WaitGroup
	created := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.UpsertRequest("mezon", "burst-sender", nil)
			if err != nil {
				t.Errorf("UpsertRequest() error = %v", err)
				return
			}
			created <- res.Created
		}()
	}
	wg.Wait()
	close(created)

	n := 0
	for c := range created {
		if c {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("created count = %d, want exactly 1", n)
	}
}
