// Package store defines the durable-state interfaces and the backend
// selector. Three backends exist: plain files (default), SQLite, and
// Postgres, chosen by the session.store setting.
package store

import (
	"encoding/json"

	"github.com/nextlevelbuilder/omniclaw/internal/pairing"
	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
)

// SessionStore manages per-agent session documents with optimistic
// concurrency. See sessions.Manager for the reference semantics.
type SessionStore interface {
	Read(agentID string, skipCache bool) (sessions.Snapshot, error)
	Update(agentID string, mutate func(entries map[string]sessions.Entry) map[string]sessions.Entry) (sessions.Snapshot, error)
	Patch(agentID, baseHash string, patches map[string]json.RawMessage) (sessions.Snapshot, error)
	RecordInbound(rec sessions.InboundRecord) (sessions.Entry, error)
	Reset(agentID, sessionKey string, now int64) (sessions.Snapshot, error)
	ListAgents() ([]string, error)
}

// PairingStore manages DM pairing requests and per-channel allowlists.
type PairingStore interface {
	UpsertRequest(channel, id string, meta map[string]string) (pairing.UpsertResult, error)
	Approve(channel, id string) (pairing.Request, error)
	ApproveByCode(channel, code string) (pairing.Request, error)
	DeleteRequest(channel, id string) error
	Revoke(channel, id string) error
	AllowFrom(channel string) ([]string, error)
	Requests(channel string) ([]pairing.Request, error)
}

// Stores bundles the storage backends the gateway runs on.
type Stores struct {
	Sessions SessionStore
	Pairing  PairingStore

	closer func() error
}

// NewStores builds a container; close may be nil for backends with
// nothing to release.
func NewStores(sessions SessionStore, pairing PairingStore, close func() error) *Stores {
	return &Stores{Sessions: sessions, Pairing: pairing, closer: close}
}

// Close releases backend resources (database handles). Safe on nil and
// file-backed containers.
func (s *Stores) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer()
}
