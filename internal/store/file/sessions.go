// Package file provides the default storage backend: JSON documents on
// local disk, one per agent for sessions and one per channel for pairing.
package file

import (
	"encoding/json"

	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
)

// SessionStore wraps sessions.Manager for the store interfaces.
type SessionStore struct {
	mgr *sessions.Manager
}

func NewSessionStore(mgr *sessions.Manager) *SessionStore {
	return &SessionStore{mgr: mgr}
}

// Manager exposes the underlying manager for migration tooling.
func (f *SessionStore) Manager() *sessions.Manager { return f.mgr }

func (f *SessionStore) Read(agentID string, skipCache bool) (sessions.Snapshot, error) {
	return f.mgr.Read(agentID, skipCache)
}

func (f *SessionStore) Update(agentID string, mutate func(entries map[string]sessions.Entry) map[string]sessions.Entry) (sessions.Snapshot, error) {
	return f.mgr.Update(agentID, mutate)
}

func (f *SessionStore) Patch(agentID, baseHash string, patches map[string]json.RawMessage) (sessions.Snapshot, error) {
	return f.mgr.Patch(agentID, baseHash, patches)
}

func (f *SessionStore) RecordInbound(rec sessions.InboundRecord) (sessions.Entry, error) {
	return f.mgr.RecordInbound(rec)
}

func (f *SessionStore) Reset(agentID, sessionKey string, now int64) (sessions.Snapshot, error) {
	return f.mgr.Reset(agentID, sessionKey, now)
}

func (f *SessionStore) ListAgents() ([]string, error) {
	return f.mgr.ListAgents()
}
