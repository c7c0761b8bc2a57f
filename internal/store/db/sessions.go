package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
)

const (
	defaultReadTTL  = time.Second
	conflictRetries = 5
	conflictBackoff = 20 * time.Millisecond
)

type cachedDoc struct {
	entries  map[string]sessions.Entry
	hash     string
	loadedAt time.Time
}

// SessionStore keeps each agent's session document in one row. The row
// carries the content hash, so compare-and-swap works across processes
// with a single conditional upsert.
type SessionStore struct {
	db  *DB
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cachedDoc
	group singleflight.Group
}

func NewSessionStore(handle *DB, ttlMs int) *SessionStore {
	ttl := defaultReadTTL
	if ttlMs > 0 {
		ttl = time.Duration(ttlMs) * time.Millisecond
	}
	return &SessionStore{
		db:    handle,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cachedDoc),
	}
}

func (s *SessionStore) Read(agentID string, skipCache bool) (sessions.Snapshot, error) {
	if !skipCache {
		s.mu.Lock()
		if c, ok := s.cache[agentID]; ok && s.now().Sub(c.loadedAt) < s.ttl {
			snap := sessions.Snapshot{Entries: sessions.CloneEntries(c.entries), Hash: c.hash}
			s.mu.Unlock()
			return snap, nil
		}
		s.mu.Unlock()
	}
	v, err, _ := s.group.Do(agentID, func() (any, error) {
		entries, hash, err := s.load(agentID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[agentID] = cachedDoc{entries: sessions.CloneEntries(entries), hash: hash, loadedAt: s.now()}
		s.mu.Unlock()
		return sessions.Snapshot{Entries: entries, Hash: hash}, nil
	})
	if err != nil {
		return sessions.Snapshot{}, err
	}
	snap := v.(sessions.Snapshot)
	return sessions.Snapshot{Entries: sessions.CloneEntries(snap.Entries), Hash: snap.Hash}, nil
}

func (s *SessionStore) Update(agentID string, mutate func(entries map[string]sessions.Entry) map[string]sessions.Entry) (sessions.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt <= conflictRetries; attempt++ {
		entries, hash, err := s.load(agentID)
		if err != nil {
			return sessions.Snapshot{}, err
		}
		updated := mutate(entries)
		if updated == nil {
			updated = entries
		}
		newHash, swapped, err := s.swapLocked(agentID, hash, updated)
		if err != nil {
			return sessions.Snapshot{}, err
		}
		if swapped {
			return sessions.Snapshot{Entries: updated, Hash: newHash}, nil
		}
		// Another process moved the row; reload and run the mutator again.
	}
	return sessions.Snapshot{}, sessions.ErrConflict
}

func (s *SessionStore) Patch(agentID, baseHash string, patches map[string]json.RawMessage) (sessions.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, hash, err := s.load(agentID)
	if err != nil {
		return sessions.Snapshot{}, err
	}
	if hash != baseHash {
		return sessions.Snapshot{}, sessions.ErrConflict
	}
	for key, patch := range patches {
		entry := entries[key]
		if err := entry.ApplyPatch(patch); err != nil {
			return sessions.Snapshot{}, fmt.Errorf("store: patch %s: %w", key, err)
		}
		entry.SessionKey = key
		entries[key] = entry
	}
	newHash, swapped, err := s.swapLocked(agentID, baseHash, entries)
	if err != nil {
		return sessions.Snapshot{}, err
	}
	if !swapped {
		return sessions.Snapshot{}, sessions.ErrConflict
	}
	return sessions.Snapshot{Entries: entries, Hash: newHash}, nil
}

func (s *SessionStore) RecordInbound(rec sessions.InboundRecord) (sessions.Entry, error) {
	var lastErr error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(rand.N(conflictBackoff))
		}
		entries, hash, err := s.load(rec.AgentID)
		if err != nil {
			return sessions.Entry{}, err
		}
		raw, err := rec.BuildPatch(entries[rec.SessionKey])
		if err != nil {
			return sessions.Entry{}, err
		}
		next, err := s.Patch(rec.AgentID, hash, map[string]json.RawMessage{rec.SessionKey: raw})
		if err == nil {
			return next.Entries[rec.SessionKey], nil
		}
		if !errors.Is(err, sessions.ErrConflict) {
			return sessions.Entry{}, err
		}
		lastErr = err
	}
	return sessions.Entry{}, lastErr
}

func (s *SessionStore) Reset(agentID, sessionKey string, now int64) (sessions.Snapshot, error) {
	return s.Update(agentID, func(entries map[string]sessions.Entry) map[string]sessions.Entry {
		e, ok := entries[sessionKey]
		if !ok {
			return entries
		}
		entries[sessionKey] = e.ResetRunState(now)
		return entries
	})
}

func (s *SessionStore) ListAgents() ([]string, error) {
	rows, err := s.db.sql.Query(`SELECT agent_id FROM session_docs ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SessionStore) load(agentID string) (map[string]sessions.Entry, string, error) {
	var doc string
	err := s.db.sql.QueryRow(`SELECT doc FROM session_docs WHERE agent_id = $1`, agentID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		empty := map[string]sessions.Entry{}
		return empty, sessions.Hash(empty), nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("store: load sessions %s: %w", agentID, err)
	}
	entries := map[string]sessions.Entry{}
	if doc != "" {
		if err := json.Unmarshal([]byte(doc), &entries); err != nil {
			return nil, "", fmt.Errorf("store: parse sessions %s: %w", agentID, err)
		}
	}
	return entries, sessions.Hash(entries), nil
}

// swapLocked writes the document if the stored hash still equals baseHash.
// A fresh row inserts unconditionally, which is consistent because absent
// rows load as the empty document. Callers hold s.mu.
func (s *SessionStore) swapLocked(agentID, baseHash string, entries map[string]sessions.Entry) (string, bool, error) {
	doc, err := json.Marshal(entries)
	if err != nil {
		return "", false, fmt.Errorf("store: marshal sessions: %w", err)
	}
	newHash := sessions.Hash(entries)
	res, err := s.db.sql.Exec(`
		INSERT INTO session_docs (agent_id, doc, hash, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id) DO UPDATE
		SET doc = excluded.doc, hash = excluded.hash, updated_at = excluded.updated_at
		WHERE session_docs.hash = $5`,
		agentID, string(doc), newHash, s.now().UnixMilli(), baseHash)
	if err != nil {
		return "", false, fmt.Errorf("store: write sessions %s: %w", agentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if n == 0 {
		return "", false, nil
	}
	s.cache[agentID] = cachedDoc{entries: sessions.CloneEntries(entries), hash: newHash, loadedAt: s.now()}
	return newHash, true, nil
}
