package sessions

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrConflict is returned by Patch when the caller's base hash no longer
// matches the store. The caller re-reads and retries.
var ErrConflict = errors.New("session store hash conflict")

const (
	defaultReadTTL  = time.Second
	conflictRetries = 5
	conflictBackoff = 20 * time.Millisecond
)

// Snapshot is a point-in-time view of one agent's session document.
// Entries is caller-owned; Hash identifies the exact persisted state.
type Snapshot struct {
	Entries map[string]Entry
	Hash    string
}

type cachedDoc struct {
	entries  map[string]Entry
	hash     string
	loadedAt time.Time
}

// Manager persists one JSON document per agent, keyed by session key.
// Reads are served from a short-lived cache; writes are serialized and
// guarded by an optimistic content hash.
type Manager struct {
	dir string
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cachedDoc
	group singleflight.Group
}

// NewManager creates a file-backed session manager rooted at dir.
// ttlMs bounds read-cache staleness; values <= 0 fall back to one second.
func NewManager(dir string, ttlMs int) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("sessions: empty storage dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessions: create storage dir: %w", err)
	}
	ttl := defaultReadTTL
	if ttlMs > 0 {
		ttl = time.Duration(ttlMs) * time.Millisecond
	}
	return &Manager{
		dir:   dir,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cachedDoc),
	}, nil
}

// Read returns the agent's session document. Cached snapshots younger
// than the TTL are served directly unless skipCache forces a disk load.
// Concurrent fresh loads for the same agent are collapsed.
func (m *Manager) Read(agentID string, skipCache bool) (Snapshot, error) {
	if !skipCache {
		m.mu.Lock()
		if c, ok := m.cache[agentID]; ok && m.now().Sub(c.loadedAt) < m.ttl {
			snap := Snapshot{Entries: CloneEntries(c.entries), Hash: c.hash}
			m.mu.Unlock()
			return snap, nil
		}
		m.mu.Unlock()
	}
	v, err, _ := m.group.Do(agentID, func() (any, error) {
		entries, hash, err := m.loadFile(agentID)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.cache[agentID] = cachedDoc{entries: CloneEntries(entries), hash: hash, loadedAt: m.now()}
		m.mu.Unlock()
		return Snapshot{Entries: entries, Hash: hash}, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	snap := v.(Snapshot)
	return Snapshot{Entries: CloneEntries(snap.Entries), Hash: snap.Hash}, nil
}

// Update loads the document fresh, hands the map to mutate, and persists
// whatever it returns. The map passed in is private to the mutator, so
// in-place modification is fine. Returning nil keeps the loaded state.
func (m *Manager) Update(agentID string, mutate func(entries map[string]Entry) map[string]Entry) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, _, err := m.loadFile(agentID)
	if err != nil {
		return Snapshot{}, err
	}
	updated := mutate(entries)
	if updated == nil {
		updated = entries
	}
	hash, err := m.persistLocked(agentID, updated)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Entries: updated, Hash: hash}, nil
}

// Patch merges partial JSON objects onto entries, but only if baseHash
// still matches the persisted state. Otherwise ErrConflict.
func (m *Manager) Patch(agentID, baseHash string, patches map[string]json.RawMessage) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, hash, err := m.loadFile(agentID)
	if err != nil {
		return Snapshot{}, err
	}
	if hash != baseHash {
		return Snapshot{}, ErrConflict
	}
	for key, patch := range patches {
		entry := entries[key]
		if err := entry.ApplyPatch(patch); err != nil {
			return Snapshot{}, fmt.Errorf("sessions: patch %s: %w", key, err)
		}
		entry.SessionKey = key
		entries[key] = entry
	}
	newHash, err := m.persistLocked(agentID, entries)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Entries: entries, Hash: newHash}, nil
}

// InboundRecord names the fields an inbound message is allowed to touch.
// Everything else in the entry is preserved as stored.
type InboundRecord struct {
	AgentID    string
	SessionKey string
	ChatType   string
	Label      string
	SpawnedBy  string
	// Now is the caller's wall clock in milliseconds.
	Now int64
}

// BuildPatch renders the partial entry an inbound message writes. Only
// the record's own fields appear, so stored values like model or
// provider overrides are never clobbered by a concurrent run finishing.
// updatedAt moves to max(current, rec.Now).
func (rec InboundRecord) BuildPatch(cur Entry) (json.RawMessage, error) {
	patch := map[string]any{
		"sessionKey": rec.SessionKey,
		"agentId":    rec.AgentID,
		"updatedAt":  max(cur.UpdatedAt, rec.Now),
	}
	if rec.ChatType != "" {
		patch["chatType"] = rec.ChatType
	}
	if rec.Label != "" {
		patch["label"] = rec.Label
	}
	if rec.SpawnedBy != "" {
		patch["spawnedBy"] = rec.SpawnedBy
	}
	return json.Marshal(patch)
}

// RecordInbound stamps a session entry for an incoming message.
// Conflicts retry with jitter; exhaustion surfaces ErrConflict and the
// caller decides whether the message still flows.
func (m *Manager) RecordInbound(rec InboundRecord) (Entry, error) {
	var lastErr error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(rand.N(conflictBackoff))
		}
		// Load straight from disk: a shared in-flight read could hand
		// back a hash from before the conflicting write and waste the
		// retry on the same conflict.
		entries, hash, err := m.loadFile(rec.AgentID)
		if err != nil {
			return Entry{}, err
		}
		raw, err := rec.BuildPatch(entries[rec.SessionKey])
		if err != nil {
			return Entry{}, err
		}
		next, err := m.Patch(rec.AgentID, hash, map[string]json.RawMessage{rec.SessionKey: raw})
		if err == nil {
			return next.Entries[rec.SessionKey], nil
		}
		if !errors.Is(err, ErrConflict) {
			return Entry{}, err
		}
		lastErr = err
	}
	return Entry{}, lastErr
}

// Reset clears the run-state fields of one entry so the next inbound
// starts a fresh CLI session. Overrides and counters survive. Missing
// entries are a no-op.
func (m *Manager) Reset(agentID, sessionKey string, now int64) (Snapshot, error) {
	return m.Update(agentID, func(entries map[string]Entry) map[string]Entry {
		e, ok := entries[sessionKey]
		if !ok {
			return entries
		}
		entries[sessionKey] = e.ResetRunState(now)
		return entries
	})
}

// ListAgents returns the agent ids with a session document on disk.
func (m *Manager) ListAgents() ([]string, error) {
	items, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, item := range items {
		name := item.Name()
		if item.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) loadFile(agentID string) (map[string]Entry, string, error) {
	path, err := m.filePath(agentID)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			empty := map[string]Entry{}
			return empty, Hash(empty), nil
		}
		return nil, "", fmt.Errorf("sessions: read %s: %w", path, err)
	}
	entries := map[string]Entry{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, "", fmt.Errorf("sessions: parse %s: %w", path, err)
		}
	}
	return entries, Hash(entries), nil
}

// persistLocked writes the document atomically and refreshes the cache.
// Callers hold m.mu.
func (m *Manager) persistLocked(agentID string, entries map[string]Entry) (string, error) {
	path, err := m.filePath(agentID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", fmt.Errorf("sessions: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(m.dir, "session-*.tmp")
	if err != nil {
		return "", fmt.Errorf("sessions: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sessions: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sessions: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("sessions: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("sessions: rename: %w", err)
	}
	cleanup = false

	hash := Hash(entries)
	m.cache[agentID] = cachedDoc{entries: CloneEntries(entries), hash: hash, loadedAt: m.now()}
	return hash, nil
}

func (m *Manager) filePath(agentID string) (string, error) {
	name := sanitizeFilename(agentID)
	if name == "" || !filepath.IsLocal(name) {
		return "", fmt.Errorf("sessions: invalid agent id %q", agentID)
	}
	return filepath.Join(m.dir, name+".json"), nil
}

func sanitizeFilename(id string) string {
	id = strings.ReplaceAll(id, ":", "_")
	id = strings.ReplaceAll(id, string(os.PathSeparator), "_")
	return id
}

// Hash fingerprints the document content. encoding/json sorts map
// keys, so equal content always hashes equal.
func Hash(entries map[string]Entry) string {
	data, err := json.Marshal(entries)
	if err != nil {
		data = []byte(fmt.Sprintf("unhashable:%v", err))
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:16])
}
