package db

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/omniclaw/internal/pairing"
)

// PairingStore keeps one row per channel: the request list as a JSON
// column and the allowlist in the dialect's native shape, TEXT[] on
// Postgres and a JSON array on SQLite.
type PairingStore struct {
	db   *DB
	mu   sync.Mutex
	now  func() time.Time
	rand io.Reader
}

func NewPairingStore(handle *DB) *PairingStore {
	return &PairingStore{db: handle, now: time.Now, rand: rand.Reader}
}

type pairingState struct {
	requests  []pairing.Request
	allowFrom []string
}

func (s *PairingStore) UpsertRequest(channel, id string, meta map[string]string) (pairing.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id = strings.TrimSpace(id)
	if id == "" {
		return pairing.UpsertResult{}, errors.New("pairing: sender id is required")
	}

	state, err := s.load(channel)
	if err != nil {
		return pairing.UpsertResult{}, err
	}

	for _, req := range state.requests {
		if req.ID == id {
			return pairing.UpsertResult{Code: req.Code}, nil
		}
	}

	code, err := s.uniqueCode(state.requests)
	if err != nil {
		return pairing.UpsertResult{}, err
	}
	state.requests = append(state.requests, pairing.Request{
		ID:        id,
		Code:      code,
		CreatedAt: s.now().UnixMilli(),
		Meta:      meta,
	})
	if err := s.save(channel, state); err != nil {
		return pairing.UpsertResult{}, err
	}
	return pairing.UpsertResult{Code: code, Created: true}, nil
}

func (s *PairingStore) Approve(channel, id string) (pairing.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.approveLocked(channel, func(r pairing.Request) bool { return r.ID == strings.TrimSpace(id) })
}

func (s *PairingStore) ApproveByCode(channel, code string) (pairing.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := pairing.NormalizeCode(code)
	return s.approveLocked(channel, func(r pairing.Request) bool { return pairing.NormalizeCode(r.Code) == want })
}

func (s *PairingStore) approveLocked(channel string, match func(pairing.Request) bool) (pairing.Request, error) {
	state, err := s.load(channel)
	if err != nil {
		return pairing.Request{}, err
	}

	idx := -1
	for i, req := range state.requests {
		if match(req) {
			idx = i
			break
		}
	}
	if idx == -1 {
		return pairing.Request{}, pairing.ErrNotFound
	}

	if state.requests[idx].ApprovedAt == 0 {
		state.requests[idx].ApprovedAt = s.now().UnixMilli()
	}
	state.allowFrom = appendUnique(state.allowFrom, state.requests[idx].ID)
	if err := s.save(channel, state); err != nil {
		return pairing.Request{}, err
	}
	return state.requests[idx], nil
}

func (s *PairingStore) DeleteRequest(channel, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load(channel)
	if err != nil {
		return err
	}

	id = strings.TrimSpace(id)
	idx := -1
	for i, req := range state.requests {
		if req.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return pairing.ErrNotFound
	}
	state.requests = append(state.requests[:idx], state.requests[idx+1:]...)
	return s.save(channel, state)
}

func (s *PairingStore) Revoke(channel, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load(channel)
	if err != nil {
		return err
	}

	id = strings.TrimSpace(id)
	found := false
	kept := state.allowFrom[:0]
	for _, entry := range state.allowFrom {
		if entry == id {
			found = true
			continue
		}
		kept = append(kept, entry)
	}
	state.allowFrom = kept

	reqs := state.requests[:0]
	for _, req := range state.requests {
		if req.ID == id {
			found = true
			continue
		}
		reqs = append(reqs, req)
	}
	state.requests = reqs

	if !found {
		return pairing.ErrNotFound
	}
	return s.save(channel, state)
}

func (s *PairingStore) AllowFrom(channel string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load(channel)
	if err != nil {
		return nil, err
	}
	return state.allowFrom, nil
}

func (s *PairingStore) Requests(channel string) ([]pairing.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load(channel)
	if err != nil {
		return nil, err
	}
	return state.requests, nil
}

func (s *PairingStore) uniqueCode(requests []pairing.Request) (string, error) {
	taken := map[string]struct{}{}
	for _, req := range requests {
		taken[req.Code] = struct{}{}
	}
	for range 20 {
		code, err := pairing.RandomCode(s.rand)
		if err != nil {
			return "", err
		}
		if _, ok := taken[code]; ok {
			continue
		}
		return code, nil
	}
	return "", errors.New("pairing: failed to generate unique code")
}

func (s *PairingStore) load(channel string) (pairingState, error) {
	channel = strings.ToLower(channel)
	var reqJSON string
	var state pairingState

	switch s.db.dialect {
	case DialectPostgres:
		var allow pq.StringArray
		err := s.db.sql.QueryRow(
			`SELECT requests, allow_from FROM pairing_channels WHERE channel = $1`, channel,
		).Scan(&reqJSON, &allow)
		if errors.Is(err, sql.ErrNoRows) {
			return pairingState{}, nil
		}
		if err != nil {
			return pairingState{}, fmt.Errorf("store: load pairing %s: %w", channel, err)
		}
		state.allowFrom = []string(allow)
	default:
		var allowJSON string
		err := s.db.sql.QueryRow(
			`SELECT requests, allow_from FROM pairing_channels WHERE channel = $1`, channel,
		).Scan(&reqJSON, &allowJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return pairingState{}, nil
		}
		if err != nil {
			return pairingState{}, fmt.Errorf("store: load pairing %s: %w", channel, err)
		}
		if allowJSON != "" {
			if err := json.Unmarshal([]byte(allowJSON), &state.allowFrom); err != nil {
				return pairingState{}, fmt.Errorf("store: parse pairing allowlist %s: %w", channel, err)
			}
		}
	}

	if reqJSON != "" {
		if err := json.Unmarshal([]byte(reqJSON), &state.requests); err != nil {
			return pairingState{}, fmt.Errorf("store: parse pairing requests %s: %w", channel, err)
		}
	}
	return state, nil
}

func (s *PairingStore) save(channel string, state pairingState) error {
	channel = strings.ToLower(channel)
	if state.requests == nil {
		state.requests = []pairing.Request{}
	}
	if state.allowFrom == nil {
		state.allowFrom = []string{}
	}
	reqJSON, err := json.Marshal(state.requests)
	if err != nil {
		return fmt.Errorf("store: marshal pairing requests: %w", err)
	}

	const upsert = `
		INSERT INTO pairing_channels (channel, requests, allow_from, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel) DO UPDATE
		SET requests = excluded.requests, allow_from = excluded.allow_from, updated_at = excluded.updated_at`

	switch s.db.dialect {
	case DialectPostgres:
		_, err = s.db.sql.Exec(upsert, channel, string(reqJSON), pq.Array(state.allowFrom), s.now().UnixMilli())
	default:
		var allowJSON []byte
		allowJSON, err = json.Marshal(state.allowFrom)
		if err != nil {
			return fmt.Errorf("store: marshal pairing allowlist: %w", err)
		}
		_, err = s.db.sql.Exec(upsert, channel, string(reqJSON), string(allowJSON), s.now().UnixMilli())
	}
	if err != nil {
		return fmt.Errorf("store: write pairing %s: %w", channel, err)
	}
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, entry := range list {
		if entry == v {
			return list
		}
	}
	return append(list, v)
}
