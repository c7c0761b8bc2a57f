// Package pairing implements the DM bootstrap workflow: an unknown
// sender's first message creates a coded request, operator approval
// accretes the sender onto the channel's durable allowlist.
package pairing

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// CodeLength is the size of generated pairing codes.
const CodeLength = 8

// Unambiguous alphabet: no 0/O, 1/I.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var ErrNotFound = errors.New("pairing request not found")

// Request is one pending or approved pairing entry, unique per
// (channel, id). Requests persist until explicitly deleted.
type Request struct {
	ID         string            `json:"id"`
	Code       string            `json:"code"`
	CreatedAt  int64             `json:"createdAt"`            // ms epoch
	ApprovedAt int64             `json:"approvedAt,omitempty"` // ms epoch, 0 = pending
	Meta       map[string]string `json:"meta,omitempty"`
}

// Approved reports whether the operator has approved this request.
func (r Request) Approved() bool { return r.ApprovedAt != 0 }

// channelState is the on-disk document, one per channel.
type channelState struct {
	Requests  []Request `json:"requests"`
	AllowFrom []string  `json:"allowFrom"`
}

// UpsertResult tells the caller whether a pairing reply is due:
// exactly one reply per request lifetime, on Created.
type UpsertResult struct {
	Code    string
	Created bool
}

// Service is the file-backed pairing store. One JSON document per
// channel under dir, written atomically. Safe for concurrent use.
type Service struct {
	dir  string
	mu   sync.Mutex
	now  func() time.Time
	rand io.Reader
}

func NewService(dir string) *Service {
	return &Service{
		dir:  dir,
		now:  time.Now,
		rand: rand.Reader,
	}
}

// UpsertRequest returns the existing request's code for a known
// (channel, id), or files a new request. Created is true only on
// first contact, which is the one moment a pairing reply goes out.
func (s *Service) UpsertRequest(channel, id string, meta map[string]string) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id = strings.TrimSpace(id)
	if id == "" {
		return UpsertResult{}, errors.New("pairing: sender id is required")
	}

	state, err := s.loadLocked(channel)
	if err != nil {
		return UpsertResult{}, err
	}

	for _, req := range state.Requests {
		if req.ID == id {
			return UpsertResult{Code: req.Code}, nil
		}
	}

	existing := map[string]struct{}{}
	for _, req := range state.Requests {
		existing[req.Code] = struct{}{}
	}
	code, err := s.generateCode(existing)
	if err != nil {
		return UpsertResult{}, err
	}

	state.Requests = append(state.Requests, Request{
		ID:        id,
		Code:      code,
		CreatedAt: s.now().UnixMilli(),
		Meta:      meta,
	})
	if err := s.saveLocked(channel, state); err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{Code: code, Created: true}, nil
}

// Approve marks the request approved and appends its id to the
// channel's durable allowlist.
func (s *Service) Approve(channel, id string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.approveLocked(channel, func(r Request) bool { return r.ID == strings.TrimSpace(id) })
}

// ApproveByCode approves whichever request carries the given code.
// Codes are matched case-insensitively.
func (s *Service) ApproveByCode(channel, code string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := NormalizeCode(code)
	return s.approveLocked(channel, func(r Request) bool { return NormalizeCode(r.Code) == want })
}

func (s *Service) approveLocked(channel string, match func(Request) bool) (Request, error) {
	state, err := s.loadLocked(channel)
	if err != nil {
		return Request{}, err
	}

	idx := -1
	for i, req := range state.Requests {
		if match(req) {
			idx = i
			break
		}
	}
	if idx == -1 {
		return Request{}, ErrNotFound
	}

	if state.Requests[idx].ApprovedAt == 0 {
		state.Requests[idx].ApprovedAt = s.now().UnixMilli()
	}
	state.AllowFrom = appendUnique(state.AllowFrom, state.Requests[idx].ID)
	if err := s.saveLocked(channel, state); err != nil {
		return Request{}, err
	}
	return state.Requests[idx], nil
}

// DeleteRequest removes the request entirely. The next DM from that
// sender files a fresh request (and earns a fresh pairing reply).
func (s *Service) DeleteRequest(channel, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked(channel)
	if err != nil {
		return err
	}

	id = strings.TrimSpace(id)
	idx := -1
	for i, req := range state.Requests {
		if req.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrNotFound
	}
	state.Requests = append(state.Requests[:idx], state.Requests[idx+1:]...)
	return s.saveLocked(channel, state)
}

// Revoke removes an id from the channel allowlist and drops any
// request entry for it.
func (s *Service) Revoke(channel, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked(channel)
	if err != nil {
		return err
	}

	id = strings.TrimSpace(id)
	found := false
	kept := state.AllowFrom[:0]
	for _, entry := range state.AllowFrom {
		if entry == id {
			found = true
			continue
		}
		kept = append(kept, entry)
	}
	state.AllowFrom = kept

	reqs := state.Requests[:0]
	for _, req := range state.Requests {
		if req.ID == id {
			found = true
			continue
		}
		reqs = append(reqs, req)
	}
	state.Requests = reqs

	if !found {
		return ErrNotFound
	}
	return s.saveLocked(channel, state)
}

// AllowFrom returns the channel's durable allowlist.
func (s *Service) AllowFrom(channel string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadLocked(channel)
	if err != nil {
		return nil, err
	}
	return state.AllowFrom, nil
}

// Requests returns every request on file for the channel.
func (s *Service) Requests(channel string) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadLocked(channel)
	if err != nil {
		return nil, err
	}
	return state.Requests, nil
}

func (s *Service) path(channel string) string {
	name := strings.ToLower(strings.TrimSpace(channel))
	if name == "" {
		name = "default"
	}
	return filepath.Join(s.dir, name+".json")
}

func (s *Service) loadLocked(channel string) (channelState, error) {
	state := channelState{Requests: []Request{}, AllowFrom: []string{}}
	data, err := os.ReadFile(s.path(channel))
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return state, fmt.Errorf("pairing: read %s: %w", channel, err)
	}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("pairing: parse %s: %w", channel, err)
	}
	return state, nil
}

func (s *Service) saveLocked(channel string, state channelState) error {
	path := s.path(channel)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0600)
}

func (s *Service) generateCode(existing map[string]struct{}) (string, error) {
	for i := 0; i < 20; i++ {
		code, err := randomCode(s.rand, CodeLength)
		if err != nil {
			return "", err
		}
		if _, ok := existing[code]; ok {
			continue
		}
		return code, nil
	}
	return "", errors.New("pairing: failed to generate unique code")
}

// RandomCode draws one pairing code from r.
func RandomCode(r io.Reader) (string, error) {
	return randomCode(r, CodeLength)
}

func randomCode(r io.Reader, length int) (string, error) {
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i := range buf {
		out[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return string(out), nil
}

// NormalizeCode uppercases and trims a user-typed code for comparison.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func appendUnique(list []string, v string) []string {
	for _, entry := range list {
		if entry == v {
			return list
		}
	}
	return append(list, v)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
