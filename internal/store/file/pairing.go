package file

import (
	"github.com/nextlevelbuilder/omniclaw/internal/pairing"
)

// PairingStore wraps pairing.Service for the store interfaces.
type PairingStore struct {
	svc *pairing.Service
}

func NewPairingStore(svc *pairing.Service) *PairingStore {
	return &PairingStore{svc: svc}
}

func (f *PairingStore) UpsertRequest(channel, id string, meta map[string]string) (pairing.UpsertResult, error) {
	return f.svc.UpsertRequest(channel, id, meta)
}

func (f *PairingStore) Approve(channel, id string) (pairing.Request, error) {
	return f.svc.Approve(channel, id)
}

func (f *PairingStore) ApproveByCode(channel, code string) (pairing.Request, error) {
	return f.svc.ApproveByCode(channel, code)
}

func (f *PairingStore) DeleteRequest(channel, id string) error {
	return f.svc.DeleteRequest(channel, id)
}

func (f *PairingStore) Revoke(channel, id string) error {
	return f.svc.Revoke(channel, id)
}

func (f *PairingStore) AllowFrom(channel string) ([]string, error) {
	return f.svc.AllowFrom(channel)
}

func (f *PairingStore) Requests(channel string) ([]pairing.Request, error) {
	return f.svc.Requests(channel)
}
