package store

import (
	"strings"

	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/pairing"
	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
	"github.com/nextlevelbuilder/omniclaw/internal/store/db"
	"github.com/nextlevelbuilder/omniclaw/internal/store/file"
)

// Open builds the backend the session.store setting names:
//
//	<dir>              plain JSON files under dir (default)
//	sqlite:<path>      SQLite database at path
//	postgres://<dsn>   Postgres (postgresql:// also accepted)
//
// pairingDir applies to the file backend only; database backends keep
// pairing rows next to the session rows.
func Open(setting, pairingDir string, ttlMs int) (*Stores, error) {
	switch {
	case strings.HasPrefix(setting, "postgres://"), strings.HasPrefix(setting, "postgresql://"):
		handle, err := db.OpenPostgres(setting)
		if err != nil {
			return nil, err
		}
		return NewStores(db.NewSessionStore(handle, ttlMs), db.NewPairingStore(handle), handle.Close), nil

	case strings.HasPrefix(setting, "sqlite:"):
		path := config.ExpandHome(strings.TrimPrefix(setting, "sqlite:"))
		handle, err := db.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return NewStores(db.NewSessionStore(handle, ttlMs), db.NewPairingStore(handle), handle.Close), nil

	default:
		mgr, err := sessions.NewManager(config.ExpandHome(setting), ttlMs)
		if err != nil {
			return nil, err
		}
		svc := pairing.NewService(config.ExpandHome(pairingDir))
		return NewStores(file.NewSessionStore(mgr), file.NewPairingStore(svc), nil), nil
	}
}
