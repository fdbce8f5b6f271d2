package main

import (
	"fmt"
	"path/filepath"

	"github.com/fortiblox/X1-Lazypages/pkg/pagestore"
)

// openStore opens the configured page store.
func openStore(s *settings) (pagestore.Store, error) {
	var (
		store pagestore.Store
		err   error
	)
	switch s.Store {
	case storeBadger:
		cfg := pagestore.DefaultBadgerConfig(filepath.Join(s.DataDir, "badger"))
		cfg.Logger = log.WithField("module", "badger")
		store, err = pagestore.OpenBadger(cfg)
	case storeBolt:
		store, err = pagestore.OpenBolt(pagestore.DefaultBoltConfig(filepath.Join(s.DataDir, "pages.db")))
	case storeRemote:
		store, err = pagestore.DialRemote(pagestore.DefaultRemoteConfig(s.Endpoint), log)
	case storeMemory:
		store = pagestore.NewMemStore()
	default:
		return nil, fmt.Errorf("unknown page store %q", s.Store)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s page store: %w", s.Store, err)
	}
	return store, nil
}
