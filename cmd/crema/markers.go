package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// fileMarkerStore persists the last-known-address marker as one small file
// per peripheral role, so the next start can reconnect without a scan.
type fileMarkerStore struct {
	dir string
}

func newFileMarkerStore(dir string) (*fileMarkerStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create marker directory: %w", err)
	}
	return &fileMarkerStore{dir: dir}, nil
}

func (s *fileMarkerStore) path(role string) string {
	return filepath.Join(s.dir, role+".addr")
}

func (s *fileMarkerStore) Put(role, address string) error {
	return os.WriteFile(s.path(role), []byte(address+"\n"), 0o644)
}

func (s *fileMarkerStore) Remove(role string) error {
	err := os.Remove(s.path(role))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Lookup returns the persisted address for a role, "" when none.
func (s *fileMarkerStore) Lookup(role string) string {
	data, err := os.ReadFile(s.path(role))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
