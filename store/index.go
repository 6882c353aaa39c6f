package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/mfairley/certflow/internal/util"
)

const indexFileName = "certificates.json"

// loadIndex reads certificates.json into a fingerprint-keyed map. A missing
// file is an empty store.
func loadIndex(path string) (map[string]*Certificate, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]*Certificate{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}

	var raw map[string]*Certificate
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing index: %w", err)
	}
	for fp, cert := range raw {
		cert.Fingerprint = fp
	}
	return raw, nil
}

// saveIndexLocked writes the index atomically: temp sibling, fsync, rename.
// The caller holds the store mutex.
func (s *Store) saveIndexLocked() error {
	data, err := json.MarshalIndent(s.certs, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}
	if err := util.WriteFileAtomic(s.indexPath, data, 0o600); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	return nil
}
