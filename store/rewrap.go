package store

import (
	"fmt"

	"github.com/mfairley/certflow/deploy"
	"github.com/mfairley/certflow/keyring"
)

// RewrapHandles re-wraps every stored secret handle under a new key
// version and persists the index atomically. It is the store's side of a
// master-key rotation: the keyring calls it before flipping the active
// version, so a failure leaves both the key file and the index unchanged.
func (s *Store) RewrapHandles(rewrap keyring.RewrapFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := make(map[string]*Certificate, len(s.certs))
	for fp, cert := range s.certs {
		c := cert.Clone()
		if c.Passphrase != nil {
			h, err := rewrap(*c.Passphrase)
			if err != nil {
				return fmt.Errorf("rewrapping passphrase of %s: %w", fp, err)
			}
			c.Passphrase = &h
		}
		if c.P12Passphrase != nil {
			h, err := rewrap(*c.P12Passphrase)
			if err != nil {
				return fmt.Errorf("rewrapping bundle passphrase of %s: %w", fp, err)
			}
			c.P12Passphrase = &h
		}
		for i, a := range c.Config.DeployActions {
			cfg, _, err := deploy.RewrapSecrets(a.Type, a.Config, rewrap)
			if err != nil {
				return fmt.Errorf("rewrapping action %s of %s: %w", a.ID, fp, err)
			}
			c.Config.DeployActions[i].Config = cfg
		}
		updated[fp] = c
	}

	prior := s.certs
	s.certs = updated
	if err := s.saveIndexLocked(); err != nil {
		s.certs = prior
		return err
	}
	return nil
}
