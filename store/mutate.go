package store

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mfairley/certflow/activity"
	"github.com/mfairley/certflow/deploy"
	"github.com/mfairley/certflow/issuer"
)

// ConfigPatch is a partial update of a certificate's mutable fields. Nil
// members are left untouched.
type ConfigPatch struct {
	Name                  *string          `json:"name,omitempty"`
	AutoRenew             *bool            `json:"autoRenew,omitempty"`
	RenewDaysBeforeExpiry *int             `json:"renewDaysBeforeExpiry,omitempty"`
	BackupOnRenew         *bool            `json:"backupOnRenew,omitempty"`
	DeployActions         *[]deploy.Action `json:"deployActions,omitempty"`
}

// UpdateConfig applies a partial config update and persists the index.
// Deploy-action secrets arriving as plaintext are wrapped; the mask keeps
// the stored handle and an empty string clears it.
func (s *Store) UpdateConfig(fp string, patch ConfigPatch) (*Certificate, error) {
	fp = strings.ToLower(fp)

	s.mu.Lock()
	defer s.mu.Unlock()

	cert, ok := s.certs[fp]
	if !ok {
		return nil, fmt.Errorf("%s: %w", fp, ErrNotFound)
	}

	updated := cert.Clone()
	if patch.Name != nil {
		name := *patch.Name
		if name == "" {
			return nil, fmt.Errorf("%w: name cannot be empty", ErrValidation)
		}
		if other := s.byNameLocked(name); other != nil && other.Fingerprint != fp {
			return nil, fmt.Errorf("name %q already exists: %w", name, ErrConflict)
		}
		updated.Name = name
	}
	if patch.AutoRenew != nil {
		updated.Config.AutoRenew = *patch.AutoRenew
	}
	if patch.RenewDaysBeforeExpiry != nil {
		if *patch.RenewDaysBeforeExpiry <= 0 {
			return nil, fmt.Errorf("%w: renewDaysBeforeExpiry must be positive", ErrValidation)
		}
		updated.Config.RenewDaysBeforeExpiry = *patch.RenewDaysBeforeExpiry
	}
	if patch.BackupOnRenew != nil {
		updated.Config.BackupOnRenew = *patch.BackupOnRenew
	}
	if patch.DeployActions != nil {
		actions, err := s.sealActions(*patch.DeployActions, cert.Config.DeployActions)
		if err != nil {
			return nil, err
		}
		updated.Config.DeployActions = actions
	}

	s.certs[fp] = updated
	if err := s.saveIndexLocked(); err != nil {
		s.certs[fp] = cert
		return nil, err
	}
	return updated.Clone(), nil
}

// sealActions gives new actions stable ids and wraps incoming plaintext
// secrets against the previously stored actions.
func (s *Store) sealActions(incoming, existing []deploy.Action) ([]deploy.Action, error) {
	prior := make(map[string]deploy.Action, len(existing))
	for _, a := range existing {
		prior[a.ID] = a
	}

	out := make([]deploy.Action, 0, len(incoming))
	for _, a := range incoming {
		if a.Type == "" {
			return nil, fmt.Errorf("%w: deploy action requires a type", ErrValidation)
		}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		var existingCfg []byte
		if p, ok := prior[a.ID]; ok {
			existingCfg = p.Config
		}
		sealed, err := deploy.SealSecrets(a.Type, a.Config, existingCfg, s.kr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		a.Config = sealed
		out = append(out, a)
	}
	return out, nil
}

// SANMode selects whether an added SAN becomes active immediately or waits
// for the next renewal.
type SANMode string

const (
	SANActive SANMode = "active"
	SANIdle   SANMode = "idle"
)

// AddSAN queues or activates one domain or IP entry. Active and idle sets
// stay disjoint; re-adding an existing entry fails validation.
func (s *Store) AddSAN(fp, entry string, mode SANMode) (*Certificate, error) {
	fp = strings.ToLower(fp)

	isIP := false
	if _, err := netip.ParseAddr(entry); err == nil {
		isIP = true
		canon, err := issuer.CanonicalIP(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		entry = canon
	} else if err := issuer.ValidateDomain(entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if mode != SANActive && mode != SANIdle {
		return nil, fmt.Errorf("%w: unknown SAN mode %q", ErrValidation, mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cert, ok := s.certs[fp]
	if !ok {
		return nil, fmt.Errorf("%s: %w", fp, ErrNotFound)
	}

	updated := cert.Clone()
	active, idle := &updated.SANs.Domains, &updated.SANs.IdleDomains
	if isIP {
		active, idle = &updated.SANs.IPs, &updated.SANs.IdleIPs
	}
	if containsString(*active, entry) || containsString(*idle, entry) {
		return nil, fmt.Errorf("%w: SAN %q already present", ErrValidation, entry)
	}
	if mode == SANActive {
		*active = append(*active, entry)
	} else {
		*idle = append(*idle, entry)
	}

	s.certs[fp] = updated
	if err := s.saveIndexLocked(); err != nil {
		s.certs[fp] = cert
		return nil, err
	}
	return updated.Clone(), nil
}

// RemoveSAN drops one entry from whichever SAN set holds it.
func (s *Store) RemoveSAN(fp, entry string) (*Certificate, error) {
	fp = strings.ToLower(fp)

	s.mu.Lock()
	defer s.mu.Unlock()

	cert, ok := s.certs[fp]
	if !ok {
		return nil, fmt.Errorf("%s: %w", fp, ErrNotFound)
	}

	updated := cert.Clone()
	removed := false
	for _, set := range []*[]string{
		&updated.SANs.Domains, &updated.SANs.IPs,
		&updated.SANs.IdleDomains, &updated.SANs.IdleIPs,
	} {
		if next, ok := removeString(*set, entry); ok {
			*set = next
			removed = true
		}
	}
	if !removed {
		return nil, fmt.Errorf("SAN %q: %w", entry, ErrNotFound)
	}

	s.certs[fp] = updated
	if err := s.saveIndexLocked(); err != nil {
		s.certs[fp] = cert
		return nil, err
	}
	return updated.Clone(), nil
}

// Delete archives a certificate's material and removes its index entry. A
// CA still referenced by live certificates, or a certificate with a
// renewal in flight, cannot be deleted.
func (s *Store) Delete(fp string) error {
	fp = strings.ToLower(fp)

	if s.renewInFlight(fp) {
		return fmt.Errorf("renewal in flight for %s: %w", fp, ErrInUse)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cert, ok := s.certs[fp]
	if !ok {
		return fmt.Errorf("%s: %w", fp, ErrNotFound)
	}
	for _, other := range s.certs {
		if other.IssuerFingerprint == fp {
			return fmt.Errorf("%s still signs %q: %w", fp, other.Name, ErrInUse)
		}
	}

	if _, err := os.Stat(filepath.Dir(cert.Paths.Crt)); err == nil {
		if _, err := s.archiveCertDir(cert, time.Now().UTC()); err != nil {
			return err
		}
	}

	delete(s.certs, fp)
	if err := s.saveIndexLocked(); err != nil {
		s.certs[fp] = cert
		return err
	}

	s.sink.Emit(activity.KindCertificateDeleted, map[string]string{
		"fingerprint": fp,
		"name":        cert.Name,
	}, "store")
	s.logger.Info("certificate deleted", "name", cert.Name, "fingerprint", fp)
	return nil
}

// FlagDeployCredential marks one action's stored credential as rejected so
// operators can spot it. Missing certificates or actions are ignored.
func (s *Store) FlagDeployCredential(fp, actionID string) {
	fp = strings.ToLower(fp)

	s.mu.Lock()
	defer s.mu.Unlock()

	cert, ok := s.certs[fp]
	if !ok {
		return
	}
	updated := cert.Clone()
	changed := false
	for i := range updated.Config.DeployActions {
		if updated.Config.DeployActions[i].ID == actionID {
			updated.Config.DeployActions[i].CredentialFlagged = true
			changed = true
		}
	}
	if !changed {
		return
	}
	s.certs[fp] = updated
	if err := s.saveIndexLocked(); err != nil {
		s.certs[fp] = cert
		s.logger.Warn("flagging deploy credential", "fingerprint", fp, "error", err)
	}
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(set []string, s string) ([]string, bool) {
	for i, v := range set {
		if v == s {
			return append(set[:i:i], set[i+1:]...), true
		}
	}
	return set, false
}
