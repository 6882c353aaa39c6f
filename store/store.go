package store

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mfairley/certflow/activity"
	"github.com/mfairley/certflow/deploy"
	"github.com/mfairley/certflow/issuer"
	"github.com/mfairley/certflow/keyring"
)

var (
	// ErrNotFound indicates an unknown fingerprint or name.
	ErrNotFound = errors.New("certificate not found")

	// ErrConflict indicates a name collision or concurrent modification.
	ErrConflict = errors.New("conflict")

	// ErrInUse indicates the certificate still signs live certificates or
	// has a renewal in flight.
	ErrInUse = errors.New("certificate in use")

	// ErrValidation indicates a malformed request.
	ErrValidation = errors.New("validation error")
)

// Defaults are the configuration-supplied fallbacks applied to new
// certificates and issuance requests.
type Defaults struct {
	RenewDaysBeforeExpiry int
	RootCADays            int
	IntermediateCADays    int
	StandardDays          int
}

func (d *Defaults) fill() {
	if d.RenewDaysBeforeExpiry <= 0 {
		d.RenewDaysBeforeExpiry = 30
	}
	if d.RootCADays <= 0 {
		d.RootCADays = 3650
	}
	if d.IntermediateCADays <= 0 {
		d.IntermediateCADays = 1825
	}
	if d.StandardDays <= 0 {
		d.StandardDays = 365
	}
}

// Options configures a Store.
type Options struct {
	Root     string
	Keyring  *keyring.Keyring
	Issuer   issuer.Issuer
	Sink     activity.Sink
	Logger   *slog.Logger
	Defaults Defaults
}

// Store owns the certificate index and every mutation of the on-disk
// material. One process owns one store; all index writes serialize through
// its mutex, and renewals additionally serialize per fingerprint.
type Store struct {
	root      string
	indexPath string
	kr        *keyring.Keyring
	issuer    issuer.Issuer
	sink      activity.Sink
	logger    *slog.Logger
	defaults  Defaults

	mu    sync.Mutex
	certs map[string]*Certificate

	renewMu  sync.Mutex
	renewals map[string]*renewal
}

// Open loads (or initializes) the store rooted at opts.Root.
func Open(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("%w: store root required", ErrValidation)
	}
	if err := os.MkdirAll(opts.Root, 0o700); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}
	if opts.Sink == nil {
		opts.Sink = activity.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Defaults.fill()

	indexPath := filepath.Join(opts.Root, indexFileName)
	certs, err := loadIndex(indexPath)
	if err != nil {
		return nil, err
	}

	s := &Store{
		root:      opts.Root,
		indexPath: indexPath,
		kr:        opts.Keyring,
		issuer:    opts.Issuer,
		sink:      opts.Sink,
		logger:    opts.Logger,
		defaults:  opts.Defaults,
		certs:     certs,
		renewals:  make(map[string]*renewal),
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// HasHandles reports whether any stored record references a wrapped secret.
// Startup refuses to run without the master key file when this is true.
func (s *Store) HasHandles() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cert := range s.certs {
		if cert.Passphrase != nil || cert.P12Passphrase != nil {
			return true
		}
		for _, a := range cert.Config.DeployActions {
			if len(deploy.SecretFieldsFor(a.Type)) > 0 && len(a.Config) > 0 {
				return true
			}
		}
	}
	return false
}

// Filter selects certificates in List.
type Filter struct {
	Type Type
	// Name matches the exact certificate name when set.
	Name string
	// ExpiringWithin selects certificates whose notAfter falls within the
	// window from now.
	ExpiringWithin time.Duration
}

func (f Filter) matches(c *Certificate, now time.Time) bool {
	if f.Type != "" && c.Type != f.Type {
		return false
	}
	if f.Name != "" && c.Name != f.Name {
		return false
	}
	if f.ExpiringWithin > 0 && !c.ExpiresWithin(now, f.ExpiringWithin) {
		return false
	}
	return true
}

// List returns a snapshot of certificates matching the filter, ordered by
// ascending notAfter.
func (s *Store) List(f Filter) []*Certificate {
	now := time.Now()

	s.mu.Lock()
	out := make([]*Certificate, 0, len(s.certs))
	for _, cert := range s.certs {
		if f.matches(cert, now) {
			out = append(out, cert.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Validity.NotAfter.Equal(out[j].Validity.NotAfter) {
			return out[i].Validity.NotAfter.Before(out[j].Validity.NotAfter)
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

// GetByFingerprint returns the certificate keyed by fp. The on-disk
// certificate is re-read and its fingerprint recomputed; a mismatch
// reindexes the record under the new fingerprint.
func (s *Store) GetByFingerprint(fp string) (*Certificate, error) {
	fp = strings.ToLower(fp)

	s.mu.Lock()
	cert, ok := s.certs[fp]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", fp, ErrNotFound)
	}
	out, err := s.verifyOnReadLocked(cert)
	s.mu.Unlock()
	return out, err
}

// GetByName resolves a certificate by its unique name.
func (s *Store) GetByName(name string) (*Certificate, error) {
	s.mu.Lock()
	cert := s.byNameLocked(name)
	if cert == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	out, err := s.verifyOnReadLocked(cert)
	s.mu.Unlock()
	return out, err
}

// getRecord returns the indexed record without verifying the on-disk
// material.
func (s *Store) getRecord(fp string) (*Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cert, ok := s.certs[strings.ToLower(fp)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", fp, ErrNotFound)
	}
	return cert.Clone(), nil
}

func (s *Store) byNameLocked(name string) *Certificate {
	for _, cert := range s.certs {
		if cert.Name == name {
			return cert
		}
	}
	return nil
}

// verifyOnReadLocked recomputes the fingerprint from cert.crt. When it
// still matches the index key, a clone is returned; otherwise the record is
// reindexed under the new fingerprint, the old one recorded as superseded,
// and a reconciliation event emitted.
func (s *Store) verifyOnReadLocked(cert *Certificate) (*Certificate, error) {
	parsed, err := readCertFile(cert.Paths.Crt)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", cert.Paths.Crt, err)
	}
	fp := issuer.Fingerprint(parsed.Raw)
	if fp == cert.Fingerprint {
		return cert.Clone(), nil
	}

	s.logger.Warn("fingerprint mismatch on read, reindexing",
		"name", cert.Name,
		"indexed", cert.Fingerprint,
		"actual", fp)

	updated := cert.Clone()
	updated.PreviousVersions = append(updated.PreviousVersions, PreviousVersion{
		Fingerprint: cert.Fingerprint,
		ArchivedAt:  time.Now().UTC(),
		Paths:       cert.Paths,
	})
	updated.Fingerprint = fp
	updated.Validity = Validity{
		NotBefore: parsed.NotBefore.UTC(),
		NotAfter:  parsed.NotAfter.UTC(),
	}

	delete(s.certs, cert.Fingerprint)
	s.certs[fp] = updated
	if err := s.saveIndexLocked(); err != nil {
		// Restore the previous in-memory state; the index on disk is
		// untouched by a failed atomic write.
		delete(s.certs, fp)
		s.certs[cert.Fingerprint] = cert
		return nil, err
	}

	s.sink.Emit(activity.KindStoreReconciled, map[string]string{
		"name": updated.Name,
		"old":  cert.Fingerprint,
		"new":  fp,
	}, "store")
	return updated.Clone(), nil
}

// readCertFile parses the first PEM certificate block in the file.
func readCertFile(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no certificate PEM block in %s", path)
	}
	return x509.ParseCertificate(block.Bytes)
}
