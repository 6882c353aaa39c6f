package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mfairley/certflow/activity"
	"github.com/mfairley/certflow/internal/util"
	"github.com/mfairley/certflow/issuer"
)

// RenewOptions tunes one renewal.
type RenewOptions struct {
	// SkipIdle leaves queued idle SANs out of the renewed certificate.
	// The default folds them into the active sets.
	SkipIdle bool
}

// renewal tracks one in-flight renewal so concurrent requests for the same
// fingerprint coalesce: the first caller drives the issuer, the rest wait
// and receive the same successor certificate.
type renewal struct {
	done chan struct{}
	cert *Certificate
	err  error
}

// Renew issues a successor for the certificate keyed by fp and supersedes
// the old record. The old material is archived and listed under the new
// record's previous versions.
func (s *Store) Renew(ctx context.Context, fp string, opts RenewOptions) (*Certificate, error) {
	fp = strings.ToLower(fp)

	s.renewMu.Lock()
	if r, inflight := s.renewals[fp]; inflight {
		s.renewMu.Unlock()
		select {
		case <-r.done:
			if r.err != nil {
				return nil, r.err
			}
			return r.cert.Clone(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r := &renewal{done: make(chan struct{})}
	s.renewals[fp] = r
	s.renewMu.Unlock()

	cert, err := s.renew(ctx, fp, opts)

	s.renewMu.Lock()
	r.cert, r.err = cert, err
	delete(s.renewals, fp)
	s.renewMu.Unlock()
	close(r.done)

	if err != nil {
		return nil, err
	}
	return cert.Clone(), nil
}

// successorOf finds the live certificate that superseded fp, if any.
func (s *Store) successorOf(fp string) *Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cert := range s.certs {
		for _, pv := range cert.PreviousVersions {
			if pv.Fingerprint == fp {
				return cert.Clone()
			}
		}
	}
	return nil
}

// successorFPLocked is successorOf for callers already holding s.mu.
func (s *Store) successorFPLocked(fp string) string {
	for live, cert := range s.certs {
		for _, pv := range cert.PreviousVersions {
			if pv.Fingerprint == fp {
				return live
			}
		}
	}
	return ""
}

// renewInFlight reports whether fp currently has a renewal running.
func (s *Store) renewInFlight(fp string) bool {
	s.renewMu.Lock()
	defer s.renewMu.Unlock()
	_, ok := s.renewals[fp]
	return ok
}

func (s *Store) renew(ctx context.Context, fp string, opts RenewOptions) (*Certificate, error) {
	// Index lookup, not a verified read: renewal must work when the
	// material vanished from disk.
	old, err := s.getRecord(fp)
	if err != nil {
		// A request racing a completed renewal targets a superseded
		// fingerprint; hand back the successor instead of failing.
		if errors.Is(err, ErrNotFound) {
			if succ := s.successorOf(fp); succ != nil {
				return succ, nil
			}
		}
		return nil, err
	}

	domains := old.SANs.Domains
	ips := old.SANs.IPs
	if !opts.SkipIdle {
		domains = unionStrings(domains, old.SANs.IdleDomains)
		ips = unionStrings(ips, old.SANs.IdleIPs)
	}

	var signer *issuer.Signer
	if old.Type != TypeRootCA {
		signer, err = s.signerFor(old.IssuerFingerprint)
		if err != nil {
			return nil, err
		}
		defer util.WipeBytes(signer.Passphrase)
	}

	req := CreateRequest{
		Name:              old.Name,
		Type:              old.Type,
		Subject:           old.Subject,
		Domains:           domains,
		IPs:               ips,
		KeyAlgorithm:      old.KeyAlgorithm,
		KeySize:           old.KeySize,
		Curve:             old.Curve,
		Days:              validityDays(old.Validity),
		IssuerFingerprint: old.IssuerFingerprint,
		EncryptKey:        old.Config.PassphraseProtected,
		ExportP12:         old.Paths.P12 != "",
	}

	result, workDir, err := s.issue(ctx, &req, signer)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)
	defer util.WipeBytes(result.Passphrase)

	now := time.Now().UTC()
	if old.Config.BackupOnRenew {
		if err := backupMaterial(old, now); err != nil {
			s.logger.Warn("backing up before renewal", "name", old.Name, "error", err)
		}
	}

	cert, err := s.commitRenewal(old, result, domains, ips, opts.SkipIdle, now)
	if err != nil {
		return nil, err
	}

	s.sink.Emit(activity.KindCertificateRenewed, map[string]string{
		"fingerprint": cert.Fingerprint,
		"superseded":  old.Fingerprint,
		"name":        cert.Name,
	}, "store")
	s.logger.Info("certificate renewed",
		"name", cert.Name,
		"old", old.Fingerprint,
		"new", cert.Fingerprint)
	return cert, nil
}

// commitRenewal writes the successor's material, archives the superseded
// directory, and swaps the index entry in one locked section.
func (s *Store) commitRenewal(old *Certificate, result *issuer.Result, domains, ips []string, skippedIdle bool, now time.Time) (*Certificate, error) {
	dir := s.certDir(old.Name, result.Fingerprint)
	paths, err := writeMaterial(dir, result.CertPEM, result.KeyPEM, result.CSRPEM, result.ChainPEM, result.P12)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	cert := old.Clone()
	cert.Fingerprint = result.Fingerprint
	cert.SANs.Domains = domains
	cert.SANs.IPs = ips
	if !skippedIdle {
		cert.SANs.IdleDomains = nil
		cert.SANs.IdleIPs = nil
	}
	cert.Validity = Validity{
		NotBefore: result.Certificate.NotBefore.UTC(),
		NotAfter:  result.Certificate.NotAfter.UTC(),
	}
	cert.Paths = paths

	if len(result.Passphrase) > 0 {
		h, err := s.kr.Wrap(result.Passphrase)
		if err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("wrapping key passphrase: %w", err)
		}
		if cert.Config.PassphraseProtected {
			cert.Passphrase = &h
		}
		if len(result.P12) > 0 {
			p12h := h
			cert.P12Passphrase = &p12h
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prior, still := s.certs[old.Fingerprint]
	if !still {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("certificate %s changed during renewal: %w", old.Fingerprint, ErrConflict)
	}

	// The signing CA may itself have been renewed while this issuance ran;
	// follow the supersession edge so the reference stays live.
	if cert.IssuerFingerprint != "" {
		if _, live := s.certs[cert.IssuerFingerprint]; !live {
			if succ := s.successorFPLocked(cert.IssuerFingerprint); succ != "" {
				cert.IssuerFingerprint = succ
			}
		}
	}

	// A certificate whose directory vanished has nothing to archive.
	archived := prior.Paths
	if _, statErr := os.Stat(filepath.Dir(prior.Paths.Crt)); statErr == nil {
		archived, err = s.archiveCertDir(prior, now)
		if err != nil {
			os.RemoveAll(dir)
			return nil, err
		}
	}
	cert.PreviousVersions = append(cert.PreviousVersions, PreviousVersion{
		Fingerprint: old.Fingerprint,
		ArchivedAt:  now,
		Paths:       archived,
	})

	delete(s.certs, old.Fingerprint)
	s.certs[cert.Fingerprint] = cert

	// A renewed CA keeps signing its children; repoint their issuer
	// references at the successor.
	var repointed []string
	if cert.Type.IsCA() {
		for fp, child := range s.certs {
			if child.IssuerFingerprint == old.Fingerprint {
				updated := child.Clone()
				updated.IssuerFingerprint = cert.Fingerprint
				s.certs[fp] = updated
				repointed = append(repointed, fp)
			}
		}
	}

	if err := s.saveIndexLocked(); err != nil {
		delete(s.certs, cert.Fingerprint)
		s.certs[old.Fingerprint] = prior
		for _, fp := range repointed {
			child := s.certs[fp].Clone()
			child.IssuerFingerprint = old.Fingerprint
			s.certs[fp] = child
		}
		os.RemoveAll(dir)
		return nil, err
	}
	return cert, nil
}

// validityDays reproduces the original validity length in whole days.
func validityDays(v Validity) int {
	days := int(v.NotAfter.Sub(v.NotBefore).Hours() / 24)
	if days <= 0 {
		days = 1
	}
	return days
}

// unionStrings merges b into a, preserving a's order and dropping
// duplicates.
func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
