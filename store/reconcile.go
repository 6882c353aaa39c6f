package store

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mfairley/certflow/activity"
	"github.com/mfairley/certflow/issuer"
)

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Added     int `json:"added"`
	Reindexed int `json:"reindexed"`
	Missing   int `json:"missing"`
}

// RefreshFromDisk scans the store root and reconciles the index with what
// is actually there: unknown certificate files become new entries with
// defaulted config, changed files are reindexed under their current
// fingerprint, and records whose material vanished are marked missing.
func (s *Store) RefreshFromDisk() (ReconcileResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res ReconcileResult

	// Pass 1: verify every indexed record against its files.
	for fp, cert := range s.certs {
		parsed, err := readCertFile(cert.Paths.Crt)
		if err != nil {
			if !cert.Missing {
				cert.Missing = true
				res.Missing++
				s.logger.Warn("certificate material missing", "name", cert.Name, "fingerprint", fp)
			}
			continue
		}
		if cert.Missing {
			cert.Missing = false
		}
		actual := issuer.Fingerprint(parsed.Raw)
		if actual == fp {
			continue
		}

		updated := cert.Clone()
		updated.PreviousVersions = append(updated.PreviousVersions, PreviousVersion{
			Fingerprint: fp,
			ArchivedAt:  time.Now().UTC(),
			Paths:       cert.Paths,
		})
		updated.Fingerprint = actual
		updated.Validity = Validity{
			NotBefore: parsed.NotBefore.UTC(),
			NotAfter:  parsed.NotAfter.UTC(),
		}
		updated.SANs.Domains = parsed.DNSNames
		updated.SANs.IPs = ipStrings(parsed)
		delete(s.certs, fp)
		s.certs[actual] = updated
		res.Reindexed++

		s.sink.Emit(activity.KindStoreReconciled, map[string]string{
			"name": updated.Name,
			"old":  fp,
			"new":  actual,
		}, "store")
	}

	// Pass 2: adopt certificate directories the index does not know.
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return res, fmt.Errorf("scanning store root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		crtPath := filepath.Join(s.root, e.Name(), certFileName)
		parsed, err := readCertFile(crtPath)
		if err != nil {
			continue
		}
		fp := issuer.Fingerprint(parsed.Raw)
		if _, known := s.certs[fp]; known {
			continue
		}

		cert := s.adoptLocked(parsed, filepath.Join(s.root, e.Name()))
		s.certs[fp] = cert
		res.Added++
		s.logger.Info("adopted certificate from disk", "name", cert.Name, "fingerprint", fp)
	}

	if res.Added > 0 || res.Reindexed > 0 || res.Missing > 0 {
		if err := s.saveIndexLocked(); err != nil {
			return res, err
		}
	}
	return res, nil
}

// adoptLocked builds a defaulted record for a certificate found on disk but
// absent from the index.
func (s *Store) adoptLocked(parsed *x509.Certificate, dir string) *Certificate {
	name := parsed.Subject.CommonName
	if name == "" {
		name = filepath.Base(dir)
	}
	for s.byNameLocked(name) != nil {
		name += "-found"
	}

	typ := TypeServer
	if parsed.IsCA {
		typ = TypeIntermediateCA
		if parsed.CheckSignatureFrom(parsed) == nil {
			typ = TypeRootCA
		}
	}

	alg := issuer.AlgorithmRSA
	keySize := 0
	curve := ""
	switch pub := parsed.PublicKey.(type) {
	case *rsa.PublicKey:
		keySize = pub.N.BitLen()
	case *ecdsa.PublicKey:
		alg = issuer.AlgorithmECDSA
		curve = pub.Curve.Params().Name
	}

	cert := &Certificate{
		Fingerprint: issuer.Fingerprint(parsed.Raw),
		Name:        name,
		Type:        typ,
		Subject:     fromPKIXName(parsed),
		SANs: SANs{
			Domains: parsed.DNSNames,
			IPs:     ipStrings(parsed),
		},
		KeyAlgorithm: alg,
		KeySize:      keySize,
		Curve:        curve,
		Validity: Validity{
			NotBefore: parsed.NotBefore.UTC(),
			NotAfter:  parsed.NotAfter.UTC(),
		},
		Paths: Paths{
			Crt: filepath.Join(dir, certFileName),
			Key: filepath.Join(dir, keyFileName),
		},
		Config: Config{
			RenewDaysBeforeExpiry: s.defaults.RenewDaysBeforeExpiry,
		},
	}
	if _, err := os.Stat(filepath.Join(dir, chainFileName)); err == nil {
		cert.Paths.Chain = filepath.Join(dir, chainFileName)
	}
	if _, err := os.Stat(filepath.Join(dir, csrFileName)); err == nil {
		cert.Paths.CSR = filepath.Join(dir, csrFileName)
	}
	return cert
}

func fromPKIXName(parsed *x509.Certificate) Subject {
	sub := Subject{CommonName: parsed.Subject.CommonName}
	if len(parsed.Subject.Organization) > 0 {
		sub.Organization = parsed.Subject.Organization[0]
	}
	if len(parsed.Subject.OrganizationalUnit) > 0 {
		sub.OrganizationalUnit = parsed.Subject.OrganizationalUnit[0]
	}
	if len(parsed.Subject.Country) > 0 {
		sub.Country = parsed.Subject.Country[0]
	}
	if len(parsed.Subject.Province) > 0 {
		sub.State = parsed.Subject.Province[0]
	}
	if len(parsed.Subject.Locality) > 0 {
		sub.Locality = parsed.Subject.Locality[0]
	}
	return sub
}

func ipStrings(parsed *x509.Certificate) []string {
	if len(parsed.IPAddresses) == 0 {
		return nil
	}
	out := make([]string, len(parsed.IPAddresses))
	for i, ip := range parsed.IPAddresses {
		out[i] = ip.String()
	}
	return out
}
